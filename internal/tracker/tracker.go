// Package tracker is the Delivery Tracker (spec §4.6, component C6): it
// owns every Delivery row after the Scheduler creates it, drives the state
// machine defined in internal/models/delivery.go, resolves fallback
// content when nothing is schedulable, and fans out billing and
// performance updates on every DELIVERED transition.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"go.uber.org/zap"
)

// nowFn allows deterministic time injection in tests.
var nowFn = time.Now

// Config holds the Tracker's tunables, mirroring the Scheduler's slot
// granularity and grace window (spec §4.6).
type Config struct {
	Granularity time.Duration // G, default 5 minutes
	GraceWindow time.Duration // default one slot
}

// Tracker drives Delivery state transitions, billing, and the audience
// metrics fan-out (spec §4.6).
type Tracker struct {
	store   models.Store
	perf    *performance.Store
	billing billing.Sink
	analyzer oracle.AudienceAnalyzer
	metrics observability.MetricsRegistry
	logger  *zap.Logger
	cfg     Config

	// locks serializes transitions per Delivery so two concurrent
	// playback reports (or a report racing an expiry sweep) can't both
	// observe the same prior state and double-apply (spec §5 "row-lock
	// / compare-and-swap on (deliveryID, expectedState)").
	locks sync.Map // deliveryID -> *sync.Mutex

	aggMu sync.Mutex
	agg   map[int]*CampaignAudienceAggregate
}

// New builds a Tracker. analyzer may be oracle.NullAnalyzer{} when no
// external AudienceAnalyzer is configured.
func New(store models.Store, perf *performance.Store, sink billing.Sink, analyzer oracle.AudienceAnalyzer, metrics observability.MetricsRegistry, logger *zap.Logger, cfg Config) *Tracker {
	if cfg.Granularity <= 0 {
		cfg.Granularity = 5 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = cfg.Granularity
	}
	return &Tracker{
		store: store, perf: perf, billing: sink, analyzer: analyzer,
		metrics: metrics, logger: logger, cfg: cfg,
		agg: make(map[int]*CampaignAudienceAggregate),
	}
}

func (t *Tracker) lockFor(deliveryID string) *sync.Mutex {
	v, _ := t.locks.LoadOrStore(deliveryID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// PullQueue returns the device's promotable SCHEDULED deliveries, ordered
// by scheduledTime, whose scheduledTime falls within lookahead of now
// (spec §4.7). It does not mutate state: promotion to DELIVERING is
// deferred until the device reports playback start, so a still-queued
// entry can still be preempted.
func (t *Tracker) PullQueue(deviceID string, lookahead time.Duration) []models.Delivery {
	now := nowFn()
	horizon := now.Add(lookahead)
	var out []models.Delivery
	for _, d := range t.store.GetDeliveriesByDevice(deviceID) {
		if d.State != models.DeliveryScheduled {
			continue
		}
		if d.ScheduledTime.After(horizon) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

// ToQueueEntry renders a Delivery as the wire shape PullQueue returns
// (spec §6 `GET /devices/{id}/queue`).
func ToQueueEntry(d models.Delivery, campaign models.Campaign, creative models.Creative) models.QueueEntry {
	return models.QueueEntry{
		DeliveryID:    d.ID,
		ScheduledTime: d.ScheduledTime.UTC().Format(time.RFC3339),
		Creative: models.QueueCreative{
			Type: creative.Type, URL: creative.URL, Format: creative.Format,
			Duration: d.DurationSeconds, Width: creative.Width, Height: creative.Height,
		},
		Campaign: models.QueueCampaign{ID: campaign.ID, PricingModel: campaign.PricingModel},
		Priority: d.Priority,
	}
}

// ApplyPlayback drives the DELIVERING/DELIVERED/FAILED transitions from a
// device's playback report (spec §4.6). A SCHEDULED delivery is promoted
// to DELIVERING implicitly here, as the report is the device's evidence
// that playback actually started; this is where §4.7's deferred promotion
// happens. Duplicate reports against an already-terminal delivery are
// no-ops that return the existing final state (spec §4.6 idempotency,
// §8 invariant 5).
func (t *Tracker) ApplyPlayback(ctx context.Context, deliveryID string, report models.PlaybackReport) (models.Delivery, error) {
	mu := t.lockFor(deliveryID)
	mu.Lock()
	defer mu.Unlock()

	d := t.store.GetDelivery(deliveryID)
	if d == nil {
		return models.Delivery{}, deliveryerr.ErrNotFound
	}

	if models.IsTerminal(d.State) {
		// Idempotent no-op: return the existing final counters/state
		// unchanged, whether this is a genuine retry or a late report
		// arriving after a preemption cancelled the delivery.
		return *d, nil
	}

	working := *d
	if working.State == models.DeliveryScheduled {
		promoted, err := working.Transition(models.DeliveryDelivering)
		if err != nil {
			return models.Delivery{}, err
		}
		working = promoted
	}

	ratio := report.CompletionRatio(working.DurationSeconds)
	completed := report.Completed || ratio >= 0.75

	var final models.Delivery
	var err error
	if !completed && report.Interrupted {
		final, err = working.Transition(models.DeliveryFailed, models.WithPlayback(report), models.WithError(models.ErrorKindPlaybackInterrupt))
	} else if completed {
		final, err = working.Transition(models.DeliveryDelivered, models.WithPlayback(report))
	} else {
		// Playback reported but neither completed nor explicitly
		// interrupted: leave it DELIVERING: the timeout sweep will
		// eventually fail it if no further report arrives. Copy the
		// metadata slice rather than appending in place so this never
		// mutates a snapshot another reader may still hold.
		final = working
		final.Metadata = append(append([]models.DeliveryMetadata{}, working.Metadata...), models.WithPlayback(report))
	}
	if err != nil {
		return models.Delivery{}, err
	}

	if final.State == models.DeliveryDelivered {
		final.Counters.Impressions++
		if report.ViewerMetrics.EstimatedCount > 0 {
			final.Counters.Impressions += int64(report.ViewerMetrics.EstimatedCount) - 1
		}
		if completionImpliesEngagement(report) {
			final.Counters.Engagements++
		}
		final.Counters.Completions++
		final.ActualPlayTime = &report.StartTime
		final.LastPlaybackApplied = true
	}

	if err := deliveryerr.Retry(ctx, func() error { return t.store.UpdateDelivery(final) }); err != nil {
		return models.Delivery{}, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "persist delivery %s: %v", deliveryID, err)
	}

	if final.State == models.DeliveryDelivered {
		t.onDelivered(ctx, final, report)
	}
	if final.State == models.DeliveryFailed {
		t.metrics.IncrementPlayback("failed")
	}
	return final, nil
}

// completionImpliesEngagement treats any viewer attention above zero, or an
// explicit completed flag, as one engagement per delivery. The spec leaves
// the exact engagement definition to the implementer; this system counts a
// delivery as engaged when the audience pipeline reports a non-zero
// attention score or the device itself reports full completion.
func completionImpliesEngagement(r models.PlaybackReport) bool {
	return r.Completed || r.ViewerMetrics.AttentionScore > 0
}

// onDelivered performs the DELIVERED fan-out (spec §4.6 "Audience metrics
// fan-out"): campaign/creative aggregate updates, the Performance Store
// write the bandit reads next, and the BillingSink emission. Telemetry
// failures here are recorded and swallowed; they never unwind the state
// transition that already landed (spec §7 propagation policy).
func (t *Tracker) onDelivered(ctx context.Context, d models.Delivery, report models.PlaybackReport) {
	campaign := t.store.GetCampaign(d.CampaignID)
	creative := t.store.GetCreative(d.CreativeID)
	device := t.store.GetDevice(d.DeviceID)
	if campaign == nil || creative == nil || device == nil {
		t.logger.Warn("delivered delivery references missing entity", zap.String("delivery_id", d.ID))
		return
	}

	key := models.ContextKeyFor(campaign.ID, device.Class, d.ScheduledTime)
	delta := models.Counters{Impressions: d.Counters.Impressions, Engagements: d.Counters.Engagements, Completions: d.Counters.Completions}
	if err := t.perf.Incr(key, delta, d.ID); err != nil {
		t.logger.Warn("performance store incr failed", zap.Error(err), zap.String("delivery_id", d.ID))
	}

	snapshot := report.ViewerMetrics
	if _, err := t.analyzer.Analyze(ctx, snapshot); err != nil {
		t.metrics.IncrementOracleRequests("audience-analyzer", "error")
	} else {
		t.metrics.IncrementOracleRequests("audience-analyzer", "ok")
	}
	t.mergeCampaignAggregate(campaign.ID, snapshot)
	t.updateCreativeRunningStats(*creative, d.Counters, snapshot)

	today := d.ScheduledTime.Format("2006-01-02")
	updated := campaign.ApplySpend(billing.Cost(campaign.PricingModel, d.Counters), today)
	if err := deliveryerr.Retry(ctx, func() error { return t.store.UpdateCampaign(updated) }); err != nil {
		t.logger.Error("campaign spend persist failed", zap.Error(err), zap.Int("campaign_id", campaign.ID))
		t.metrics.IncrementSpendPersistErrors()
	} else {
		t.metrics.SetSpendTotal(fmt.Sprintf("%d", updated.ID), updated.SpendToDate)
	}

	event := billing.Event{
		DeliveryID: d.ID, CampaignID: campaign.ID, AdvertiserRef: campaign.AdvertiserRef,
		PartnerID: device.PartnerID, DeviceID: device.ID,
		Impressions: d.Counters.Impressions, Engagements: d.Counters.Engagements, Completions: d.Counters.Completions,
		PricingModel: campaign.PricingModel, Amount: billing.Cost(campaign.PricingModel, d.Counters),
		Timestamp: nowFn(),
	}
	if t.billing != nil {
		if err := t.billing.Emit(ctx, event); err != nil {
			t.logger.Warn("billing sink emit failed", zap.Error(err), zap.String("delivery_id", d.ID))
		}
	}
	t.metrics.IncrementPlayback("delivered")
}

// updateCreativeRunningStats folds one delivery's counters and attention
// score into the creative's running performance fields (spec §4.6(b)): an
// incremental average using the creative's prior impression count as the
// sample size, so no full history needs to be replayed.
func (t *Tracker) updateCreativeRunningStats(c models.Creative, counters models.DeliveryCounters, snapshot models.AudienceSnapshot) {
	priorN := c.Impressions
	c.Impressions += counters.Impressions
	c.Engagements += counters.Engagements
	if snapshot.AttentionScore > 0 {
		n := priorN + 1
		c.AttentionMean = (c.AttentionMean*float64(priorN) + snapshot.AttentionScore) / float64(n)
	}
	if err := t.store.UpdateCreative(c); err != nil {
		t.logger.Warn("creative running-stats persist failed", zap.Error(err), zap.Int("creative_id", c.ID))
	}
}

// CampaignAudienceAggregate is the per-campaign running audience rollup
// the Tracker maintains in-process (spec §4.6(a)). It is not itself
// persisted; it is a convenience view the `inspect-device`/`recompute-
// priors` CLI operations and any future reporting layer can read.
type CampaignAudienceAggregate struct {
	DeliveryCount int64
	MeanAttention float64
	Demographics  map[string]float64 // bucket -> running mean fraction
}

func (t *Tracker) mergeCampaignAggregate(campaignID int, snapshot models.AudienceSnapshot) {
	t.aggMu.Lock()
	defer t.aggMu.Unlock()
	a, ok := t.agg[campaignID]
	if !ok {
		a = &CampaignAudienceAggregate{Demographics: make(map[string]float64)}
		t.agg[campaignID] = a
	}
	n := a.DeliveryCount
	a.DeliveryCount++
	if snapshot.AttentionScore > 0 {
		a.MeanAttention = (a.MeanAttention*float64(n) + snapshot.AttentionScore) / float64(n+1)
	}
	for bucket, frac := range snapshot.Demographics {
		prev := a.Demographics[bucket]
		a.Demographics[bucket] = (prev*float64(n) + frac) / float64(n+1)
	}
}

// CampaignAggregate returns the current audience rollup for campaignID, or
// the zero value if no DELIVERED delivery has landed for it yet.
func (t *Tracker) CampaignAggregate(campaignID int) CampaignAudienceAggregate {
	t.aggMu.Lock()
	defer t.aggMu.Unlock()
	if a, ok := t.agg[campaignID]; ok {
		return *a
	}
	return CampaignAudienceAggregate{}
}

// ExpireStale transitions every SCHEDULED delivery whose window
// (scheduledTime + G + grace) has passed without being promoted into
// EXPIRED (spec §4.6, scenario S5). It is safe to call repeatedly; already-
// terminal deliveries are skipped.
func (t *Tracker) ExpireStale(ctx context.Context) (int, error) {
	now := nowFn()
	var expired int
	for _, d := range t.store.GetAllDeliveries() {
		if d.State != models.DeliveryScheduled {
			continue
		}
		deadline := d.ScheduledTime.Add(t.cfg.Granularity).Add(t.cfg.GraceWindow)
		if now.Before(deadline) {
			continue
		}
		if err := t.transitionLocked(ctx, d.ID, models.DeliveryExpired); err != nil {
			if deliveryerr.Kind(err) == deliveryerr.KindNotFound {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// TimeoutDelivering fails every DELIVERING delivery whose duration+grace
// has elapsed since scheduledTime without a terminal playback report (spec
// §5 "a device that disconnects mid-playback has its in-flight Delivery
// time out after duration+grace").
func (t *Tracker) TimeoutDelivering(ctx context.Context) (int, error) {
	now := nowFn()
	var failed int
	for _, d := range t.store.GetAllDeliveries() {
		if d.State != models.DeliveryDelivering {
			continue
		}
		deadline := d.ScheduledTime.Add(time.Duration(d.DurationSeconds) * time.Second).Add(t.cfg.GraceWindow)
		if now.Before(deadline) {
			continue
		}
		mu := t.lockFor(d.ID)
		mu.Lock()
		cur := t.store.GetDelivery(d.ID)
		if cur == nil || cur.State != models.DeliveryDelivering {
			mu.Unlock()
			continue
		}
		next, err := cur.Transition(models.DeliveryFailed, models.WithError(models.ErrorKindPlaybackMissing))
		if err != nil {
			mu.Unlock()
			return failed, err
		}
		err = t.store.UpdateDelivery(next)
		mu.Unlock()
		if err != nil {
			return failed, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "persist timeout for %s: %v", d.ID, err)
		}
		t.metrics.IncrementPlayback("failed")
		failed++
	}
	return failed, nil
}

// CancelDelivery transitions a single non-terminal delivery to CANCELLED
// with the given reason (spec §4.6 "Any state → CANCELLED on campaign
// pause/stop ... or on higher-priority preemption"). Terminal deliveries
// are left untouched rather than erroring, since cancellation racing a
// just-completed playback report is expected under concurrent load.
func (t *Tracker) CancelDelivery(ctx context.Context, deliveryID, reason string) error {
	return t.transitionLocked(ctx, deliveryID, models.DeliveryCancelled, models.WithReason(reason))
}

// CancelForCampaign cancels every SCHEDULED or DELIVERING delivery owned by
// campaignID, used when a campaign is paused or stopped mid-flight.
func (t *Tracker) CancelForCampaign(ctx context.Context, campaignID int, reason string) (int, error) {
	var n int
	for _, d := range t.store.GetAllDeliveries() {
		if d.CampaignID != campaignID || !d.IsActive() {
			continue
		}
		if err := t.CancelDelivery(ctx, d.ID, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *Tracker) transitionLocked(ctx context.Context, deliveryID string, to models.DeliveryState, meta ...models.DeliveryMetadata) error {
	mu := t.lockFor(deliveryID)
	mu.Lock()
	defer mu.Unlock()

	d := t.store.GetDelivery(deliveryID)
	if d == nil {
		return deliveryerr.ErrNotFound
	}
	if models.IsTerminal(d.State) {
		return nil
	}
	next, err := d.Transition(to, meta...)
	if err != nil {
		return fmt.Errorf("transition %s: %w", deliveryID, err)
	}
	if err := t.store.UpdateDelivery(next); err != nil {
		return deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "persist transition for %s: %v", deliveryID, err)
	}
	return nil
}

// FallbackContent is the content descriptor served when no SCHEDULED
// delivery is promotable (spec §4.6 "Fallback content"). It never
// produces a Delivery row or billing event.
type FallbackContent struct {
	Type            models.MediaType `json:"type"`
	URL             string           `json:"url"`
	Format          string           `json:"format"`
	DurationSeconds int              `json:"duration_seconds"`
}

// classDefaultFallback is the last-resort per-device-class default (spec
// §4.6: "billboard image, kiosk HTML, display video").
var classDefaultFallback = map[models.DeviceClass]FallbackContent{
	models.ClassInteractiveKiosk: {Type: models.MediaHTML, URL: "fallback://kiosk/default.html", Format: "html", DurationSeconds: 25},
	models.ClassDigitalSignage:   {Type: models.MediaImage, URL: "fallback://signage/billboard.jpg", Format: "jpg", DurationSeconds: 20},
	models.ClassAndroidTV:        {Type: models.MediaVideo, URL: "fallback://tv/display-loop.mp4", Format: "mp4", DurationSeconds: 30},
	models.ClassVehicleMounted:   {Type: models.MediaVideo, URL: "fallback://vehicle/display-loop.mp4", Format: "mp4", DurationSeconds: 30},
	models.ClassRetailDisplay:    {Type: models.MediaImage, URL: "fallback://retail/billboard.jpg", Format: "jpg", DurationSeconds: 20},
}

// ResolveFallback implements the precedence chain: per-device override,
// then per-partner override, then the device-class default.
func (t *Tracker) ResolveFallback(device models.Device) FallbackContent {
	if cr := creativeFallback(t.store, device.FallbackCreativeID); cr != nil {
		return *cr
	}
	if partner := t.store.GetPartner(device.PartnerID); partner != nil {
		if cr := creativeFallback(t.store, partner.FallbackCreativeID); cr != nil {
			return *cr
		}
	}
	if fc, ok := classDefaultFallback[device.Class]; ok {
		return fc
	}
	return classDefaultFallback[models.ClassDigitalSignage]
}

func creativeFallback(store models.Store, creativeID int) *FallbackContent {
	if creativeID == 0 {
		return nil
	}
	cr := store.GetCreative(creativeID)
	if cr == nil {
		return nil
	}
	return &FallbackContent{Type: cr.Type, URL: cr.URL, Format: cr.Format, DurationSeconds: cr.DisplayDuration()}
}
