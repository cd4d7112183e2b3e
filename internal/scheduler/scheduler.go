// Package scheduler is the Scheduler (spec §4.5, component C5): it builds
// and maintains per-device forward-looking timelines of SCHEDULED
// Deliveries, resolves priority conflicts, and guards every commit against
// campaign budget before it lands.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/pricing"
	"github.com/fieldcast/deliverycore/internal/selection"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the Scheduler's tunables (spec §4.5). All fields come from
// internal/config, never hardcoded, so operators can retune horizon,
// granularity, and grace without a rebuild.
type Config struct {
	Horizon       time.Duration // H, default 60 minutes
	Granularity   time.Duration // G, default 5 minutes
	GraceWindow   time.Duration // default one slot
	RebuildPeriod time.Duration // default 1 hour, bounded by next unfilled slot
}

// nowFn allows deterministic time injection in tests.
var nowFn = time.Now

// newDeliveryID allows deterministic ID injection in tests.
var newDeliveryID = func() string { return uuid.NewString() }

// Scheduler builds and mutates per-device Delivery timelines.
type Scheduler struct {
	store     models.Store
	catalog   *catalog.Catalog
	selection *selection.Engine
	pricing   *pricing.Engine
	optimizer oracle.ScheduleOptimizer
	metrics   observability.MetricsRegistry
	logger    *zap.Logger
	cfg       Config
}

// New builds a Scheduler. optimizer may be oracle.NullOptimizer{} when no
// external ScheduleOptimizer is configured.
func New(store models.Store, cat *catalog.Catalog, sel *selection.Engine, priceEngine *pricing.Engine, optimizer oracle.ScheduleOptimizer, metrics observability.MetricsRegistry, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 60 * time.Minute
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 5 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = cfg.Granularity
	}
	if cfg.RebuildPeriod <= 0 {
		cfg.RebuildPeriod = time.Hour
	}
	return &Scheduler{store: store, catalog: cat, selection: sel, pricing: priceEngine, optimizer: optimizer, metrics: metrics, logger: logger, cfg: cfg}
}

// peakHours mirrors the pricing engine's time-of-day curve at the level of
// granularity the Scheduler's slot-count adjustment needs (spec §4.5):
// morning/lunch/evening peaks get +20% slots, the late-night trough -20%.
var peakHours = map[int]bool{7: true, 8: true, 12: true, 13: true, 17: true, 18: true, 19: true}
var offPeakHours = map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}

// TargetSlots returns the adjusted target slot count for class at hour,
// applying the ±20% peak/off-peak adjustment to models.TargetSlotsPerHour
// (spec §4.5 "Slot granularity by device class").
func TargetSlots(class models.DeviceClass, hour int) int {
	base := models.TargetSlotsPerHour[class]
	switch {
	case peakHours[hour]:
		return int(float64(base) * 1.2)
	case offPeakHours[hour]:
		return int(float64(base) * 0.8)
	default:
		return base
	}
}

// slotTimes enumerates the slot boundaries in [from, from+horizon) at the
// Scheduler's granularity, aligned to the granularity boundary so every
// device's slots line up regardless of when BuildWindow happens to run.
func (s *Scheduler) slotTimes(from time.Time) []time.Time {
	g := s.cfg.Granularity
	aligned := from.Truncate(g)
	if aligned.Before(from) {
		aligned = aligned.Add(g)
	}
	var out []time.Time
	for t := aligned; t.Before(from.Add(s.cfg.Horizon)); t = t.Add(g) {
		out = append(out, t)
	}
	return out
}

// BuildWindow implements spec §4.5 "Build cycle (per device)": enumerate
// unfilled slots in [now, now+H], call the Selection Engine for each, and
// materialize SCHEDULED Deliveries for every successful pick. Slots with no
// pick are left unfilled; the Device Sync API serves fallback content for
// them at pull time rather than pre-scheduling a non-billed row (spec
// §4.6 "Fallback content").
func (s *Scheduler) BuildWindow(ctx context.Context, device models.Device) error {
	if !device.IsSchedulable() {
		return nil
	}

	now := nowFn()
	slots := s.slotTimes(now)

	var optimized map[time.Time]oracle.ScheduleAssignment
	if s.optimizer != nil {
		if assignments, err := s.tryOptimizer(ctx, device, slots); err == nil {
			optimized = assignments
		}
	}

	for _, t := range slots {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.slotFilled(device.ID, t) {
			continue
		}

		if assignment, ok := optimized[t]; ok {
			if err := s.commitAssignment(ctx, device, t, assignment); err == nil {
				continue
			}
			// Oracle-proposed assignment failed the budget guard or is
			// stale; fall through to the deterministic path for this slot.
		}

		eligible := s.catalog.ListEligibleCampaigns(device, t)
		if err := s.fillSlot(ctx, device, t, eligible, nil); err != nil {
			s.logger.Debug("scheduler: slot left unfilled", zap.String("device_id", device.ID), zap.Time("slot", t), zap.Error(err))
		}
	}
	return nil
}

// tryOptimizer calls the external ScheduleOptimizer once for the whole
// window (spec §4.5 "Optimization mode"); on error it returns nil so
// BuildWindow falls back to the deterministic per-slot Selection Engine.
func (s *Scheduler) tryOptimizer(ctx context.Context, device models.Device, slots []time.Time) (map[time.Time]oracle.ScheduleAssignment, error) {
	start := nowFn()
	campaigns := make([]models.Campaign, 0)
	for _, h := range s.catalog.ListEligibleCampaigns(device, start) {
		campaigns = append(campaigns, h.Campaign)
	}
	assignments, err := s.optimizer.OptimizeSchedule(ctx, device, slots, campaigns)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.IncrementOracleRequests("schedule_optimizer", outcome)
	s.metrics.RecordOracleLatency("schedule_optimizer", time.Since(start))
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time]oracle.ScheduleAssignment, len(assignments))
	for _, a := range assignments {
		out[a.Slot] = a
	}
	return out, nil
}

func (s *Scheduler) commitAssignment(ctx context.Context, device models.Device, t time.Time, a oracle.ScheduleAssignment) error {
	campaign := s.store.GetCampaign(a.CampaignID)
	creative := s.store.GetCreative(a.CreativeID)
	if campaign == nil || creative == nil {
		return deliveryerr.ErrNotFound
	}
	_, err := s.ScheduleAd(ctx, device.ID, *campaign, *creative, t, campaign.PriorityOrDefault())
	return err
}

// fillSlot runs the deterministic Selection Engine path for one slot,
// retrying once against the next-best eligible campaign if the chosen one
// fails the budget guard (spec §4.5 "Budget guard"). exclude names a
// campaign ID to skip (used by the retry).
func (s *Scheduler) fillSlot(ctx context.Context, device models.Device, t time.Time, eligible []catalog.CampaignHandle, exclude map[int]bool) error {
	if exclude != nil {
		filtered := eligible[:0:0]
		for _, h := range eligible {
			if !exclude[h.Campaign.ID] {
				filtered = append(filtered, h)
			}
		}
		eligible = filtered
	}

	pick, err := s.selection.Select(device, models.SlotContext{Device: device, Slot: t}, eligible)
	if err != nil || pick == nil {
		return deliveryerr.ErrNoFittingSlot
	}

	_, err = s.ScheduleAd(ctx, device.ID, pick.Campaign, pick.Creative, t, pick.Campaign.PriorityOrDefault())
	if err == nil {
		return nil
	}
	if deliveryerr.Kind(err) != deliveryerr.KindInvalidParameter || exclude != nil {
		return err
	}

	// Retry once against the next-best campaign (spec §4.5 "retry once,
	// then fallback").
	next := map[int]bool{pick.Campaign.ID: true}
	return s.fillSlot(ctx, device, t, eligible, next)
}

// slotFilled reports whether a SCHEDULED|DELIVERING delivery already
// occupies slot t on deviceID. Slots are produced on the same granularity
// boundary every BuildWindow call, so an exact ScheduledTime match is
// sufficient; Overlaps is reserved for ScheduleAd's cross-slot conflict
// check against arbitrary (not necessarily slot-aligned) requests.
func (s *Scheduler) slotFilled(deviceID string, t time.Time) bool {
	for _, d := range s.store.GetActiveDeliveriesByDevice(deviceID) {
		if d.ScheduledTime.Equal(t) {
			return true
		}
	}
	return false
}

// ExpectedCost estimates the per-delivery cost a single play is projected to
// incur before it actually airs, used by the budget guard (spec §4.5). The
// true cost is only known after playback reports audience size; this uses
// conservative nominal audience/engagement/completion assumptions so the
// guard errs toward under- rather than over-spending.
const (
	nominalImpressionsPerPlay = 1.0
	nominalEngagementRate     = 0.05
	nominalCompletionRate     = 0.6
)

func ExpectedCost(curve pricing.Curve, model models.PricingModel) float64 {
	rate, _ := curve.AdjustedRate.Float64()
	switch model {
	case models.PricingCPM:
		return rate * nominalImpressionsPerPlay / 1000.0
	case models.PricingCPE:
		return rate * nominalEngagementRate
	case models.PricingCPA:
		return rate * nominalCompletionRate
	case models.PricingHybrid:
		return rate * (nominalImpressionsPerPlay/1000.0 + nominalEngagementRate + nominalCompletionRate) / 3.0
	default:
		return rate * nominalImpressionsPerPlay / 1000.0
	}
}

// ScheduleAd implements spec §4.5 "Conflict/overlap policy" and "Budget
// guard": it resolves overlap by priority, checks the expected cost against
// the campaign's remaining budget/daily cap, and only then inserts the
// Delivery row — last, after every check passes, so a cancelled rebuild
// never leaves a half-written timeline (spec §5 "Cancellation").
func (s *Scheduler) ScheduleAd(ctx context.Context, deviceID string, campaign models.Campaign, creative models.Creative, slotTime time.Time, priority int) (models.Delivery, error) {
	if priority <= 0 {
		priority = 5
	}
	if priority > 10 {
		priority = 10
	}

	duration := creative.DisplayDuration()
	if time.Duration(duration)*time.Second > s.cfg.Granularity {
		return models.Delivery{}, deliveryerr.ErrNoFittingSlot
	}

	device := s.store.GetDevice(deviceID)
	if device == nil {
		return models.Delivery{}, deliveryerr.ErrNotFound
	}

	toCancel, err := s.resolveConflicts(deviceID, slotTime, duration, priority)
	if err != nil {
		return models.Delivery{}, err
	}

	curve, err := s.pricing.Quote(pricing.Input{
		PricingModel:          campaign.PricingModel,
		CreativeType:          creative.Type,
		DeviceClass:           device.Class,
		LocationType:          device.Location.Type,
		SlotTime:              slotTime,
		Objective:             campaign.Objective,
		HistoricalImpressions: 0,
	})
	if err != nil {
		return models.Delivery{}, err
	}

	projected := ExpectedCost(curve, campaign.PricingModel)
	today := slotTime.Format("2006-01-02")
	if campaign.SpendToDate+projected > campaign.Budget || !campaign.DailyCapAllows(projected, today) {
		return models.Delivery{}, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "campaign %d budget guard rejected slot", campaign.ID)
	}

	// Every check has passed: cancel preempted deliveries, then insert the
	// new one last (spec §5 ordering guarantee).
	for _, cancelled := range toCancel {
		if err := s.store.UpdateDelivery(cancelled); err != nil {
			return models.Delivery{}, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "cancel preempted delivery %s: %v", cancelled.ID, err)
		}
	}

	delivery := models.Delivery{
		ID:              newDeliveryID(),
		CampaignID:      campaign.ID,
		CreativeID:      creative.ID,
		DeviceID:        deviceID,
		ScheduledTime:   slotTime,
		DurationSeconds: duration,
		Priority:        priority,
		State:           models.DeliveryScheduled,
		Metadata:        []models.DeliveryMetadata{models.WithPriority(priority)},
	}
	if err := s.store.InsertDelivery(delivery); err != nil {
		return models.Delivery{}, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "insert delivery: %v", err)
	}
	return delivery, nil
}

// resolveConflicts implements the overlap policy: every existing
// SCHEDULED|DELIVERING delivery intersecting [t-duration, t+duration] must
// have strictly lower priority than the incoming request, or the whole
// request fails with SlotOccupied (spec §4.5).
func (s *Scheduler) resolveConflicts(deviceID string, slotTime time.Time, duration, priority int) ([]models.Delivery, error) {
	active := s.store.GetActiveDeliveriesByDevice(deviceID)
	var overlapping []models.Delivery
	for _, d := range active {
		if d.Overlaps(slotTime, duration) {
			overlapping = append(overlapping, d)
		}
	}
	if len(overlapping) == 0 {
		return nil, nil
	}

	for _, d := range overlapping {
		if d.Priority >= priority {
			return nil, deliveryerr.ErrSlotOccupied
		}
	}

	cancelled := make([]models.Delivery, 0, len(overlapping))
	for _, d := range overlapping {
		next, err := d.Transition(models.DeliveryCancelled, models.WithReason("preempted-by-higher-priority"))
		if err != nil {
			return nil, fmt.Errorf("preempt %s: %w", d.ID, err)
		}
		cancelled = append(cancelled, next)
	}
	return cancelled, nil
}

// DemandLevel implements pricing.DemandSource (spec §4.2 step 4): the
// fraction of the next hour's target slot capacity for class that is
// already reserved by SCHEDULED|DELIVERING deliveries, across every
// schedulable device of that class.
func (s *Scheduler) DemandLevel(class models.DeviceClass) (float64, bool) {
	now := nowFn()
	horizon := now.Add(time.Hour)

	var deviceIDs []string
	for _, d := range s.store.GetAllDevices() {
		if d.Class == class && d.IsSchedulable() {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}
	if len(deviceIDs) == 0 {
		return 0, false
	}

	var capacity int
	for h := now.Hour(); ; h = (h + 1) % 24 {
		capacity += TargetSlots(class, h)
		if h == horizon.Hour() {
			break
		}
	}
	capacity *= len(deviceIDs)
	if capacity == 0 {
		return 0, false
	}

	var reserved int
	for _, id := range deviceIDs {
		for _, d := range s.store.GetActiveDeliveriesByDevice(id) {
			if !d.ScheduledTime.Before(now) && d.ScheduledTime.Before(horizon) {
				reserved++
			}
		}
	}

	level := float64(reserved) / float64(capacity)
	if level > 1 {
		level = 1
	}
	return level, true
}

var _ pricing.DemandSource = (*Scheduler)(nil)
