package delivery_flow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/api"
	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/config"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/logic/ratelimit"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/fieldcast/deliverycore/internal/pricing"
	"github.com/fieldcast/deliverycore/internal/scheduler"
	"github.com/fieldcast/deliverycore/internal/selection"
	"github.com/fieldcast/deliverycore/internal/token"
	"github.com/fieldcast/deliverycore/internal/tracker"
)

const partnerSecret = "integration-secret"

type harness struct {
	store models.Store
	sched *scheduler.Scheduler
	trk   *tracker.Tracker
	sink  *billing.MockSink
	cat   *catalog.Catalog
	srv   *httptest.Server
}

func newHarness(t *testing.T, moderator oracle.ContentModerator) *harness {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	store := models.NewTestStore()

	perf := performance.New(nil, store, logger)
	cat := catalog.New(store, moderator, metrics, logger)
	sel := selection.New(perf)
	priceEngine := pricing.New(nil, metrics, logger)
	sched := scheduler.New(store, cat, sel, priceEngine, oracle.NullOptimizer{}, metrics, logger, scheduler.Config{
		Granularity: 5 * time.Minute,
		GraceWindow: 5 * time.Minute,
	})
	sink := billing.NewMockSink()
	trk := tracker.New(store, perf, sink, oracle.NullAnalyzer{}, metrics, logger, tracker.Config{
		Granularity: 5 * time.Minute,
		GraceWindow: 5 * time.Minute,
	})
	limiter := ratelimit.NewDeviceLimiter(ratelimit.Config{Enabled: false}, metrics)

	cfg := config.Config{SlotGranularitySeconds: 300, TokenTTL: 0}
	apiSrv := api.NewServer(logger, store, nil, nil, cat, sched, trk, sink, nil, limiter, metrics, cfg)
	srv := httptest.NewServer(apiSrv.Router())
	t.Cleanup(srv.Close)

	require.NoError(t, store.InsertPartner(&models.Partner{ID: "p1", Name: "Acme", TokenSecret: partnerSecret}))

	return &harness{store: store, sched: sched, trk: trk, sink: sink, cat: cat, srv: srv}
}

func (h *harness) post(t *testing.T, path, tok string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) get(t *testing.T, path, tok string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedDeliveryChain(t *testing.T, h *harness, campaignID int, budget float64) (models.Device, models.Campaign, models.Creative) {
	t.Helper()
	now := time.Now()
	device := models.Device{
		ID: fmt.Sprintf("dev-%d", campaignID), PartnerID: "p1", Fingerprint: "fp",
		Class: models.ClassDigitalSignage, Status: models.DeviceStatusActive,
		Health: models.HealthHealthy, LastSeen: now,
		Location: models.DeviceLocation{Type: models.LocationUrban},
	}
	require.NoError(t, h.store.InsertDevice(&device))

	campaign := models.Campaign{
		ID: campaignID, AdvertiserRef: "adv", Name: "C", Status: models.CampaignActive,
		StartDate: now.Add(-time.Hour), EndDate: now.Add(7 * 24 * time.Hour),
		Budget: budget, PricingModel: models.PricingCPM, DefaultPriority: 5,
	}
	require.NoError(t, h.store.InsertCampaign(&campaign))

	creative := models.Creative{
		ID: campaignID * 100, CampaignID: campaignID, Type: models.MediaVideo,
		URL: "https://cdn.example.com/v.mp4", Format: "mp4", DurationSeconds: 30,
		Status: models.ApprovalApproved,
	}
	require.NoError(t, h.store.InsertCreative(&creative))
	h.cat.Refresh()
	return device, campaign, creative
}

// TestHappyPathOverHTTP is scenario S1 end to end: an ACTIVE campaign with
// one approved 30s video creative on an urban signage device; the device
// pulls its queue, plays, reports 4 viewers, and the campaign is billed
// 5 x 4/1000 = $0.02.
func TestHappyPathOverHTTP(t *testing.T) {
	h := newHarness(t, oracle.NullModerator{})
	device, campaign, creative := seedDeliveryChain(t, h, 1, 100)

	slot := time.Now().Add(time.Minute)
	delivery, err := h.sched.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 5)
	require.NoError(t, err)

	tok, err := token.Generate("p1", "", []byte(partnerSecret))
	require.NoError(t, err)

	var queue struct {
		Entries []models.QueueEntry `json:"entries"`
	}
	code := h.get(t, "/devices/"+device.ID+"/queue?lookahead=300", tok, &queue)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, queue.Entries, 1)
	require.Equal(t, delivery.ID, queue.Entries[0].DeliveryID)

	var pb struct {
		Delivery models.Delivery `json:"delivery"`
	}
	code = h.post(t, "/deliveries/"+delivery.ID+"/playback", tok, map[string]any{
		"device_id":  device.ID,
		"start_time": slot.UTC().Format(time.RFC3339),
		"end_time":   slot.Add(30 * time.Second).UTC().Format(time.RFC3339),
		"completed":  true,
		"viewer_metrics": map[string]any{
			"estimated_count": 4,
		},
	}, &pb)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.DeliveryDelivered, pb.Delivery.State)

	updated := h.store.GetCampaign(campaign.ID)
	require.InDelta(t, 0.02, updated.SpendToDate, 1e-9)

	key := models.ContextKeyFor(campaign.ID, device.Class, slot)
	bucket := h.store.GetPerformanceBucket(key)
	require.NotNil(t, bucket)
	require.Equal(t, int64(4), bucket.Counters.Impressions)
}

// TestPriorityPreemption is scenario S2: a priority-9 request against a
// window occupied by a priority-5 delivery cancels it with a preemption
// reason and inserts the new delivery SCHEDULED.
func TestPriorityPreemption(t *testing.T) {
	h := newHarness(t, oracle.NullModerator{})
	device, c1, cr1 := seedDeliveryChain(t, h, 1, 100)
	_, c2, cr2 := seedDeliveryChain(t, h, 2, 100)

	slot := time.Now().Add(time.Minute)
	low, err := h.sched.ScheduleAd(context.Background(), device.ID, c1, cr1, slot, 5)
	require.NoError(t, err)

	high, err := h.sched.ScheduleAd(context.Background(), device.ID, c2, cr2, slot.Add(15*time.Second), 9)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryScheduled, high.State)

	preempted := h.store.GetDelivery(low.ID)
	require.Equal(t, models.DeliveryCancelled, preempted.State)
	var reason string
	for _, m := range preempted.Metadata {
		if m.Kind == models.MetaReason {
			reason = m.Reason
		}
	}
	require.Equal(t, "preempted-by-higher-priority", reason)

	// Equal priority the other way fails with SlotOccupied.
	_, err = h.sched.ScheduleAd(context.Background(), device.ID, c1, cr1, slot.Add(30*time.Second), 9)
	require.Equal(t, deliveryerr.KindSlotOccupied, deliveryerr.Kind(err))
}

// TestDailyCapGuard is scenario S3: a campaign that has nearly exhausted
// its daily cap is rejected by the budget guard even though its total
// budget has headroom.
func TestDailyCapGuard(t *testing.T) {
	h := newHarness(t, oracle.NullModerator{})
	device, capped, creative := seedDeliveryChain(t, h, 3, 100)

	slot := time.Now().Add(time.Minute)
	capped.DailyCap = 1.0
	capped.SpendToday = 0.999
	capped.SpendTodayDate = slot.Format("2006-01-02")
	require.NoError(t, h.store.UpdateCampaign(capped))

	_, err := h.sched.ScheduleAd(context.Background(), device.ID, capped, creative, slot, 5)
	require.Equal(t, deliveryerr.KindInvalidParameter, deliveryerr.Kind(err))

	// And the Catalog no longer lists it once today's spend reaches the cap.
	capped.SpendToday = 1.0
	require.NoError(t, h.store.UpdateCampaign(capped))
	h.cat.Refresh()
	require.Empty(t, h.cat.ListEligibleCampaigns(device, slot))
}

// TestOracleFailureFallsBackToBasic is scenario S4: the moderation oracle
// errors, verification falls back to deterministic checks, and the BASIC
// method is persisted on the creative.
func TestOracleFailureFallsBackToBasic(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	moderator := oracle.NewHTTPModerator(broken.URL, time.Second, time.Minute, logger, metrics)

	h := newHarness(t, moderator)
	seedDeliveryChain(t, h, 1, 100)

	code := h.post(t, "/api/creatives", "", models.Creative{
		ID: 500, CampaignID: 1, Type: models.MediaImage,
		URL: "https://cdn.example.com/x.png", Format: "png", Width: 1080, Height: 1920,
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	stored := h.store.GetCreative(500)
	require.NotNil(t, stored)
	require.Equal(t, models.ApprovalApproved, stored.Status)
	require.Equal(t, models.VerificationBasic, stored.VerificationMethod)
}

// TestScheduleThenCancelRestoresTimeline is the spec's cancel round trip:
// schedule a window, cancel everything, and both the device timeline and
// campaign spend are back where they started.
func TestScheduleThenCancelRestoresTimeline(t *testing.T) {
	h := newHarness(t, oracle.NullModerator{})
	device, campaign, creative := seedDeliveryChain(t, h, 1, 100)

	base := time.Now().Add(time.Minute)
	for i := 0; i < 3; i++ {
		_, err := h.sched.ScheduleAd(context.Background(), device.ID, campaign, creative, base.Add(time.Duration(i)*5*time.Minute), 5)
		require.NoError(t, err)
	}
	require.Len(t, h.store.GetActiveDeliveriesByDevice(device.ID), 3)

	n, err := h.trk.CancelForCampaign(context.Background(), campaign.ID, "operator-cancel")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.Empty(t, h.store.GetActiveDeliveriesByDevice(device.ID))
	require.Zero(t, h.store.GetCampaign(campaign.ID).SpendToDate)
	require.Empty(t, h.sink.All())
}
