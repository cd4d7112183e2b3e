package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedNow(t time.Time) func() {
	old := nowFn
	nowFn = func() time.Time { return t }
	return func() { nowFn = old }
}

func newTestTracker(t *testing.T, store models.Store) (*Tracker, *billing.MockSink) {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	perf := performance.New(nil, store, logger)
	sink := billing.NewMockSink()
	tr := New(store, perf, sink, oracle.NullAnalyzer{}, metrics, logger, Config{
		Granularity: 5 * time.Minute,
		GraceWindow: 5 * time.Minute,
	})
	return tr, sink
}

func seedDelivery(t *testing.T, store models.Store, scheduledTime time.Time) (models.Device, models.Campaign, models.Creative, models.Delivery) {
	t.Helper()
	device := models.Device{ID: "dev1", PartnerID: "p1", Class: models.ClassDigitalSignage, Status: models.DeviceStatusActive}
	require.NoError(t, store.InsertDevice(&device))
	partner := models.Partner{ID: "p1", Name: "Acme"}
	require.NoError(t, store.InsertPartner(&partner))
	campaign := models.Campaign{
		ID: 1, AdvertiserRef: "adv1", Budget: 1000, PricingModel: models.PricingCPM,
		StartDate: scheduledTime.Add(-time.Hour), EndDate: scheduledTime.Add(24 * time.Hour),
	}
	require.NoError(t, store.InsertCampaign(&campaign))
	creative := models.Creative{ID: 10, CampaignID: 1, Type: models.MediaImage, Status: models.ApprovalApproved, DurationSeconds: 20}
	require.NoError(t, store.InsertCreative(&creative))
	delivery := models.Delivery{
		ID: "d1", CampaignID: 1, CreativeID: 10, DeviceID: "dev1",
		ScheduledTime: scheduledTime, DurationSeconds: 20, Priority: 5, State: models.DeliveryScheduled,
	}
	require.NoError(t, store.InsertDelivery(delivery))
	return device, campaign, creative, delivery
}

func TestApplyPlayback_PromotesScheduledAndDelivers(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now().Truncate(time.Second)
	defer fixedNow(now)()
	seedDelivery(t, store, now)

	tr, sink := newTestTracker(t, store)
	report := models.PlaybackReport{
		StartTime: now, EndTime: now.Add(20 * time.Second), Completed: true,
		ViewableTimeMillis: 20000,
		ViewerMetrics:      models.AudienceSnapshot{EstimatedCount: 3, AttentionScore: 0.8},
	}

	final, err := tr.ApplyPlayback(context.Background(), "d1", report)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDelivered, final.State)
	require.EqualValues(t, 3, final.Counters.Impressions)
	require.EqualValues(t, 1, final.Counters.Engagements)
	require.EqualValues(t, 1, final.Counters.Completions)

	require.Len(t, sink.All(), 1)
	event := sink.All()[0]
	require.Equal(t, "d1", event.DeliveryID)
	require.InDelta(t, 3*billing.RateCPMPerImpression, event.Amount, 1e-9)

	campaign := store.GetCampaign(1)
	require.NotNil(t, campaign)
	require.Greater(t, campaign.SpendToDate, 0.0)

	creative := store.GetCreative(10)
	require.NotNil(t, creative)
	require.EqualValues(t, 3, creative.Impressions)
}

func TestApplyPlayback_IsIdempotent(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now().Truncate(time.Second)
	defer fixedNow(now)()
	seedDelivery(t, store, now)

	tr, sink := newTestTracker(t, store)
	report := models.PlaybackReport{StartTime: now, Completed: true, ViewableTimeMillis: 20000}

	first, err := tr.ApplyPlayback(context.Background(), "d1", report)
	require.NoError(t, err)
	second, err := tr.ApplyPlayback(context.Background(), "d1", report)
	require.NoError(t, err)

	require.Equal(t, first.State, second.State)
	require.Equal(t, first.Counters, second.Counters)
	require.Len(t, sink.All(), 1, "replaying a terminal report must not re-bill")
}

func TestApplyPlayback_InterruptedFails(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now().Truncate(time.Second)
	defer fixedNow(now)()
	seedDelivery(t, store, now)

	tr, sink := newTestTracker(t, store)
	report := models.PlaybackReport{StartTime: now, Interrupted: true, ViewableTimeMillis: 2000}

	final, err := tr.ApplyPlayback(context.Background(), "d1", report)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryFailed, final.State)
	require.Empty(t, sink.All())
}

func TestApplyPlayback_UnknownDeliveryReturnsNotFound(t *testing.T) {
	store := models.NewTestStore()
	tr, _ := newTestTracker(t, store)
	_, err := tr.ApplyPlayback(context.Background(), "missing", models.PlaybackReport{})
	require.ErrorIs(t, err, deliveryerr.ErrNotFound)
}

func TestPullQueue_OnlyReturnsPromotableScheduledWithinLookahead(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now().Truncate(time.Second)
	defer fixedNow(now)()
	seedDelivery(t, store, now.Add(2*time.Minute))

	tr, _ := newTestTracker(t, store)
	require.Empty(t, tr.PullQueue("dev1", time.Minute))
	require.Len(t, tr.PullQueue("dev1", 5*time.Minute), 1)
}

func TestExpireStale_ExpiresPastGraceWindow(t *testing.T) {
	store := models.NewTestStore()
	scheduled := time.Now().Add(-time.Hour)
	seedDelivery(t, store, scheduled)

	tr, _ := newTestTracker(t, store)
	defer fixedNow(time.Now())()

	n, err := tr.ExpireStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d := store.GetDelivery("d1")
	require.Equal(t, models.DeliveryExpired, d.State)
}

func TestTimeoutDelivering_FailsOverdueDelivering(t *testing.T) {
	store := models.NewTestStore()
	scheduled := time.Now().Add(-time.Hour)
	_, _, _, d := seedDelivery(t, store, scheduled)
	delivering, err := d.Transition(models.DeliveryDelivering)
	require.NoError(t, err)
	require.NoError(t, store.UpdateDelivery(delivering))

	tr, _ := newTestTracker(t, store)
	defer fixedNow(time.Now())()

	n, err := tr.TimeoutDelivering(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.DeliveryFailed, store.GetDelivery("d1").State)
}

func TestCancelForCampaign_CancelsActiveDeliveriesOnly(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now()
	seedDelivery(t, store, now.Add(time.Minute))

	delivered := models.Delivery{
		ID: "d2", CampaignID: 1, CreativeID: 10, DeviceID: "dev1",
		ScheduledTime: now.Add(-time.Hour), DurationSeconds: 20, State: models.DeliveryDelivered,
	}
	require.NoError(t, store.InsertDelivery(delivered))

	tr, _ := newTestTracker(t, store)
	n, err := tr.CancelForCampaign(context.Background(), 1, "campaign-paused")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, models.DeliveryCancelled, store.GetDelivery("d1").State)
	require.Equal(t, models.DeliveryDelivered, store.GetDelivery("d2").State, "terminal deliveries are left alone")
}

func TestResolveFallback_PrecedenceDeviceThenPartnerThenClassDefault(t *testing.T) {
	store := models.NewTestStore()
	deviceFallback := models.Creative{ID: 20, Type: models.MediaVideo, URL: "device-override.mp4", Format: "mp4", DurationSeconds: 15}
	partnerFallback := models.Creative{ID: 21, Type: models.MediaImage, URL: "partner-override.jpg", Format: "jpg", DurationSeconds: 10}
	require.NoError(t, store.InsertCreative(&deviceFallback))
	require.NoError(t, store.InsertCreative(&partnerFallback))

	partner := models.Partner{ID: "p1", FallbackCreativeID: 21}
	require.NoError(t, store.InsertPartner(&partner))

	tr, _ := newTestTracker(t, store)

	deviceWithOverride := models.Device{ID: "devA", PartnerID: "p1", Class: models.ClassDigitalSignage, FallbackCreativeID: 20}
	fc := tr.ResolveFallback(deviceWithOverride)
	require.Equal(t, "device-override.mp4", fc.URL)

	deviceNoOverride := models.Device{ID: "devB", PartnerID: "p1", Class: models.ClassDigitalSignage}
	fc = tr.ResolveFallback(deviceNoOverride)
	require.Equal(t, "partner-override.jpg", fc.URL)

	deviceNoPartner := models.Device{ID: "devC", PartnerID: "unknown", Class: models.ClassInteractiveKiosk}
	fc = tr.ResolveFallback(deviceNoPartner)
	require.Equal(t, classDefaultFallback[models.ClassInteractiveKiosk].URL, fc.URL)
}
