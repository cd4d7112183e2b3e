package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/fieldcast/deliverycore/internal/pricing"
	"github.com/fieldcast/deliverycore/internal/selection"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedNow(t time.Time) func() {
	old := nowFn
	nowFn = func() time.Time { return t }
	return func() { nowFn = old }
}

func fixedIDs(ids ...string) func() {
	old := newDeliveryID
	i := 0
	newDeliveryID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	return func() { newDeliveryID = old }
}

func newTestScheduler(t *testing.T, store models.Store) *Scheduler {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	cat := catalog.New(store, oracle.NullModerator{}, metrics, logger)
	sel := selection.New(performance.New(nil, store, logger))
	priceEngine := pricing.New(nil, metrics, logger)
	return New(store, cat, sel, priceEngine, oracle.NullOptimizer{}, metrics, logger, Config{
		Horizon:     time.Hour,
		Granularity: 5 * time.Minute,
	})
}

func testCampaign(id int, budget float64) models.Campaign {
	return models.Campaign{
		ID:           id,
		Status:       models.CampaignActive,
		Budget:       budget,
		PricingModel: models.PricingCPM,
		StartDate:    time.Now().Add(-time.Hour),
		EndDate:      time.Now().Add(365 * 24 * time.Hour),
	}
}

func testDevice(id string) models.Device {
	return models.Device{ID: id, Class: models.ClassDigitalSignage, Status: models.DeviceStatusActive, Location: models.DeviceLocation{Type: models.LocationUrban}}
}

func testCreative(id, campaignID int) models.Creative {
	return models.Creative{ID: id, CampaignID: campaignID, Type: models.MediaImage, Status: models.ApprovalApproved, DurationSeconds: 20}
}

func TestScheduleAd_CommitsDeliveryWhenNoConflict(t *testing.T) {
	defer fixedIDs("d1")()
	store := models.NewTestStore()
	s := newTestScheduler(t, store)

	device := testDevice("dev1")
	require.NoError(t, store.InsertDevice(&device))
	campaign := testCampaign(1, 1000)
	creative := testCreative(10, 1)

	slot := time.Now().Truncate(time.Minute)
	delivery, err := s.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 5)
	require.NoError(t, err)
	require.Equal(t, "d1", delivery.ID)
	require.Equal(t, models.DeliveryScheduled, delivery.State)

	stored := store.GetDelivery("d1")
	require.NotNil(t, stored)
	require.Equal(t, device.ID, stored.DeviceID)
}

func TestScheduleAd_RejectsDurationExceedingGranularity(t *testing.T) {
	store := models.NewTestStore()
	s := newTestScheduler(t, store)
	device := testDevice("dev1")
	require.NoError(t, store.InsertDevice(&device))

	campaign := testCampaign(1, 1000)
	creative := testCreative(10, 1)
	creative.DurationSeconds = int((10 * time.Minute).Seconds())

	_, err := s.ScheduleAd(context.Background(), device.ID, campaign, creative, time.Now(), 5)
	require.ErrorIs(t, err, deliveryerr.ErrNoFittingSlot)
}

func TestScheduleAd_EqualOrHigherPriorityOverlapIsRejected(t *testing.T) {
	defer fixedIDs("d1", "d2")()
	store := models.NewTestStore()
	s := newTestScheduler(t, store)
	device := testDevice("dev1")
	require.NoError(t, store.InsertDevice(&device))

	campaign := testCampaign(1, 1000)
	creative := testCreative(10, 1)
	slot := time.Now().Truncate(time.Minute)

	_, err := s.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 5)
	require.NoError(t, err)

	_, err = s.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 5)
	require.ErrorIs(t, err, deliveryerr.ErrSlotOccupied)
}

func TestScheduleAd_HigherPriorityPreemptsOverlapping(t *testing.T) {
	defer fixedIDs("d1", "d2")()
	store := models.NewTestStore()
	s := newTestScheduler(t, store)
	device := testDevice("dev1")
	require.NoError(t, store.InsertDevice(&device))

	campaign := testCampaign(1, 1000)
	creative := testCreative(10, 1)
	slot := time.Now().Truncate(time.Minute)

	first, err := s.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 3)
	require.NoError(t, err)

	_, err = s.ScheduleAd(context.Background(), device.ID, campaign, creative, slot, 8)
	require.NoError(t, err)

	cancelled := store.GetDelivery(first.ID)
	require.NotNil(t, cancelled)
	require.Equal(t, models.DeliveryCancelled, cancelled.State)
}

func TestScheduleAd_BudgetGuardRejectsOverBudget(t *testing.T) {
	store := models.NewTestStore()
	s := newTestScheduler(t, store)
	device := testDevice("dev1")
	require.NoError(t, store.InsertDevice(&device))

	campaign := testCampaign(1, 0) // no budget at all
	creative := testCreative(10, 1)

	_, err := s.ScheduleAd(context.Background(), device.ID, campaign, creative, time.Now(), 5)
	require.ErrorIs(t, err, deliveryerr.ErrInvalidParameter)
}

func TestDemandLevel_NoSchedulableDevicesReturnsFalse(t *testing.T) {
	store := models.NewTestStore()
	s := newTestScheduler(t, store)

	_, ok := s.DemandLevel(models.ClassDigitalSignage)
	require.False(t, ok)
}

func TestBuildWindow_SkipsNonSchedulableDevice(t *testing.T) {
	store := models.NewTestStore()
	s := newTestScheduler(t, store)
	device := testDevice("dev1")
	device.Status = models.DeviceStatusSuspended
	require.NoError(t, store.InsertDevice(&device))

	require.NoError(t, s.BuildWindow(context.Background(), device))
	require.Empty(t, store.GetAllDeliveries())
}

func TestTargetSlots_PeakHourAdjustsUp(t *testing.T) {
	base := models.TargetSlotsPerHour[models.ClassDigitalSignage]
	require.Greater(t, TargetSlots(models.ClassDigitalSignage, 18), base)
	require.Less(t, TargetSlots(models.ClassDigitalSignage, 2), base)
}
