package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/fieldcast/deliverycore/internal/pricing"
	"github.com/fieldcast/deliverycore/internal/scheduler"
	"github.com/fieldcast/deliverycore/internal/selection"
	"github.com/fieldcast/deliverycore/internal/tracker"
)

func newTestPool(t *testing.T, store models.Store) *Pool {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	perf := performance.New(nil, store, logger)
	cat := catalog.New(store, oracle.NullModerator{}, metrics, logger)
	sel := selection.New(perf)
	priceEngine := pricing.New(nil, metrics, logger)
	sched := scheduler.New(store, cat, sel, priceEngine, oracle.NullOptimizer{}, metrics, logger, scheduler.Config{
		Granularity: 5 * time.Minute,
		GraceWindow: 5 * time.Minute,
	})
	trk := tracker.New(store, perf, billing.NewMockSink(), oracle.NullAnalyzer{}, metrics, logger, tracker.Config{
		Granularity: 5 * time.Minute,
		GraceWindow: 5 * time.Minute,
	})
	return New(store, sched, trk, perf, logger, Config{
		Shards:           4,
		CycleInterval:    10 * time.Millisecond,
		OfflineThreshold: 2 * time.Minute,
	})
}

func TestShardFor_StableAndInRange(t *testing.T) {
	for _, id := range []string{"dev-a", "dev-b", "dev-c", ""} {
		first := ShardFor(id, 8)
		require.Equal(t, first, ShardFor(id, 8))
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 8)
	}
}

func TestSweepOnce_MarksSilentDeviceOffline(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now()

	quiet := models.Device{
		ID: "d-quiet", PartnerID: "p1", Class: models.ClassDigitalSignage,
		Status: models.DeviceStatusActive, Health: models.HealthHealthy,
		LastSeen: now.Add(-3 * time.Minute),
	}
	fresh := models.Device{
		ID: "d-fresh", PartnerID: "p1", Class: models.ClassDigitalSignage,
		Status: models.DeviceStatusActive, Health: models.HealthHealthy,
		LastSeen: now.Add(-30 * time.Second),
	}
	require.NoError(t, store.InsertDevice(&quiet))
	require.NoError(t, store.InsertDevice(&fresh))

	pool := newTestPool(t, store)
	pool.SweepOnce(context.Background())

	require.Equal(t, models.HealthOffline, store.GetDevice("d-quiet").Health)
	require.Equal(t, models.HealthHealthy, store.GetDevice("d-fresh").Health)
}

// TestSweepOnce_ExpiresStaleDeliveriesForOfflineDevice covers scenario S5:
// a device that stopped heartbeating goes OFFLINE and its overdue SCHEDULED
// deliveries expire without billing.
func TestSweepOnce_ExpiresStaleDeliveriesForOfflineDevice(t *testing.T) {
	store := models.NewTestStore()
	now := time.Now()

	device := models.Device{
		ID: "d2", PartnerID: "p1", Class: models.ClassDigitalSignage,
		Status: models.DeviceStatusActive, Health: models.HealthHealthy,
		LastSeen: now.Add(-10 * time.Minute),
	}
	require.NoError(t, store.InsertDevice(&device))
	require.NoError(t, store.InsertDelivery(models.Delivery{
		ID: "del-1", CampaignID: 1, CreativeID: 10, DeviceID: "d2",
		ScheduledTime:   now.Add(-20 * time.Minute),
		DurationSeconds: 30, Priority: 5, State: models.DeliveryScheduled,
	}))
	require.NoError(t, store.InsertDelivery(models.Delivery{
		ID: "del-2", CampaignID: 1, CreativeID: 10, DeviceID: "d2",
		ScheduledTime:   now.Add(2 * time.Minute),
		DurationSeconds: 30, Priority: 5, State: models.DeliveryScheduled,
	}))

	pool := newTestPool(t, store)
	pool.SweepOnce(context.Background())

	require.Equal(t, models.HealthOffline, store.GetDevice("d2").Health)
	require.Equal(t, models.DeliveryExpired, store.GetDelivery("del-1").State)
	require.Equal(t, models.DeliveryScheduled, store.GetDelivery("del-2").State)
}

func TestPool_StartStop(t *testing.T) {
	store := models.NewTestStore()
	pool := newTestPool(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
