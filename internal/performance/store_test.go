package performance

import (
	"testing"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKey() models.ContextKey {
	return models.ContextKey{CampaignID: 1, DeviceClass: models.ClassDigitalSignage, HourOfDay: 9, DayOfWeek: 2}
}

func TestIncr_AccumulatesOnBackingStore(t *testing.T) {
	_, redisStore := setupTestRedis(t)
	backed := models.NewTestStore()
	s := New(redisStore, backed, zap.NewNop())

	key := testKey()
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 4, Engagements: 1}, "delivery-1"))
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 4, Engagements: 1}, "delivery-2"))

	got := s.Get(key)
	require.Equal(t, int64(8), got.Impressions)
	require.Equal(t, int64(2), got.Engagements)
}

func TestIncr_IdempotentOnDeliveryID(t *testing.T) {
	_, redisStore := setupTestRedis(t)
	backed := models.NewTestStore()
	s := New(redisStore, backed, zap.NewNop())

	key := testKey()
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 4}, "delivery-1"))
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 4}, "delivery-1"))

	got := s.Get(key)
	require.Equal(t, int64(4), got.Impressions, "re-applying the same deliveryID must be a no-op")
}

func TestIncr_NilDeliveryIDIsNeverDeduped(t *testing.T) {
	backed := models.NewTestStore()
	s := New(nil, backed, zap.NewNop())

	key := testKey()
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 1}, ""))
	require.NoError(t, s.Incr(key, models.Counters{Impressions: 1}, ""))

	got := s.Get(key)
	require.Equal(t, int64(2), got.Impressions)
}

func TestSnapshot_ScopesToCampaign(t *testing.T) {
	backed := models.NewTestStore()
	s := New(nil, backed, zap.NewNop())

	k1 := models.ContextKey{CampaignID: 1, DeviceClass: models.ClassAndroidTV, HourOfDay: 8, DayOfWeek: 1}
	k2 := models.ContextKey{CampaignID: 2, DeviceClass: models.ClassAndroidTV, HourOfDay: 8, DayOfWeek: 1}
	require.NoError(t, s.Incr(k1, models.Counters{Impressions: 10}, "d1"))
	require.NoError(t, s.Incr(k2, models.Counters{Impressions: 20}, "d2"))

	snap := s.Snapshot(1)
	require.Len(t, snap, 1)
	require.Equal(t, int64(10), snap[k1].Impressions)
}
