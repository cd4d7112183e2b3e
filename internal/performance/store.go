// Package performance is the Performance Store abstraction (spec §4.3,
// component C3): per-(campaign, deviceClass, hour, weekday) impression and
// engagement counters that back the Selection Engine's bandit priors.
//
// It layers idempotency and in-process aggregation on top of
// internal/db.RedisStore's additive HINCRBY counters, and always also writes
// through the Store's own IncrPerformance, so a delivery is never lost to a
// Redis outage.
package performance

import (
	"fmt"
	"time"

	"github.com/fieldcast/deliverycore/internal/db"
	"github.com/fieldcast/deliverycore/internal/models"
	"go.uber.org/zap"
)

// nowFn allows deterministic time injection in tests.
var nowFn = time.Now

// idempotencyTTL bounds how long a delivery's applied-counters marker is
// retained; it only needs to outlive retried ReportPlayback calls.
const idempotencyTTL = 24 * time.Hour

// Store is the Performance Store contract (spec §4.3): Incr, Get, Snapshot.
type Store struct {
	redis  *db.RedisStore
	backed models.Store
	logger *zap.Logger
	lat    latencyWindow
}

// New builds a Performance Store. redis may be nil, in which case Incr
// writes go straight to the backing models.Store (still correct, just
// without Redis's lower-latency hot path).
func New(redis *db.RedisStore, backed models.Store, logger *zap.Logger) *Store {
	return &Store{redis: redis, backed: backed, logger: logger}
}

// Incr applies delta additively, keyed by key, and is idempotent on
// deliveryID: reapplying the same delivery's counters is a no-op (spec
// §4.3, §8 invariant 5). A Redis error is logged and swallowed — telemetry
// failures never block the caller (spec §4.3 invariant, §7 propagation
// policy) — but the models.Store write, which is what Selection Engine
// priors actually read, still happens.
func (s *Store) Incr(key models.ContextKey, delta models.Counters, deliveryID string) error {
	start := nowFn()
	defer func() { s.lat.record(nowFn().Sub(start)) }()

	if s.redis != nil && deliveryID != "" {
		applied, err := s.redis.MarkPlaybackApplied(deliveryID, idempotencyTTL)
		if err != nil {
			s.logger.Warn("performance store idempotency check failed, applying anyway", zap.Error(err), zap.String("delivery_id", deliveryID))
		} else if !applied {
			return nil
		}
	}

	if s.redis != nil {
		contextKey := redisContextKey(key)
		if err := s.redis.IncrPerformanceCounters(contextKey, delta.Impressions, delta.Engagements, delta.Completions); err != nil {
			s.logger.Warn("performance store redis incr failed", zap.Error(err))
		}
	}

	return s.backed.IncrPerformance(key, delta, nowFn().UnixNano())
}

// Get returns the current counters for key from the backing Store, which is
// the source of truth the Selection Engine and billing both read from.
func (s *Store) Get(key models.ContextKey) models.Counters {
	if b := s.backed.GetPerformanceBucket(key); b != nil {
		return b.Counters
	}
	return models.Counters{}
}

// Snapshot returns every PerformanceBucket for campaignID, used by the
// Selection Engine to fetch priors across all (deviceClass, hour, weekday)
// contexts at once.
func (s *Store) Snapshot(campaignID int) map[models.ContextKey]models.Counters {
	out := make(map[models.ContextKey]models.Counters)
	for _, b := range s.backed.GetAllPerformanceBuckets() {
		if b.Key.CampaignID == campaignID {
			out[b.Key] = b.Counters
		}
	}
	return out
}

func redisContextKey(key models.ContextKey) string {
	return fmt.Sprintf("%d:%s:%d:%d", key.CampaignID, key.DeviceClass, key.HourOfDay, int(key.DayOfWeek))
}
