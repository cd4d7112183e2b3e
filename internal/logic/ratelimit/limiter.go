package ratelimit

import (
	"fmt"
	"sync"

	"github.com/fieldcast/deliverycore/internal/observability"
)

// DeviceLimiter manages pull-queue rate limiting for multiple devices.
//
// Each device gets its own token bucket, created lazily on first access.
// The limiter integrates with an injected metrics registry to track rate
// limiting activity.
//
// Example usage:
//
//	config := Config{Capacity: 30, RefillRate: 1, Enabled: true}
//	metrics := observability.NewPrometheusRegistry()
//	limiter := NewDeviceLimiter(config, metrics)
//
//	if limiter.Allow("device-123") {
//	    // serve PullQueue for device-123
//	} else {
//	    // device-123 is rate limited
//	}
type DeviceLimiter struct {
	buckets map[string]*TokenBucket       // Map of device ID to token bucket
	mu      sync.RWMutex                  // Protects the buckets map
	config  Config                        // Rate limiting configuration
	metrics observability.MetricsRegistry // Metrics registry for tracking rate limiting activity
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // Token bucket capacity (burst allowance)
	RefillRate int  // Tokens added per second (sustained rate)
	Enabled    bool // Whether rate limiting is active
}

// NewDeviceLimiter creates a new device rate limiter with the given configuration.
func NewDeviceLimiter(config Config, metrics observability.MetricsRegistry) *DeviceLimiter {
	return &DeviceLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

// Allow checks if a PullQueue request for the given device should be allowed.
//
// If rate limiting is disabled via config, this method always returns true.
// The method automatically creates token buckets for new devices and
// updates metrics via the injected registry for monitoring.
func (dl *DeviceLimiter) Allow(deviceID string) bool {
	if !dl.config.Enabled {
		return true
	}

	dl.metrics.IncrementRateLimitRequests(deviceID)

	dl.mu.RLock()
	bucket, exists := dl.buckets[deviceID]
	dl.mu.RUnlock()

	if !exists {
		// Double-checked locking pattern to avoid race conditions
		dl.mu.Lock()
		bucket, exists = dl.buckets[deviceID]
		if !exists {
			bucket = NewTokenBucket(dl.config.Capacity, dl.config.RefillRate)
			dl.buckets[deviceID] = bucket
		}
		dl.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		dl.metrics.IncrementRateLimitHits(deviceID)
	}

	return allowed
}

// GetStats returns rate limiting statistics for all devices.
func (dl *DeviceLimiter) GetStats() map[string]RateLimitStats {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	stats := make(map[string]RateLimitStats)
	for deviceID, bucket := range dl.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[deviceID] = RateLimitStats{
			DeviceID: deviceID,
			Hits:     hits,
			Total:    total,
			HitRate:  hitRate,
		}
	}

	return stats
}

// RateLimitStats contains statistics about rate limiting for a single device.
type RateLimitStats struct {
	DeviceID string  `json:"DeviceID"`
	Hits     int64   `json:"Hits"`
	Total    int64   `json:"Total"`
	HitRate  float64 `json:"HitRate"`
}

// String returns a human-readable representation of the rate limit statistics.
func (rls RateLimitStats) String() string {
	return fmt.Sprintf("Device %s: %d/%d hits (%.2f%%)",
		rls.DeviceID, rls.Hits, rls.Total, rls.HitRate*100)
}
