// Package worker runs the Scheduler's per-device rebuild loops: one logical
// worker per device partition, sharded by hash(deviceID) mod N (spec §5).
// Each worker cooperatively rebuilds its shard's forward windows; a
// separate janitor loop sweeps expired and timed-out deliveries and marks
// devices offline when their heartbeats stop.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/fieldcast/deliverycore/internal/scheduler"
	"github.com/fieldcast/deliverycore/internal/tracker"
)

// nowFn allows deterministic time injection in tests.
var nowFn = time.Now

// Config holds the pool's tunables.
type Config struct {
	Shards            int           // N, default 8
	CycleInterval     time.Duration // delay between a shard's rebuild cycles, default 1 minute
	OfflineThreshold  time.Duration // heartbeat silence before a device goes OFFLINE, default 2 minutes
	DegradedThreshold time.Duration // Performance Store p99 above this skips a cycle, default 500ms
}

// Pool owns the shard workers and the janitor.
type Pool struct {
	store     models.Store
	scheduler *scheduler.Scheduler
	tracker   *tracker.Tracker
	perf      *performance.Store
	logger    *zap.Logger
	cfg       Config

	wg sync.WaitGroup
}

// New builds a Pool.
func New(store models.Store, sched *scheduler.Scheduler, trk *tracker.Tracker, perf *performance.Store, logger *zap.Logger, cfg Config) *Pool {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 2 * time.Minute
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 500 * time.Millisecond
	}
	return &Pool{store: store, scheduler: sched, tracker: trk, perf: perf, logger: logger, cfg: cfg}
}

// ShardFor returns the worker shard a device hashes to.
func ShardFor(deviceID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(shards))
}

// Start launches one goroutine per shard plus the janitor. All loops stop
// when ctx is cancelled; Wait blocks until they have drained.
func (p *Pool) Start(ctx context.Context) {
	for shard := 0; shard < p.cfg.Shards; shard++ {
		p.wg.Add(1)
		go func(shard int) {
			defer p.wg.Done()
			p.runShard(ctx, shard)
		}(shard)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runJanitor(ctx)
	}()
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// runShard is one worker's cooperative loop: every CycleInterval it rebuilds
// the forward window of each schedulable device in its shard. A degraded
// Performance Store skips the whole cycle (spec §5 backpressure) rather
// than piling scheduling work onto a struggling store.
func (p *Pool) runShard(ctx context.Context, shard int) {
	ticker := time.NewTicker(p.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.perf != nil && p.perf.Degraded(p.cfg.DegradedThreshold) {
			p.logger.Warn("performance store degraded, skipping rebuild cycle",
				zap.Int("shard", shard), zap.Duration("p99", p.perf.P99()))
			continue
		}

		for _, device := range p.shardDevices(shard) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !device.IsSchedulable() || device.Health == models.HealthOffline {
				continue
			}
			if err := p.scheduler.BuildWindow(ctx, device); err != nil && ctx.Err() == nil {
				p.logger.Error("rebuild window failed",
					zap.Error(err), zap.String("device_id", device.ID), zap.Int("shard", shard))
			}
		}
	}
}

func (p *Pool) shardDevices(shard int) []models.Device {
	all := p.store.GetAllDevices()
	out := make([]models.Device, 0, len(all)/p.cfg.Shards+1)
	for _, d := range all {
		if ShardFor(d.ID, p.cfg.Shards) == shard {
			out = append(out, d)
		}
	}
	return out
}

// runJanitor periodically marks silent devices OFFLINE, expires stale
// SCHEDULED deliveries, and fails DELIVERING deliveries whose playback
// report never arrived (spec §4.6, §5, scenario S5).
func (p *Pool) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.SweepOnce(ctx)
	}
}

// SweepOnce runs a single janitor pass. Exported so the CLI's replay and
// test harnesses can drive sweeps deterministically.
func (p *Pool) SweepOnce(ctx context.Context) {
	p.markOfflineDevices()

	if n, err := p.tracker.ExpireStale(ctx); err != nil {
		p.logger.Error("expire sweep failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("expired stale deliveries", zap.Int("count", n))
	}

	if n, err := p.tracker.TimeoutDelivering(ctx); err != nil {
		p.logger.Error("delivering timeout sweep failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("failed silent deliveries", zap.Int("count", n))
	}
}

func (p *Pool) markOfflineDevices() {
	now := nowFn()
	for _, d := range p.store.GetAllDevices() {
		if d.Health == models.HealthOffline || !d.IsOffline(now, p.cfg.OfflineThreshold) {
			continue
		}
		d.Health = models.HealthOffline
		if err := p.store.UpdateDevice(d); err != nil {
			p.logger.Error("mark device offline failed", zap.Error(err), zap.String("device_id", d.ID))
			continue
		}
		p.logger.Warn("device went offline", zap.String("device_id", d.ID), zap.Time("last_seen", d.LastSeen))
	}
}
