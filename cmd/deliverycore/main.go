// Command deliverycore is the operator entrypoint for the ad delivery core:
// serve runs the Device Sync API and the scheduling worker pool; the other
// subcommands are one-shot storage operations.
//
// Usage:
//
//	deliverycore serve
//	deliverycore migrate
//	deliverycore seed
//	deliverycore replay <from> <to>
//	deliverycore inspect-device <id>
//	deliverycore recompute-priors
//
// Exit codes: 0 success, 1 config error, 2 storage error, 3 cancelled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/api"
	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/config"
	"github.com/fieldcast/deliverycore/internal/db"
	"github.com/fieldcast/deliverycore/internal/geoip"
	"github.com/fieldcast/deliverycore/internal/logic/ratelimit"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/fieldcast/deliverycore/internal/performance"
	"github.com/fieldcast/deliverycore/internal/pricing"
	"github.com/fieldcast/deliverycore/internal/scheduler"
	"github.com/fieldcast/deliverycore/internal/selection"
	"github.com/fieldcast/deliverycore/internal/tracker"
	"github.com/fieldcast/deliverycore/internal/worker"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitStorage   = 2
	exitCancelled = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		return serve(ctx, logger, cfg)
	case "migrate":
		return migrate(ctx, logger, cfg)
	case "seed":
		return seed(logger, cfg)
	case "replay":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: deliverycore replay <from> <to>")
			return exitConfig
		}
		from, to, err := parseWindow(args[1], args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfig
		}
		return replay(logger, cfg, from, to)
	case "inspect-device":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: deliverycore inspect-device <id>")
			return exitConfig
		}
		return inspectDevice(logger, cfg, args[1])
	case "recompute-priors":
		return replay(logger, cfg, time.Time{}, time.Time{})
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: deliverycore <serve|migrate|seed|replay|inspect-device|recompute-priors>")
}

// parseWindow accepts RFC3339 timestamps or bare dates.
func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	parse := func(s string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", s)
	}
	from, err := parse(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad from %q: %v", fromStr, err)
	}
	to, err := parse(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad to %q: %v", toStr, err)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to %q must be after from %q", toStr, fromStr)
	}
	return from, to, nil
}

// demandProxy breaks the pricing/scheduler construction cycle: the Pricing
// Engine reads demand from the Scheduler, which itself needs the Pricing
// Engine for its budget guard.
type demandProxy struct {
	sched *scheduler.Scheduler
}

func (d *demandProxy) DemandLevel(class models.DeviceClass) (float64, bool) {
	if d.sched == nil {
		return 0, false
	}
	return d.sched.DemandLevel(class)
}

func serve(ctx context.Context, logger *zap.Logger, cfg config.Config) int {
	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			logger.Error("init tracing", zap.Error(err))
			return exitConfig
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		return exitStorage
	}
	defer pg.Close()

	store := models.NewInMemoryStore()
	if err := db.SyncCatalog(pg, store); err != nil {
		logger.Error("initial catalog sync", zap.Error(err))
		return exitStorage
	}

	// Warm-start runtime state: bandit priors and the delivery history, so
	// a restart neither forgets what the bandit learned nor re-schedules
	// slots that already played.
	if buckets, err := pg.LoadPerformanceBuckets(); err != nil {
		logger.Warn("load performance buckets", zap.Error(err))
	} else {
		for _, b := range buckets {
			if err := store.IncrPerformance(b.Key, b.Counters, b.LastUpdated.UnixNano()); err != nil {
				logger.Warn("restore performance bucket", zap.Error(err))
			}
		}
	}
	if deliveries, err := pg.LoadDeliveries(time.Time{}, time.Time{}); err != nil {
		logger.Warn("load deliveries", zap.Error(err))
	} else {
		for _, d := range deliveries {
			if err := store.InsertDelivery(d); err != nil {
				logger.Warn("restore delivery", zap.Error(err), zap.String("delivery_id", d.ID))
			}
		}
	}

	redisStore, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", zap.Error(err))
		return exitStorage
	}
	defer redisStore.Close()

	metrics := observability.NewPrometheusRegistry()

	sink, err := billing.NewClickHouseSink(cfg.ClickHouseDSN, metrics, logger)
	if err != nil {
		logger.Error("connect clickhouse", zap.Error(err))
		return exitStorage
	}
	defer sink.Close()

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		logger.Warn("geoip unavailable, location enrichment disabled", zap.Error(err))
		geoSvc = nil
	} else {
		defer func() { _ = geoSvc.Close() }()
	}

	var moderator oracle.ContentModerator = oracle.NullModerator{}
	if cfg.ContentModeratorURL != "" {
		moderator = oracle.NewHTTPModerator(cfg.ContentModeratorURL, cfg.OracleTimeout, cfg.OracleCacheTTL, logger, metrics)
		logger.Info("content moderation oracle enabled", zap.String("url", cfg.ContentModeratorURL))
	}

	perf := performance.New(redisStore, store, logger)
	cat := catalog.New(store, moderator, metrics, logger)
	sel := selection.New(perf)

	proxy := &demandProxy{}
	priceEngine := pricing.New(proxy, metrics, logger)

	sched := scheduler.New(store, cat, sel, priceEngine, oracle.NullOptimizer{}, metrics, logger, scheduler.Config{
		Horizon:     time.Duration(cfg.ScheduleHorizonMinutes) * time.Minute,
		Granularity: time.Duration(cfg.SlotGranularitySeconds) * time.Second,
		GraceWindow: time.Duration(cfg.ScheduleGraceWindowSeconds) * time.Second,
	})
	proxy.sched = sched

	trk := tracker.New(store, perf, sink, oracle.NullAnalyzer{}, metrics, logger, tracker.Config{
		Granularity: time.Duration(cfg.SlotGranularitySeconds) * time.Second,
		GraceWindow: time.Duration(cfg.ScheduleGraceWindowSeconds) * time.Second,
	})

	limiter := ratelimit.NewDeviceLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.PullQueueRateLimit,
		Enabled:    cfg.RateLimitEnabled,
	}, metrics)

	srv := api.NewServer(logger, store, pg, redisStore, cat, sched, trk, sink, geoSvc, limiter, metrics, cfg)

	pool := worker.New(store, sched, trk, perf, logger, worker.Config{
		Shards:            cfg.WorkerShardCount,
		OfflineThreshold:  cfg.DeviceOfflineThreshold,
		DegradedThreshold: time.Duration(cfg.DemandLatencyDegradedThresholdMillis) * time.Millisecond,
	})
	pool.Start(ctx)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("delivery core running", zap.String("addr", httpSrv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					// Checkpoint spend and deliveries first so the reload
					// reads back what the Tracker accumulated in memory.
					if err := db.FlushCampaignSpend(pg, store); err != nil {
						logger.Error("campaign spend checkpoint", zap.Error(err))
					}
					if err := db.FlushDeliveries(pg, store); err != nil {
						logger.Error("delivery checkpoint", zap.Error(err))
					}
					if err := srv.Reload(); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	pool.Wait()

	// Flush in-flight Delivery state and spend before exiting (spec §7
	// Fatal contract applies the same discipline to orderly shutdown).
	if err := db.FlushCampaignSpend(pg, store); err != nil {
		logger.Error("final spend checkpoint", zap.Error(err))
		return exitStorage
	}
	if err := db.FlushDeliveries(pg, store); err != nil {
		logger.Error("final delivery checkpoint", zap.Error(err))
		return exitStorage
	}

	if cancelled {
		return exitCancelled
	}
	return exitOK
}

func migrate(ctx context.Context, logger *zap.Logger, cfg config.Config) int {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		return exitStorage
	}
	defer pg.Close()

	version, err := pg.SchemaVersion(ctx)
	if err != nil {
		logger.Error("read schema version", zap.Error(err))
		return exitStorage
	}
	logger.Info("schema up to date", zap.Int("version", version))
	fmt.Printf("schema version %d\n", version)
	return exitOK
}

func seed(logger *zap.Logger, cfg config.Config) int {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		return exitStorage
	}
	defer pg.Close()

	now := time.Now().UTC()
	partner := models.Partner{ID: "partner-demo", Name: "Demo Partner", TokenSecret: "demo-secret"}
	if err := pg.InsertPartner(&partner); err != nil {
		logger.Error("seed partner", zap.Error(err))
		return exitStorage
	}

	device := models.Device{
		ID: "device-demo", PartnerID: partner.ID, Fingerprint: "demo-fingerprint",
		Class:  models.ClassDigitalSignage,
		Status: models.DeviceStatusActive, Health: models.HealthHealthy, LastSeen: now,
		Location: models.DeviceLocation{Lat: 40.7128, Lng: -74.0060, Type: models.LocationUrban, VenueName: "Demo Plaza"},
	}
	if err := pg.InsertDevice(&device); err != nil {
		logger.Error("seed device", zap.Error(err))
		return exitStorage
	}

	campaign := models.Campaign{
		AdvertiserRef: "adv-demo", Name: "Demo Campaign",
		StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 0, 30),
		Status: models.CampaignActive, Budget: 1000, PricingModel: models.PricingCPM,
		Objective: models.ObjectiveAwareness, DefaultPriority: 5,
	}
	if err := pg.InsertCampaign(&campaign); err != nil {
		logger.Error("seed campaign", zap.Error(err))
		return exitStorage
	}

	creative := models.Creative{
		CampaignID: campaign.ID, Type: models.MediaVideo,
		URL: "https://cdn.example.com/demo/launch.mp4", Format: "mp4",
		Width: 1920, Height: 1080, DurationSeconds: 30,
		Status: models.ApprovalApproved, VerificationMethod: models.VerificationManual,
	}
	if err := pg.InsertCreative(&creative); err != nil {
		logger.Error("seed creative", zap.Error(err))
		return exitStorage
	}

	logger.Info("seeded demo data",
		zap.String("partner", partner.ID), zap.String("device", device.ID),
		zap.Int("campaign", campaign.ID), zap.Int("creative", creative.ID))
	return exitOK
}

// replay rebuilds the PerformanceBucket priors from persisted DELIVERED
// deliveries in [from, to). Zero bounds replay everything, which is what
// recompute-priors runs.
func replay(logger *zap.Logger, cfg config.Config, from, to time.Time) int {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		return exitStorage
	}
	defer pg.Close()

	devices, err := pg.LoadDevices()
	if err != nil {
		logger.Error("load devices", zap.Error(err))
		return exitStorage
	}
	classByDevice := make(map[string]models.DeviceClass, len(devices))
	for _, d := range devices {
		classByDevice[d.ID] = d.Class
	}

	deliveries, err := pg.LoadDeliveries(from, to)
	if err != nil {
		logger.Error("load deliveries", zap.Error(err))
		return exitStorage
	}

	buckets := make(map[models.ContextKey]models.Counters)
	replayed := 0
	for _, d := range deliveries {
		if d.State != models.DeliveryDelivered {
			continue
		}
		class, ok := classByDevice[d.DeviceID]
		if !ok {
			continue
		}
		key := models.ContextKeyFor(d.CampaignID, class, d.ScheduledTime)
		buckets[key] = buckets[key].Add(models.Counters{
			Impressions: d.Counters.Impressions,
			Engagements: d.Counters.Engagements,
			Completions: d.Counters.Completions,
		})
		replayed++
	}

	now := time.Now().UTC()
	for key, counters := range buckets {
		if err := pg.UpsertPerformanceBucket(models.PerformanceBucket{Key: key, Counters: counters, LastUpdated: now}); err != nil {
			logger.Error("write performance bucket", zap.Error(err))
			return exitStorage
		}
	}

	logger.Info("priors recomputed", zap.Int("deliveries", replayed), zap.Int("buckets", len(buckets)))
	fmt.Printf("replayed %d deliveries into %d buckets\n", replayed, len(buckets))
	return exitOK
}

func inspectDevice(logger *zap.Logger, cfg config.Config, deviceID string) int {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Error("connect postgres", zap.Error(err))
		return exitStorage
	}
	defer pg.Close()

	devices, err := pg.LoadDevices()
	if err != nil {
		logger.Error("load devices", zap.Error(err))
		return exitStorage
	}
	var device *models.Device
	for i := range devices {
		if devices[i].ID == deviceID {
			device = &devices[i]
			break
		}
	}
	if device == nil {
		fmt.Fprintf(os.Stderr, "device %s not found\n", deviceID)
		return exitStorage
	}

	deliveries, err := pg.LoadDeliveries(time.Time{}, time.Time{})
	if err != nil {
		logger.Error("load deliveries", zap.Error(err))
		return exitStorage
	}
	var active, terminal int
	var timeline []models.Delivery
	for _, d := range deliveries {
		if d.DeviceID != deviceID {
			continue
		}
		if d.IsActive() {
			active++
			timeline = append(timeline, d)
		} else {
			terminal++
		}
	}

	out := struct {
		Device             models.Device     `json:"device"`
		ActiveDeliveries   int               `json:"active_deliveries"`
		TerminalDeliveries int               `json:"terminal_deliveries"`
		Timeline           []models.Delivery `json:"timeline"`
	}{*device, active, terminal, timeline}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("encode inspection", zap.Error(err))
		return exitStorage
	}
	return exitOK
}
