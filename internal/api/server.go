// Package api is the Device Sync API and operator surface (spec §4.7,
// component C7): per-device queue pulls, heartbeats, playback reports, plus
// the CRUD, reload, health, and earnings endpoints operators use.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/catalog"
	"github.com/fieldcast/deliverycore/internal/config"
	"github.com/fieldcast/deliverycore/internal/db"
	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/geoip"
	"github.com/fieldcast/deliverycore/internal/logic/ratelimit"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/scheduler"
	"github.com/fieldcast/deliverycore/internal/token"
	"github.com/fieldcast/deliverycore/internal/tracker"
)

// nowFn allows deterministic time injection in tests.
var nowFn = time.Now

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Store     models.Store
	PG        *db.Postgres
	Redis     *db.RedisStore
	Catalog   *catalog.Catalog
	Scheduler *scheduler.Scheduler
	Tracker   *tracker.Tracker
	Revenue   billing.RevenueQuery
	GeoIP     *geoip.GeoIP
	Limiter   *ratelimit.DeviceLimiter
	Metrics   observability.MetricsRegistry
	Config    config.Config
	TokenTTL  time.Duration

	reloadMu sync.Mutex
	sequence atomic.Int64
}

// NewServer constructs a Server. PG, Redis, Revenue, and GeoIP may be nil;
// the handlers that depend on them degrade (no persistence, no earnings)
// rather than fail at startup, matching how tests run against the in-memory
// Store alone.
func NewServer(logger *zap.Logger, store models.Store, pg *db.Postgres, redis *db.RedisStore, cat *catalog.Catalog, sched *scheduler.Scheduler, trk *tracker.Tracker, revenue billing.RevenueQuery, geo *geoip.GeoIP, limiter *ratelimit.DeviceLimiter, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:    logger,
		Store:     store,
		PG:        pg,
		Redis:     redis,
		Catalog:   cat,
		Scheduler: sched,
		Tracker:   trk,
		Revenue:   revenue,
		GeoIP:     geo,
		Limiter:   limiter,
		Metrics:   metrics,
		Config:    cfg,
		TokenTTL:  cfg.TokenTTL,
	}
}

// nextSequence returns the monotonic sequence number every Device Sync
// payload carries (spec §6 wire protocol).
func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

// Router wires every endpoint (spec §6 device sync table, plus the operator
// CRUD/reload/health/earnings surface).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/devices/register", s.RegisterDeviceHandler).Methods("POST")
	r.HandleFunc("/devices/heartbeat", s.HeartbeatHandler).Methods("POST")
	r.HandleFunc("/devices/{id}/queue", s.QueueHandler).Methods("GET")
	r.HandleFunc("/deliveries/{id}/playback", s.PlaybackHandler).Methods("POST")

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.HandleFunc("/reports/partners/{id}/earnings", s.PartnerEarningsHandler).Methods("GET")

	crud := r.PathPrefix("/api").Subrouter()
	crud.HandleFunc("/partners", s.ListPartners).Methods("GET")
	crud.HandleFunc("/partners", s.CreatePartner).Methods("POST")
	crud.HandleFunc("/partners/{id}", s.UpdatePartner).Methods("PUT")

	crud.HandleFunc("/campaigns", s.ListCampaigns).Methods("GET")
	crud.HandleFunc("/campaigns", s.CreateCampaign).Methods("POST")
	crud.HandleFunc("/campaigns/{id}", s.UpdateCampaign).Methods("PUT")
	crud.HandleFunc("/campaigns/{id}", s.DeleteCampaign).Methods("DELETE")

	crud.HandleFunc("/creatives", s.ListCreatives).Methods("GET")
	crud.HandleFunc("/creatives", s.CreateCreative).Methods("POST")
	crud.HandleFunc("/creatives/{id}", s.UpdateCreative).Methods("PUT")
	crud.HandleFunc("/creatives/{id}", s.DeleteCreative).Methods("DELETE")
	crud.HandleFunc("/creatives/{id}/verify", s.VerifyCreativeHandler).Methods("POST")

	crud.HandleFunc("/devices", s.ListDevices).Methods("GET")
	crud.HandleFunc("/devices/{id}", s.UpdateDevice).Methods("PUT")
	crud.HandleFunc("/devices/{id}", s.DeleteDevice).Methods("DELETE")

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Reload refreshes partners, devices, campaigns, and creatives from
// Postgres and rebuilds the Catalog's eligibility index.
func (s *Server) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "postgres unavailable")
	}
	if err := db.SyncCatalog(s.PG, s.Store); err != nil {
		return err
	}
	s.Catalog.Refresh()
	return nil
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error shape every endpoint returns.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err through the taxonomy to an HTTP status and writes the
// uniform error body (spec §7).
func writeError(w http.ResponseWriter, err error) {
	kind := deliveryerr.Kind(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(deliveryerr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: string(kind)})
}

// authPartner verifies the partner-scoped token in the Authorization header
// (or the explicit tok argument when the token travels in the body, as it
// does for registration) and returns the owning partner. Every Device Sync
// mutation passes through here (spec §4.7).
func (s *Server) authPartner(r *http.Request, tok string) (models.Partner, error) {
	if tok == "" {
		tok = bearerToken(r)
	}
	if tok == "" {
		return models.Partner{}, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "missing partner token")
	}

	partnerID, err := token.PeekPartnerID(tok)
	if err != nil {
		return models.Partner{}, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "malformed partner token")
	}
	partner := s.Store.GetPartner(partnerID)
	if partner == nil {
		return models.Partner{}, deliveryerr.Wrap(deliveryerr.ErrNotFound, "unknown partner %s", partnerID)
	}
	if _, err := token.Verify(tok, []byte(partner.TokenSecret), s.TokenTTL); err != nil {
		return models.Partner{}, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "partner token rejected: %v", err)
	}
	return *partner, nil
}

// deviceForPartner loads deviceID and checks it belongs to partner
// (spec §4.7 "deviceID must belong to that partner").
func (s *Server) deviceForPartner(deviceID string, partner models.Partner) (models.Device, error) {
	device := s.Store.GetDevice(deviceID)
	if device == nil {
		return models.Device{}, deliveryerr.Wrap(deliveryerr.ErrNotFound, "unknown device %s", deviceID)
	}
	if device.PartnerID != partner.ID {
		return models.Device{}, deliveryerr.Wrap(deliveryerr.ErrNotFound, "device %s not owned by partner %s", deviceID, partner.ID)
	}
	return *device, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
