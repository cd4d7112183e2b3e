package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/avct/uasurfer"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/middleware"
	"github.com/fieldcast/deliverycore/internal/models"
)

// newDeviceID allows deterministic ID injection in tests.
var newDeviceID = func() string { return uuid.NewString() }

// registerRequest is the body of POST /devices/register (spec §6).
type registerRequest struct {
	PartnerToken      string                `json:"partner_token"`
	DeviceFingerprint string                `json:"device_fingerprint"`
	Class             models.DeviceClass    `json:"class,omitempty"`
	Location          models.DeviceLocation `json:"location"`
	Specs             map[string]string     `json:"specs,omitempty"`
	Timestamp         string                `json:"timestamp,omitempty"`
	Sequence          int64                 `json:"sequence,omitempty"`
}

// deviceConfiguration is the per-device tunables handed back at
// registration and refreshed on heartbeat when they change.
type deviceConfiguration struct {
	PullIntervalSeconds    int `json:"pull_interval_seconds"`
	LookaheadSeconds       int `json:"lookahead_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

type registerResponse struct {
	DeviceID      string              `json:"device_id"`
	Timestamp     string              `json:"timestamp"`
	Sequence      int64               `json:"sequence"`
	Configuration deviceConfiguration `json:"configuration"`
}

func (s *Server) configurationFor(class models.DeviceClass) deviceConfiguration {
	slots := models.TargetSlotsPerHour[class]
	if slots == 0 {
		slots = 12
	}
	return deviceConfiguration{
		PullIntervalSeconds:      3600 / slots,
		LookaheadSeconds:         s.Config.SlotGranularitySeconds,
		HeartbeatIntervalSeconds: int(s.Config.DeviceOfflineThreshold.Seconds() / 2),
	}
}

// classFromUserAgent maps a reporting client's parsed User-Agent onto the
// nearest device class, used only when registration omits an explicit class.
func classFromUserAgent(ua string) models.DeviceClass {
	switch uasurfer.Parse(ua).DeviceType {
	case uasurfer.DeviceTV, uasurfer.DeviceConsole:
		return models.ClassAndroidTV
	case uasurfer.DeviceTablet:
		return models.ClassInteractiveKiosk
	case uasurfer.DevicePhone:
		return models.ClassVehicleMounted
	default:
		return models.ClassDigitalSignage
	}
}

// RegisterDeviceHandler handles POST /devices/register. Registration is
// idempotent on (partner, fingerprint): a device re-registering after a
// wipe gets its existing stable ID back rather than a duplicate row.
func (s *Server) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "register", "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "invalid json"))
		return
	}
	if req.DeviceFingerprint == "" {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "device_fingerprint required"))
		return
	}

	partner, err := s.authPartner(r, req.PartnerToken)
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}

	class := req.Class
	if class == "" {
		class = classFromUserAgent(r.UserAgent())
	}

	location := req.Location
	if location.Region == "" && s.GeoIP != nil {
		if ip := clientIP(r); ip != nil {
			location.Region = s.GeoIP.Region(ip)
		}
	}

	device := s.findByFingerprint(partner.ID, req.DeviceFingerprint)
	if device == nil {
		fresh := models.Device{
			ID:          newDeviceID(),
			PartnerID:   partner.ID,
			Fingerprint: req.DeviceFingerprint,
			Class:       class,
			Location:    location,
			Status:      models.DeviceStatusPending,
			Health:      models.HealthUnknown,
			LastSeen:    nowFn(),
		}
		if err := s.Store.InsertDevice(&fresh); err != nil {
			s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "insert device: %v", err))
			return
		}
		if s.PG != nil {
			if err := s.PG.InsertDevice(&fresh); err != nil {
				logger.Error("persist device to postgres", zap.Error(err), zap.String("device_id", fresh.ID))
			}
		}
		device = &fresh
		logger.Info("device registered", zap.String("device_id", fresh.ID), zap.String("partner_id", partner.ID), zap.String("class", string(class)))
	}

	s.Metrics.IncrementEvent("register")
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeJSON(w, registerResponse{
		DeviceID:      device.ID,
		Timestamp:     nowFn().UTC().Format(time.RFC3339),
		Sequence:      s.nextSequence(),
		Configuration: s.configurationFor(device.Class),
	})
}

func (s *Server) findByFingerprint(partnerID, fingerprint string) *models.Device {
	for _, d := range s.Store.GetDevicesByPartner(partnerID) {
		if d.Fingerprint == fingerprint {
			found := d
			return &found
		}
	}
	return nil
}

// heartbeatRequest is the body of POST /devices/heartbeat (spec §6).
type heartbeatRequest struct {
	DeviceID  string              `json:"device_id"`
	Health    models.DeviceHealth `json:"health"`
	Metrics   map[string]float64  `json:"metrics,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
	Sequence  int64               `json:"sequence,omitempty"`
}

type heartbeatResponse struct {
	OK            bool   `json:"ok"`
	Timestamp     string `json:"timestamp"`
	Sequence      int64  `json:"sequence"`
	ConfigUpdated bool   `json:"config_updated,omitempty"`
}

// HeartbeatHandler handles POST /devices/heartbeat: updates lastSeen and
// health. Devices in MAINTENANCE or SUSPENDED still heartbeat; only their
// scheduling is withheld (spec §3 Device invariant).
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "heartbeat", "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "invalid json"))
		return
	}
	if req.DeviceID == "" {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "device_id required"))
		return
	}

	partner, err := s.authPartner(r, "")
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}
	device, err := s.deviceForPartner(req.DeviceID, partner)
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}
	if !device.AcceptsHeartbeats() {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrPolicyRejected, "device %s does not accept heartbeats", device.ID))
		return
	}

	device.LastSeen = nowFn()
	if req.Health != "" {
		device.Health = req.Health
	} else if device.Health == models.HealthOffline || device.Health == models.HealthUnknown {
		device.Health = models.HealthHealthy
	}
	if err := s.Store.UpdateDevice(device); err != nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "update device: %v", err))
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdateDevice(device); err != nil {
			logger.Error("persist heartbeat to postgres", zap.Error(err), zap.String("device_id", device.ID))
		}
	}

	if len(req.Errors) > 0 {
		logger.Warn("device reported errors", zap.String("device_id", device.ID), zap.Strings("errors", req.Errors))
	}

	s.Metrics.IncrementEvent("heartbeat")
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeJSON(w, heartbeatResponse{
		OK:        true,
		Timestamp: nowFn().UTC().Format(time.RFC3339),
		Sequence:  s.nextSequence(),
	})
}

// finish records metrics for a failed request and writes the error body.
func (s *Server) finish(w http.ResponseWriter, endpoint, method string, start time.Time, err error) {
	status := deliveryerr.HTTPStatus(deliveryerr.Kind(err))
	s.Metrics.IncrementRequests(endpoint, method, httpStatusLabel(status))
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeError(w, err)
}

func httpStatusLabel(status int) string {
	switch status {
	case 400:
		return "400"
	case 404:
		return "404"
	case 409:
		return "409"
	case 422:
		return "422"
	case 429:
		return "429"
	case 503:
		return "503"
	default:
		return "500"
	}
}

func clientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr == "" {
		ipStr, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return net.ParseIP(ipStr)
}
