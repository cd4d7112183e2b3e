package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/middleware"
	"github.com/fieldcast/deliverycore/internal/models"
	"go.uber.org/zap"
)

// playbackRequest is the body of POST /deliveries/{id}/playback (spec §4.6,
// §6). ViewableTimeMillis may be omitted; it then defaults to the reported
// start/end span, which is what devices without per-frame visibility
// tracking send.
type playbackRequest struct {
	DeviceID           string                  `json:"device_id"`
	StartTime          time.Time               `json:"start_time"`
	EndTime            time.Time               `json:"end_time"`
	Completed          bool                    `json:"completed"`
	Interrupted        bool                    `json:"interrupted"`
	ViewableTimeMillis int64                   `json:"viewable_time_millis,omitempty"`
	ViewerMetrics      models.AudienceSnapshot `json:"viewer_metrics,omitempty"`
	DeviceMetrics      map[string]string       `json:"device_metrics,omitempty"`
	Timestamp          string                  `json:"timestamp,omitempty"`
	Sequence           int64                   `json:"sequence,omitempty"`
}

type playbackResponse struct {
	Timestamp string          `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Delivery  models.Delivery `json:"delivery"`
}

// PlaybackHandler handles POST /deliveries/{id}/playback and drives the
// state machine. Duplicate reports for an already-terminal delivery return
// the existing final snapshot unchanged (spec §4.6 idempotency).
func (s *Server) PlaybackHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "playback", "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	deliveryID := mux.Vars(r)["id"]

	var req playbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "invalid json"))
		return
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() || req.EndTime.Before(req.StartTime) {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "start_time/end_time required and ordered"))
		return
	}

	partner, err := s.authPartner(r, "")
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}
	delivery := s.Store.GetDelivery(deliveryID)
	if delivery == nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrNotFound, "unknown delivery %s", deliveryID))
		return
	}
	if _, err := s.deviceForPartner(delivery.DeviceID, partner); err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}

	viewable := req.ViewableTimeMillis
	if viewable == 0 {
		viewable = req.EndTime.Sub(req.StartTime).Milliseconds()
	}
	report := models.PlaybackReport{
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		Completed:          req.Completed,
		Interrupted:        req.Interrupted,
		ViewableTimeMillis: viewable,
		ViewerMetrics:      req.ViewerMetrics,
		DeviceMetrics:      req.DeviceMetrics,
	}

	final, err := s.Tracker.ApplyPlayback(r.Context(), deliveryID, report)
	if err != nil {
		logger.Error("playback report failed", zap.Error(err), zap.String("delivery_id", deliveryID))
		s.finish(w, endpoint, method, start, err)
		return
	}

	s.Metrics.IncrementReports()
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeJSON(w, playbackResponse{
		Timestamp: nowFn().UTC().Format(time.RFC3339),
		Sequence:  s.nextSequence(),
		Delivery:  final,
	})
}
