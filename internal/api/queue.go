package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/tracker"
)

// queueResponse is the body of GET /devices/{id}/queue (spec §6). When no
// SCHEDULED delivery is promotable, Entries is empty and Fallback carries
// the non-billed content descriptor instead (spec §4.6, §8 "Empty eligible
// set returns fallback content, not an error").
type queueResponse struct {
	DeviceID  string                   `json:"device_id"`
	Timestamp string                   `json:"timestamp"`
	Sequence  int64                    `json:"sequence"`
	Entries   []models.QueueEntry      `json:"entries"`
	Fallback  *tracker.FallbackContent `json:"fallback,omitempty"`
}

// QueueHandler handles GET /devices/{id}/queue?lookahead=N. Entries stay
// SCHEDULED; promotion to DELIVERING is deferred until the device reports
// playback start so a queued entry can still be preempted (spec §4.7).
func (s *Server) QueueHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "queue", "GET"

	deviceID := mux.Vars(r)["id"]

	partner, err := s.authPartner(r, "")
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}
	device, err := s.deviceForPartner(deviceID, partner)
	if err != nil {
		s.finish(w, endpoint, method, start, err)
		return
	}

	if s.Limiter != nil && !s.Limiter.Allow(deviceID) {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrRateLimited, "device %s pull rate exceeded", deviceID))
		return
	}

	lookahead := time.Duration(s.Config.SlotGranularitySeconds) * time.Second
	if v := r.URL.Query().Get("lookahead"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "bad lookahead %q", v))
			return
		}
		lookahead = time.Duration(secs) * time.Second
	}

	deliveries := s.Tracker.PullQueue(deviceID, lookahead)
	entries := make([]models.QueueEntry, 0, len(deliveries))
	for _, d := range deliveries {
		campaign := s.Store.GetCampaign(d.CampaignID)
		creative := s.Store.GetCreative(d.CreativeID)
		if campaign == nil || creative == nil {
			continue
		}
		entries = append(entries, tracker.ToQueueEntry(d, *campaign, *creative))
	}

	resp := queueResponse{
		DeviceID:  deviceID,
		Timestamp: nowFn().UTC().Format(time.RFC3339),
		Sequence:  s.nextSequence(),
		Entries:   entries,
	}
	if len(entries) == 0 {
		fb := s.Tracker.ResolveFallback(device)
		resp.Fallback = &fb
		s.Metrics.IncrementNoFittingSlot()
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeJSON(w, resp)
}
