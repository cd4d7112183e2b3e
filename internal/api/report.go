package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/reporting"
)

// PartnerEarningsHandler handles GET
// /reports/partners/{id}/earnings?from=RFC3339&to=RFC3339[&device=ID],
// the per-(partner, device, period) revenue query surface spec §6 exposes
// to the external Partner Payment system. Defaults to the trailing 30 days.
func (s *Server) PartnerEarningsHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "earnings", "GET"

	if s.Revenue == nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "billing event store unavailable"))
		return
	}

	partnerID := mux.Vars(r)["id"]
	if s.Store.GetPartner(partnerID) == nil {
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrNotFound, "unknown partner %s", partnerID))
		return
	}

	to := nowFn()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "bad from %q", v))
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "bad to %q", v))
			return
		}
		to = t
	}

	report, err := reporting.GeneratePartnerEarnings(r.Context(), s.Store, s.Revenue, partnerID, r.URL.Query().Get("device"), from, to)
	if err != nil {
		s.Logger.Error("partner earnings report failed", zap.Error(err), zap.String("partner_id", partnerID))
		s.finish(w, endpoint, method, start, deliveryerr.Wrap(deliveryerr.ErrTransientStorage, "earnings query: %v", err))
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	writeJSON(w, report)
}
