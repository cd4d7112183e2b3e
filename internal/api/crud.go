package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fieldcast/deliverycore/internal/models"
)

// ===== Partners =====

func (s *Server) ListPartners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Store.GetAllPartners())
}

func (s *Server) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var partner models.Partner
	if err := json.NewDecoder(r.Body).Decode(&partner); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if partner.ID == "" || partner.TokenSecret == "" {
		http.Error(w, "id and token_secret required", http.StatusBadRequest)
		return
	}

	if s.PG != nil {
		if err := s.PG.InsertPartner(&partner); err != nil {
			s.Logger.Error("insert partner to postgres", zap.Error(err))
			http.Error(w, "failed to persist partner", http.StatusInternalServerError)
			return
		}
	}
	if err := s.Store.InsertPartner(&partner); err != nil {
		s.Logger.Error("insert partner to data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, partner)
}

func (s *Server) UpdatePartner(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var partner models.Partner
	if err := json.NewDecoder(r.Body).Decode(&partner); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	partner.ID = id

	if err := s.Store.UpdatePartner(partner); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "partner not found", http.StatusNotFound)
			return
		}
		s.Logger.Error("update partner in data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdatePartner(partner); err != nil {
			s.Logger.Error("update partner in postgres", zap.Error(err))
		}
	}
	writeJSON(w, partner)
}

// ===== Campaigns =====

func (s *Server) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Store.GetAllCampaigns())
}

func (s *Server) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var campaign models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if campaign.EndDate.Before(campaign.StartDate) {
		http.Error(w, "end_date before start_date", http.StatusBadRequest)
		return
	}
	if campaign.Status == "" {
		campaign.Status = models.CampaignDraft
	}

	if s.PG != nil {
		if err := s.PG.InsertCampaign(&campaign); err != nil {
			s.Logger.Error("insert campaign to postgres", zap.Error(err))
			http.Error(w, "failed to persist campaign", http.StatusInternalServerError)
			return
		}
	}
	if err := s.Store.InsertCampaign(&campaign); err != nil {
		s.Logger.Error("insert campaign to data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.Catalog.Refresh()
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, campaign)
}

func (s *Server) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var campaign models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	campaign.ID = id

	prev := s.Store.GetCampaign(id)
	if prev == nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}

	if err := s.Store.UpdateCampaign(campaign); err != nil {
		s.Logger.Error("update campaign in data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdateCampaign(campaign); err != nil {
			s.Logger.Error("update campaign in postgres", zap.Error(err))
		}
	}

	// A campaign leaving ACTIVE takes its in-flight deliveries with it
	// (spec §4.6 "Any state → CANCELLED on campaign pause/stop").
	if prev.Status == models.CampaignActive && campaign.Status != models.CampaignActive {
		if n, err := s.Tracker.CancelForCampaign(r.Context(), id, "campaign-"+statusReason(campaign.Status)); err != nil {
			s.Logger.Error("cancel deliveries for campaign", zap.Error(err), zap.Int("campaign_id", id))
		} else if n > 0 {
			s.Logger.Info("cancelled deliveries on campaign status change", zap.Int("campaign_id", id), zap.Int("count", n))
		}
	}

	s.Catalog.Refresh()
	writeJSON(w, campaign)
}

func statusReason(status models.CampaignStatus) string {
	switch status {
	case models.CampaignPaused:
		return "paused"
	case models.CampaignCancelled:
		return "cancelled"
	case models.CampaignCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

func (s *Server) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if _, err := s.Tracker.CancelForCampaign(r.Context(), id, "campaign-deleted"); err != nil {
		s.Logger.Error("cancel deliveries for deleted campaign", zap.Error(err), zap.Int("campaign_id", id))
	}

	if err := s.Store.DeleteCampaign(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "campaign not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.DeleteCampaign(id); err != nil {
			s.Logger.Error("delete campaign in postgres", zap.Error(err))
		}
	}

	s.Catalog.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

// ===== Creatives =====

func (s *Server) ListCreatives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Store.GetAllCreatives())
}

// CreateCreative persists a new creative and immediately runs verification:
// deterministic policy checks, overridden by the content-moderation oracle
// when one is reachable (spec §4.1). The verdict is stored on the creative
// before the response is written, so a caller sees APPROVED/REJECTED, never
// a transient PENDING.
func (s *Server) CreateCreative(w http.ResponseWriter, r *http.Request) {
	var creative models.Creative
	if err := json.NewDecoder(r.Body).Decode(&creative); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if creative.CampaignID == 0 {
		http.Error(w, "campaign_id required", http.StatusBadRequest)
		return
	}
	if s.Store.GetCampaign(creative.CampaignID) == nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	creative.Status = models.ApprovalPending

	result := s.Catalog.VerifyCreative(r.Context(), creative)
	creative.Status = result.Status
	creative.VerificationMethod = result.Method
	creative.RejectionReasons = result.Reasons

	if s.PG != nil {
		if err := s.PG.InsertCreative(&creative); err != nil {
			s.Logger.Error("insert creative to postgres", zap.Error(err))
			http.Error(w, "failed to persist creative", http.StatusInternalServerError)
			return
		}
	}
	if err := s.Store.InsertCreative(&creative); err != nil {
		s.Logger.Error("insert creative to data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.Catalog.Refresh()
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, creative)
}

func (s *Server) UpdateCreative(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var creative models.Creative
	if err := json.NewDecoder(r.Body).Decode(&creative); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	creative.ID = id

	if err := s.Store.UpdateCreative(creative); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "creative not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdateCreative(creative); err != nil {
			s.Logger.Error("update creative in postgres", zap.Error(err))
		}
	}

	s.Catalog.Refresh()
	writeJSON(w, creative)
}

// VerifyCreativeHandler re-runs content verification for an existing
// creative and persists the verdict (spec §4.1 side effect, scenario S4).
func (s *Server) VerifyCreativeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	creative := s.Store.GetCreative(id)
	if creative == nil {
		http.Error(w, "creative not found", http.StatusNotFound)
		return
	}

	result := s.Catalog.VerifyCreative(r.Context(), *creative)
	updated := *creative
	updated.Status = result.Status
	updated.VerificationMethod = result.Method
	updated.RejectionReasons = result.Reasons

	if err := s.Store.UpdateCreative(updated); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdateCreative(updated); err != nil {
			s.Logger.Error("persist verification verdict", zap.Error(err), zap.Int("creative_id", id))
		}
	}

	s.Catalog.Refresh()
	writeJSON(w, updated)
}

func (s *Server) DeleteCreative(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.Store.DeleteCreative(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "creative not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.DeleteCreative(id); err != nil {
			s.Logger.Error("delete creative in postgres", zap.Error(err))
		}
	}
	s.Catalog.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

// ===== Devices (operator surface; device self-service goes through
// /devices/register and /devices/heartbeat) =====

func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	if partnerID := r.URL.Query().Get("partner"); partnerID != "" {
		writeJSON(w, s.Store.GetDevicesByPartner(partnerID))
		return
	}
	writeJSON(w, s.Store.GetAllDevices())
}

func (s *Server) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	device.ID = id

	if err := s.Store.UpdateDevice(device); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpdateDevice(device); err != nil {
			s.Logger.Error("update device in postgres", zap.Error(err))
		}
	}
	writeJSON(w, device)
}

func (s *Server) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteDevice(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
