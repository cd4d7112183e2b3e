// Package catalog is the read-through cache of campaigns, creatives, and
// devices with eligibility indices (spec §4.1, component C1).
package catalog

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"go.uber.org/zap"
)

// CampaignHandle pairs an eligible campaign with its APPROVED creatives, the
// only set the Selection Engine is allowed to pick from.
type CampaignHandle struct {
	Campaign  models.Campaign
	Creatives []models.Creative
}

// activeIndex is the sub-linear eligibility index: campaigns pre-filtered to
// status=ACTIVE and sorted by StartDate, rebuilt wholesale on Refresh so
// ListEligibleCampaigns never scans DRAFT/COMPLETED/REJECTED rows.
type activeIndex struct {
	campaigns []models.Campaign
}

// Catalog is the Scheduler and Selection Engine's read-through view of the
// Store. It never blocks on a write; Refresh swaps in a new index the same
// way models.Store swaps snapshots.
type Catalog struct {
	store     models.Store
	moderator oracle.ContentModerator
	metrics   observability.MetricsRegistry
	logger    *zap.Logger

	idx atomic.Pointer[activeIndex]
}

// New builds a Catalog over store. moderator may be oracle.NullModerator{}
// when no external content-moderation service is configured.
func New(store models.Store, moderator oracle.ContentModerator, metrics observability.MetricsRegistry, logger *zap.Logger) *Catalog {
	c := &Catalog{store: store, moderator: moderator, metrics: metrics, logger: logger}
	c.idx.Store(&activeIndex{})
	c.Refresh()
	return c
}

// Refresh rebuilds the active-campaign index from the current Store
// snapshot. Called on startup, after the reload ticker syncs the Store from
// Postgres, and after any operator CRUD mutation of campaign status.
func (c *Catalog) Refresh() {
	all := c.store.GetAllCampaigns()
	active := make([]models.Campaign, 0, len(all))
	for _, camp := range all {
		if camp.Status == models.CampaignActive {
			active = append(active, camp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartDate.Before(active[j].StartDate) })
	c.idx.Store(&activeIndex{campaigns: active})
}

// ListEligibleCampaigns returns campaigns eligible for (device, slot): active
// status, within lifetime, under budget and daily cap, targeting satisfied,
// and owning at least one APPROVED creative (spec §3 Campaign eligibility
// invariant, §4.1).
func (c *Catalog) ListEligibleCampaigns(device models.Device, slot time.Time) []CampaignHandle {
	start := time.Now()
	idx := c.idx.Load()
	today := slot.Format("2006-01-02")
	ctx := models.SlotContext{Device: device, Slot: slot}

	count := len(idx.campaigns)
	out := make([]CampaignHandle, 0, count)
	for _, camp := range idx.campaigns {
		if !camp.IsWithinWindow(slot) {
			continue
		}
		if !camp.BudgetRemaining() || !camp.DailyCapRemaining(today) {
			continue
		}
		if !models.MatchesTargeting(camp, ctx) {
			continue
		}
		approved := approvedCreatives(c.store.GetCreativesByCampaign(camp.ID))
		if len(approved) == 0 {
			continue
		}
		out = append(out, CampaignHandle{Campaign: camp, Creatives: approved})
	}

	c.metrics.RecordOracleLatency("eligibility_filter", time.Since(start))
	return out
}

func approvedCreatives(all []models.Creative) []models.Creative {
	out := make([]models.Creative, 0, len(all))
	for _, cr := range all {
		if cr.IsApproved() {
			out = append(out, cr)
		}
	}
	return out
}

// VerificationResult is the outcome of VerifyCreative.
type VerificationResult struct {
	Status  models.ApprovalStatus
	Method  models.VerificationMethod
	Reasons []string
}

// VerifyCreative runs deterministic policy checks (type, format whitelist,
// dimension bounds) and, if a content-moderation oracle is configured, lets
// its verdict override. On oracle error it falls back to the deterministic
// result with method BASIC (spec §4.1, scenario S4). The verdict is
// persisted on the creative by the caller (internal/api CRUD handler), not
// here — Catalog itself does not own writes to Postgres.
func (c *Catalog) VerifyCreative(ctx context.Context, creative models.Creative) VerificationResult {
	basic := deterministicVerify(creative)

	verdict, err := c.moderator.Moderate(ctx, creative)
	if err != nil {
		c.logger.Debug("content moderator unavailable, using deterministic verification",
			zap.Int("creative_id", creative.ID), zap.Error(err))
		return basic
	}

	status := models.ApprovalRejected
	if verdict.Approved {
		status = models.ApprovalApproved
	}
	return VerificationResult{Status: status, Method: models.VerificationOracle, Reasons: verdict.Reasons}
}

// maxCreativeDimension bounds a creative's width/height in pixels; anything
// larger is assumed to be a malformed upload rather than a legitimate asset.
const maxCreativeDimension = 7680 // 8K width, generous for any DOOH panel

func deterministicVerify(creative models.Creative) VerificationResult {
	var reasons []string

	if creative.Type == "" {
		reasons = append(reasons, "missing media type")
	}
	if creative.URL == "" {
		reasons = append(reasons, "missing url")
	}
	if !models.FormatAllowed(creative.Format) {
		reasons = append(reasons, "format not in whitelist: "+creative.Format)
	}
	if creative.Width < 0 || creative.Height < 0 {
		reasons = append(reasons, "negative dimension")
	}
	if creative.Width > maxCreativeDimension || creative.Height > maxCreativeDimension {
		reasons = append(reasons, "dimension exceeds bound")
	}

	if len(reasons) > 0 {
		return VerificationResult{Status: models.ApprovalRejected, Method: models.VerificationBasic, Reasons: reasons}
	}
	return VerificationResult{Status: models.ApprovalApproved, Method: models.VerificationBasic}
}
