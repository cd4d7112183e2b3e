// Package oracle models the duck-typed AI collaborators the reference
// implementation calls ad-hoc (creative moderation, schedule optimization,
// audience analysis) as named interfaces (spec §9 "Dynamic dispatch"). A
// null implementation of each is always available so the core runs with no
// external AI configured; an HTTP-backed implementation is provided for
// when one is.
package oracle

import (
	"context"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
)

// ModerationVerdict is a ContentModerator's verdict on one creative.
type ModerationVerdict struct {
	Approved bool
	Reasons  []string
}

// ContentModerator overrides the Catalog's deterministic creative
// verification (spec §4.1) when available. On error the Catalog falls back
// to its deterministic checks and records VerificationBasic.
type ContentModerator interface {
	Moderate(ctx context.Context, creative models.Creative) (ModerationVerdict, error)
}

// ScheduleAssignment is one (slot, campaignID, creativeID) triple in a
// ScheduleOptimizer's proposed permutation for a device/window.
type ScheduleAssignment struct {
	Slot       time.Time
	CampaignID int
	CreativeID int
}

// ScheduleOptimizer proposes a full per-device schedule for a window,
// superseding the Scheduler's per-slot Selection Engine calls when available
// (spec §4.5 "Optimization mode"). On error the Scheduler falls back to the
// deterministic per-slot path.
type ScheduleOptimizer interface {
	OptimizeSchedule(ctx context.Context, device models.Device, slots []time.Time, eligible []models.Campaign) ([]ScheduleAssignment, error)
}

// AudienceInsight augments a raw AudienceSnapshot with derived signal (e.g.
// a richer demographic breakdown) the core's own aggregation can't compute.
type AudienceInsight struct {
	EngagementQualityScore float64
	Notes                  []string
}

// AudienceAnalyzer enriches an AudienceSnapshot posted with a playback
// report. Telemetry-only: failures here are swallowed with a metric
// increment and never block the Delivery Tracker's state transition
// (spec §7 propagation policy).
type AudienceAnalyzer interface {
	Analyze(ctx context.Context, snapshot models.AudienceSnapshot) (AudienceInsight, error)
}

// NullModerator always falls through to deterministic verification.
type NullModerator struct{}

func (NullModerator) Moderate(context.Context, models.Creative) (ModerationVerdict, error) {
	return ModerationVerdict{}, errUnconfigured
}

// NullOptimizer always defers to the deterministic per-slot Selection Engine.
type NullOptimizer struct{}

func (NullOptimizer) OptimizeSchedule(context.Context, models.Device, []time.Time, []models.Campaign) ([]ScheduleAssignment, error) {
	return nil, errUnconfigured
}

// NullAnalyzer never enriches; the raw AudienceSnapshot is used as-is.
type NullAnalyzer struct{}

func (NullAnalyzer) Analyze(context.Context, models.AudienceSnapshot) (AudienceInsight, error) {
	return AudienceInsight{}, errUnconfigured
}

var errUnconfigured = unconfiguredError{}

type unconfiguredError struct{}

func (unconfiguredError) Error() string { return "oracle: no external implementation configured" }
