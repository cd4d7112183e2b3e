package models

// MediaType is the renderable kind of a Creative.
type MediaType string

const (
	MediaImage       MediaType = "IMAGE"
	MediaVideo       MediaType = "VIDEO"
	MediaHTML        MediaType = "HTML"
	MediaInteractive MediaType = "INTERACTIVE"
	MediaAR          MediaType = "AR"
	MediaVoice       MediaType = "VOICE"
)

// ApprovalStatus is the canonical creative verification state (spec §9(a):
// the source alternated between a boolean and this enum; this system keeps
// only the enum).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// VerificationMethod records how a creative's approval status was decided.
type VerificationMethod string

const (
	VerificationBasic   VerificationMethod = "BASIC"   // deterministic policy checks only
	VerificationOracle  VerificationMethod = "ORACLE"  // external ContentModerator verdict
	VerificationManual  VerificationMethod = "MANUAL"  // operator override
)

// defaultDurationSeconds gives the fallback display duration by media type
// when a Creative carries no natural duration (spec §4.4).
var defaultDurationSeconds = map[MediaType]int{
	MediaImage:       20,
	MediaVideo:       30,
	MediaHTML:        25,
	MediaInteractive: 45,
	MediaAR:          60,
	MediaVoice:       45,
}

// typeMultiplier scales a creative's exploration bonus in the Selection
// Engine's creative-pick step (spec §4.4).
var typeMultiplier = map[MediaType]float64{
	MediaVideo:       1.2,
	MediaInteractive: 1.3,
	MediaAR:          1.4,
}

// TypeMultiplier returns the exploration-bonus scale factor for m, or 1.0
// if m carries no special weighting.
func TypeMultiplier(m MediaType) float64 {
	if v, ok := typeMultiplier[m]; ok {
		return v
	}
	return 1.0
}

// Creative is a renderable asset owned by a Campaign.
type Creative struct {
	ID         int       `json:"id"`
	CampaignID int       `json:"campaign_id"`
	Type       MediaType `json:"type"`
	URL        string    `json:"url"`
	Format     string    `json:"format"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`

	// DurationSeconds is the creative's natural duration. Zero means "use
	// the type default" (see DisplayDuration).
	DurationSeconds int `json:"duration_seconds,omitempty"`

	Status              ApprovalStatus      `json:"status"`
	VerificationMethod  VerificationMethod  `json:"verification_method,omitempty"`
	RejectionReasons    []string            `json:"rejection_reasons,omitempty"`

	// Running performance counters backing the creative-level UCB1 term in
	// Selection Engine step "Creative pick within chosen campaign".
	Impressions   int64   `json:"impressions"`
	Engagements   int64   `json:"engagements"`
	AttentionMean float64 `json:"attention_mean"` // incremental running mean
}

// DisplayDuration returns the creative's natural duration in seconds,
// falling back to the per-type default when unset (spec §4.4).
func (c Creative) DisplayDuration() int {
	if c.DurationSeconds > 0 {
		return c.DurationSeconds
	}
	if d, ok := defaultDurationSeconds[c.Type]; ok {
		return d
	}
	return 20
}

// EngagementRate returns engagements/impressions, or 0 with no impressions.
func (c Creative) EngagementRate() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Engagements) / float64(c.Impressions)
}

// IsApproved reports whether the creative may be selected for delivery.
func (c Creative) IsApproved() bool {
	return c.Status == ApprovalApproved
}

// formatWhitelist are the creative formats the deterministic verification
// pass accepts (spec §4.1 "format whitelist").
var formatWhitelist = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true,
	"mp4": true, "mov": true, "webm": true,
	"html": true, "html5": true,
}

// FormatAllowed reports whether format is in the deterministic whitelist.
func FormatAllowed(format string) bool {
	return formatWhitelist[format]
}

// QueueEntry is one item returned by the Device Sync API's PullQueue
// operation (spec §4.7, wire shape in §6).
type QueueEntry struct {
	DeliveryID    string    `json:"delivery_id"`
	ScheduledTime string    `json:"scheduled_time"` // ISO-8601 UTC
	Creative      QueueCreative `json:"creative"`
	Campaign      QueueCampaign `json:"campaign"`
	Priority      int       `json:"priority"`
}

// QueueCreative is the creative descriptor embedded in a QueueEntry.
type QueueCreative struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url"`
	Format   string    `json:"format"`
	Duration int       `json:"duration"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
}

// QueueCampaign is the campaign descriptor embedded in a QueueEntry.
type QueueCampaign struct {
	ID           int          `json:"id"`
	PricingModel PricingModel `json:"pricing_model"`
}
