package models

import (
	"fmt"
	"time"
)

// DeliveryState is a node in the state machine owned by the Delivery
// Tracker (spec §4.6).
type DeliveryState string

const (
	DeliveryScheduled  DeliveryState = "SCHEDULED"
	DeliveryDelivering DeliveryState = "DELIVERING"
	DeliveryDelivered  DeliveryState = "DELIVERED"
	DeliveryCancelled  DeliveryState = "CANCELLED"
	DeliveryExpired    DeliveryState = "EXPIRED"
	DeliveryFailed     DeliveryState = "FAILED"
)

// validTransitions is the state-transition graph from spec §4.6. Any
// transition not listed here is an invariant violation (spec §8
// invariant 1).
var validTransitions = map[DeliveryState]map[DeliveryState]bool{
	DeliveryScheduled: {
		DeliveryDelivering: true,
		DeliveryCancelled:  true,
		DeliveryExpired:    true,
	},
	DeliveryDelivering: {
		DeliveryDelivered: true,
		DeliveryFailed:    true,
		DeliveryCancelled: true,
	},
	// Terminal states: DELIVERED, CANCELLED, EXPIRED, FAILED have no
	// outgoing transitions.
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to DeliveryState) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s DeliveryState) bool {
	return len(validTransitions[s]) == 0
}

// ErrorKind classifies a terminal delivery failure, used inside the
// Error variant of DeliveryMetadata.
type ErrorKind string

const (
	ErrorKindPlaybackMissing   ErrorKind = "playback-report-missing"
	ErrorKindPlaybackInterrupt ErrorKind = "playback-interrupted"
	ErrorKindNoFittingSlot     ErrorKind = "no-fitting-slot"
)

// PlaybackReport is the device's account of a single Delivery's playback,
// as posted to ReportPlayback (spec §4.6, §4.7).
type PlaybackReport struct {
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	Completed         bool           `json:"completed"`
	Interrupted       bool           `json:"interrupted"`
	ViewableTimeMillis int64         `json:"viewable_time_millis"`
	ViewerMetrics     AudienceSnapshot `json:"viewer_metrics,omitempty"`
	DeviceMetrics     map[string]string `json:"device_metrics,omitempty"`
}

// CompletionRatio computes viewableTime/duration per spec §4.6.
func (p PlaybackReport) CompletionRatio(durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return float64(p.ViewableTimeMillis) / (float64(durationSeconds) * 1000.0)
}

// AudienceSnapshot is the computer-vision audience-estimation pipeline's
// output for one delivery (spec §1: treated as an external collaborator,
// `TelemetryProducer`). The core only aggregates it; it never computes it.
type AudienceSnapshot struct {
	EstimatedCount int                `json:"estimated_count"`
	AttentionScore float64            `json:"attention_score,omitempty"` // 0..1
	Demographics   map[string]float64 `json:"demographics,omitempty"`    // bucket -> fraction
}

// DeliveryMetadataKind tags which variant of DeliveryMetadata is populated
// (spec §9: tagged-variant sum replacing the source's `metadata: any`).
type DeliveryMetadataKind string

const (
	MetaReason   DeliveryMetadataKind = "reason"
	MetaPriority DeliveryMetadataKind = "priority"
	MetaPlayback DeliveryMetadataKind = "playback"
	MetaAudience DeliveryMetadataKind = "audience"
	MetaError    DeliveryMetadataKind = "error"
)

// DeliveryMetadata is a tagged-variant sum type: exactly one of the typed
// fields matching Kind is meaningful. Constructed only via the With*
// helpers so a caller can't leave Kind inconsistent with its payload.
type DeliveryMetadata struct {
	Kind     DeliveryMetadataKind `json:"kind"`
	Reason   string               `json:"reason,omitempty"`
	Priority int                  `json:"priority,omitempty"`
	Playback *PlaybackReport      `json:"playback,omitempty"`
	Audience *AudienceSnapshot    `json:"audience,omitempty"`
	Error    ErrorKind            `json:"error,omitempty"`
}

func WithReason(reason string) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaReason, Reason: reason}
}

func WithPriority(p int) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaPriority, Priority: p}
}

func WithPlayback(p PlaybackReport) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaPlayback, Playback: &p}
}

func WithAudience(a AudienceSnapshot) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaAudience, Audience: &a}
}

func WithError(e ErrorKind) DeliveryMetadata {
	return DeliveryMetadata{Kind: MetaError, Error: e}
}

// DeliveryCounters are the monotonic counters a Delivery accumulates.
type DeliveryCounters struct {
	Impressions int64 `json:"impressions"`
	Engagements int64 `json:"engagements"`
	Completions int64 `json:"completions"`
}

// Delivery is one scheduled play of one creative on one device.
type Delivery struct {
	ID         string `json:"id"`
	CampaignID int    `json:"campaign_id"`
	CreativeID int    `json:"creative_id"`
	DeviceID   string `json:"device_id"`

	ScheduledTime time.Time     `json:"scheduled_time"`
	DurationSeconds int         `json:"duration_seconds"`
	Priority      int           `json:"priority"` // [1,10], default 5
	State         DeliveryState `json:"state"`
	ActualPlayTime *time.Time   `json:"actual_play_time,omitempty"`

	Counters DeliveryCounters `json:"counters"`

	// Metadata carries state-specific context: cancellation reason,
	// manual priority override, the last playback report applied, the
	// last audience snapshot merged, or a terminal error descriptor.
	Metadata []DeliveryMetadata `json:"metadata,omitempty"`

	// Cost is the billed amount for this delivery once DELIVERED, as
	// computed by the billing package. Zero until then.
	Cost float64 `json:"cost"`

	// LastPlaybackApplied is set when a playback report moves the delivery
	// to DELIVERED. Repeat reports are no-ops because the delivery is
	// terminal by then (spec §8 invariant 5); this flag is not consulted.
	LastPlaybackApplied bool `json:"last_playback_applied,omitempty"`
}

// Interval returns the occupied time interval [t-duration, t+duration]
// used by the Scheduler's conflict/overlap policy (spec §4.5).
func (d Delivery) Interval() (start, end time.Time) {
	dur := time.Duration(d.DurationSeconds) * time.Second
	return d.ScheduledTime.Add(-dur), d.ScheduledTime.Add(dur)
}

// Overlaps reports whether d's occupied interval intersects [t-duration, t+duration].
func (d Delivery) Overlaps(t time.Time, durationSeconds int) bool {
	dur := time.Duration(durationSeconds) * time.Second
	reqStart, reqEnd := t.Add(-dur), t.Add(dur)
	dStart, dEnd := d.Interval()
	return dStart.Before(reqEnd) && reqStart.Before(dEnd)
}

// IsActive reports whether the delivery still occupies a slot (has not
// reached a terminal state).
func (d Delivery) IsActive() bool {
	return d.State == DeliveryScheduled || d.State == DeliveryDelivering
}

// Transition validates and (if legal) returns a copy of d in state `to`
// with metadata appended. Callers persist the returned copy; d itself is
// never mutated in place, preserving the Store's copy-on-write discipline.
func (d Delivery) Transition(to DeliveryState, meta ...DeliveryMetadata) (Delivery, error) {
	if !CanTransition(d.State, to) {
		return d, fmt.Errorf("invalid delivery transition %s -> %s for %s", d.State, to, d.ID)
	}
	next := d
	next.State = to
	next.Metadata = append(append([]DeliveryMetadata{}, d.Metadata...), meta...)
	return next, nil
}
