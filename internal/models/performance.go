package models

import "time"

// ContextKey identifies a PerformanceBucket: the sufficient-statistic key
// the bandit conditions on (spec §3, §4.4).
type ContextKey struct {
	CampaignID int
	DeviceClass DeviceClass
	HourOfDay  int
	DayOfWeek  time.Weekday
}

// Counters is the additive delta/value shape shared by PerformanceBucket
// updates and the Performance Store's Incr contract (spec §4.3).
type Counters struct {
	Impressions int64
	Engagements int64
	Completions int64
}

// Add returns the element-wise sum of c and other.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		Impressions: c.Impressions + other.Impressions,
		Engagements: c.Engagements + other.Engagements,
		Completions: c.Completions + other.Completions,
	}
}

// PerformanceBucket is the bandit's sufficient statistic, keyed by
// (campaignID, deviceClass, hourOfDay, dayOfWeek). Updated monotonically
// on each DELIVERED transition.
type PerformanceBucket struct {
	Key         ContextKey `json:"-"`
	Counters    Counters   `json:"counters"`
	LastUpdated time.Time  `json:"last_updated"`
}

// AlphaBeta returns the Laplace-smoothed Beta-prior parameters the
// Selection Engine draws from (spec §4.4 step 1):
// alpha = engagements+1, beta = impressions-engagements+1.
func (b PerformanceBucket) AlphaBeta() (alpha, beta float64) {
	alpha = float64(b.Counters.Engagements) + 1
	beta = float64(b.Counters.Impressions-b.Counters.Engagements) + 1
	if beta < 1 {
		beta = 1
	}
	return alpha, beta
}

// ContextKeyFor builds the bucket key for a campaign at a given device
// class and wall-clock time.
func ContextKeyFor(campaignID int, class DeviceClass, t time.Time) ContextKey {
	return ContextKey{
		CampaignID:  campaignID,
		DeviceClass: class,
		HourOfDay:   t.Hour(),
		DayOfWeek:   t.Weekday(),
	}
}
