package models

import "time"

// CampaignStatus is the lifecycle state of a Campaign.
type CampaignStatus string

const (
	CampaignDraft           CampaignStatus = "DRAFT"
	CampaignPendingApproval CampaignStatus = "PENDING_APPROVAL"
	CampaignActive          CampaignStatus = "ACTIVE"
	CampaignPaused          CampaignStatus = "PAUSED"
	CampaignCompleted       CampaignStatus = "COMPLETED"
	CampaignRejected        CampaignStatus = "REJECTED"
	CampaignCancelled       CampaignStatus = "CANCELLED"
)

// PricingModel is the billing basis for a Campaign's deliveries.
type PricingModel string

const (
	PricingCPM    PricingModel = "CPM"
	PricingCPE    PricingModel = "CPE"
	PricingCPA    PricingModel = "CPA"
	PricingHybrid PricingModel = "HYBRID"
)

// Objective is the advertiser's stated campaign objective. It adjusts the
// Pricing Engine's base rate only (see package pricing); the Selection
// Engine's scoring never reads it, avoiding the double-counting that an
// earlier revision of this system exhibited.
type Objective string

const (
	ObjectiveAwareness     Objective = "AWARENESS"
	ObjectiveConsideration Objective = "CONSIDERATION"
	ObjectiveConversion    Objective = "CONVERSION"
	ObjectiveEngagement    Objective = "ENGAGEMENT"
)

// DaypartSchedule restricts a Campaign to certain hours and days. An empty
// Hours or Days slice means "no restriction" on that dimension.
type DaypartSchedule struct {
	Hours []int          `json:"hours,omitempty"` // 0-23
	Days  []time.Weekday `json:"days,omitempty"`
}

// Allows reports whether t falls inside the daypart schedule.
func (d DaypartSchedule) Allows(t time.Time) bool {
	if len(d.Hours) > 0 {
		ok := false
		for _, h := range d.Hours {
			if h == t.Hour() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(d.Days) > 0 {
		ok := false
		for _, w := range d.Days {
			if w == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// LocationTarget restricts a Campaign to devices in particular location
// types and/or explicit region codes. Empty fields are wildcards.
type LocationTarget struct {
	LocationTypes []LocationType `json:"location_types,omitempty"`
	Regions       []string       `json:"regions,omitempty"`
}

func (l LocationTarget) Matches(loc DeviceLocation) bool {
	if len(l.LocationTypes) > 0 {
		ok := false
		for _, lt := range l.LocationTypes {
			if lt == loc.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(l.Regions) > 0 {
		ok := false
		for _, r := range l.Regions {
			if r == loc.Region {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// DemographicFilter restricts eligibility by a coarse audience descriptor
// attached to a device (e.g. venue type). An empty Values is a wildcard.
type DemographicFilter struct {
	Attribute string   `json:"attribute"`
	Values    []string `json:"values,omitempty"`
}

// Matches reports whether the device's demographic attributes satisfy f.
func (f DemographicFilter) Matches(attrs map[string]string) bool {
	if len(f.Values) == 0 {
		return true
	}
	v, ok := attrs[f.Attribute]
	if !ok {
		return false
	}
	for _, want := range f.Values {
		if want == v {
			return true
		}
	}
	return false
}

// ABTest describes an active creative split test scoped to a time window.
type ABTest struct {
	Active            bool            `json:"active"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	TrafficAllocation map[int]float64 `json:"traffic_allocation"` // creativeID -> weight, sums to 1.0
}

// Covers reports whether the A/B test is active and t falls in its window.
func (a ABTest) Covers(t time.Time) bool {
	return a.Active && !t.Before(a.StartTime) && !t.After(a.EndTime) && len(a.TrafficAllocation) > 0
}

// Campaign is advertiser intent: a budget, a pricing model, a targeting
// envelope, and a pool of creatives.
type Campaign struct {
	ID            int    `json:"id"`
	AdvertiserRef string `json:"advertiser_ref"`
	Name          string `json:"name"`

	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
	Status    CampaignStatus `json:"status"`

	Budget       float64      `json:"budget"`
	DailyCap     float64      `json:"daily_cap"` // 0 = no cap
	PricingModel PricingModel `json:"pricing_model"`
	Objective    Objective    `json:"objective"`

	Location LocationTarget      `json:"location"`
	Daypart  DaypartSchedule     `json:"daypart"`
	Demo     []DemographicFilter `json:"demographics,omitempty"`

	DefaultPriority int    `json:"default_priority"` // [1,10], default 5
	ABTest          ABTest `json:"ab_test"`

	// Mutable accounting fields, updated only through the owning Store's
	// copy-on-write mutation methods; never written in place by callers.
	SpendToDate    float64 `json:"spend_to_date"`
	SpendToday     float64 `json:"spend_today"`
	SpendTodayDate string  `json:"spend_today_date"` // "2006-01-02"
}

// IsWithinWindow reports whether t falls within the campaign's lifetime.
func (c Campaign) IsWithinWindow(t time.Time) bool {
	return !t.Before(c.StartDate) && !t.After(c.EndDate)
}

// BudgetRemaining reports whether spend-to-date is still under budget.
func (c Campaign) BudgetRemaining() bool {
	return c.SpendToDate < c.Budget
}

// DailyCapRemaining reports whether today's spend is under the daily cap.
// A DailyCap of 0 means uncapped. today must be formatted "2006-01-02".
func (c Campaign) DailyCapRemaining(today string) bool {
	if c.DailyCap <= 0 {
		return true
	}
	if c.SpendTodayDate != today {
		return true
	}
	return c.SpendToday < c.DailyCap
}

// DailyCapAllows reports whether spending amount more today stays within
// the daily cap, the projected-cost form of the check the Scheduler's
// budget guard runs before committing a Delivery. A DailyCap of 0 means
// uncapped.
func (c Campaign) DailyCapAllows(amount float64, today string) bool {
	if c.DailyCap <= 0 {
		return true
	}
	spent := 0.0
	if c.SpendTodayDate == today {
		spent = c.SpendToday
	}
	return spent+amount <= c.DailyCap
}

// ApplySpend returns a copy of c with amount added to SpendToDate and, when
// today matches SpendTodayDate, to SpendToday; a day rollover resets
// SpendToday to amount (spec §3 budget/daily-cap accounting, applied by the
// Delivery Tracker on each DELIVERED transition, §8 invariant 3).
func (c Campaign) ApplySpend(amount float64, today string) Campaign {
	next := c
	next.SpendToDate += amount
	if next.SpendTodayDate != today {
		next.SpendTodayDate = today
		next.SpendToday = amount
	} else {
		next.SpendToday += amount
	}
	return next
}

// PriorityOrDefault returns the campaign's default priority, clamped into
// [1,10] and defaulting to 5 when unset.
func (c Campaign) PriorityOrDefault() int {
	switch {
	case c.DefaultPriority <= 0:
		return 5
	case c.DefaultPriority > 10:
		return 10
	default:
		return c.DefaultPriority
	}
}

// RemainingLifeFraction returns the fraction of the campaign's total
// lifetime still remaining at time t, used by the Selection Engine's
// end-of-flight boost.
func (c Campaign) RemainingLifeFraction(t time.Time) float64 {
	total := c.EndDate.Sub(c.StartDate)
	if total <= 0 {
		return 0
	}
	remaining := c.EndDate.Sub(t)
	if remaining < 0 {
		return 0
	}
	return float64(remaining) / float64(total)
}
