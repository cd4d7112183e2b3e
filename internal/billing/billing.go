// Package billing computes and records the per-delivery charge the core
// hands to the out-of-process BillingSink adapter (spec §6). Billing math
// lives in the core, as the spec permits, so the Delivery Tracker can emit
// a ready-to-bill amount alongside the raw counters.
package billing

import (
	"context"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
)

// Rates are the fixed per-unit prices spec §6 prescribes. They are
// independent of the Pricing Engine's demand-adjusted CPM/CPE/CPA, which
// governs what the Scheduler projects against budget before committing a
// slot; these are what the Tracker actually bills once a play completes.
const (
	RateCPMPerImpression = 5.0 / 1000.0
	RateCPEPerEngagement = 0.5
	RateCPAPerCompletion = 2.0
)

// hybridWeights blend CPM/CPE/CPA evenly for a HYBRID campaign. These are
// separate from the Pricing Engine's blendWeights (0.5/0.3/0.2), which only
// shape the quoted HYBRID base rate.
var hybridWeights = map[models.PricingModel]float64{
	models.PricingCPM: 1.0 / 3,
	models.PricingCPE: 1.0 / 3,
	models.PricingCPA: 1.0 / 3,
}

// Cost computes the amount owed for counters under model (spec §6 billing
// math). HYBRID blends all three rates evenly.
func Cost(model models.PricingModel, counters models.DeliveryCounters) float64 {
	switch model {
	case models.PricingCPM:
		return float64(counters.Impressions) * RateCPMPerImpression
	case models.PricingCPE:
		return float64(counters.Engagements) * RateCPEPerEngagement
	case models.PricingCPA:
		return float64(counters.Completions) * RateCPAPerCompletion
	case models.PricingHybrid:
		return hybridWeights[models.PricingCPM]*float64(counters.Impressions)*RateCPMPerImpression +
			hybridWeights[models.PricingCPE]*float64(counters.Engagements)*RateCPEPerEngagement +
			hybridWeights[models.PricingCPA]*float64(counters.Completions)*RateCPAPerCompletion
	default:
		return float64(counters.Impressions) * RateCPMPerImpression
	}
}

// Event is the billing line the core emits on every DELIVERED transition
// (spec §6 BillingSink interface).
type Event struct {
	DeliveryID    string
	CampaignID    int
	AdvertiserRef string
	PartnerID     string
	DeviceID      string
	Impressions   int64
	Engagements   int64
	Completions   int64
	PricingModel  models.PricingModel
	Amount        float64
	Timestamp     time.Time
}

// Sink is the out-of-process BillingSink collaborator (spec §1, §6):
// payment-gateway integration is explicitly out of scope, so the core only
// supplies the inputs a billing/payment system needs.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// RevenueQuery answers the aggregated per-(partner, device, period) revenue
// queries spec §6 says the core exposes for the external Partner Payment /
// Earnings system.
type RevenueQuery interface {
	Revenue(ctx context.Context, partnerID, deviceID string, from, to time.Time) (float64, error)
}
