package pricing

import (
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/shopspring/decimal"
)

// baseRates is the per-(pricingModel, creativeType) table lookup (spec §4.2
// step 1). CPM is dollars per 1000 impressions, CPE dollars per engagement,
// CPA dollars per completion; HYBRID blends the three in blendWeights.
var baseRates = map[models.PricingModel]map[models.MediaType]decimal.Decimal{
	models.PricingCPM: {
		models.MediaImage:       decimal.NewFromFloat(4.00),
		models.MediaVideo:       decimal.NewFromFloat(6.00),
		models.MediaHTML:        decimal.NewFromFloat(5.00),
		models.MediaInteractive: decimal.NewFromFloat(7.50),
		models.MediaAR:          decimal.NewFromFloat(9.00),
		models.MediaVoice:       decimal.NewFromFloat(5.50),
	},
	models.PricingCPE: {
		models.MediaImage:       decimal.NewFromFloat(0.35),
		models.MediaVideo:       decimal.NewFromFloat(0.55),
		models.MediaHTML:        decimal.NewFromFloat(0.45),
		models.MediaInteractive: decimal.NewFromFloat(0.70),
		models.MediaAR:          decimal.NewFromFloat(0.90),
		models.MediaVoice:       decimal.NewFromFloat(0.50),
	},
	models.PricingCPA: {
		models.MediaImage:       decimal.NewFromFloat(1.50),
		models.MediaVideo:       decimal.NewFromFloat(2.00),
		models.MediaHTML:        decimal.NewFromFloat(1.75),
		models.MediaInteractive: decimal.NewFromFloat(2.50),
		models.MediaAR:          decimal.NewFromFloat(3.00),
		models.MediaVoice:       decimal.NewFromFloat(2.00),
	},
}

// blendWeights combines CPM/CPE/CPA into a single HYBRID base rate.
var blendWeights = map[models.PricingModel]float64{
	models.PricingCPM: 0.5,
	models.PricingCPE: 0.3,
	models.PricingCPA: 0.2,
}

// objectiveMultiplier scales the base rate by campaign objective (spec §9(d):
// applied only here, never in the Selection Engine's scoring).
var objectiveMultiplier = map[models.Objective]float64{
	models.ObjectiveAwareness:     0.9,
	models.ObjectiveConsideration: 1.0,
	models.ObjectiveConversion:    1.25,
	models.ObjectiveEngagement:    1.1,
}

// timeMultipliers is the peak-hour curve (spec §4.2 step 2): morning, lunch,
// and evening peaks 1.2-1.5, late-night trough 0.7.
var timeMultipliers = [24]float64{
	0: 0.75, 1: 0.70, 2: 0.70, 3: 0.70, 4: 0.75, 5: 0.85,
	6: 1.05, 7: 1.25, 8: 1.40, 9: 1.20, 10: 1.05, 11: 1.15,
	12: 1.45, 13: 1.30, 14: 1.05, 15: 1.00, 16: 1.10, 17: 1.35,
	18: 1.50, 19: 1.40, 20: 1.20, 21: 1.00, 22: 0.90, 23: 0.80,
}

// dayMultipliers is the weekday curve (spec §4.2 step 2): weekday 1.1-1.4,
// Saturday 1.0, Sunday 0.9.
var dayMultipliers = map[time.Weekday]float64{
	time.Monday:    1.10,
	time.Tuesday:   1.15,
	time.Wednesday: 1.20,
	time.Thursday:  1.30,
	time.Friday:    1.40,
	time.Saturday:  1.00,
	time.Sunday:    0.90,
}

// minRate floors any adjusted rate; negative inputs fail upstream with
// InvalidParameter rather than silently flooring to this value.
var minRate = decimal.NewFromFloat(0.01)

func objectiveFactor(o models.Objective) float64 {
	if f, ok := objectiveMultiplier[o]; ok {
		return f
	}
	return 1.0
}

func timeFactor(t time.Time) float64 {
	return timeMultipliers[t.Hour()]
}

func dayFactor(t time.Time) float64 {
	if f, ok := dayMultipliers[t.Weekday()]; ok {
		return f
	}
	return 1.0
}
