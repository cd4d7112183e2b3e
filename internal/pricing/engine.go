// Package pricing computes base and adjusted CPM/CPE/CPA rates per slot from
// demand, time, location, device class, and historical performance, driving
// both billing and the Selection Engine's pricingFactor term (spec §4.2,
// component C2).
package pricing

import (
	"math"
	"time"

	"github.com/fieldcast/deliverycore/internal/deliveryerr"
	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DemandSource reports the Scheduler's current demand-level gauge: the
// fraction of slots reserved in the next hour for a device class. The
// Pricing Engine treats 0.5 as the fallback when unavailable (spec §4.2
// Failure).
type DemandSource interface {
	DemandLevel(class models.DeviceClass) (float64, bool)
}

// historicalImpressionFloor is the ≥1000 historical impressions threshold
// before the base rate blends with observed averages (spec §4.2 step 1).
const historicalImpressionFloor = 1000

// Input is the Pricing Engine's query (spec §4.2).
type Input struct {
	PricingModel          models.PricingModel
	CreativeType          models.MediaType
	DeviceClass           models.DeviceClass
	LocationType          models.LocationType
	SlotTime              time.Time
	Objective             models.Objective
	HistoricalImpressions int64
	HistoricalAvgRate     decimal.Decimal // observed average CPM/CPE/CPA, blended when HistoricalImpressions >= 1000
}

// Forecast is a monotone curve over the table multipliers: 24 hourly points
// and 4 weekly points, each produced by holding all other factors fixed at
// the Input's values (spec §4.2 "Forecast curves must be monotone in their
// input multipliers" — monotone here means each point tracks the underlying
// multiplier table exactly, not synthesized independently).
type Forecast struct {
	Hourly [24]decimal.Decimal
	Weekly [4]decimal.Decimal
}

// Curve is the Pricing Engine's full output for one query.
type Curve struct {
	BaseRate     decimal.Decimal
	AdjustedRate decimal.Decimal
	Forecast     Forecast
	DemandLevel  float64
}

// Engine is a pure function of its inputs plus the immutable multiplier
// tables and the last-measured demand level (spec §4.2 Contracts).
type Engine struct {
	demand  DemandSource
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// New builds a pricing Engine. demand may be nil, in which case every query
// uses the d=0.5 fallback.
func New(demand DemandSource, metrics observability.MetricsRegistry, logger *zap.Logger) *Engine {
	return &Engine{demand: demand, metrics: metrics, logger: logger}
}

// Quote computes a Curve for in. Negative HistoricalImpressions is an
// InvalidParameter; every other input is clamped or defaulted, never
// rejected (spec §4.2 Failure).
func (e *Engine) Quote(in Input) (Curve, error) {
	if in.HistoricalImpressions < 0 {
		return Curve{}, deliveryerr.Wrap(deliveryerr.ErrInvalidParameter, "negative historical impressions: %d", in.HistoricalImpressions)
	}

	base := e.baseRate(in)
	demandLevel := e.demandLevel(in.DeviceClass)
	adjusted := e.adjust(base, in.SlotTime, in.LocationType, in.DeviceClass, demandLevel)

	e.metrics.RecordDemandMultiplier(demandMultiplier(demandLevel))

	return Curve{
		BaseRate:     base,
		AdjustedRate: adjusted,
		Forecast:     e.forecast(base, in),
		DemandLevel:  demandLevel,
	}, nil
}

// baseRate implements spec §4.2 step 1: table lookup, objective multiplier,
// optional 50/50 blend with historical average.
func (e *Engine) baseRate(in Input) decimal.Decimal {
	var rate decimal.Decimal
	if in.PricingModel == models.PricingHybrid {
		rate = decimal.Zero
		for model, weight := range blendWeights {
			rate = rate.Add(baseRates[model][in.CreativeType].Mul(decimal.NewFromFloat(weight)))
		}
	} else {
		table, ok := baseRates[in.PricingModel]
		if !ok {
			rate = baseRates[models.PricingCPM][models.MediaImage]
		} else if r, ok := table[in.CreativeType]; ok {
			rate = r
		} else {
			rate = decimal.NewFromFloat(4.00)
		}
	}

	rate = rate.Mul(decimal.NewFromFloat(objectiveFactor(in.Objective)))

	if in.HistoricalImpressions >= historicalImpressionFloor && in.HistoricalAvgRate.IsPositive() {
		half := decimal.NewFromFloat(0.5)
		rate = rate.Mul(half).Add(in.HistoricalAvgRate.Mul(half))
	}

	return rate
}

// adjust implements spec §4.2 steps 2-4: time, location/device, demand.
func (e *Engine) adjust(base decimal.Decimal, slot time.Time, loc models.LocationType, class models.DeviceClass, demandLevel float64) decimal.Decimal {
	factor := timeFactor(slot) * dayFactor(slot) * models.LocationMultiplier(loc) * models.DeviceMultiplier[class]
	if _, ok := models.DeviceMultiplier[class]; !ok {
		factor = timeFactor(slot) * dayFactor(slot) * models.LocationMultiplier(loc)
	}
	factor *= demandMultiplier(demandLevel)

	adjusted := base.Mul(decimal.NewFromFloat(factor)).Round(4)
	if adjusted.LessThan(minRate) {
		return minRate
	}
	return adjusted
}

// demandMultiplier implements spec §4.2 step 4: 0.7 + d^1.5 * 1.1, range
// 0.7-1.8.
func demandMultiplier(d float64) float64 {
	if d < 0 {
		d = 0
	}
	if d > 1 {
		d = 1
	}
	return 0.7 + math.Pow(d, 1.5)*1.1
}

// demandLevel reads the Scheduler's gauge, falling back to 0.5 when the
// source is nil or reports no data (spec §4.2 Failure).
func (e *Engine) demandLevel(class models.DeviceClass) float64 {
	if e.demand == nil {
		return 0.5
	}
	d, ok := e.demand.DemandLevel(class)
	if !ok {
		return 0.5
	}
	return d
}

// forecast holds location, device class, and demand fixed at the Input's
// values and recomputes the adjusted rate at every hour-of-day and every
// weekday-representative point, producing curves that are monotone in the
// same table lookups Quote itself uses.
func (e *Engine) forecast(base decimal.Decimal, in Input) Forecast {
	var f Forecast
	demandLevel := e.demandLevel(in.DeviceClass)
	day := in.SlotTime

	for h := 0; h < 24; h++ {
		t := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, day.Location())
		f.Hourly[h] = e.adjust(base, t, in.LocationType, in.DeviceClass, demandLevel)
	}

	weekdayPoints := []time.Weekday{time.Monday, time.Thursday, time.Saturday, time.Sunday}
	for i, wd := range weekdayPoints {
		days := (int(wd) - int(day.Weekday()) + 7) % 7
		t := day.AddDate(0, 0, days)
		f.Weekly[i] = e.adjust(base, t, in.LocationType, in.DeviceClass, demandLevel)
	}

	return f
}
