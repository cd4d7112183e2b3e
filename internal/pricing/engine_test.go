package pricing

import (
	"testing"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedDemand struct {
	level float64
	ok    bool
}

func (f fixedDemand) DemandLevel(models.DeviceClass) (float64, bool) { return f.level, f.ok }

func TestQuote_NegativeHistoricalImpressionsRejected(t *testing.T) {
	e := New(nil, observability.NewNoOpRegistry(), zap.NewNop())
	_, err := e.Quote(Input{HistoricalImpressions: -1})
	require.Error(t, err)
}

func TestQuote_FallsBackToHalfDemandWithoutSource(t *testing.T) {
	e := New(nil, observability.NewNoOpRegistry(), zap.NewNop())
	curve, err := e.Quote(Input{
		PricingModel: models.PricingCPM,
		CreativeType: models.MediaImage,
		DeviceClass:  models.ClassAndroidTV,
		LocationType: models.LocationSuburban,
		SlotTime:     time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.InDelta(t, 0.5, curve.DemandLevel, 1e-9)
}

func TestQuote_AdjustedRateFloorsAtMinimum(t *testing.T) {
	e := New(fixedDemand{level: 0, ok: true}, observability.NewNoOpRegistry(), zap.NewNop())
	curve, err := e.Quote(Input{
		PricingModel: models.PricingCPE,
		CreativeType: models.MediaImage,
		DeviceClass:  models.ClassAndroidTV,
		LocationType: models.LocationRural,
		SlotTime:     time.Date(2026, 1, 4, 3, 0, 0, 0, time.UTC), // Sunday 3am trough
	})
	require.NoError(t, err)
	require.True(t, curve.AdjustedRate.GreaterThanOrEqual(minRate))
}

func TestQuote_HigherDemandIncreasesAdjustedRate(t *testing.T) {
	in := Input{
		PricingModel: models.PricingCPM,
		CreativeType: models.MediaVideo,
		DeviceClass:  models.ClassInteractiveKiosk,
		LocationType: models.LocationUrban,
		SlotTime:     time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC),
	}

	low := New(fixedDemand{level: 0, ok: true}, observability.NewNoOpRegistry(), zap.NewNop())
	high := New(fixedDemand{level: 1, ok: true}, observability.NewNoOpRegistry(), zap.NewNop())

	lowCurve, err := low.Quote(in)
	require.NoError(t, err)
	highCurve, err := high.Quote(in)
	require.NoError(t, err)

	require.True(t, highCurve.AdjustedRate.GreaterThan(lowCurve.AdjustedRate))
}

func TestQuote_ForecastHasFullCurves(t *testing.T) {
	e := New(fixedDemand{level: 0.5, ok: true}, observability.NewNoOpRegistry(), zap.NewNop())
	curve, err := e.Quote(Input{
		PricingModel: models.PricingCPA,
		CreativeType: models.MediaHTML,
		DeviceClass:  models.ClassDigitalSignage,
		LocationType: models.LocationUrban,
		SlotTime:     time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	for _, v := range curve.Forecast.Hourly {
		require.True(t, v.GreaterThan(decimal.Zero))
	}
	for _, v := range curve.Forecast.Weekly {
		require.True(t, v.GreaterThan(decimal.Zero))
	}
}
