package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/models"
)

func seedStore(t *testing.T) models.Store {
	t.Helper()
	store := models.NewTestStore()
	require.NoError(t, store.InsertPartner(&models.Partner{ID: "p1", Name: "Acme"}))
	require.NoError(t, store.InsertDevice(&models.Device{ID: "d1", PartnerID: "p1", Class: models.ClassDigitalSignage}))
	require.NoError(t, store.InsertDevice(&models.Device{ID: "d2", PartnerID: "p1", Class: models.ClassInteractiveKiosk}))
	return store
}

func emit(t *testing.T, sink *billing.MockSink, deviceID string, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, sink.Emit(context.Background(), billing.Event{
		DeliveryID: deviceID + "-" + at.Format("150405"),
		PartnerID:  "p1", DeviceID: deviceID,
		Amount: amount, Timestamp: at,
	}))
}

func TestGeneratePartnerEarnings_BreaksDownByDevice(t *testing.T) {
	store := seedStore(t)
	sink := billing.NewMockSink()

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	emit(t, sink, "d1", 0.02, base.Add(time.Hour))
	emit(t, sink, "d1", 0.05, base.Add(2*time.Hour))
	emit(t, sink, "d2", 0.10, base.Add(3*time.Hour))
	emit(t, sink, "d2", 1.00, base.AddDate(0, 1, 0)) // outside period

	report, err := GeneratePartnerEarnings(context.Background(), store, sink, "p1", "", base, base.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.InDelta(t, 0.17, report.Total, 1e-9)
	require.Len(t, report.Devices, 2)

	byDevice := map[string]float64{}
	for _, d := range report.Devices {
		byDevice[d.DeviceID] = d.Revenue
	}
	require.InDelta(t, 0.07, byDevice["d1"], 1e-9)
	require.InDelta(t, 0.10, byDevice["d2"], 1e-9)
}

func TestGeneratePartnerEarnings_SingleDeviceFilter(t *testing.T) {
	store := seedStore(t)
	sink := billing.NewMockSink()

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	emit(t, sink, "d1", 0.02, base.Add(time.Hour))
	emit(t, sink, "d2", 0.10, base.Add(time.Hour))

	report, err := GeneratePartnerEarnings(context.Background(), store, sink, "p1", "d2", base, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.InDelta(t, 0.10, report.Total, 1e-9)
	require.Len(t, report.Devices, 1)
	require.Equal(t, "d2", report.Devices[0].DeviceID)
}

func TestGeneratePartnerEarnings_EmptyPeriodRejected(t *testing.T) {
	store := seedStore(t)
	sink := billing.NewMockSink()

	at := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	_, err := GeneratePartnerEarnings(context.Background(), store, sink, "p1", "", at, at)
	require.Error(t, err)
}
