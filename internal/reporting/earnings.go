// Package reporting assembles the aggregated per-(partner, device, period)
// revenue views the external Partner Payment system polls (spec §6). It is
// a thin query surface over the billing event stream; nothing here mutates
// core state.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldcast/deliverycore/internal/billing"
	"github.com/fieldcast/deliverycore/internal/models"
)

// DeviceEarnings is one device's share of a partner's revenue for a period.
type DeviceEarnings struct {
	DeviceID string  `json:"device_id"`
	Class    string  `json:"class"`
	Revenue  float64 `json:"revenue"`
}

// PartnerEarnings is the full earnings report for one partner and period.
type PartnerEarnings struct {
	PartnerID string           `json:"partner_id"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Total     float64          `json:"total"`
	Devices   []DeviceEarnings `json:"devices"`
}

// GeneratePartnerEarnings queries revenue for partnerID in [from, to). When
// deviceID is non-empty the report is restricted to that single device;
// otherwise it breaks revenue down across every device the partner owns.
func GeneratePartnerEarnings(ctx context.Context, store models.Store, revenue billing.RevenueQuery, partnerID, deviceID string, from, to time.Time) (PartnerEarnings, error) {
	report := PartnerEarnings{PartnerID: partnerID, From: from, To: to}

	if !to.After(from) {
		return report, fmt.Errorf("empty period: from %s to %s", from, to)
	}

	total, err := revenue.Revenue(ctx, partnerID, deviceID, from, to)
	if err != nil {
		return report, fmt.Errorf("partner revenue: %w", err)
	}
	report.Total = total

	devices := store.GetDevicesByPartner(partnerID)
	for _, d := range devices {
		if deviceID != "" && d.ID != deviceID {
			continue
		}
		amount, err := revenue.Revenue(ctx, partnerID, d.ID, from, to)
		if err != nil {
			return report, fmt.Errorf("device %s revenue: %w", d.ID, err)
		}
		if amount == 0 {
			continue
		}
		report.Devices = append(report.Devices, DeviceEarnings{
			DeviceID: d.ID,
			Class:    string(d.Class),
			Revenue:  amount,
		})
	}
	return report, nil
}
