package models

import "time"

// DeviceClass is the kind of display endpoint. Slot granularity and
// device-multiplier pricing both key off this.
type DeviceClass string

const (
	ClassAndroidTV        DeviceClass = "ANDROID_TV"
	ClassDigitalSignage    DeviceClass = "DIGITAL_SIGNAGE"
	ClassInteractiveKiosk DeviceClass = "INTERACTIVE_KIOSK"
	ClassVehicleMounted   DeviceClass = "VEHICLE_MOUNTED"
	ClassRetailDisplay    DeviceClass = "RETAIL_DISPLAY"
)

// TargetSlotsPerHour is the nominal slot count per hour for a device class
// (spec §4.5), before the peak/off-peak ±20% adjustment.
var TargetSlotsPerHour = map[DeviceClass]int{
	ClassAndroidTV:        12,
	ClassDigitalSignage:   20,
	ClassInteractiveKiosk: 30,
	ClassVehicleMounted:   15,
	ClassRetailDisplay:    10,
}

// DeviceMultiplier scales the Pricing Engine's location-adjusted rate
// by device class (spec §4.2 step 3).
var DeviceMultiplier = map[DeviceClass]float64{
	ClassInteractiveKiosk: 1.5,
	ClassDigitalSignage:   1.2,
	ClassAndroidTV:        1.0,
	ClassVehicleMounted:   1.1,
	ClassRetailDisplay:    1.15,
}

// DeviceStatus governs scheduling eligibility.
type DeviceStatus string

const (
	DeviceStatusPending     DeviceStatus = "PENDING"
	DeviceStatusActive      DeviceStatus = "ACTIVE"
	DeviceStatusInactive    DeviceStatus = "INACTIVE"
	DeviceStatusSuspended   DeviceStatus = "SUSPENDED"
	DeviceStatusMaintenance DeviceStatus = "MAINTENANCE"
)

// DeviceHealth is the device's last-reported operational health.
type DeviceHealth string

const (
	HealthUnknown  DeviceHealth = "UNKNOWN"
	HealthHealthy  DeviceHealth = "HEALTHY"
	HealthWarning  DeviceHealth = "WARNING"
	HealthCritical DeviceHealth = "CRITICAL"
	HealthOffline  DeviceHealth = "OFFLINE"
)

// LocationType classifies a device's venue for pricing purposes
// (spec §4.2 step 3: urban 1.3, suburban 1.0, rural 0.8).
type LocationType string

const (
	LocationUrban    LocationType = "URBAN"
	LocationSuburban LocationType = "SUBURBAN"
	LocationRural    LocationType = "RURAL"
)

// LocationMultiplier returns the Pricing Engine's location adjustment.
func LocationMultiplier(t LocationType) float64 {
	switch t {
	case LocationUrban:
		return 1.3
	case LocationRural:
		return 0.8
	default:
		return 1.0
	}
}

// DeviceLocation is a device's physical placement.
type DeviceLocation struct {
	Lat         float64      `json:"lat"`
	Lng         float64      `json:"lng"`
	Type        LocationType `json:"type"`
	VenueName   string       `json:"venue_name,omitempty"`
	Region      string       `json:"region,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"` // demographic/venue attributes
}

// Device is a display endpoint registered by a partner.
type Device struct {
	ID          string       `json:"id"`
	PartnerID   string       `json:"partner_id"`
	Fingerprint string       `json:"fingerprint"`
	Class       DeviceClass  `json:"class"`
	Location    DeviceLocation `json:"location"`
	Status      DeviceStatus `json:"status"`
	Health      DeviceHealth `json:"health"`
	LastSeen    time.Time    `json:"last_seen"`

	// FallbackCreativeID, if set, overrides the partner/class default
	// fallback content for this device (spec §4.6 "Fallback content").
	FallbackCreativeID int `json:"fallback_creative_id,omitempty"`
}

// IsSchedulable reports whether the device should receive new Deliveries.
func (d Device) IsSchedulable() bool {
	return d.Status == DeviceStatusActive
}

// AcceptsHeartbeats reports whether the device may still post heartbeats
// even though it isn't currently schedulable.
func (d Device) AcceptsHeartbeats() bool {
	switch d.Status {
	case DeviceStatusMaintenance, DeviceStatusSuspended, DeviceStatusActive, DeviceStatusPending, DeviceStatusInactive:
		return true
	default:
		return false
	}
}

// IsOffline reports whether the device should be considered OFFLINE given
// threshold elapsed since LastSeen.
func (d Device) IsOffline(now time.Time, threshold time.Duration) bool {
	if d.LastSeen.IsZero() {
		return true
	}
	return now.Sub(d.LastSeen) > threshold
}

// Partner owns a fleet of devices and authenticates Device Sync API calls
// via a partner-scoped token (spec §4.7).
type Partner struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	TokenSecret        string `json:"-"`
	FallbackCreativeID int    `json:"fallback_creative_id,omitempty"`
}
