package models

import "time"

// SlotContext is the (device, slot-time) tuple the Catalog, Pricing
// Engine, and Selection Engine all filter/score against.
type SlotContext struct {
	Device Device
	Slot   time.Time
}

// DeviceClassContext reduces a SlotContext to the (deviceClass, hourOfDay,
// dayOfWeek) triple the Selection Engine scores against (spec §4.4).
func (s SlotContext) DeviceClassContext() (class DeviceClass, hour int, dow time.Weekday) {
	return s.Device.Class, s.Slot.Hour(), s.Slot.Weekday()
}

// MatchesTargeting reports whether a campaign's targeting envelope holds
// for the given slot context (spec §3 Campaign eligibility invariant).
func MatchesTargeting(c Campaign, ctx SlotContext) bool {
	if !c.Location.Matches(ctx.Device.Location) {
		return false
	}
	if !c.Daypart.Allows(ctx.Slot) {
		return false
	}
	for _, demo := range c.Demo {
		if !demo.Matches(ctx.Device.Location.Attributes) {
			return false
		}
	}
	return true
}
