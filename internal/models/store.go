package models

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when an entity is not found in the data store.
var ErrNotFound = errors.New("entity not found")

// Store provides thread-safe access to the delivery core's entities without
// global variables. It encapsulates campaigns, creatives, devices, partners,
// deliveries, and performance buckets behind atomic snapshot updates so hot
// reads never block on writers and writers never see a half-applied reload.
type Store interface {
	// Read operations (hot path)
	GetCampaign(campaignID int) *Campaign
	GetAllCampaigns() []Campaign

	GetCreative(creativeID int) *Creative
	GetCreativesByCampaign(campaignID int) []Creative
	GetAllCreatives() []Creative

	GetDevice(deviceID string) *Device
	GetDevicesByPartner(partnerID string) []Device
	GetAllDevices() []Device

	GetPartner(partnerID string) *Partner
	GetAllPartners() []Partner

	GetDelivery(deliveryID string) *Delivery
	GetDeliveriesByDevice(deviceID string) []Delivery
	GetActiveDeliveriesByDevice(deviceID string) []Delivery
	GetAllDeliveries() []Delivery

	GetPerformanceBucket(key ContextKey) *PerformanceBucket
	GetAllPerformanceBuckets() []PerformanceBucket

	// Bulk reload (catalog sync path)
	SetCampaigns(campaigns []Campaign) error
	SetCreatives(creatives []Creative) error
	SetDevices(devices []Device) error
	SetPartners(partners []Partner) error
	ReloadCatalog(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner) error

	// CRUD operations for operator API / reconciliation
	InsertCampaign(campaign *Campaign) error
	UpdateCampaign(campaign Campaign) error
	DeleteCampaign(campaignID int) error

	InsertCreative(creative *Creative) error
	UpdateCreative(creative Creative) error
	DeleteCreative(creativeID int) error

	InsertDevice(device *Device) error
	UpdateDevice(device Device) error
	DeleteDevice(deviceID string) error

	InsertPartner(partner *Partner) error
	UpdatePartner(partner Partner) error

	// Delivery lifecycle (Scheduler + Delivery Tracker path)
	InsertDelivery(delivery Delivery) error
	UpdateDelivery(delivery Delivery) error
	DeleteDelivery(deliveryID string) error

	// Performance Store updates (spec §4.3): Incr is additive and keyed by
	// ContextKey; callers apply Laplace smoothing via PerformanceBucket.AlphaBeta.
	IncrPerformance(key ContextKey, delta Counters, updatedAt int64) error
}

// dataSnapshot is an immutable view of all catalog and runtime state. A
// writer builds a new snapshot from the current one and swaps it in with a
// single atomic store; readers never observe a partially updated snapshot.
type dataSnapshot struct {
	campaigns      []Campaign
	campaignIndex  map[int]*Campaign

	creatives      []Creative
	creativeIndex  map[int]*Creative
	creativesByCampaign map[int][]int // campaignID -> creative IDs, in insertion order

	devices        []Device
	deviceIndex    map[string]*Device
	devicesByPartner map[string][]string

	partners       []Partner
	partnerIndex   map[string]*Partner

	deliveries     []Delivery
	deliveryIndex  map[string]*Delivery
	deliveriesByDevice map[string][]string

	perfBuckets    map[ContextKey]*PerformanceBucket
}

func emptySnapshot() *dataSnapshot {
	return &dataSnapshot{
		campaignIndex:       make(map[int]*Campaign),
		creativeIndex:       make(map[int]*Creative),
		creativesByCampaign: make(map[int][]int),
		deviceIndex:         make(map[string]*Device),
		devicesByPartner:    make(map[string][]string),
		partnerIndex:        make(map[string]*Partner),
		deliveryIndex:       make(map[string]*Delivery),
		deliveriesByDevice:  make(map[string][]string),
		perfBuckets:         make(map[ContextKey]*PerformanceBucket),
	}
}

// InMemoryStore implements Store with atomic snapshot updates.
type InMemoryStore struct {
	data atomic.Pointer[dataSnapshot]
}

// NewInMemoryStore creates an empty Store instance.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	s.data.Store(emptySnapshot())
	return s
}

// --- Read operations ---

func (s *InMemoryStore) GetCampaign(campaignID int) *Campaign {
	return s.data.Load().campaignIndex[campaignID]
}

func (s *InMemoryStore) GetAllCampaigns() []Campaign {
	src := s.data.Load().campaigns
	out := make([]Campaign, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) GetCreative(creativeID int) *Creative {
	return s.data.Load().creativeIndex[creativeID]
}

func (s *InMemoryStore) GetCreativesByCampaign(campaignID int) []Creative {
	data := s.data.Load()
	ids := data.creativesByCampaign[campaignID]
	out := make([]Creative, 0, len(ids))
	for _, id := range ids {
		if c, ok := data.creativeIndex[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func (s *InMemoryStore) GetAllCreatives() []Creative {
	src := s.data.Load().creatives
	out := make([]Creative, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) GetDevice(deviceID string) *Device {
	return s.data.Load().deviceIndex[deviceID]
}

func (s *InMemoryStore) GetDevicesByPartner(partnerID string) []Device {
	data := s.data.Load()
	ids := data.devicesByPartner[partnerID]
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := data.deviceIndex[id]; ok {
			out = append(out, *d)
		}
	}
	return out
}

func (s *InMemoryStore) GetAllDevices() []Device {
	src := s.data.Load().devices
	out := make([]Device, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) GetPartner(partnerID string) *Partner {
	return s.data.Load().partnerIndex[partnerID]
}

func (s *InMemoryStore) GetAllPartners() []Partner {
	src := s.data.Load().partners
	out := make([]Partner, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) GetDelivery(deliveryID string) *Delivery {
	return s.data.Load().deliveryIndex[deliveryID]
}

func (s *InMemoryStore) GetDeliveriesByDevice(deviceID string) []Delivery {
	data := s.data.Load()
	ids := data.deliveriesByDevice[deviceID]
	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		if d, ok := data.deliveryIndex[id]; ok {
			out = append(out, *d)
		}
	}
	return out
}

func (s *InMemoryStore) GetActiveDeliveriesByDevice(deviceID string) []Delivery {
	all := s.GetDeliveriesByDevice(deviceID)
	out := make([]Delivery, 0, len(all))
	for _, d := range all {
		if d.IsActive() {
			out = append(out, d)
		}
	}
	return out
}

func (s *InMemoryStore) GetAllDeliveries() []Delivery {
	src := s.data.Load().deliveries
	out := make([]Delivery, len(src))
	copy(out, src)
	return out
}

func (s *InMemoryStore) GetPerformanceBucket(key ContextKey) *PerformanceBucket {
	return s.data.Load().perfBuckets[key]
}

func (s *InMemoryStore) GetAllPerformanceBuckets() []PerformanceBucket {
	data := s.data.Load()
	out := make([]PerformanceBucket, 0, len(data.perfBuckets))
	for _, b := range data.perfBuckets {
		out = append(out, *b)
	}
	return out
}

// --- Bulk reload ---

func (s *InMemoryStore) SetCampaigns(campaigns []Campaign) error {
	next := s.cloneSnapshot()
	applyCampaigns(next, campaigns)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) SetCreatives(creatives []Creative) error {
	next := s.cloneSnapshot()
	applyCreatives(next, creatives)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) SetDevices(devices []Device) error {
	next := s.cloneSnapshot()
	applyDevices(next, devices)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) SetPartners(partners []Partner) error {
	next := s.cloneSnapshot()
	applyPartners(next, partners)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) ReloadCatalog(campaigns []Campaign, creatives []Creative, devices []Device, partners []Partner) error {
	next := s.cloneSnapshot()
	applyCampaigns(next, campaigns)
	applyCreatives(next, creatives)
	applyDevices(next, devices)
	applyPartners(next, partners)
	s.data.Store(next)
	return nil
}

func applyCampaigns(snap *dataSnapshot, campaigns []Campaign) {
	snap.campaigns = append([]Campaign{}, campaigns...)
	snap.campaignIndex = make(map[int]*Campaign, len(campaigns))
	for i := range snap.campaigns {
		snap.campaignIndex[snap.campaigns[i].ID] = &snap.campaigns[i]
	}
}

func applyCreatives(snap *dataSnapshot, creatives []Creative) {
	snap.creatives = append([]Creative{}, creatives...)
	snap.creativeIndex = make(map[int]*Creative, len(creatives))
	snap.creativesByCampaign = make(map[int][]int)
	for i := range snap.creatives {
		c := &snap.creatives[i]
		snap.creativeIndex[c.ID] = c
		snap.creativesByCampaign[c.CampaignID] = append(snap.creativesByCampaign[c.CampaignID], c.ID)
	}
}

func applyDevices(snap *dataSnapshot, devices []Device) {
	snap.devices = append([]Device{}, devices...)
	snap.deviceIndex = make(map[string]*Device, len(devices))
	snap.devicesByPartner = make(map[string][]string)
	for i := range snap.devices {
		d := &snap.devices[i]
		snap.deviceIndex[d.ID] = d
		snap.devicesByPartner[d.PartnerID] = append(snap.devicesByPartner[d.PartnerID], d.ID)
	}
}

func applyPartners(snap *dataSnapshot, partners []Partner) {
	snap.partners = append([]Partner{}, partners...)
	snap.partnerIndex = make(map[string]*Partner, len(partners))
	for i := range snap.partners {
		snap.partnerIndex[snap.partners[i].ID] = &snap.partners[i]
	}
}

func rebuildDeliveryIndexes(snap *dataSnapshot) {
	snap.deliveryIndex = make(map[string]*Delivery, len(snap.deliveries))
	snap.deliveriesByDevice = make(map[string][]string)
	for i := range snap.deliveries {
		d := &snap.deliveries[i]
		snap.deliveryIndex[d.ID] = d
		snap.deliveriesByDevice[d.DeviceID] = append(snap.deliveriesByDevice[d.DeviceID], d.ID)
	}
}

// cloneSnapshot makes a shallow copy of the current snapshot's slices/maps so
// a writer can mutate the copy without affecting readers still holding the
// previous snapshot.
func (s *InMemoryStore) cloneSnapshot() *dataSnapshot {
	cur := s.data.Load()
	next := &dataSnapshot{}
	*next = *cur
	next.campaigns = append([]Campaign{}, cur.campaigns...)
	next.campaignIndex = make(map[int]*Campaign, len(next.campaigns))
	for i := range next.campaigns {
		next.campaignIndex[next.campaigns[i].ID] = &next.campaigns[i]
	}
	next.creatives = append([]Creative{}, cur.creatives...)
	next.creativeIndex = make(map[int]*Creative, len(next.creatives))
	next.creativesByCampaign = make(map[int][]int, len(cur.creativesByCampaign))
	for i := range next.creatives {
		c := &next.creatives[i]
		next.creativeIndex[c.ID] = c
		next.creativesByCampaign[c.CampaignID] = append(next.creativesByCampaign[c.CampaignID], c.ID)
	}
	next.devices = append([]Device{}, cur.devices...)
	next.deviceIndex = make(map[string]*Device, len(next.devices))
	next.devicesByPartner = make(map[string][]string, len(cur.devicesByPartner))
	for i := range next.devices {
		d := &next.devices[i]
		next.deviceIndex[d.ID] = d
		next.devicesByPartner[d.PartnerID] = append(next.devicesByPartner[d.PartnerID], d.ID)
	}
	next.partners = append([]Partner{}, cur.partners...)
	next.partnerIndex = make(map[string]*Partner, len(next.partners))
	for i := range next.partners {
		next.partnerIndex[next.partners[i].ID] = &next.partners[i]
	}
	next.deliveries = append([]Delivery{}, cur.deliveries...)
	rebuildDeliveryIndexes(next)
	next.perfBuckets = make(map[ContextKey]*PerformanceBucket, len(cur.perfBuckets))
	for k, v := range cur.perfBuckets {
		cp := *v
		next.perfBuckets[k] = &cp
	}
	return next
}

// --- CRUD operations ---

func (s *InMemoryStore) InsertCampaign(campaign *Campaign) error {
	next := s.cloneSnapshot()
	next.campaigns = append(next.campaigns, *campaign)
	next.campaignIndex[campaign.ID] = &next.campaigns[len(next.campaigns)-1]
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) UpdateCampaign(campaign Campaign) error {
	next := s.cloneSnapshot()
	if _, ok := next.campaignIndex[campaign.ID]; !ok {
		return ErrNotFound
	}
	for i := range next.campaigns {
		if next.campaigns[i].ID == campaign.ID {
			next.campaigns[i] = campaign
			next.campaignIndex[campaign.ID] = &next.campaigns[i]
			break
		}
	}
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) DeleteCampaign(campaignID int) error {
	next := s.cloneSnapshot()
	if _, ok := next.campaignIndex[campaignID]; !ok {
		return ErrNotFound
	}
	filtered := next.campaigns[:0]
	for _, c := range next.campaigns {
		if c.ID != campaignID {
			filtered = append(filtered, c)
		}
	}
	applyCampaigns(next, filtered)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) InsertCreative(creative *Creative) error {
	next := s.cloneSnapshot()
	next.creatives = append(next.creatives, *creative)
	idx := len(next.creatives) - 1
	next.creativeIndex[creative.ID] = &next.creatives[idx]
	next.creativesByCampaign[creative.CampaignID] = append(next.creativesByCampaign[creative.CampaignID], creative.ID)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) UpdateCreative(creative Creative) error {
	next := s.cloneSnapshot()
	if _, ok := next.creativeIndex[creative.ID]; !ok {
		return ErrNotFound
	}
	for i := range next.creatives {
		if next.creatives[i].ID == creative.ID {
			next.creatives[i] = creative
			break
		}
	}
	applyCreatives(next, next.creatives)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) DeleteCreative(creativeID int) error {
	next := s.cloneSnapshot()
	if _, ok := next.creativeIndex[creativeID]; !ok {
		return ErrNotFound
	}
	filtered := next.creatives[:0]
	for _, c := range next.creatives {
		if c.ID != creativeID {
			filtered = append(filtered, c)
		}
	}
	applyCreatives(next, filtered)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) InsertDevice(device *Device) error {
	next := s.cloneSnapshot()
	next.devices = append(next.devices, *device)
	idx := len(next.devices) - 1
	next.deviceIndex[device.ID] = &next.devices[idx]
	next.devicesByPartner[device.PartnerID] = append(next.devicesByPartner[device.PartnerID], device.ID)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) UpdateDevice(device Device) error {
	next := s.cloneSnapshot()
	if _, ok := next.deviceIndex[device.ID]; !ok {
		return ErrNotFound
	}
	for i := range next.devices {
		if next.devices[i].ID == device.ID {
			next.devices[i] = device
			break
		}
	}
	applyDevices(next, next.devices)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) DeleteDevice(deviceID string) error {
	next := s.cloneSnapshot()
	if _, ok := next.deviceIndex[deviceID]; !ok {
		return ErrNotFound
	}
	filtered := next.devices[:0]
	for _, d := range next.devices {
		if d.ID != deviceID {
			filtered = append(filtered, d)
		}
	}
	applyDevices(next, filtered)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) InsertPartner(partner *Partner) error {
	next := s.cloneSnapshot()
	next.partners = append(next.partners, *partner)
	next.partnerIndex[partner.ID] = &next.partners[len(next.partners)-1]
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) UpdatePartner(partner Partner) error {
	next := s.cloneSnapshot()
	if _, ok := next.partnerIndex[partner.ID]; !ok {
		return ErrNotFound
	}
	for i := range next.partners {
		if next.partners[i].ID == partner.ID {
			next.partners[i] = partner
			next.partnerIndex[partner.ID] = &next.partners[i]
			break
		}
	}
	s.data.Store(next)
	return nil
}

// --- Delivery lifecycle ---

func (s *InMemoryStore) InsertDelivery(delivery Delivery) error {
	next := s.cloneSnapshot()
	next.deliveries = append(next.deliveries, delivery)
	rebuildDeliveryIndexes(next)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) UpdateDelivery(delivery Delivery) error {
	next := s.cloneSnapshot()
	if _, ok := next.deliveryIndex[delivery.ID]; !ok {
		return ErrNotFound
	}
	for i := range next.deliveries {
		if next.deliveries[i].ID == delivery.ID {
			next.deliveries[i] = delivery
			break
		}
	}
	rebuildDeliveryIndexes(next)
	s.data.Store(next)
	return nil
}

func (s *InMemoryStore) DeleteDelivery(deliveryID string) error {
	next := s.cloneSnapshot()
	if _, ok := next.deliveryIndex[deliveryID]; !ok {
		return ErrNotFound
	}
	filtered := next.deliveries[:0]
	for _, d := range next.deliveries {
		if d.ID != deliveryID {
			filtered = append(filtered, d)
		}
	}
	next.deliveries = filtered
	rebuildDeliveryIndexes(next)
	s.data.Store(next)
	return nil
}

// IncrPerformance applies an additive delta to the bucket at key, creating it
// if absent. updatedAt is a unix-nanos timestamp supplied by the caller since
// models must not call time.Now directly (spec §9 testability requirement).
func (s *InMemoryStore) IncrPerformance(key ContextKey, delta Counters, updatedAtUnixNano int64) error {
	next := s.cloneSnapshot()
	cur, ok := next.perfBuckets[key]
	var merged Counters
	if ok {
		merged = cur.Counters.Add(delta)
	} else {
		merged = delta
	}
	next.perfBuckets[key] = &PerformanceBucket{
		Key:         key,
		Counters:    merged,
		LastUpdated: time.Unix(0, updatedAtUnixNano).UTC(),
	}
	s.data.Store(next)
	return nil
}
