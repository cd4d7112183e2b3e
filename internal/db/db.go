package db

import (
	"fmt"

	"github.com/fieldcast/deliverycore/internal/models"
)

// SyncCatalog loads partners, devices, campaigns, and creatives from Postgres,
// validates their cross-references, and atomically swaps them into store.
// This is the reload path invoked on startup and on the configured reload
// interval.
func SyncCatalog(pg *Postgres, store models.Store) error {
	partners, err := pg.LoadPartners()
	if err != nil {
		return fmt.Errorf("load partners: %w", err)
	}
	partnerIndex := make(map[string]models.Partner, len(partners))
	for _, pt := range partners {
		partnerIndex[pt.ID] = pt
	}

	devices, err := pg.LoadDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, d := range devices {
		if _, ok := partnerIndex[d.PartnerID]; !ok {
			return fmt.Errorf("device %s references undefined partner %s", d.ID, d.PartnerID)
		}
	}

	campaigns, err := pg.LoadCampaigns()
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	campaignIndex := make(map[int]bool, len(campaigns))
	for _, c := range campaigns {
		campaignIndex[c.ID] = true
	}

	creatives, err := pg.LoadCreatives()
	if err != nil {
		return fmt.Errorf("load creatives: %w", err)
	}
	for _, cr := range creatives {
		if !campaignIndex[cr.CampaignID] {
			return fmt.Errorf("creative %d references undefined campaign %d", cr.ID, cr.CampaignID)
		}
	}

	return store.ReloadCatalog(campaigns, creatives, devices, partners)
}
