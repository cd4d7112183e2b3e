package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/fieldcast/deliverycore/internal/models"
	"github.com/fieldcast/deliverycore/internal/observability"
	"github.com/fieldcast/deliverycore/internal/oracle"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCatalog(t *testing.T) (*Catalog, models.Store) {
	t.Helper()
	store := models.NewTestStore()
	c := New(store, oracle.NullModerator{}, observability.NewNoOpRegistry(), zap.NewNop())
	return c, store
}

func activeCampaign(id int, now time.Time) models.Campaign {
	return models.Campaign{
		ID:           id,
		Status:       models.CampaignActive,
		StartDate:    now.Add(-time.Hour),
		EndDate:      now.Add(24 * time.Hour),
		Budget:       100,
		PricingModel: models.PricingCPM,
	}
}

func TestListEligibleCampaigns_RequiresApprovedCreative(t *testing.T) {
	c, store := newTestCatalog(t)
	now := time.Now()

	require.NoError(t, store.SetCampaigns([]models.Campaign{activeCampaign(1, now)}))
	require.NoError(t, store.SetCreatives([]models.Creative{
		{ID: 1, CampaignID: 1, Type: models.MediaImage, Format: "jpg", Status: models.ApprovalPending},
	}))
	require.NoError(t, store.SetDevices([]models.Device{{ID: "d1", Status: models.DeviceStatusActive}}))
	c.Refresh()

	device := *store.GetDevice("d1")
	require.Empty(t, c.ListEligibleCampaigns(device, now))

	require.NoError(t, store.UpdateCreative(models.Creative{ID: 1, CampaignID: 1, Type: models.MediaImage, Format: "jpg", Status: models.ApprovalApproved}))
	c.Refresh()
	handles := c.ListEligibleCampaigns(device, now)
	require.Len(t, handles, 1)
	require.Equal(t, 1, handles[0].Campaign.ID)
	require.Len(t, handles[0].Creatives, 1)
}

func TestListEligibleCampaigns_ExcludesOverBudget(t *testing.T) {
	c, store := newTestCatalog(t)
	now := time.Now()

	camp := activeCampaign(2, now)
	camp.SpendToDate = camp.Budget
	require.NoError(t, store.SetCampaigns([]models.Campaign{camp}))
	require.NoError(t, store.SetCreatives([]models.Creative{
		{ID: 2, CampaignID: 2, Type: models.MediaImage, Format: "png", Status: models.ApprovalApproved},
	}))
	require.NoError(t, store.SetDevices([]models.Device{{ID: "d1", Status: models.DeviceStatusActive}}))
	c.Refresh()

	require.Empty(t, c.ListEligibleCampaigns(*store.GetDevice("d1"), now))
}

func TestListEligibleCampaigns_RespectsLocationTargeting(t *testing.T) {
	c, store := newTestCatalog(t)
	now := time.Now()

	camp := activeCampaign(3, now)
	camp.Location = models.LocationTarget{LocationTypes: []models.LocationType{models.LocationUrban}}
	require.NoError(t, store.SetCampaigns([]models.Campaign{camp}))
	require.NoError(t, store.SetCreatives([]models.Creative{
		{ID: 3, CampaignID: 3, Type: models.MediaVideo, Format: "mp4", Status: models.ApprovalApproved},
	}))
	require.NoError(t, store.SetDevices([]models.Device{
		{ID: "rural", Status: models.DeviceStatusActive, Location: models.DeviceLocation{Type: models.LocationRural}},
		{ID: "urban", Status: models.DeviceStatusActive, Location: models.DeviceLocation{Type: models.LocationUrban}},
	}))
	c.Refresh()

	require.Empty(t, c.ListEligibleCampaigns(*store.GetDevice("rural"), now))
	require.Len(t, c.ListEligibleCampaigns(*store.GetDevice("urban"), now), 1)
}

func TestVerifyCreative_FormatWhitelist(t *testing.T) {
	c, _ := newTestCatalog(t)

	rejected := c.VerifyCreative(context.Background(), models.Creative{
		ID: 1, Type: models.MediaVideo, URL: "https://cdn/x", Format: "avi",
	})
	require.Equal(t, models.ApprovalRejected, rejected.Status)
	require.Equal(t, models.VerificationBasic, rejected.Method)
	require.NotEmpty(t, rejected.Reasons)

	approved := c.VerifyCreative(context.Background(), models.Creative{
		ID: 2, Type: models.MediaVideo, URL: "https://cdn/y", Format: "mp4", Width: 1920, Height: 1080,
	})
	require.Equal(t, models.ApprovalApproved, approved.Status)
	require.Equal(t, models.VerificationBasic, approved.Method)
}

func TestVerifyCreative_FallsBackOnOracleError(t *testing.T) {
	store := models.NewTestStore()
	c := New(store, oracle.NullModerator{}, observability.NewNoOpRegistry(), zap.NewNop())

	result := c.VerifyCreative(context.Background(), models.Creative{
		ID: 1, Type: models.MediaImage, URL: "https://cdn/z", Format: "jpg",
	})
	require.Equal(t, models.VerificationBasic, result.Method)
	require.Equal(t, models.ApprovalApproved, result.Status)
}
