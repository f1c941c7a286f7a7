package service_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

func paginationService(n int) *service.CampaignService {
	var campaigns []*model.Campaign
	for i := 1; i <= n; i++ {
		c := draftCampaign()
		c.Name = fmt.Sprintf("C%d", i)
		if i%2 == 0 {
			c.Status = model.StatusSent
		}
		campaigns = append(campaigns, c)
	}
	return &service.CampaignService{
		CampaignRepo: newMemCampaignRepo(campaigns...),
		Log:          zap.NewNop(),
	}
}

func TestPagination(t *testing.T) {
	svc := paginationService(5)
	ctx := context.Background()

	page1, pagination1, err := svc.ListCampaigns(ctx, 1, 2, "")
	require.NoError(t, err)
	page2, _, err := svc.ListCampaigns(ctx, 2, 2, "")
	require.NoError(t, err)
	page3, pagination3, err := svc.ListCampaigns(ctx, 3, 2, "")
	require.NoError(t, err)

	assert.Equal(t, 5, pagination1["total_count"])
	assert.Equal(t, 3, pagination1["total_pages"])
	assert.Len(t, page1, 2)
	assert.Len(t, page2, 2)
	assert.Len(t, page3, 1)
	assert.Equal(t, 5, pagination3["total_count"])

	seen := map[string]bool{}
	for _, page := range [][]model.Campaign{page1, page2, page3} {
		for _, c := range page {
			assert.False(t, seen[c.ID], "duplicate entry between pages: %s", c.ID)
			seen[c.ID] = true
		}
	}
}

func TestPaginationDefaultsAndBounds(t *testing.T) {
	svc := paginationService(3)

	_, p, err := svc.ListCampaigns(context.Background(), 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, p["page"])
	assert.Equal(t, 20, p["page_size"])

	_, p, err = svc.ListCampaigns(context.Background(), 1, 1000, "")
	require.NoError(t, err)
	assert.Equal(t, 100, p["page_size"])

	page, p, err := svc.ListCampaigns(context.Background(), 9, 2, "")
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, 3, p["total_count"])
}

func TestPaginationStatusFilter(t *testing.T) {
	svc := paginationService(5)

	page, p, err := svc.ListCampaigns(context.Background(), 1, 10, "sent")
	require.NoError(t, err)
	assert.Equal(t, 2, p["total_count"])
	for _, c := range page {
		assert.Equal(t, model.StatusSent, c.Status)
	}

	_, _, err = svc.ListCampaigns(context.Background(), 1, 10, "archived")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}
