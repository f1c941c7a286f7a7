// internal/controller/campaign_controller.go
package controller

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Validate        *validator.Validate
	Log             *zap.Logger
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/", c.CreateCampaign)
	r.Get("/", c.ListCampaigns)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", c.GetCampaign)
		r.Put("/", c.UpdateCampaign)
		r.Delete("/", c.DeleteCampaign)
		r.Post("/duplicate", c.DuplicateCampaign)
		r.Get("/preview", c.PreviewCampaign)
		r.Get("/stats", c.CampaignStats)
		r.Get("/progress", c.CampaignProgress)
		r.Post("/send", c.SendCampaign)
		r.Post("/cancel", c.CancelCampaign)
		r.Post("/pause", c.PauseCampaign)
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := handler.Decode(r, c.Validate, &body); err != nil {
		handler.Error(w, c.Log, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := handler.Decode(r, c.Validate, &body); err != nil {
		handler.Error(w, c.Log, err)
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := c.CampaignService.DeleteCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.DuplicateCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email != "" {
		if err := c.Validate.Var(email, "email"); err != nil {
			handler.JSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email"})
			return
		}
	}

	preview, err := c.CampaignService.PreviewCampaign(r.Context(), chi.URLParam(r, "id"), email)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusOK, preview)
}

func (c *CampaignController) CampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.CampaignService.GetCampaignStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusOK, stats)
}

func (c *CampaignController) CampaignProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := c.CampaignService.GetProgress(r.Context(), id)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"total":       snap.Total,
		"sent":        snap.Sent,
		"failed":      snap.Failed,
		"progress":    snap.Progress,
	})
}

// SendCampaign validates and queues the send, answering 202 before any email goes out.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.SendRequest
	if err := handler.Decode(r, c.Validate, &body); err != nil {
		handler.Error(w, c.Log, err)
		return
	}

	ack, err := c.CampaignService.RequestSend(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusAccepted, ack)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.CancelCampaign(r.Context(), id); err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusAccepted, map[string]string{
		"campaign_id": id,
		"message":     "Cancellation requested; the current batch will finish first",
	})
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.PauseCampaign(r.Context(), id); err != nil {
		handler.Error(w, c.Log, err)
		return
	}
	handler.JSON(w, http.StatusAccepted, map[string]string{
		"campaign_id": id,
		"message":     "Pause requested; the current batch will finish first",
	})
}
