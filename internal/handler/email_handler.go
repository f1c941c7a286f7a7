// internal/handler/email_handler.go
package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/service"
)

// EmailHandler exposes transport checks outside of any campaign
type EmailHandler struct {
	Service  *service.CampaignService
	Validate *validator.Validate
	Log      *zap.Logger
}

// SendTestEmail handles POST /email/test
func (h *EmailHandler) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	var req service.TestEmailRequest
	if err := Decode(r, h.Validate, &req); err != nil {
		Error(w, h.Log, err)
		return
	}

	receipt, err := h.Service.SendTestEmail(r.Context(), req)
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			// Provider rejections are reported to the caller, not hidden.
			JSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		Error(w, h.Log, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"message":    "Test email sent",
		"message_id": receipt.MessageID,
		"provider":   receipt.Provider,
	})
}

// Health handles GET /email/health
func (h *EmailHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.Service.TransportHealth(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, health)
}
