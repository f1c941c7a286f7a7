// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

const maxBodyBytes = 1 << 20

// Decode reads a JSON body into dst and validates its struct tags. An empty
// body leaves dst untouched.
func Decode(r *http.Request, v *validator.Validate, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return appErrors.Validation("invalid request body: %v", err)
	}
	if err := v.StructCtx(r.Context(), dst); err != nil {
		return appErrors.Validation("%s", describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("field %s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error maps err to a status code and writes {"error": msg}.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("Request failed", zap.Error(err))
		msg = "internal server error"
	}
	JSON(w, status, map[string]string{"error": msg})
}

func StatusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrValidation), errors.Is(err, appErrors.ErrNoRecipients),
		errors.Is(err, transport.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrCampaignLocked), errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrNotRunning):
		return http.StatusConflict
	case transport.IsFatal(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
