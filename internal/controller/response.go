package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
)

const maxWebhookBody = 10 << 20 // 10MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case appErrors.IsValidation(err):
		return http.StatusBadRequest
	case appErrors.IsAuthentication(err):
		return http.StatusUnauthorized
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case appErrors.IsProvider(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors are logged and their
// text is not exposed.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.NewValidation("body", "invalid request body: "+err.Error())
	}
	return nil
}

// readWebhookBody reads at most maxWebhookBody bytes of the raw body, which signature
// checks need verbatim.
func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, appErrors.NewValidation("body", "payload too large")
		}
		return nil, appErrors.NewValidation("body", "could not read body")
	}
	return body, nil
}
