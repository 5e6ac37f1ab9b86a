package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Attribution is implemented by service.Reconciler.
type Attribution interface {
	RecordClick(ctx context.Context, messageID, url string) (bool, error)
	RecordConversion(ctx context.Context, messageID string, value decimal.Decimal) (bool, error)
}

// MessageController receives click and conversion signals from the tracked-link service.
type MessageController struct {
	Attribution Attribution
	Logger      *zap.Logger
}

func (c *MessageController) RecordClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, c.Logger, err)
			return
		}
	}
	first, err := c.Attribution.RecordClick(r.Context(), chi.URLParam(r, "id"), body.URL)
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": first})
}

func (c *MessageController) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, c.Logger, err)
		return
	}
	first, err := c.Attribution.RecordConversion(r.Context(), chi.URLParam(r, "id"), body.Value)
	if err != nil {
		respondError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": first})
}
