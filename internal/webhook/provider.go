package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

type providerEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []json.RawMessage `json:"statuses"`
				Messages []json.RawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type providerStatus struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Timestamp   flexString `json:"timestamp"`
	RecipientID string     `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

type providerMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Type      string     `json:"type"`
	Timestamp flexString `json:"timestamp"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text string `json:"text"`
	} `json:"button"`
}

// Rejection is one batch item that could not be normalized.
type Rejection struct {
	Kind   string
	Index  int
	Reason string
}

// ProviderBatch is everything one provider callback carried.
type ProviderBatch struct {
	Statuses   []model.StatusEvent
	Inbound    []model.InboundEvent
	Rejections []Rejection
}

// ParseProvider decodes a provider callback body. Every status and message is normalized
// on its own; a malformed item becomes a Rejection without affecting its siblings. Only an
// undecodable envelope is an error.
func ParseProvider(tenantID string, body []byte) (ProviderBatch, error) {
	var env providerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ProviderBatch{}, appErrors.NewValidation("body", "invalid provider payload: "+err.Error())
	}

	var batch ProviderBatch
	si, mi := 0, 0
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Statuses {
				ev, err := parseStatus(tenantID, raw)
				if err != nil {
					batch.Rejections = append(batch.Rejections, Rejection{Kind: "status", Index: si, Reason: err.Error()})
				} else {
					batch.Statuses = append(batch.Statuses, ev)
				}
				si++
			}
			for _, raw := range change.Value.Messages {
				ev, err := parseInbound(tenantID, raw)
				if err != nil {
					batch.Rejections = append(batch.Rejections, Rejection{Kind: "message", Index: mi, Reason: err.Error()})
				} else {
					batch.Inbound = append(batch.Inbound, ev)
				}
				mi++
			}
		}
	}
	return batch, nil
}

func parseTimestamp(f flexString) (int64, error) {
	if f == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is not unix seconds", string(f))
	}
	return ts, nil
}

func parseStatus(tenantID string, raw json.RawMessage) (model.StatusEvent, error) {
	var s providerStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.StatusEvent{}, err
	}
	if s.ID == "" {
		return model.StatusEvent{}, errors.New("status without message id")
	}
	if s.Status == "" {
		return model.StatusEvent{}, fmt.Errorf("status %s without value", s.ID)
	}
	ts, err := parseTimestamp(s.Timestamp)
	if err != nil {
		return model.StatusEvent{}, err
	}
	ev := model.StatusEvent{
		TenantID:          tenantID,
		ProviderMessageID: s.ID,
		Status:            strings.ToLower(s.Status),
		Timestamp:         ts,
		RecipientID:       s.RecipientID,
	}
	if len(s.Errors) > 0 {
		e := s.Errors[0]
		reason := e.Title
		if e.Message != "" && e.Message != e.Title {
			reason = strings.TrimSpace(reason + " " + e.Message)
		}
		if e.Code != 0 {
			reason = fmt.Sprintf("%d: %s", e.Code, reason)
		}
		ev.FailureReason = reason
	}
	return ev, nil
}

func parseInbound(tenantID string, raw json.RawMessage) (model.InboundEvent, error) {
	var m providerMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.InboundEvent{}, err
	}
	if m.ID == "" || m.From == "" {
		return model.InboundEvent{}, errors.New("message without id or sender")
	}
	ts, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return model.InboundEvent{}, err
	}
	text := m.Text.Body
	if text == "" {
		text = m.Button.Text
	}
	return model.InboundEvent{
		TenantID:          tenantID,
		ProviderMessageID: m.ID,
		From:              m.From,
		Text:              text,
		MessageType:       m.Type,
		Timestamp:         ts,
	}, nil
}
