// Package workflow notifies the external automation service after a message goes out.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/metrics"
)

// Notifier fires a workflow notification. It must never block the caller.
type Notifier interface {
	Notify(workflowType string, payload any)
}

var _ Notifier = (*Hook)(nil)

// Hook posts to {base}/{workflowType} in a detached goroutine with its own timeout.
// Failures are logged and swallowed.
type Hook struct {
	http    *resty.Client
	apiKey  string
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewHook returns nil when baseURL is empty; a nil *Hook is a valid no-op notifier.
func NewHook(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Hook {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Hook{
		http:    resty.New().SetBaseURL(baseURL).SetHeader("Content-Type", "application/json"),
		apiKey:  apiKey,
		timeout: timeout,
		logger:  logger,
	}
}

func (h *Hook) Notify(workflowType string, payload any) {
	if h == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		req := h.http.R().SetContext(ctx).SetBody(payload)
		if h.apiKey != "" {
			req.SetAuthToken(h.apiKey)
		}
		resp, err := req.Post("/" + workflowType)
		if err != nil {
			metrics.WorkflowHookFailuresTotal.WithLabelValues(workflowType).Inc()
			h.logger.Warn("workflow hook failed", zap.String("workflow", workflowType), zap.Error(err))
			return
		}
		if resp.IsError() {
			metrics.WorkflowHookFailuresTotal.WithLabelValues(workflowType).Inc()
			h.logger.Warn("workflow hook rejected",
				zap.String("workflow", workflowType),
				zap.Int("status_code", resp.StatusCode()),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (h *Hook) Wait() {
	if h == nil {
		return
	}
	h.wg.Wait()
}
