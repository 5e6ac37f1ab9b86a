// Package provider talks to the WhatsApp Cloud API style messaging provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/tracing"
)

const (
	DefaultBaseURL  = "https://graph.facebook.com/v18.0"
	DefaultTimeout  = 5 * time.Second
	DefaultLanguage = "en_US"
)

// Credentials are the per-tenant values a send is made with.
type Credentials struct {
	AccessToken   string
	PhoneNumberID string
}

// TemplateMessage is a pre-approved provider template with positional body parameters.
type TemplateMessage struct {
	Name         string
	LanguageCode string
	Params       []string
}

// Sender sends one message and returns the provider's message id.
type Sender interface {
	SendText(ctx context.Context, creds Credentials, to, body string) (string, error)
	SendTemplate(ctx context.Context, creds Credentials, to string, tmpl TemplateMessage) (string, error)
}

var _ Sender = (*Client)(nil)

type Client struct {
	http    *resty.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: http, timeout: timeout, logger: logger}
}

type textBody struct {
	Body string `json:"body"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) SendText(ctx context.Context, creds Credentials, to, body string) (string, error) {
	return c.send(ctx, "send_text", creds, sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
}

func (c *Client) SendTemplate(ctx context.Context, creds Credentials, to string, tmpl TemplateMessage) (string, error) {
	lang := tmpl.LanguageCode
	if lang == "" {
		lang = DefaultLanguage
	}
	tb := &templateBody{Name: tmpl.Name, Language: templateLanguage{Code: lang}}
	if len(tmpl.Params) > 0 {
		params := make([]templateParam, len(tmpl.Params))
		for i, p := range tmpl.Params {
			params[i] = templateParam{Type: "text", Text: p}
		}
		tb.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return c.send(ctx, "send_template", creds, sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template:         tb,
	})
}

func (c *Client) send(ctx context.Context, op string, creds Credentials, req sendRequest) (string, error) {
	ctx, span := tracing.Start(ctx, "provider."+op, attribute.String("provider.phone_number_id", creds.PhoneNumberID))
	defer span.End()

	if creds.AccessToken == "" || creds.PhoneNumberID == "" {
		err := appErrors.NewProvider(0, "missing provider credentials", nil)
		span.SetStatus(codes.Error, err.Error())
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var ok sendResponse
	var fail errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetBody(req).
		SetResult(&ok).
		SetError(&fail).
		Post(fmt.Sprintf("/%s/messages", creds.PhoneNumberID))
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		var perr error
		if isTimeout(ctx, err) {
			perr = appErrors.NewProviderTimeout(err)
			metrics.ProviderRequestsTotal.WithLabelValues(op, "timeout").Inc()
		} else {
			perr = appErrors.NewProvider(0, err.Error(), err)
			metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		}
		span.SetStatus(codes.Error, perr.Error())
		c.logger.Warn("provider call failed", zap.String("operation", op), zap.Error(perr))
		return "", perr
	}

	if resp.IsError() {
		reason := fail.Error.Message
		if reason == "" {
			reason = resp.Status()
		}
		perr := appErrors.NewProvider(resp.StatusCode(), reason, nil)
		span.SetStatus(codes.Error, perr.Error())
		metrics.ProviderRequestsTotal.WithLabelValues(op, "rejected").Inc()
		c.logger.Warn("provider rejected message",
			zap.String("operation", op),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("reason", reason),
		)
		return "", perr
	}

	if len(ok.Messages) == 0 || ok.Messages[0].ID == "" {
		perr := appErrors.NewProvider(resp.StatusCode(), "response carried no message id", nil)
		span.SetStatus(codes.Error, perr.Error())
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", perr
	}

	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	span.SetAttributes(attribute.String("provider.message_id", ok.Messages[0].ID))
	return ok.Messages[0].ID, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Template is an approved message template as listed by the provider.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Status   string `json:"status"`
	Category string `json:"category"`
}

type templateList struct {
	Data []Template `json:"data"`
}

// ListTemplates returns the message templates registered on a business account.
func (c *Client) ListTemplates(ctx context.Context, accessToken, businessAccountID string) ([]Template, error) {
	const op = "list_templates"
	ctx, span := tracing.Start(ctx, "provider."+op, attribute.String("provider.business_account_id", businessAccountID))
	defer span.End()

	if accessToken == "" || businessAccountID == "" {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, appErrors.NewProvider(0, "missing provider credentials", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var ok templateList
	var fail errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&ok).
		SetError(&fail).
		Get(fmt.Sprintf("/%s/message_templates", businessAccountID))
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		var perr error
		if isTimeout(ctx, err) {
			perr = appErrors.NewProviderTimeout(err)
			metrics.ProviderRequestsTotal.WithLabelValues(op, "timeout").Inc()
		} else {
			perr = appErrors.NewProvider(0, err.Error(), err)
			metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		}
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	if resp.IsError() {
		reason := fail.Error.Message
		if reason == "" {
			reason = resp.Status()
		}
		perr := appErrors.NewProvider(resp.StatusCode(), reason, nil)
		span.SetStatus(codes.Error, perr.Error())
		metrics.ProviderRequestsTotal.WithLabelValues(op, "rejected").Inc()
		c.logger.Warn("provider rejected template listing", zap.Int("status_code", resp.StatusCode()), zap.String("reason", reason))
		return nil, perr
	}

	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	if ok.Data == nil {
		return []Template{}, nil
	}
	return ok.Data, nil
}
