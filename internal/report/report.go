// Package report forwards non-fatal engine errors to operators.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Reporter receives errors that must not stop the engine. Implementations
// never return an error to the caller.
type Reporter interface {
	Report(ctx context.Context, source string, err error)
}

// Log writes reports to zerolog.
type Log struct {
	logger zerolog.Logger
}

// NewLog builds a logging reporter.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "reporter").Logger()}
}

func (l *Log) Report(_ context.Context, source string, err error) {
	if err == nil {
		return
	}
	l.logger.Error().Err(err).Str("source", source).Msg("engine error reported")
}

// discord caps message content at 2000 characters
const maxWebhookContent = 2000

// Webhook posts reports to a Discord-compatible webhook.
type Webhook struct {
	url     string
	http    *resty.Client
	logger  zerolog.Logger
	service string
}

// NewWebhook builds a webhook reporter for url.
func NewWebhook(url, service string, timeout time.Duration, logger zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:     url,
		http:    resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		logger:  logger.With().Str("component", "webhook_reporter").Logger(),
		service: service,
	}
}

func (w *Webhook) Report(ctx context.Context, source string, err error) {
	if err == nil {
		return
	}
	content := fmt.Sprintf("[%s] %s: %v", w.service, source, err)
	if sendErr := w.Send(ctx, content); sendErr != nil {
		w.logger.Warn().Err(sendErr).Str("source", source).Msg("webhook report failed")
	}
}

// Send posts raw content to the webhook.
func (w *Webhook) Send(ctx context.Context, content string) error {
	if len(content) > maxWebhookContent {
		content = content[:maxWebhookContent-3] + "..."
	}

	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": content}).
		Post(w.url)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Multi fans a report out to several reporters.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, source string, err error) {
	for _, r := range m {
		r.Report(ctx, source, err)
	}
}

var (
	_ Reporter = (*Log)(nil)
	_ Reporter = (*Webhook)(nil)
	_ Reporter = Multi(nil)
)
