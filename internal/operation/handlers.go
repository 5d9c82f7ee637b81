package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitepulse/internal/task/engine"
	logx "sitepulse/pkg/logx"
)

// LogHandler records the invocation and succeeds. It stands in for operations
// whose delivery lives outside this service.
func LogHandler(log logx.Logger) HandlerFunc {
	return func(ctx context.Context, inv Invocation) error {
		log.Info("operation executed",
			logx.String("site", inv.SiteID),
			logx.String("op", inv.Operation),
			logx.String("trigger", inv.TriggerID),
		)
		return nil
	}
}

// Webhook posts the invocation as JSON to URL.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type webhookBody struct {
	Invocation
	SentAt time.Time `json:"sent_at"`
}

// Handler returns the HandlerFunc. 4xx responses are permanent failures except
// 429, which honors Retry-After.
func (w Webhook) Handler() HandlerFunc {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, inv Invocation) error {
		body, err := json.Marshal(webhookBody{Invocation: inv, SentAt: time.Now().UTC()})
		if err != nil {
			return engine.NoRetry(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return engine.NoRetry(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey(inv))
		for k, v := range w.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", inv.Operation, err)
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("webhook %s: status %d", inv.Operation, resp.StatusCode)
			return engine.RetryAfter(err, parseRetryAfter(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return engine.NoRetry(fmt.Errorf("webhook %s: status %d: %s", inv.Operation, resp.StatusCode, strings.TrimSpace(string(snippet))))
		default:
			return fmt.Errorf("webhook %s: status %d", inv.Operation, resp.StatusCode)
		}
	}
}

func idempotencyKey(inv Invocation) string {
	if inv.TriggerID != "" {
		return inv.TriggerID
	}
	return inv.RunID
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
