// Package notify pushes out-of-band operator notifications. Bark is the
// only backend; an empty key disables it entirely.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	barkBaseURL = "https://api.day.app"
	barkGroup   = "Telegram Watch"
)

// Notifier sends push notifications to the operator's devices.
type Notifier struct {
	key     string
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewNotifier builds a Bark notifier. An empty key yields a no-op
// notifier, so callers never need to branch on configuration.
func NewNotifier(barkKey string, log *slog.Logger) *Notifier {
	return &Notifier{
		key:     barkKey,
		baseURL: barkBaseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// Notify sends title/body to the configured device. Failures are logged
// and swallowed; a lost notification must never break the watch loop.
func (n *Notifier) Notify(ctx context.Context, title, body string) {
	if n.key == "" {
		return
	}

	u := fmt.Sprintf("%s/%s/%s/%s?group=%s",
		n.baseURL,
		url.PathEscape(n.key),
		url.PathEscape(title),
		url.PathEscape(body),
		url.QueryEscape(barkGroup),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		n.log.WarnContext(ctx, "Failed to build notification request", "error", err)
		return
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.WarnContext(ctx, "Notification failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.log.WarnContext(ctx, "Notification rejected", "status", resp.StatusCode)
	}
}
