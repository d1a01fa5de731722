package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Webhook forwards user-visible capture messages to an ntfy-style endpoint.
type Webhook struct {
	Endpoint string
	Client   *http.Client
	// Title prefixes the ntfy title header; the tab id is appended.
	Title string
}

// Notify posts text for one tab.
func (w *Webhook) Notify(ctx context.Context, tabID int, text string) error {
	title := w.Title
	if title == "" {
		title = "canvas capture"
	}
	return send(ctx, w.Client, w.Endpoint, text, map[string]string{
		"Title": fmt.Sprintf("%s (tab %d)", title, tabID),
		"Tags":  "movie_camera",
	})
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	return send(ctx, client, endpoint, message, nil)
}

func send(ctx context.Context, client *http.Client, endpoint, message string, headers map[string]string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("ntfy notification failed: endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
