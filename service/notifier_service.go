package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const sinkTimeout = 10 * time.Second

var slackColors = map[string]string{
	"critical": "#dc3545",
	"high":     "#fd7e14",
	"warning":  "#ffc107",
	"info":     "#17a2b8",
}

// Notifier fans one logical alert out to the configured sinks. Delivery is
// best effort and at-most-once: sink failures are logged and swallowed, and
// no sink blocks another.
type Notifier struct {
	webhookURL string
	slackURL   string
	client     *http.Client
}

func NewNotifier(webhookURL, slackURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		slackURL:   slackURL,
		client:     &http.Client{Timeout: sinkTimeout},
	}
}

func (n *Notifier) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}

// Notify dispatches to every configured sink concurrently. No configured
// sinks is a no-op.
func (n *Notifier) Notify(ctx context.Context, alertType, severity, message string, data map[string]interface{}) {
	g, ctx := errgroup.WithContext(ctx)

	if n.webhookURL != "" {
		payload := map[string]interface{}{
			"type":      alertType,
			"severity":  severity,
			"message":   message,
			"data":      data,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		g.Go(func() error {
			if err := n.post(ctx, n.webhookURL, payload); err != nil {
				log.Printf("webhook delivery failed: %v", err)
			}
			return nil
		})
	}

	if n.slackURL != "" {
		text := fmt.Sprintf("*%s*: %s", strings.ToUpper(severity), message)
		if len(data) > 0 {
			if blob, err := json.MarshalIndent(data, "", "  "); err == nil {
				if len(blob) > 500 {
					blob = blob[:500]
				}
				text += fmt.Sprintf("\n```%s```", blob)
			}
		}
		color, ok := slackColors[severity]
		if !ok {
			color = "#6c757d"
		}
		payload := map[string]interface{}{
			"attachments": []map[string]interface{}{{
				"color":  color,
				"title":  "Sentinel Finance Alert",
				"text":   text,
				"footer": "Sentinel Watchdog",
				"ts":     time.Now().Unix(),
			}},
		}
		g.Go(func() error {
			if err := n.post(ctx, n.slackURL, payload); err != nil {
				log.Printf("slack delivery failed: %v", err)
			}
			return nil
		})
	}

	g.Wait()
}
