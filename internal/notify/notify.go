// Package notify provides delivery channels for notification steps.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/workflow"
)

// ActivityNotificationSent is the notification type forwarded for in-app
// messages.
const ActivityNotificationSent workflow.ActivityType = "notification.sent"

// Webhook posts each message as JSON to a fixed URL.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  steps.Doer
}

// Dispatch implements steps.Dispatcher. Any non-2xx status is an error.
func (w *Webhook) Dispatch(ctx context.Context, msg steps.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", msg.Channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", msg.Channel, resp.StatusCode)
	}
	return nil
}

// Log writes each message to a structured logger. Useful as the default
// channel in development.
type Log struct {
	Logger *slog.Logger
}

// Dispatch implements steps.Dispatcher.
func (l Log) Dispatch(ctx context.Context, msg steps.Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"channel", msg.Channel,
		"to", msg.To,
		"subject", msg.Subject,
		"instance_id", msg.InstanceID,
		"step_id", msg.StepID)
	return nil
}

// InApp forwards messages to a workflow.Notifier, typically the realtime
// hub, so connected dashboards see them.
type InApp struct {
	Notifier workflow.Notifier
	Now      func() time.Time
}

// Dispatch implements steps.Dispatcher.
func (a InApp) Dispatch(ctx context.Context, msg steps.Message) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	data := map[string]any{
		"channel": msg.Channel,
		"subject": msg.Subject,
		"body":    msg.Body,
	}
	if len(msg.To) > 0 {
		data["to"] = msg.To
	}
	return a.Notifier.Notify(ctx, workflow.Notification{
		Type:       ActivityNotificationSent,
		InstanceID: msg.InstanceID,
		StepID:     msg.StepID,
		Data:       data,
		At:         now().UTC(),
	})
}
