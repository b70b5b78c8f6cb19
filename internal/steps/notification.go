package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

var errUnknownChannel = errors.New("no dispatcher registered for channel")

// notifyTimeout bounds one dispatch so a slow channel cannot stall a run.
const notifyTimeout = 5 * time.Second

// Message is a resolved notification handed to a Dispatcher.
type Message struct {
	Channel    string         `json:"channel"`
	To         []string       `json:"to,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data,omitempty"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
}

// Dispatcher delivers messages on one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Notification dispatches a message best effort. Delivery failures are
// logged as NOTIFICATION_DELIVERY errors and the step still proceeds.
//
// Configuration:
//
//	channel: dispatcher name, defaults to "log"
//	to:      recipient or list of recipients
//	subject: optional subject line
//	message: message body
//	data:    structured payload
type Notification struct {
	Dispatchers map[string]Dispatcher
	Logger      *slog.Logger
}

// Type implements Handler.
func (n *Notification) Type() workflow.StepType { return workflow.StepNotification }

// Execute implements Handler.
func (n *Notification) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config()
	channel := optionalString(cfg, "channel")
	if channel == "" {
		channel = "log"
	}
	msg := Message{
		Channel:    channel,
		To:         stringList(cfg, "to"),
		Subject:    optionalString(cfg, "subject"),
		Body:       optionalString(cfg, "message"),
		InstanceID: req.Instance.ID,
		StepID:     req.Step.ID,
	}
	if data, ok := cfg["data"].(map[string]any); ok {
		msg.Data = data
	}

	delivered := true
	if err := n.dispatch(ctx, msg); err != nil {
		delivered = false
		n.logger().Warn("notification not delivered",
			"instance_id", req.Instance.ID,
			"step_id", req.Step.ID,
			"error", workflow.NewNotificationDeliveryError(req.Step.ID, channel, err),
		)
	}
	return &Result{
		Output: map[string]any{"channel": channel, "delivered": delivered},
		Next:   req.Step.Next,
	}, nil
}

func (n *Notification) dispatch(ctx context.Context, msg Message) error {
	d, ok := n.Dispatchers[msg.Channel]
	if !ok {
		return errUnknownChannel
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return d.Dispatch(ctx, msg)
}

func (n *Notification) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
