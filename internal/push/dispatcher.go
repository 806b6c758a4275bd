// Package push delivers best-effort notifications to participants that
// have no live realtime session.
package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"hashview/internal/domain"
	"hashview/internal/metrics"
)

const (
	imagePlaceholder = "📷 Image"
	filePlaceholder  = "📎 File"
)

// OnlineChecker answers whether a user has a live realtime session.
type OnlineChecker interface {
	IsOnline(userID int64) bool
}

// Dispatcher fans a message out to offline recipients.
type Dispatcher struct {
	presence   OnlineChecker
	deliverer  Deliverer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	background bool
	wg         sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

// WithBackgroundDelivery makes NotifyOffline return as soon as the
// recipients are chosen. Deliveries then run on a context detached from
// the caller's cancellation; Wait blocks until they finish.
func WithBackgroundDelivery() DispatcherOption {
	return func(d *Dispatcher) { d.background = true }
}

func NewDispatcher(presence OnlineChecker, deliverer Deliverer, logger *slog.Logger, m *metrics.Metrics, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{presence: presence, deliverer: deliverer, logger: logger, metrics: m}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wait blocks until background deliveries started so far are done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Preview returns the notification body for a message whose text is
// already decrypted.
func Preview(m *domain.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.Type == domain.MessageImage {
		return imagePlaceholder
	}
	return filePlaceholder
}

// NotifyOffline pushes msg to every participant other than senderID that
// is not online. Each recipient is isolated: failures are logged and do
// not stop the others. It returns the recipients a delivery was attempted for.
// Presence is checked before returning, even with background delivery.
func (d *Dispatcher) NotifyOffline(ctx context.Context, conv *domain.Conversation, msg *domain.Message, senderID int64, senderName string) []int64 {
	if senderName == "" {
		senderName = "New message"
	}
	body := Preview(msg)

	var attempted []int64
	var batch []Notification
	for _, p := range conv.Participants {
		if p == senderID || d.presence.IsOnline(p) {
			continue
		}
		attempted = append(attempted, p)
		batch = append(batch, Notification{
			RecipientID:    p,
			Title:          senderName,
			Body:           body,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
		})
	}
	if len(batch) == 0 {
		return attempted
	}

	if !d.background {
		d.deliverAll(ctx, batch)
		return attempted
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliverAll(context.WithoutCancel(ctx), batch)
	}()
	return attempted
}

func (d *Dispatcher) deliverAll(ctx context.Context, batch []Notification) {
	for _, n := range batch {
		err := d.deliverer.Deliver(ctx, n)
		switch {
		case err == nil:
			d.metrics.PushResult("sent")
		case errors.Is(err, domain.ErrNoPushEndpoints):
			d.metrics.PushResult("no_endpoints")
			d.logger.Debug("no push endpoints for recipient", "user_id", n.RecipientID)
		default:
			d.metrics.PushResult("failed")
			d.logger.Error("push notification failed",
				"user_id", n.RecipientID, "conversation_id", n.ConversationID, "message_id", n.MessageID, "err", err)
		}
	}
}
