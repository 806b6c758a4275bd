package push

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"hashview/internal/domain"
)

// Notification is a push addressed to every device of one recipient.
type Notification struct {
	RecipientID    int64  `json:"recipientId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
}

// Deliverer hands a notification to the push provider, directly or via a
// durable queue.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// DirectDeliverer resolves device tokens and sends immediately.
type DirectDeliverer struct {
	tokens domain.PushTokenRepository
	sender Sender
	logger *slog.Logger
}

func NewDirectDeliverer(tokens domain.PushTokenRepository, sender Sender, logger *slog.Logger) *DirectDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectDeliverer{tokens: tokens, sender: sender, logger: logger}
}

// Deliver sends n to each valid token of the recipient. Tokens the
// provider reports as DeviceNotRegistered are removed.
func (d *DirectDeliverer) Deliver(ctx context.Context, n Notification) error {
	tokens, err := d.tokens.ListForUser(ctx, n.RecipientID)
	if err != nil {
		return fmt.Errorf("list push tokens: %w", err)
	}

	valid := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if IsExpoPushToken(t) {
			valid = append(valid, t)
		} else {
			d.logger.Warn("skipping invalid push token", "user_id", n.RecipientID)
		}
	}
	if len(valid) == 0 {
		return domain.ErrNoPushEndpoints
	}

	msgs := make([]ExpoMessage, 0, len(valid))
	for _, t := range valid {
		msgs = append(msgs, ExpoMessage{
			To:    t,
			Title: n.Title,
			Body:  n.Body,
			Data: map[string]any{
				"type":           "message",
				"conversationId": strconv.FormatInt(n.ConversationID, 10),
				"messageId":      strconv.FormatInt(n.MessageID, 10),
			},
			Sound:     "default",
			Priority:  "high",
			ChannelID: "default",
		})
	}

	tickets, err := d.sender.Send(ctx, msgs)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}

	for i, t := range tickets {
		if i >= len(msgs) {
			break
		}
		if t.DeviceNotRegistered() {
			if err := d.tokens.Remove(ctx, n.RecipientID, msgs[i].To); err != nil {
				d.logger.Warn("failed to prune push token", "user_id", n.RecipientID, "err", err)
				continue
			}
			d.logger.Info("pruned unregistered push token", "user_id", n.RecipientID)
		} else if t.Status == "error" {
			d.logger.Warn("push ticket error", "user_id", n.RecipientID, "message", t.Message, "detail", t.Details.Error)
		}
	}
	return nil
}
