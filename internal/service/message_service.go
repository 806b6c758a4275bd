package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"hashview/internal/domain"
	"hashview/internal/metrics"
	"hashview/internal/push"
	"hashview/internal/security"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100
	DefaultMaxTextLen   = 1000
)

// Transport labels for the messages_sent metric.
const (
	TransportREST     = "rest"
	TransportRealtime = "realtime"
)

type MessageService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	users         domain.UserRepository
	encryptor     *security.Encryptor
	broadcaster   Broadcaster
	notifier      Notifier
	metrics       *metrics.Metrics
	logger        *slog.Logger
	view          *viewer
	now           func() time.Time

	MaxTextLength int
}

func NewMessageService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	users domain.UserRepository,
	encryptor *security.Encryptor,
	broadcaster Broadcaster,
	notifier Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MessageService {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		encryptor:     encryptor,
		broadcaster:   broadcaster,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		view:          &viewer{users: users, messages: messages, encryptor: encryptor},
		now:           func() time.Time { return time.Now().UTC() },
		MaxTextLength: DefaultMaxTextLen,
	}
}

type SendInput struct {
	ConversationID int64
	Text           string
	Type           domain.MessageType
	MediaURL       *string
	MediaMetadata  *domain.MediaMetadata
	ReplyTo        *int64
	Transport      string
}

func (s *MessageService) validateText(field, text string) error {
	if utf8.RuneCountInString(text) > s.MaxTextLength {
		return domain.NewValidationError(field, fmt.Sprintf("message cannot be more than %d characters", s.MaxTextLength))
	}
	return nil
}

// Send runs the shared send pipeline used by both REST and realtime
// clients: participant check, append with conversation update, room
// broadcast, delivery receipt and offline push. Push failures never fail
// the send once the message is stored.
func (s *MessageService) Send(ctx context.Context, senderID int64, in SendInput) (*MessageView, error) {
	if err := s.validateText("text", in.Text); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	switch in.Type {
	case domain.MessageText, domain.MessageImage, domain.MessageFile:
	default:
		return nil, domain.NewValidationError("type", "invalid message type")
	}
	plain := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Text:           in.Text,
		Type:           in.Type,
		MediaURL:       in.MediaURL,
		MediaMetadata:  in.MediaMetadata,
		ReplyTo:        in.ReplyTo,
	}
	if !plain.HasContent() {
		return nil, domain.ErrInvalidContent
	}

	conv, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, domain.ErrNotParticipant
	}
	if !conv.IsActive {
		return nil, domain.ErrInactive
	}

	if in.ReplyTo != nil {
		parent, err := s.messages.GetByID(ctx, *in.ReplyTo)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("get reply target: %w", err)
		}
		if err != nil || parent.ConversationID != in.ConversationID {
			return nil, domain.NewValidationError("replyTo", "reply target must be a message in the same conversation")
		}
	}

	encrypted, err := s.encryptor.Encrypt(in.Text)
	if err != nil {
		return nil, fmt.Errorf("encrypt text: %w", err)
	}
	stored := *plain
	stored.Text = encrypted

	snippet := encrypted
	if in.Text == "" {
		snippet = push.Preview(plain)
	}
	if err := s.messages.Append(ctx, &stored, snippet); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	plain.ID = stored.ID
	plain.CreatedAt = stored.CreatedAt
	s.metrics.MessageSent(in.Transport)

	conv, err = s.conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}
	view, err := s.view.message(ctx, &stored)
	if err != nil {
		return nil, err
	}

	summary := s.view.conversationSummary(conv)
	reached := s.broadcaster.BroadcastToRoom(conv.ID, domain.Event{
		Type: domain.EventNewMessage,
		Data: map[string]any{"message": view, "conversation": summary},
	})
	reached = append(reached, s.broadcaster.NotifyOutsideRoom(conv.ID, conv.Participants, domain.Event{
		Type: domain.EventConversationUpdated,
		Data: summary,
	})...)

	if reachedRecipient(reached, senderID) {
		at := s.now()
		if ok, err := s.messages.MarkDelivered(ctx, stored.ID, at); err != nil {
			s.logger.Warn("mark delivered failed", "message_id", stored.ID, "error", err)
		} else if ok {
			view.DeliveredAt = &at
		}
	}

	s.notifier.NotifyOffline(ctx, conv, plain, senderID, view.Sender.Name)
	return view, nil
}

func reachedRecipient(reached []int64, senderID int64) bool {
	for _, id := range reached {
		if id != senderID {
			return true
		}
	}
	return false
}

type ListInput struct {
	ConversationID int64
	Cursor         *int64
	Page           int
	Limit          int
}

// MessageList is one page of history in chronological order.
type MessageList struct {
	Messages   []*MessageView `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// List returns a page of history, oldest first within the page. A cursor
// selects messages strictly older than the cursor message and ignores Page.
func (s *MessageService) List(ctx context.Context, userID int64, in ListInput) (*MessageList, error) {
	if in.Page == 0 {
		in.Page = 1
	}
	if in.Limit == 0 {
		in.Limit = DefaultMessageLimit
	}
	if in.Page < 1 {
		return nil, domain.NewValidationError("page", "page must be a positive integer")
	}
	if in.Limit < 1 || in.Limit > MaxMessageLimit {
		return nil, domain.NewValidationError("limit", fmt.Sprintf("limit must be between 1 and %d", MaxMessageLimit))
	}

	conv, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	if !conv.IsActive {
		return nil, domain.ErrInactive
	}

	offset := (in.Page - 1) * in.Limit
	if in.Cursor != nil {
		offset = 0
	}
	page, err := s.messages.ListPage(ctx, in.ConversationID, in.Cursor, offset, in.Limit)
	if err != nil {
		return nil, err
	}

	msgs := page.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	views, err := s.view.messageViews(ctx, msgs)
	if err != nil {
		return nil, err
	}

	p := newPagination(in.Page, in.Limit, page.Total, page.HasMore)
	if page.HasMore && len(msgs) > 0 {
		oldest := msgs[0].ID
		p.NextCursor = &oldest
	}
	return &MessageList{Messages: views, Pagination: p}, nil
}

// participantMessage loads a message whose conversation the caller belongs to.
func (s *MessageService) participantMessage(ctx context.Context, userID, messageID int64) (*domain.Message, *domain.Conversation, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.conversations.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, nil, domain.ErrNotParticipant
	}
	return msg, conv, nil
}

func (s *MessageService) Get(ctx context.Context, userID, messageID int64) (*MessageView, error) {
	msg, _, err := s.participantMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	return s.view.message(ctx, msg)
}

func (s *MessageService) Edit(ctx context.Context, userID, messageID int64, text string) (*MessageView, error) {
	if text == "" {
		return nil, domain.NewValidationError("text", "message text is required")
	}
	if err := s.validateText("text", text); err != nil {
		return nil, err
	}
	// Outsiders get not-found before ownership is considered.
	if _, _, err := s.participantMessage(ctx, userID, messageID); err != nil {
		return nil, err
	}
	encrypted, err := s.encryptor.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("encrypt text: %w", err)
	}

	msg, err := s.messages.Edit(ctx, messageID, userID, encrypted)
	if err != nil {
		return nil, err
	}
	view, err := s.view.message(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastToRoom(msg.ConversationID, domain.Event{
		Type: domain.EventMessageEdited,
		Data: map[string]any{"message": view},
	})
	return view, nil
}

func (s *MessageService) Delete(ctx context.Context, userID, messageID int64) (*MessageView, error) {
	if _, _, err := s.participantMessage(ctx, userID, messageID); err != nil {
		return nil, err
	}
	msg, err := s.messages.SoftDelete(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	view, err := s.view.message(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastToRoom(msg.ConversationID, domain.Event{
		Type: domain.EventMessageDeleted,
		Data: map[string]any{
			"messageId":      msg.ID,
			"conversationId": msg.ConversationID,
			"deletedAt":      msg.DeletedAt,
		},
	})
	return view, nil
}

// MarkRead sets readAt once. Reading one's own message is a no-op. The
// room is told only when readAt was actually set.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID int64) (bool, error) {
	msg, _, err := s.participantMessage(ctx, userID, messageID)
	if err != nil {
		return false, err
	}
	if msg.SenderID == userID {
		return false, nil
	}

	changed, err := s.messages.MarkRead(ctx, messageID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if !changed {
		return false, nil
	}

	msg, err = s.messages.GetByID(ctx, messageID)
	if err != nil {
		return true, fmt.Errorf("reload message: %w", err)
	}
	s.broadcaster.BroadcastToRoom(msg.ConversationID, domain.Event{
		Type: domain.EventMessageRead,
		Data: map[string]any{
			"messageId":      msg.ID,
			"conversationId": msg.ConversationID,
			"readBy":         userID,
			"readAt":         msg.ReadAt,
		},
	})
	return true, nil
}
