package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"hashview/internal/domain"
	"hashview/internal/security"
)

const (
	DefaultConversationLimit = 20
	MaxConversationLimit     = 50
)

type ConversationService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	users         domain.UserRepository
	encryptor     *security.Encryptor
	broadcaster   Broadcaster
	logger        *slog.Logger
	view          *viewer
}

func NewConversationService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	users domain.UserRepository,
	encryptor *security.Encryptor,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *ConversationService {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		encryptor:     encryptor,
		broadcaster:   broadcaster,
		logger:        logger,
		view:          &viewer{users: users, messages: messages, encryptor: encryptor},
	}
}

// ConversationList is one page of a user's active conversations.
type ConversationList struct {
	Conversations []*ConversationView `json:"conversations"`
	Pagination    Pagination          `json:"pagination"`
}

// List returns the caller's active conversations, most recent first.
func (s *ConversationService) List(ctx context.Context, userID int64, page, limit int) (*ConversationList, error) {
	if page < 1 {
		return nil, domain.NewValidationError("page", "page must be a positive integer")
	}
	if limit < 1 || limit > MaxConversationLimit {
		return nil, domain.NewValidationError("limit", fmt.Sprintf("limit must be between 1 and %d", MaxConversationLimit))
	}

	convs, total, err := s.conversations.ListForUser(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	views, err := s.view.conversations(ctx, userID, convs)
	if err != nil {
		return nil, err
	}
	return &ConversationList{
		Conversations: views,
		Pagination:    newPagination(page, limit, total, (page-1)*limit+len(convs) < total),
	}, nil
}

// FindOrCreateDirect opens the direct conversation between the caller and
// participantID. An archived conversation is made active again.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, userID, participantID int64) (*ConversationView, error) {
	if participantID == userID {
		return nil, domain.NewValidationError("participantId", "cannot start a conversation with yourself")
	}
	if _, err := s.users.GetByID(ctx, participantID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("participant %d: %w", participantID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}

	conv, err := s.conversations.FindOrCreateDirect(ctx, userID, participantID)
	if err != nil {
		return nil, fmt.Errorf("find or create direct: %w", err)
	}
	if !conv.IsActive {
		if err := s.conversations.Reactivate(ctx, conv.ID); err != nil {
			return nil, fmt.Errorf("reactivate conversation: %w", err)
		}
		conv.IsActive = true
	}
	return s.view.conversation(ctx, userID, conv)
}

type GroupCreateInput struct {
	Name           string
	ParticipantIDs []int64
}

// CreateGroup creates a group with the creator included and records a
// system message so the group has a last message from the start.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID int64, in GroupCreateInput) (*ConversationView, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.NewValidationError("name", "group name is required")
	}

	ids := []int64{creatorID}
	seen := map[int64]struct{}{creatorID: {}}
	for _, id := range in.ParticipantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, domain.NewValidationError("participantIds", "at least one other participant is required")
	}

	var creator *domain.User
	for _, id := range ids {
		u, err := s.users.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("participant %d: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("get participant: %w", err)
		}
		if id == creatorID {
			creator = u
		}
	}

	conv, err := s.conversations.CreateGroup(ctx, &name, ids)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	text, err := s.encryptor.Encrypt(creator.Name + " created the group")
	if err != nil {
		return nil, fmt.Errorf("encrypt system message: %w", err)
	}
	msg := &domain.Message{ConversationID: conv.ID, SenderID: creatorID, Text: text, Type: domain.MessageSystem}
	if err := s.messages.Append(ctx, msg, text); err != nil {
		return nil, fmt.Errorf("append system message: %w", err)
	}

	conv, err = s.conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("reload group: %w", err)
	}
	s.broadcaster.NotifyOutsideRoom(conv.ID, conv.Participants, domain.Event{
		Type: domain.EventConversationUpdated,
		Data: s.view.conversationSummary(conv),
	})
	return s.view.conversation(ctx, creatorID, conv)
}

// participantConversation loads a conversation the caller belongs to.
// Non-participants get ErrNotParticipant so existence is not revealed.
func (s *ConversationService) participantConversation(ctx context.Context, conversationID, userID int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

func (s *ConversationService) Get(ctx context.Context, userID, conversationID int64) (*ConversationView, error) {
	conv, err := s.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, domain.ErrInactive
	}
	return s.view.conversation(ctx, userID, conv)
}

// MarkRead resets the caller's unread counter and tells the room.
func (s *ConversationService) MarkRead(ctx context.Context, userID, conversationID int64) (*ConversationView, error) {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := s.conversations.ResetUnread(ctx, conversationID, userID); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}

	s.broadcaster.BroadcastToRoom(conversationID, domain.Event{
		Type: domain.EventConversationRead,
		Data: map[string]any{
			"conversationId": conversationID,
			"readBy":         userID,
			"unreadCounts":   conv.UnreadCounts,
		},
	})
	return s.view.conversation(ctx, userID, conv)
}

// Delete archives the conversation. The flag is shared by all participants.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.conversations.Deactivate(ctx, conversationID); err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	s.logger.Info("conversation archived", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// CanJoin reports whether userID may join the realtime room of a conversation.
func (s *ConversationService) CanJoin(ctx context.Context, userID, conversationID int64) error {
	conv, err := s.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return domain.ErrInactive
	}
	return nil
}
