package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hashview/internal/domain"
	"hashview/internal/security"
)

// Broadcaster fans realtime events out to live sessions. Both methods
// return the users that had at least one session reached.
type Broadcaster interface {
	BroadcastToRoom(conversationID int64, ev domain.Event) []int64
	NotifyOutsideRoom(conversationID int64, userIDs []int64, ev domain.Event) []int64
}

// Notifier pushes a message to participants without a live session.
type Notifier interface {
	NotifyOffline(ctx context.Context, conv *domain.Conversation, msg *domain.Message, senderID int64, senderName string) []int64
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastToRoom(int64, domain.Event) []int64            { return nil }
func (nopBroadcaster) NotifyOutsideRoom(int64, []int64, domain.Event) []int64 { return nil }

type nopNotifier struct{}

func (nopNotifier) NotifyOffline(context.Context, *domain.Conversation, *domain.Message, int64, string) []int64 {
	return nil
}

// UserSummary is the public projection of a user embedded in other views.
type UserSummary struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Avatar   *string   `json:"avatar,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type LastMessageView struct {
	Text      string    `json:"text"`
	SenderID  int64     `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	ID            int64                   `json:"id"`
	Type          domain.ConversationType `json:"type"`
	Name          *string                 `json:"name,omitempty"`
	Participants  []UserSummary           `json:"participants"`
	LastMessage   *LastMessageView        `json:"lastMessage,omitempty"`
	LastTimestamp time.Time               `json:"lastTimestamp"`
	UnreadCount   int                     `json:"unreadCount"`
	UnreadCounts  map[int64]int           `json:"unreadCounts"`
	IsActive      bool                    `json:"isActive"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// ConversationSummary rides along with new_message and
// conversation_updated events.
type ConversationSummary struct {
	ID            int64            `json:"id"`
	LastMessage   *LastMessageView `json:"lastMessage,omitempty"`
	LastTimestamp time.Time        `json:"lastTimestamp"`
	UnreadCounts  map[int64]int    `json:"unreadCounts"`
}

type ReplyView struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	SenderID  int64  `json:"senderId"`
	IsDeleted bool   `json:"isDeleted"`
}

// MessageView is a message with decrypted text and its sender resolved.
type MessageView struct {
	ID             int64                 `json:"id"`
	ConversationID int64                 `json:"conversationId"`
	Sender         UserSummary           `json:"sender"`
	Text           string                `json:"text"`
	Type           domain.MessageType    `json:"type"`
	MediaURL       *string               `json:"mediaUrl,omitempty"`
	MediaMetadata  *domain.MediaMetadata `json:"mediaMetadata,omitempty"`
	ReplyTo        *ReplyView            `json:"replyTo,omitempty"`
	DeliveredAt    *time.Time            `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time            `json:"readAt,omitempty"`
	IsEdited       bool                  `json:"isEdited"`
	EditedAt       *time.Time            `json:"editedAt,omitempty"`
	IsDeleted      bool                  `json:"isDeleted"`
	DeletedAt      *time.Time            `json:"deletedAt,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// Pagination mirrors the page/limit metadata returned by list endpoints.
type Pagination struct {
	Current    int    `json:"current"`
	Pages      int    `json:"pages"`
	Total      int    `json:"total"`
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor *int64 `json:"nextCursor,omitempty"`
}

func newPagination(page, limit, total int, hasMore bool) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Current: page, Pages: pages, Total: total, Limit: limit, HasMore: hasMore}
}

// viewer turns stored rows into client views.
type viewer struct {
	users     domain.UserRepository
	messages  domain.MessageRepository
	encryptor *security.Encryptor
}

// decryptOrRaw returns the plaintext, or the stored value when it is
// not ciphertext (tombstones, media placeholders).
func (v *viewer) decryptOrRaw(stored string) string {
	plain, err := v.encryptor.Decrypt(stored)
	if err != nil {
		return stored
	}
	return plain
}

func (v *viewer) userSummaries(ctx context.Context, ids []int64) (map[int64]UserSummary, error) {
	out := make(map[int64]UserSummary, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		u, err := v.users.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			out[id] = UserSummary{ID: id}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load user %d: %w", id, err)
		}
		out[id] = summarize(u)
	}
	return out, nil
}

func summarize(u *domain.User) UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar, LastSeen: u.LastSeen}
}

func (v *viewer) lastMessage(c *domain.Conversation) *LastMessageView {
	if c.LastMessage == nil {
		return nil
	}
	return &LastMessageView{
		Text:      v.decryptOrRaw(c.LastMessage.Text),
		SenderID:  c.LastMessage.SenderID,
		Timestamp: c.LastMessage.Timestamp,
	}
}

func (v *viewer) conversationSummary(c *domain.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:            c.ID,
		LastMessage:   v.lastMessage(c),
		LastTimestamp: c.LastTimestamp,
		UnreadCounts:  c.UnreadCounts,
	}
}

func (v *viewer) conversations(ctx context.Context, viewerID int64, convs []*domain.Conversation) ([]*ConversationView, error) {
	var ids []int64
	for _, c := range convs {
		ids = append(ids, c.Participants...)
	}
	users, err := v.userSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*ConversationView, 0, len(convs))
	for _, c := range convs {
		view := &ConversationView{
			ID:            c.ID,
			Type:          c.Type,
			Name:          c.Name,
			Participants:  make([]UserSummary, 0, len(c.Participants)),
			LastMessage:   v.lastMessage(c),
			LastTimestamp: c.LastTimestamp,
			UnreadCount:   c.UnreadCounts[viewerID],
			UnreadCounts:  c.UnreadCounts,
			IsActive:      c.IsActive,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}
		for _, p := range c.Participants {
			view.Participants = append(view.Participants, users[p])
		}
		out = append(out, view)
	}
	return out, nil
}

func (v *viewer) conversation(ctx context.Context, viewerID int64, c *domain.Conversation) (*ConversationView, error) {
	views, err := v.conversations(ctx, viewerID, []*domain.Conversation{c})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (v *viewer) messageViews(ctx context.Context, msgs []*domain.Message) ([]*MessageView, error) {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	users, err := v.userSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := &MessageView{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         users[m.SenderID],
			Text:           m.Text,
			Type:           m.Type,
			MediaURL:       m.MediaURL,
			MediaMetadata:  m.MediaMetadata,
			DeliveredAt:    m.DeliveredAt,
			ReadAt:         m.ReadAt,
			IsEdited:       m.IsEdited,
			EditedAt:       m.EditedAt,
			IsDeleted:      m.IsDeleted,
			DeletedAt:      m.DeletedAt,
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
		}
		if !m.IsDeleted {
			view.Text = v.decryptOrRaw(m.Text)
		}
		if m.ReplyTo != nil {
			view.ReplyTo = v.reply(ctx, *m.ReplyTo)
		}
		out = append(out, view)
	}
	return out, nil
}

func (v *viewer) message(ctx context.Context, m *domain.Message) (*MessageView, error) {
	views, err := v.messageViews(ctx, []*domain.Message{m})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// reply resolves a replyTo reference. A missing target renders as deleted.
func (v *viewer) reply(ctx context.Context, id int64) *ReplyView {
	m, err := v.messages.GetByID(ctx, id)
	if err != nil {
		return &ReplyView{ID: id, Text: domain.DeletedMessageText, IsDeleted: true}
	}
	r := &ReplyView{ID: m.ID, SenderID: m.SenderID, IsDeleted: m.IsDeleted, Text: m.Text}
	if !m.IsDeleted {
		r.Text = v.decryptOrRaw(m.Text)
	}
	return r
}
