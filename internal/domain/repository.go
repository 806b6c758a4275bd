package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
}

// PushTokenRepository stores device endpoints used for offline delivery.
type PushTokenRepository interface {
	Add(ctx context.Context, userID int64, token string) error
	Remove(ctx context.Context, userID int64, token string) error
	ListForUser(ctx context.Context, userID int64) ([]string, error)
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	FindOrCreateDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	CreateGroup(ctx context.Context, name *string, participantIDs []int64) (*Conversation, error)
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	ResetUnread(ctx context.Context, conversationID, userID int64) error
	ListForUser(ctx context.Context, userID int64, offset, limit int) ([]*Conversation, int, error)
	Deactivate(ctx context.Context, conversationID int64) error
	Reactivate(ctx context.Context, conversationID int64) error
}

// MessageRepository defines persistence operations for messages.
//
// Append inserts m, sets the conversation's lastMessage to snippet and
// bumps the other participants' unread counters in one transaction. The
// increments are storage-level atomic updates so concurrent sends never
// lose one.
type MessageRepository interface {
	Append(ctx context.Context, m *Message, snippet string) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListPage(ctx context.Context, conversationID int64, cursor *int64, offset, limit int) (*MessagePage, error)
	Edit(ctx context.Context, messageID, editorID int64, newText string) (*Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID int64) (*Message, error)
	MarkRead(ctx context.Context, messageID int64, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error)
}
