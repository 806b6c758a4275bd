package domain

import "time"

// User represents an application user. Only the fields the messaging
// subsystem needs are kept here; profile management lives elsewhere.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email,omitempty"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	Avatar         *string   `db:"avatar" json:"avatar,omitempty"`
	IsActive       bool      `db:"is_active" json:"isActive"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	LastSeen       time.Time `db:"last_seen" json:"lastSeen"`
}

// ConversationType distinguishes two-party chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// LastMessage is the denormalized summary of the newest message in a
// conversation. Text holds the stored (encrypted) snippet.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  int64     `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation represents a chat conversation (direct or group).
type Conversation struct {
	ID            int64            `db:"id"`
	Type          ConversationType `db:"type"`
	Name          *string          `db:"name"`
	Participants  []int64
	LastMessage   *LastMessage
	LastTimestamp time.Time        `db:"last_timestamp"`
	UnreadCounts  map[int64]int    // participant id -> unacknowledged messages
	IsActive      bool             `db:"is_active"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// MessageType enumerates message payload kinds.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// DeletedMessageText replaces the text of soft-deleted messages.
const DeletedMessageText = "This message was deleted"

// MediaMetadata describes an attached media object.
type MediaMetadata struct {
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message represents a single chat message.
type Message struct {
	ID             int64          `db:"id"`
	ConversationID int64          `db:"conversation_id"`
	SenderID       int64          `db:"sender_id"`
	Text           string         `db:"text"` // encrypted at rest
	Type           MessageType    `db:"type"`
	MediaURL       *string        `db:"media_url"`
	MediaMetadata  *MediaMetadata `db:"-"`
	ReplyTo        *int64         `db:"reply_to"`
	DeliveredAt    *time.Time     `db:"delivered_at"`
	ReadAt         *time.Time     `db:"read_at"`
	IsEdited       bool           `db:"is_edited"`
	EditedAt       *time.Time     `db:"edited_at"`
	IsDeleted      bool           `db:"is_deleted"`
	DeletedAt      *time.Time     `db:"deleted_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// HasContent reports whether the message carries text or media.
func (m *Message) HasContent() bool {
	return m.Text != "" || (m.MediaURL != nil && *m.MediaURL != "")
}

// MessagePage is one page of history, newest first.
type MessagePage struct {
	Messages []*Message
	Total    int
	HasMore  bool
}

// PushToken is a registered device endpoint for a user.
type PushToken struct {
	UserID    int64     `db:"user_id"`
	Token     string    `db:"token"`
	CreatedAt time.Time `db:"created_at"`
}
