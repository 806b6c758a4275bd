package domain

// Realtime event names exchanged over the websocket gateway.
const (
	EventJoinConversation     = "join_conversation"
	EventLeaveConversation    = "leave_conversation"
	EventTypingStart          = "typing_start"
	EventTypingStop           = "typing_stop"
	EventUserTyping           = "user_typing"
	EventUserStoppedTyping    = "user_stopped_typing"
	EventSendMessage          = "send_message"
	EventNewMessage           = "new_message"
	EventMarkMessageRead      = "mark_message_read"
	EventMarkConversationRead = "mark_conversation_read"
	EventMessageRead          = "message_read"
	EventConversationRead     = "conversation_read"
	EventMessageEdited        = "message_edited"
	EventMessageDeleted       = "message_deleted"
	EventConversationUpdated  = "conversation_updated"
	EventUserStatusChange     = "user_status_change"
	EventJoined               = "joined_conversation"
	EventError                = "error"
)

// Event is the envelope pushed to realtime sessions.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
