package conversation

import "github.com/matheus3301/conversa/internal/chat"

// Payloads of the chat.* and message.* bus events the store publishes.

// MessageEvent accompanies message_appended and message_updated.
// ReplacedID is the provisional id an echo replaced, if any.
type MessageEvent struct {
	Message    chat.Message
	ReplacedID string
}

// RemovedEvent accompanies message_removed.
type RemovedEvent struct {
	ConversationID string
	MessageID      string
}

// EchoEvent accompanies echo_reconciled.
type EchoEvent struct {
	Token          string
	MessageID      string
	ConversationID string
}

// HistoryEvent accompanies history_loaded.
type HistoryEvent struct {
	ConversationID string
	Messages       []chat.Message
}

// ChatListEvent accompanies list_changed. Replaced means Chats is the whole
// list; otherwise Chats holds only the rows that changed.
type ChatListEvent struct {
	Replaced bool
	Chats    []chat.Summary
}

// TypingEvent accompanies typing_changed.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// PresenceEvent accompanies presence_changed.
type PresenceEvent struct {
	ConversationID string
	Peer           chat.Profile
}

// SendEvent accompanies send_started, send_unconfirmed and send_aborted.
// Text is set only on send_started.
type SendEvent struct {
	Token          string
	ConversationID string
	Text           string
}
