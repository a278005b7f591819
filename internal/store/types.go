package store

// Timestamps are unix milliseconds.

// User is a profile seen in a chat list or user listing.
type User struct {
	ID         string
	Name       string
	Email      string
	ProfilePic string
}

// Chat is one chat-list row.
type Chat struct {
	ID        string
	PeerID    string
	PeerName  string
	Preview   string
	UpdatedAt int64
}

// Message is a journaled message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	AttachmentURL  string
	ReplyTo        string
	ClientMsgID    string
	Status         string
	CreatedAt      int64
}

// Outbox statuses.
const (
	OutboxSending     = "sending"
	OutboxSent        = "sent"
	OutboxUnconfirmed = "unconfirmed"
)

// OutboxEntry tracks a local send until its echo arrives.
type OutboxEntry struct {
	ClientMsgID    string
	ConversationID string
	Body           string
	Status         string
	ServerMsgID    string
	CreatedAt      int64
	UpdatedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
