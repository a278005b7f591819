// Package wire defines the JSON shapes exchanged with the chat backend over
// the realtime socket and the REST API, and validates inbound frames.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/conversa/internal/chat"
)

// Realtime event names.
const (
	EventSetup          = "setup"
	EventJoinChat       = "join-chat"
	EventLeaveChat      = "leave-chat"
	EventTyping         = "typing"
	EventStopTyping     = "stop-typing"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventDeleteMessage  = "delete-message"
	EventMessageDeleted = "message-deleted"
	EventUserJoinedRoom = "user-joined-room"
)

// ErrUnknownEvent is returned by Decode for event names it does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// SchemaError reports an inbound frame whose payload does not match its event.
type SchemaError struct {
	Event  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Event, e.Reason)
}

// Frame is the envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ref is an id that the backend may send either as a plain string or as a
// populated document carrying an "_id".
type Ref string

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		*r = Ref(doc.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = Ref(s)
	return nil
}

// JoinChat is sent when opening a conversation.
type JoinChat struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Typing is the payload of typing and stop-typing in both directions.
type Typing struct {
	Typer          string `json:"typer"`
	ConversationID string `json:"ConversationId"`
}

// SendMessage is the outbound message payload. ImageURL is serialized as
// null when absent.
type SendMessage struct {
	Text           string  `json:"text"`
	ConversationID string  `json:"ConversationId"`
	SenderID       string  `json:"senderId"`
	ImageURL       *string `json:"imageUrl"`
	ReplyTo        *string `json:"replyto,omitempty"`
	ClientMsgID    string  `json:"clientMsgId,omitempty"`
}

// DeleteMessage asks the backend to hide a message for the listed users.
type DeleteMessage struct {
	MessageID      string   `json:"messageId"`
	ConversationID string   `json:"ConversationId"`
	DeleteFrom     []string `json:"deleteFrom"`
}

// MessageDeleted is the inbound deletion notice.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// SeenEntry is one element of Message.SeenBy.
type SeenEntry struct {
	User   Ref       `json:"user"`
	SeenAt time.Time `json:"seenAt"`
}

// Message is the backend representation of a chat message.
type Message struct {
	ID             string      `json:"_id"`
	ConversationID Ref         `json:"conversationId"`
	SenderID       Ref         `json:"senderId"`
	Text           *string     `json:"text"`
	ImageURL       *string     `json:"imageUrl"`
	ReplyTo        *Ref        `json:"replyto"`
	CreatedAt      time.Time   `json:"createdAt"`
	SeenBy         []SeenEntry `json:"seenBy"`
	DeletedBy      []Ref       `json:"deletedby"`
	Reaction       *string     `json:"reaction"`
	ClientMsgID    string      `json:"clientMsgId,omitempty"`
}

// Validate checks the fields the store relies on.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return &SchemaError{Event: EventReceiveMessage, Reason: "missing _id"}
	case m.ConversationID == "":
		return &SchemaError{Event: EventReceiveMessage, Reason: "missing conversationId"}
	case m.SenderID == "":
		return &SchemaError{Event: EventReceiveMessage, Reason: "missing senderId"}
	}
	return nil
}

// ToChat converts to the domain type.
func (m *Message) ToChat() chat.Message {
	out := chat.Message{
		ID:             m.ID,
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		Text:           deref(m.Text),
		AttachmentURL:  deref(m.ImageURL),
		CreatedAt:      m.CreatedAt,
		Reaction:       deref(m.Reaction),
		ClientMsgID:    m.ClientMsgID,
	}
	if m.ReplyTo != nil {
		out.ReplyToID = string(*m.ReplyTo)
	}
	for _, s := range m.SeenBy {
		if s.User == "" {
			continue
		}
		out.MarkSeen(string(s.User), s.SeenAt)
	}
	for _, d := range m.DeletedBy {
		if d != "" {
			out.DeletedFor = append(out.DeletedFor, string(d))
		}
	}
	return out
}

// User is the backend representation of a profile.
type User struct {
	ID         string     `json:"_id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	ProfilePic string     `json:"profilePic"`
	IsOnline   bool       `json:"isOnline"`
	LastSeen   *time.Time `json:"lastSeen"`
}

// ToChat converts to the domain type.
func (u *User) ToChat() chat.Profile {
	p := chat.Profile{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		IsOnline:   u.IsOnline,
	}
	if u.LastSeen != nil {
		p.LastSeen = *u.LastSeen
	}
	return p
}

// Conversation is the backend representation of a chat-list entry.
type Conversation struct {
	ID            string    `json:"_id"`
	Members       []User    `json:"members"`
	LatestMessage string    `json:"latestmessage"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ToChat converts to the domain type.
func (c *Conversation) ToChat() chat.Summary {
	s := chat.Summary{
		ID:                   c.ID,
		LatestMessagePreview: c.LatestMessage,
		UpdatedAt:            c.UpdatedAt,
	}
	for i := range c.Members {
		s.Members = append(s.Members, c.Members[i].ToChat())
	}
	return s
}

// Inbound is a decoded and validated inbound frame. Exactly one of the
// payload fields is set, according to Event.
type Inbound struct {
	Event   string
	Message *Message
	Typing  *Typing
	Deleted *MessageDeleted
	UserID  string
}

// Decode parses a socket frame and validates its payload.
func Decode(data []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	in := Inbound{Event: f.Event}
	switch f.Event {
	case EventReceiveMessage:
		var m Message
		if err := unmarshalData(f, &m); err != nil {
			return in, err
		}
		if err := m.Validate(); err != nil {
			return in, err
		}
		in.Message = &m
	case EventTyping, EventStopTyping:
		var t Typing
		if err := unmarshalData(f, &t); err != nil {
			return in, err
		}
		if t.Typer == "" {
			return in, &SchemaError{Event: f.Event, Reason: "missing typer"}
		}
		in.Typing = &t
	case EventMessageDeleted:
		var d MessageDeleted
		if err := unmarshalData(f, &d); err != nil {
			return in, err
		}
		if d.MessageID == "" {
			return in, &SchemaError{Event: f.Event, Reason: "missing messageId"}
		}
		in.Deleted = &d
	case EventUserJoinedRoom:
		var id Ref
		if err := unmarshalData(f, &id); err != nil {
			return in, err
		}
		if id == "" {
			return in, &SchemaError{Event: f.Event, Reason: "missing user id"}
		}
		in.UserID = string(id)
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	return in, nil
}

// Encode wraps payload in a Frame.
func Encode(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

func unmarshalData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return &SchemaError{Event: f.Event, Reason: "missing data"}
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return &SchemaError{Event: f.Event, Reason: err.Error()}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
