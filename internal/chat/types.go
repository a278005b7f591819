// Package chat holds the domain types shared by the store, the wire codec
// and the control API.
package chat

import (
	"slices"
	"time"
)

// SendStatus tracks a locally composed message until its echo arrives.
type SendStatus string

const (
	StatusNone        SendStatus = ""
	StatusSending     SendStatus = "sending"
	StatusSent        SendStatus = "sent"
	StatusUnconfirmed SendStatus = "unconfirmed"
)

// ProvisionalPrefix marks ids issued locally before the server echo.
const ProvisionalPrefix = "local-"

// Seen records that a user has seen a message.
type Seen struct {
	UserID string
	SeenAt time.Time
}

// Message is a single chat message. Empty Text, AttachmentURL or ReplyToID
// mean the field is absent.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	AttachmentURL  string
	ReplyToID      string
	CreatedAt      time.Time
	SeenBy         []Seen
	DeletedFor     []string
	Reaction       string
	ClientMsgID    string
	Status         SendStatus
}

// VisibleTo reports whether userID has not deleted the message for themselves.
func (m *Message) VisibleTo(userID string) bool {
	return !slices.Contains(m.DeletedFor, userID)
}

// SeenByUser reports whether userID is in SeenBy.
func (m *Message) SeenByUser(userID string) bool {
	return slices.ContainsFunc(m.SeenBy, func(s Seen) bool { return s.UserID == userID })
}

// MarkSeen adds userID to SeenBy unless already present. Returns whether
// the set changed.
func (m *Message) MarkSeen(userID string, at time.Time) bool {
	if m.SeenByUser(userID) {
		return false
	}
	m.SeenBy = append(m.SeenBy, Seen{UserID: userID, SeenAt: at})
	return true
}

// IsProvisional reports whether the id was issued locally.
func (m *Message) IsProvisional() bool {
	return len(m.ID) > len(ProvisionalPrefix) && m.ID[:len(ProvisionalPrefix)] == ProvisionalPrefix
}

// Preview is the chat-list line for the message.
func (m *Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if m.AttachmentURL != "" {
		return "[attachment]"
	}
	return ""
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.SeenBy = slices.Clone(m.SeenBy)
	m.DeletedFor = slices.Clone(m.DeletedFor)
	return m
}

// Profile is a user as seen by the local client.
type Profile struct {
	ID         string
	Name       string
	Email      string
	ProfilePic string
	IsOnline   bool
	LastSeen   time.Time // zero when never recorded
}

// Summary is one row of the chat list.
type Summary struct {
	ID                   string
	Members              []Profile
	LatestMessagePreview string
	UpdatedAt            time.Time
}

// Peer returns the first member that is not localID.
func (s *Summary) Peer(localID string) (Profile, bool) {
	for _, m := range s.Members {
		if m.ID != localID {
			return m, true
		}
	}
	return Profile{}, false
}

// Clone returns a copy that shares no slices with s.
func (s Summary) Clone() Summary {
	s.Members = slices.Clone(s.Members)
	return s
}
