// Package conversation holds the state of the active conversation and the
// chat list, and reconciles local sends with server echoes.
//
// A Store is not safe for concurrent use. The engine owns it and runs every
// mutation on a single goroutine.
package conversation

import (
	"errors"
	"slices"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
)

var (
	// ErrStaleResponse is returned when an async result arrives for a
	// conversation that is no longer active. Callers discard it.
	ErrStaleResponse = errors.New("stale response")

	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNoActiveUser         = errors.New("no active user")
	ErrUnknownMessage       = errors.New("unknown message")
	ErrUnknownSend          = errors.New("unknown send")
)

// Phase is the lifecycle of the active-conversation session.
type Phase int

const (
	Closed Phase = iota
	Joining
	Active
)

func (p Phase) String() string {
	switch p {
	case Joining:
		return "JOINING"
	case Active:
		return "ACTIVE"
	default:
		return "CLOSED"
	}
}

// Session is a snapshot of the active-conversation session.
type Session struct {
	ConversationID string
	Phase          Phase
	Peer           chat.Profile
	PeerTyping     bool
	Loading        bool
	Degraded       bool
}

// Sender emits realtime frames. *transport.Adapter satisfies it.
type Sender interface {
	Send(event string, payload any)
}

// Options configures a Store.
type Options struct {
	LocalUserID string
	// Optimistic appends local sends before their echo arrives.
	Optimistic bool
	Now        func() time.Time
}

// pendingSend is a local send awaiting its echo.
type pendingSend struct {
	token          string
	messageID      string
	conversationID string
	senderID       string
	text           string
	attachmentURL  string
	status         chat.SendStatus
	createdAt      time.Time
	listed         bool // provisional message is in messages
	uploading      bool // not emitted until its upload completes
	deleteFrom     []string
}

// Store is the conversation state machine.
type Store struct {
	localID    string
	optimistic bool
	now        func() time.Time
	sender     Sender
	bus        *bus.Bus

	session    Session
	messages   []chat.Message
	chatList   []chat.Summary
	pending    []pendingSend // oldest first
	withdrawn  []pendingSend // deleted before their echo, oldest first
	tombstones map[string]struct{}
}

// New creates a store in the Closed phase.
func New(opts Options, sender Sender, b *bus.Bus) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		localID:    opts.LocalUserID,
		optimistic: opts.Optimistic,
		now:        opts.Now,
		sender:     sender,
		bus:        b,
		tombstones: make(map[string]struct{}),
	}
}

// LocalUserID returns the logged in user id, or "".
func (s *Store) LocalUserID() string { return s.localID }

// SetLocalUser switches the local user. An open session is closed first.
func (s *Store) SetLocalUser(id string) {
	if id == s.localID {
		return
	}
	if s.session.Phase != Closed {
		s.Close()
	}
	s.localID = id
	s.chatList = nil
	s.pending = nil
	s.withdrawn = nil
	s.publish(bus.KindLocalUserChanged, id)
	s.publishChatList(true, nil)
}

// Optimistic reports whether local sends are appended before their echo.
func (s *Store) Optimistic() bool { return s.optimistic }

// Session returns a snapshot of the session.
func (s *Store) Session() Session {
	return s.session
}

// Messages returns the active conversation's messages visible to the local
// user, in order.
func (s *Store) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(s.messages))
	for i := range s.messages {
		if s.messages[i].VisibleTo(s.localID) {
			out = append(out, s.messages[i].Clone())
		}
	}
	return out
}

// ChatList returns the chat list, most recently updated first.
func (s *Store) ChatList() []chat.Summary {
	out := make([]chat.Summary, len(s.chatList))
	for i := range s.chatList {
		out[i] = s.chatList[i].Clone()
	}
	return out
}

// PendingSends returns the number of sends awaiting an echo.
func (s *Store) PendingSends() int { return len(s.pending) }

// Tombstoned reports whether id was deleted.
func (s *Store) Tombstoned(id string) bool {
	_, ok := s.tombstones[id]
	return ok
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.messages, func(m chat.Message) bool { return m.ID == id })
}

func (s *Store) isActive(conversationID string) bool {
	return s.session.Phase != Closed && conversationID == s.session.ConversationID
}

func (s *Store) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Emit(kind, payload)
	}
}

func (s *Store) publishSession() {
	s.publish(bus.KindSessionChanged, s.session)
}
