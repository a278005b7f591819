package conversation

import (
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/wire"
)

// JoinMeta is the result of loading a conversation after join-chat.
type JoinMeta struct {
	Peer    chat.Profile
	History []chat.Message
}

// Open starts joining a conversation: Closed -> Joining. An open session
// is left first. Opening the conversation already open is a no-op.
func (s *Store) Open(id string) error {
	if id == "" {
		return fmt.Errorf("open: %w", ErrNoActiveConversation)
	}
	if s.localID == "" {
		return ErrNoActiveUser
	}
	if s.isActive(id) {
		return nil
	}
	if s.session.Phase != Closed {
		s.Close()
	}

	s.session = Session{ConversationID: id, Phase: Joining, Loading: true}
	if sum, ok := s.summary(id); ok {
		s.session.Peer, _ = sum.Peer(s.localID)
	}
	s.messages = nil
	s.sender.Send(wire.EventJoinChat, wire.JoinChat{RoomID: id, UserID: s.localID})
	s.publishSession()
	return nil
}

// CompleteJoin finishes a join: Joining -> Active. meta for any conversation
// other than the one joining yields ErrStaleResponse and changes nothing.
func (s *Store) CompleteJoin(id string, meta JoinMeta) error {
	if s.session.Phase != Joining || id != s.session.ConversationID {
		return ErrStaleResponse
	}
	if meta.Peer.ID != "" {
		s.session.Peer = meta.Peer
	}

	seen := make(map[string]struct{}, len(meta.History))
	seeded := make([]chat.Message, 0, len(meta.History)+len(s.messages))
	var echoes []EchoEvent
	replaced := make(map[string]struct{})
	for _, m := range meta.History {
		if s.Tombstoned(m.ID) || m.ConversationID != id {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if s.claimWithdrawn(m, true) {
			s.tombstones[m.ID] = struct{}{}
			continue
		}
		m = m.Clone()
		// History may already hold the echo of a send made while joining.
		if p, ok := s.takePending(m, true); ok {
			m.ClientMsgID = p.token
			m.Status = chat.StatusSent
			replaced[p.messageID] = struct{}{}
			echoes = append(echoes, EchoEvent{Token: p.token, MessageID: m.ID, ConversationID: id})
		}
		seeded = append(seeded, m)
	}
	// Keep live messages that arrived while joining.
	for _, m := range s.messages {
		_, dup := seen[m.ID]
		_, gone := replaced[m.ID]
		if !dup && !gone {
			seeded = append(seeded, m)
		}
	}
	s.messages = seeded
	s.session.Phase = Active
	s.session.Loading = false

	s.publish(bus.KindHistoryLoaded, HistoryEvent{ConversationID: id, Messages: s.Messages()})
	for _, e := range echoes {
		s.publish(bus.KindEchoReconciled, e)
	}
	s.publishSession()
	return nil
}

// Close leaves the active conversation and resets the session.
func (s *Store) Close() {
	if s.session.Phase == Closed {
		return
	}
	s.sender.Send(wire.EventLeaveChat, s.session.ConversationID)
	s.session = Session{Degraded: s.session.Degraded}
	s.messages = nil
	s.publishSession()
}

// CreateConversation puts a newly created conversation at the head of the
// chat list and makes it active without a history load.
func (s *Store) CreateConversation(sum chat.Summary) error {
	if sum.ID == "" {
		return fmt.Errorf("create: %w", ErrNoActiveConversation)
	}
	if s.localID == "" {
		return ErrNoActiveUser
	}
	sum = sum.Clone()
	if now := s.now(); sum.UpdatedAt.Before(now) {
		sum.UpdatedAt = now
	}
	s.chatList = slices.DeleteFunc(s.chatList, func(c chat.Summary) bool { return c.ID == sum.ID })
	s.chatList = slices.Insert(s.chatList, 0, sum)
	s.sortChatList()
	s.publishChatList(false, []chat.Summary{sum})

	if s.session.Phase != Closed {
		s.Close()
	}
	peer, _ := sum.Peer(s.localID)
	s.session = Session{ConversationID: sum.ID, Phase: Active, Peer: peer, Degraded: s.session.Degraded}
	s.messages = nil
	s.sender.Send(wire.EventJoinChat, wire.JoinChat{RoomID: sum.ID, UserID: s.localID})
	s.publishSession()
	return nil
}

// SetChatList replaces the chat list.
func (s *Store) SetChatList(list []chat.Summary) {
	s.chatList = make([]chat.Summary, len(list))
	for i := range list {
		s.chatList[i] = list[i].Clone()
	}
	s.sortChatList()
	if s.session.Phase != Closed && s.session.Peer.ID == "" {
		if sum, ok := s.summary(s.session.ConversationID); ok {
			if peer, ok := sum.Peer(s.localID); ok {
				s.session.Peer = peer
				s.publishSession()
			}
		}
	}
	s.publishChatList(true, s.ChatList())
}

// SetPeerTyping records a typing indicator. Indicators from the local user
// or for another conversation are ignored. Reports whether state changed.
func (s *Store) SetPeerTyping(conversationID, from string, typing bool) bool {
	if from == "" || from == s.localID || !s.isActive(conversationID) {
		return false
	}
	if s.session.PeerTyping == typing {
		return false
	}
	s.session.PeerTyping = typing
	s.publish(bus.KindTypingChanged, TypingEvent{ConversationID: conversationID, UserID: from, Typing: typing})
	return true
}

// SetPeerPresence applies an online-status result for conversationID. A
// zero lastSeen keeps the previous value.
func (s *Store) SetPeerPresence(conversationID string, online bool, lastSeen time.Time) error {
	if !s.isActive(conversationID) {
		return ErrStaleResponse
	}
	s.session.Peer.IsOnline = online
	if !lastSeen.IsZero() {
		s.session.Peer.LastSeen = lastSeen
	}
	s.publish(bus.KindPresenceChanged, PresenceEvent{ConversationID: conversationID, Peer: s.session.Peer})
	return nil
}

// SetDegraded flags connectivity loss. The session itself is kept.
func (s *Store) SetDegraded(degraded bool) {
	if s.session.Degraded == degraded {
		return
	}
	s.session.Degraded = degraded
	s.publishSession()
}

func (s *Store) summary(id string) (chat.Summary, bool) {
	i := slices.IndexFunc(s.chatList, func(c chat.Summary) bool { return c.ID == id })
	if i < 0 {
		return chat.Summary{}, false
	}
	return s.chatList[i], true
}

// touchChat moves a conversation's row to reflect new activity. updatedAt
// never moves backwards.
func (s *Store) touchChat(id, preview string, at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	i := slices.IndexFunc(s.chatList, func(c chat.Summary) bool { return c.ID == id })
	var row chat.Summary
	if i >= 0 {
		row = s.chatList[i]
		s.chatList = slices.Delete(s.chatList, i, i+1)
	} else {
		row = chat.Summary{ID: id}
	}
	row.LatestMessagePreview = preview
	if at.After(row.UpdatedAt) {
		row.UpdatedAt = at
	}
	s.chatList = slices.Insert(s.chatList, 0, row)
	s.sortChatList()
	s.publishChatList(false, []chat.Summary{row.Clone()})
}

func (s *Store) sortChatList() {
	slices.SortStableFunc(s.chatList, func(a, b chat.Summary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func (s *Store) publishChatList(replaced bool, rows []chat.Summary) {
	s.publish(bus.KindChatListChanged, ChatListEvent{Replaced: replaced, Chats: rows})
}

// Rejoin re-sends join-chat for the open conversation, after the socket
// reconnects. Reports whether a session was open.
func (s *Store) Rejoin() bool {
	if s.session.Phase == Closed || s.localID == "" {
		return false
	}
	s.sender.Send(wire.EventJoinChat, wire.JoinChat{RoomID: s.session.ConversationID, UserID: s.localID})
	return true
}
