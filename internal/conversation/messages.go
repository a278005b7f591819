package conversation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/wire"
)

// ReceiveResult is the outcome of ApplyReceive.
type ReceiveResult int

const (
	Appended ReceiveResult = iota
	Duplicate
	Reconciled
	Tombstoned
	// Background: the message belongs to another conversation and only the
	// chat list changed.
	Background
)

func (r ReceiveResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case Reconciled:
		return "reconciled"
	case Tombstoned:
		return "tombstoned"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Draft is a message about to be sent. Attachment marks a send whose
// upload is still in flight; its URL arrives through CompleteUpload.
type Draft struct {
	Text          string
	ReplyToID     string
	AttachmentURL string
	Attachment    bool
}

// ApplyReceive applies an inbound message. It is idempotent by id, never
// resurrects a deleted id, and replaces the provisional copy of a local
// send with its echo.
func (s *Store) ApplyReceive(msg chat.Message) ReceiveResult {
	if s.Tombstoned(msg.ID) {
		return Tombstoned
	}
	msg = msg.Clone()
	if s.claimWithdrawn(msg, false) {
		s.ApplyDelete(msg.ID)
		return Tombstoned
	}

	active := s.isActive(msg.ConversationID)
	if active {
		if i := s.indexOf(msg.ID); i >= 0 {
			s.mergeSeen(i, msg.SeenBy)
			// A copy seeded from history may still owe a local send its echo.
			if msg.ClientMsgID != "" && s.messages[i].Status == chat.StatusNone {
				if p, ok := s.takePending(msg, false); ok {
					s.settleExisting(i, p)
				}
			}
			return Duplicate
		}
	}

	p, matched := s.takePending(msg, false)
	if matched {
		msg.ClientMsgID = p.token
		msg.Status = chat.StatusSent
	}
	s.touchChat(msg.ConversationID, msg.Preview(), msg.CreatedAt)

	echo := EchoEvent{Token: p.token, MessageID: msg.ID, ConversationID: msg.ConversationID}
	if !active {
		if matched {
			s.publish(bus.KindEchoReconciled, echo)
		}
		return Background
	}

	if matched {
		if i := s.indexOf(p.messageID); p.listed && i >= 0 {
			s.messages[i] = msg
			s.publish(bus.KindMessageUpdated, MessageEvent{Message: msg.Clone(), ReplacedID: p.messageID})
		} else {
			s.messages = append(s.messages, msg)
			s.publish(bus.KindMessageAppended, MessageEvent{Message: msg.Clone(), ReplacedID: p.messageID})
		}
		s.publish(bus.KindEchoReconciled, echo)
		return Reconciled
	}

	s.messages = append(s.messages, msg)
	s.publish(bus.KindMessageAppended, MessageEvent{Message: msg.Clone()})
	return Appended
}

// historySkew bounds how much earlier than a local send a history message
// may be stamped and still be taken for its echo.
const historySkew = 5 * time.Minute

// sendIndex finds the send in list that msg echoes: by idempotency token
// when the echo carries one, otherwise the oldest send in the same
// conversation from the same sender with the same content. History
// messages stamped well before a send never match it.
func sendIndex(list []pendingSend, msg chat.Message, fromHistory bool) int {
	if msg.ClientMsgID != "" {
		return slices.IndexFunc(list, func(p pendingSend) bool { return p.token == msg.ClientMsgID })
	}
	return slices.IndexFunc(list, func(p pendingSend) bool {
		if fromHistory && msg.CreatedAt.Before(p.createdAt.Add(-historySkew)) {
			return false
		}
		return p.conversationID == msg.ConversationID &&
			p.senderID == msg.SenderID &&
			sameText(p.text, msg.Text) &&
			p.attachmentURL == msg.AttachmentURL
	})
}

// sameText compares message bodies ignoring surrounding whitespace and
// line ending style, both of which the backend may normalize.
func sameText(a, b string) bool {
	return normalizeText(a) == normalizeText(b)
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// takePending removes and returns the pending send msg echoes.
func (s *Store) takePending(msg chat.Message, fromHistory bool) (pendingSend, bool) {
	i := sendIndex(s.pending, msg, fromHistory)
	if i < 0 {
		return pendingSend{}, false
	}
	p := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)
	return p, true
}

// claimWithdrawn reports whether msg echoes a send the user deleted before
// its echo arrived. The backend is asked to delete the echoed id; the
// caller tombstones it.
func (s *Store) claimWithdrawn(msg chat.Message, fromHistory bool) bool {
	i := sendIndex(s.withdrawn, msg, fromHistory)
	if i < 0 {
		return false
	}
	w := s.withdrawn[i]
	s.withdrawn = slices.Delete(s.withdrawn, i, i+1)
	s.sender.Send(wire.EventDeleteMessage, wire.DeleteMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeleteFrom:     w.deleteFrom,
	})
	return true
}

// settleExisting binds the message at i to send p and drops p's
// provisional copy.
func (s *Store) settleExisting(i int, p pendingSend) {
	s.messages[i].ClientMsgID = p.token
	s.messages[i].Status = chat.StatusSent
	settled := s.messages[i].Clone()
	s.publish(bus.KindMessageUpdated, MessageEvent{Message: settled})
	if j := s.indexOf(p.messageID); j >= 0 {
		s.messages = slices.Delete(s.messages, j, j+1)
		s.publish(bus.KindMessageRemoved, RemovedEvent{ConversationID: p.conversationID, MessageID: p.messageID})
	}
	s.publish(bus.KindEchoReconciled, EchoEvent{Token: p.token, MessageID: settled.ID, ConversationID: settled.ConversationID})
}

func (s *Store) pendingIndex(token string) int {
	return slices.IndexFunc(s.pending, func(p pendingSend) bool { return p.token == token })
}

func (s *Store) mergeSeen(i int, seen []chat.Seen) {
	changed := false
	for _, e := range seen {
		if s.messages[i].MarkSeen(e.UserID, e.SeenAt) {
			changed = true
		}
	}
	if changed {
		s.publish(bus.KindMessageUpdated, MessageEvent{Message: s.messages[i].Clone()})
	}
}

// BeginSend issues a provisional message with a fresh idempotency token.
// It is appended to the message list only in optimistic mode.
func (s *Store) BeginSend(d Draft) (chat.Message, error) {
	if s.localID == "" {
		return chat.Message{}, ErrNoActiveUser
	}
	if s.session.Phase == Closed {
		return chat.Message{}, ErrNoActiveConversation
	}

	token := uuid.NewString()
	msg := chat.Message{
		ID:             chat.ProvisionalPrefix + token,
		ConversationID: s.session.ConversationID,
		SenderID:       s.localID,
		Text:           d.Text,
		AttachmentURL:  d.AttachmentURL,
		ReplyToID:      d.ReplyToID,
		CreatedAt:      s.now(),
		ClientMsgID:    token,
		Status:         chat.StatusSending,
	}
	s.pending = append(s.pending, pendingSend{
		token:          token,
		messageID:      msg.ID,
		conversationID: msg.ConversationID,
		senderID:       msg.SenderID,
		text:           msg.Text,
		attachmentURL:  msg.AttachmentURL,
		status:         chat.StatusSending,
		createdAt:      msg.CreatedAt,
		listed:         s.optimistic,
		uploading:      d.Attachment && d.AttachmentURL == "",
	})
	s.publish(bus.KindSendStarted, SendEvent{Token: token, ConversationID: msg.ConversationID, Text: msg.Text})
	if s.optimistic {
		s.messages = append(s.messages, msg)
		s.publish(bus.KindMessageAppended, MessageEvent{Message: msg.Clone()})
	}

	preview := msg.Preview()
	if preview == "" && d.Attachment {
		preview = "[attachment]"
	}
	s.touchChat(msg.ConversationID, preview, msg.CreatedAt)
	return msg, nil
}

// CompleteUpload records the attachment URL of a pending send.
func (s *Store) CompleteUpload(token, url string) error {
	i := s.pendingIndex(token)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSend, token)
	}
	s.pending[i].attachmentURL = url
	s.pending[i].uploading = false
	if j := s.indexOf(s.pending[i].messageID); j >= 0 {
		s.messages[j].AttachmentURL = url
		s.publish(bus.KindMessageUpdated, MessageEvent{Message: s.messages[j].Clone()})
	}
	return nil
}

// FailSend drops an aborted send and its provisional message. Reports
// whether the token was pending.
func (s *Store) FailSend(token string) bool {
	i := s.pendingIndex(token)
	if i < 0 {
		return false
	}
	p := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)
	if j := s.indexOf(p.messageID); j >= 0 {
		s.messages = slices.Delete(s.messages, j, j+1)
		s.publish(bus.KindMessageRemoved, RemovedEvent{ConversationID: p.conversationID, MessageID: p.messageID})
	}
	s.publish(bus.KindSendAborted, SendEvent{Token: token, ConversationID: p.conversationID})
	return true
}

// MarkUnconfirmed flags a send whose echo never arrived. The send stays
// pending so a late echo still reconciles. Reports whether state changed.
func (s *Store) MarkUnconfirmed(token string) bool {
	i := s.pendingIndex(token)
	if i < 0 || s.pending[i].status != chat.StatusSending {
		return false
	}
	s.pending[i].status = chat.StatusUnconfirmed
	if j := s.indexOf(s.pending[i].messageID); j >= 0 {
		s.messages[j].Status = chat.StatusUnconfirmed
		s.publish(bus.KindMessageUpdated, MessageEvent{Message: s.messages[j].Clone()})
	}
	return true
}

// ApplyDelete removes a message and tombstones its id so it cannot come
// back. Reports whether a visible message was removed.
func (s *Store) ApplyDelete(messageID string) bool {
	if messageID == "" {
		return false
	}
	s.tombstones[messageID] = struct{}{}
	i := s.indexOf(messageID)
	if i < 0 {
		return false
	}
	conv := s.messages[i].ConversationID
	s.messages = slices.Delete(s.messages, i, i+1)
	s.publish(bus.KindMessageRemoved, RemovedEvent{ConversationID: conv, MessageID: messageID})
	return true
}

// DeleteMessage deletes a message locally and asks the backend to hide it
// for the local user, or for both members when forEveryone is set.
func (s *Store) DeleteMessage(messageID string, forEveryone bool) error {
	if s.localID == "" {
		return ErrNoActiveUser
	}
	if s.session.Phase == Closed {
		return ErrNoActiveConversation
	}
	i := s.indexOf(messageID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	deleteFrom := []string{s.localID}
	if forEveryone && s.session.Peer.ID != "" {
		deleteFrom = append(deleteFrom, s.session.Peer.ID)
	}
	if s.messages[i].IsProvisional() {
		s.withdraw(s.messages[i].ClientMsgID, deleteFrom)
		s.tombstones[messageID] = struct{}{}
		return nil
	}

	s.sender.Send(wire.EventDeleteMessage, wire.DeleteMessage{
		MessageID:      messageID,
		ConversationID: s.session.ConversationID,
		DeleteFrom:     deleteFrom,
	})
	s.ApplyDelete(messageID)
	return nil
}

// withdraw drops a send the user deleted before its echo. A send already on
// the wire is remembered so its echo is deleted instead of shown.
func (s *Store) withdraw(token string, deleteFrom []string) {
	i := s.pendingIndex(token)
	if i < 0 {
		return
	}
	if p := s.pending[i]; !p.uploading {
		p.deleteFrom = deleteFrom
		s.withdrawn = append(s.withdrawn, p)
	}
	s.FailSend(token)
}

// ApplyUserJoined marks the local user's messages as seen by userID.
// Returns how many messages changed.
func (s *Store) ApplyUserJoined(userID string) int {
	if userID == "" || userID == s.localID || s.session.Phase == Closed {
		return 0
	}
	now := s.now()
	n := 0
	for i := range s.messages {
		if s.messages[i].SenderID != s.localID || s.messages[i].IsProvisional() {
			continue
		}
		if s.messages[i].MarkSeen(userID, now) {
			n++
			s.publish(bus.KindMessageUpdated, MessageEvent{Message: s.messages[i].Clone()})
		}
	}
	return n
}
