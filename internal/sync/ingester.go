// Package sync mirrors applied conversation state into the journal.
package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/store"
	"go.uber.org/zap"
)

const previewLen = 100

// Ingester subscribes to chat.* store events and writes them to the
// journal. The journal only ever follows the store; nothing reads it back
// into the store.
type Ingester struct {
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	localID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewIngester creates an ingester. localID resolves chat peers until the
// store reports a different local user.
func NewIngester(db *store.DB, b *bus.Bus, localID string, logger *zap.Logger) *Ingester {
	return &Ingester{db: db, bus: b, localID: localID, logger: logger}
}

// Start subscribes to the store's events.
func (i *Ingester) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	chats, unsubChats := i.bus.Subscribe(bus.NamespaceChat, 1024)
	users, unsubUsers := i.bus.Subscribe(bus.KindLocalUserChanged, 4)

	go func() {
		defer close(i.done)
		defer unsubChats()
		defer unsubUsers()
		for {
			select {
			case evt := <-users:
				if id, ok := evt.Payload.(string); ok {
					i.localID = id
				}
			case evt := <-chats:
				i.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the ingester and waits for it to exit.
func (i *Ingester) Stop() {
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
}

func (i *Ingester) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case conversation.MessageEvent:
		if evt.Kind == bus.KindMessageAppended || evt.Kind == bus.KindMessageUpdated {
			err = i.IngestMessage(p)
		}
	case conversation.RemovedEvent:
		err = i.db.DeleteMessage(p.MessageID)
	case conversation.HistoryEvent:
		err = i.IngestHistory(p)
		if err == nil {
			i.logger.Debug("history ingested",
				zap.String("conversation_id", p.ConversationID),
				zap.Int("messages", len(p.Messages)),
			)
		}
	case conversation.ChatListEvent:
		err = i.IngestChatList(p)
	}
	if err != nil {
		i.logger.Error("failed to mirror event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestMessage stores one message. An echo that replaced a provisional
// message moves the provisional row.
func (i *Ingester) IngestMessage(e conversation.MessageEvent) error {
	m := toStoreMessage(e.Message)
	if e.ReplacedID != "" {
		if err := i.db.ReplaceMessageID(e.ReplacedID, &m); err != nil {
			return fmt.Errorf("replace %s: %w", e.ReplacedID, err)
		}
		return nil
	}
	if err := i.db.UpsertMessage(&m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// IngestHistory stores a join's history in one batch.
func (i *Ingester) IngestHistory(e conversation.HistoryEvent) error {
	msgs := make([]store.Message, 0, len(e.Messages))
	for _, m := range e.Messages {
		msgs = append(msgs, toStoreMessage(m))
	}
	return i.db.UpsertMessages(msgs)
}

// IngestChatList stores the chat rows and their members.
func (i *Ingester) IngestChatList(e conversation.ChatListEvent) error {
	var users []store.User
	rows := make([]store.Chat, 0, len(e.Chats))
	for _, s := range e.Chats {
		row := store.Chat{
			ID:        s.ID,
			Preview:   truncate(s.LatestMessagePreview, previewLen),
			UpdatedAt: s.UpdatedAt.UnixMilli(),
		}
		if peer, ok := s.Peer(i.localID); ok {
			row.PeerID = peer.ID
		}
		rows = append(rows, row)
		for _, m := range s.Members {
			users = append(users, store.User{ID: m.ID, Name: m.Name, Email: m.Email, ProfilePic: m.ProfilePic})
		}
	}

	if err := i.db.UpsertUsers(users); err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	if e.Replaced {
		return i.db.ReplaceChats(rows)
	}
	for j := range rows {
		if err := i.db.UpsertChat(&rows[j]); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}
	}
	return nil
}

func toStoreMessage(m chat.Message) store.Message {
	out := store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Text,
		AttachmentURL:  m.AttachmentURL,
		ReplyTo:        m.ReplyToID,
		ClientMsgID:    m.ClientMsgID,
		Status:         string(m.Status),
	}
	if !m.CreatedAt.IsZero() {
		out.CreatedAt = m.CreatedAt.UnixMilli()
	}
	return out
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
