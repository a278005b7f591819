package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/store"
	"go.uber.org/zap"
)

type nopSender struct{}

func (nopSender) Send(string, any) {}

// inlineEngine runs posted functions immediately under a lock.
type inlineEngine struct {
	mu    sync.Mutex
	store *conversation.Store
}

func (e *inlineEngine) Post(fn func(*conversation.Store) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = fn(e.store)
}

func (e *inlineEngine) run(fn func(*conversation.Store)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.store)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setup(t *testing.T, opts Options) (*Tracker, *inlineEngine, *store.DB, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := conversation.New(conversation.Options{LocalUserID: "me", Optimistic: true}, nopSender{}, b)
	if err := s.Open("c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJoin("c1", conversation.JoinMeta{Peer: chat.Profile{ID: "u2"}}); err != nil {
		t.Fatal(err)
	}
	eng := &inlineEngine{store: s}
	db := testDB(t)
	tr := New(db, eng, b, opts, nil, zap.NewNop())
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr, eng, db, b
}

func beginSend(t *testing.T, eng *inlineEngine, text string) chat.Message {
	t.Helper()
	var msg chat.Message
	var err error
	eng.run(func(s *conversation.Store) {
		msg, err = s.BeginSend(conversation.Draft{Text: text})
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func waitOutbox(t *testing.T, db *store.DB, token string, want func(*store.OutboxEntry) bool) *store.OutboxEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		e, err := db.GetOutbox(token)
		if err != nil {
			t.Fatal(err)
		}
		if want(e) {
			return e
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox row for %s = %+v, condition not met", token, e)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTracksAndConfirmsSend(t *testing.T) {
	_, eng, db, _ := setup(t, Options{EchoTimeout: time.Hour})

	msg := beginSend(t, eng, "hello")
	e := waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e != nil })
	if e.Status != store.OutboxSending || e.Body != "hello" || e.ConversationID != "c1" {
		t.Errorf("tracked row = %+v", e)
	}

	eng.run(func(s *conversation.Store) {
		s.ApplyReceive(chat.Message{
			ID: "srv-1", ConversationID: "c1", SenderID: "me", Text: "hello",
			CreatedAt: time.Now(), ClientMsgID: msg.ClientMsgID,
		})
	})
	e = waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e != nil && e.Status == store.OutboxSent })
	if e.ServerMsgID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", e.ServerMsgID)
	}
}

func TestAbortedSendIsForgotten(t *testing.T) {
	_, eng, db, _ := setup(t, Options{EchoTimeout: time.Hour})

	msg := beginSend(t, eng, "oops")
	waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e != nil })

	eng.run(func(s *conversation.Store) { s.FailSend(msg.ClientMsgID) })
	waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e == nil })
}

func TestSweepMarksUnconfirmed(t *testing.T) {
	_, eng, db, b := setup(t, Options{
		EchoTimeout:   time.Second,
		SweepInterval: 10 * time.Millisecond,
		Now:           func() time.Time { return time.Now().Add(time.Minute) },
	})
	events, unsub := b.Subscribe(bus.KindSendUnconfirmed, 4)
	defer unsub()

	msg := beginSend(t, eng, "anyone?")

	select {
	case evt := <-events:
		if e := evt.Payload.(conversation.SendEvent); e.Token != msg.ClientMsgID || e.ConversationID != "c1" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_unconfirmed")
	}

	waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e != nil && e.Status == store.OutboxUnconfirmed })
	eng.run(func(s *conversation.Store) {
		got := s.Messages()
		if len(got) != 1 || got[0].Status != chat.StatusUnconfirmed {
			t.Errorf("messages = %+v, want provisional marked unconfirmed", got)
		}
	})

	// A late echo still settles the row.
	eng.run(func(s *conversation.Store) {
		s.ApplyReceive(chat.Message{ID: "srv-9", ConversationID: "c1", SenderID: "me", Text: "anyone?", ClientMsgID: msg.ClientMsgID})
	})
	waitOutbox(t, db, msg.ClientMsgID, func(e *store.OutboxEntry) bool { return e != nil && e.Status == store.OutboxSent })
}
