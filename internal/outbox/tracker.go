// Package outbox follows local sends until their echo arrives and flags
// the ones that never get one.
package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/metrics"
	"github.com/matheus3301/conversa/internal/store"
	"go.uber.org/zap"
)

// Journal is the outbox table.
type Journal interface {
	TrackOutbox(clientMsgID, conversationID, body string) error
	MarkOutboxSent(clientMsgID, serverMsgID string) error
	MarkOutboxUnconfirmed(clientMsgID string) (bool, error)
	DeleteOutbox(clientMsgID string) error
	StaleOutbox(before time.Time) ([]store.OutboxEntry, error)
}

// Engine posts work to the store's goroutine.
type Engine interface {
	Post(fn func(*conversation.Store) error)
}

// Options configures a Tracker.
type Options struct {
	EchoTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Tracker mirrors send lifecycle events into the journal and sweeps sends
// older than EchoTimeout. It never re-sends.
type Tracker struct {
	db      Journal
	eng     Engine
	bus     *bus.Bus
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a tracker.
func New(db Journal, eng Engine, b *bus.Bus, opts Options, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if opts.EchoTimeout <= 0 {
		opts.EchoTimeout = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{db: db, eng: eng, bus: b, opts: opts, metrics: m, logger: logger}
}

// Start subscribes to send events and starts the sweeper.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	ch, unsub := t.bus.Subscribe(bus.NamespaceMessage, 256)
	go func() {
		defer close(t.done)
		defer unsub()
		t.loop(ctx, ch)
	}()
}

// Stop stops the tracker and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) loop(ctx context.Context, ch <-chan bus.Event) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-ch:
			t.handleEvent(evt)
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSendStarted:
		e, ok := evt.Payload.(conversation.SendEvent)
		if !ok {
			return
		}
		if err := t.db.TrackOutbox(e.Token, e.ConversationID, e.Text); err != nil {
			t.logger.Error("failed to track send", zap.Error(err), zap.String("client_msg_id", e.Token))
		}
	case bus.KindEchoReconciled:
		e, ok := evt.Payload.(conversation.EchoEvent)
		if !ok {
			return
		}
		if err := t.db.MarkOutboxSent(e.Token, e.MessageID); err != nil {
			t.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", e.Token))
			return
		}
		t.logger.Debug("send confirmed", zap.String("client_msg_id", e.Token), zap.String("server_msg_id", e.MessageID))
	case bus.KindSendAborted:
		e, ok := evt.Payload.(conversation.SendEvent)
		if !ok {
			return
		}
		if err := t.db.DeleteOutbox(e.Token); err != nil {
			t.logger.Error("failed to drop aborted send", zap.Error(err), zap.String("client_msg_id", e.Token))
		}
	}
}

func (t *Tracker) sweep() {
	stale, err := t.db.StaleOutbox(t.opts.Now().Add(-t.opts.EchoTimeout))
	if err != nil {
		t.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range stale {
		changed, err := t.db.MarkOutboxUnconfirmed(entry.ClientMsgID)
		if err != nil {
			t.logger.Error("failed to mark unconfirmed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		if !changed {
			continue
		}
		token, conv := entry.ClientMsgID, entry.ConversationID
		t.eng.Post(func(s *conversation.Store) error {
			// The echo may have landed while this task was queued.
			if !s.MarkUnconfirmed(token) {
				return nil
			}
			t.metrics.SendUnconfirmed()
			t.logger.Warn("no echo for send", zap.String("client_msg_id", token), zap.String("conversation_id", conv))
			t.bus.Emit(bus.KindSendUnconfirmed, conversation.SendEvent{Token: token, ConversationID: conv})
			return nil
		})
	}
}
