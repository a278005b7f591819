// Package presence tracks the active peer's typing indicator and online
// status.
package presence

import (
	"context"
	"time"

	"github.com/matheus3301/conversa/internal/backend"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/engine"
	"github.com/matheus3301/conversa/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusQuerier is the REST call behind QueryOnlineStatus.
type StatusQuerier interface {
	OnlineStatus(ctx context.Context, userID string) (backend.OnlineStatus, error)
}

// Engine is the part of *engine.Engine the tracker uses.
type Engine interface {
	Do(ctx context.Context, fn func(*conversation.Store) error) error
	Post(fn func(*conversation.Store) error)
	On(event string, h engine.Handler) func()
}

// Options configures a Tracker.
type Options struct {
	// Interval between periodic refreshes of the active peer.
	Interval time.Duration
	// MinGap throttles on-demand refreshes.
	MinGap time.Duration
}

// Tracker refreshes the active peer's online status periodically and when
// the peer joins the room, and exposes typing subscriptions.
type Tracker struct {
	api     StatusQuerier
	eng     Engine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	limiter *rate.Limiter
	kick    chan struct{}
}

// New creates a tracker. Call Run to start refreshing.
func New(api StatusQuerier, eng Engine, b *bus.Bus, opts Options, logger *zap.Logger) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MinGap <= 0 {
		opts.MinGap = 2 * time.Second
	}
	return &Tracker{
		api:     api,
		eng:     eng,
		bus:     b,
		logger:  logger,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinGap), 1),
		kick:    make(chan struct{}, 1),
	}
}

// QueryOnlineStatus asks the backend for a user's presence.
func (t *Tracker) QueryOnlineStatus(ctx context.Context, userID string) (backend.OnlineStatus, error) {
	return t.api.OnlineStatus(ctx, userID)
}

// OnTyping calls handler when a peer starts typing in any conversation.
// Typing from the local user never reaches handler.
func (t *Tracker) OnTyping(handler func(wire.Typing)) func() {
	return t.onTyping(wire.EventTyping, handler)
}

// OnStopTyping calls handler when a peer stops typing.
func (t *Tracker) OnStopTyping(handler func(wire.Typing)) func() {
	return t.onTyping(wire.EventStopTyping, handler)
}

func (t *Tracker) onTyping(event string, handler func(wire.Typing)) func() {
	return t.eng.On(event, func(s *conversation.Store, in wire.Inbound) {
		if in.Typing == nil || in.Typing.Typer == s.LocalUserID() {
			return
		}
		handler(*in.Typing)
	})
}

// Run refreshes until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	unsubJoined := t.eng.On(wire.EventUserJoinedRoom, func(s *conversation.Store, in wire.Inbound) {
		if sess := s.Session(); sess.Peer.ID != "" && in.UserID == sess.Peer.ID {
			t.Kick()
		}
	})
	defer unsubJoined()

	sessions, unsub := t.bus.Subscribe(bus.KindSessionChanged, 16)
	defer unsub()

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	lastConv := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		case <-t.kick:
			if t.limiter.Allow() {
				t.refresh(ctx)
			}
		case evt := <-sessions:
			sess, ok := evt.Payload.(conversation.Session)
			if !ok {
				continue
			}
			// Refresh once per newly active conversation.
			if sess.Phase == conversation.Active && sess.ConversationID != lastConv {
				lastConv = sess.ConversationID
				t.Kick()
			}
			if sess.Phase == conversation.Closed {
				lastConv = ""
			}
		}
	}
}

// Kick requests an on-demand refresh. Requests are coalesced and
// throttled.
func (t *Tracker) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// refresh queries the active peer off-loop and applies the result with the
// captured conversation id, so a switch in between discards it.
func (t *Tracker) refresh(ctx context.Context) {
	var convID, peerID string
	err := t.eng.Do(ctx, func(s *conversation.Store) error {
		sess := s.Session()
		if sess.Phase == conversation.Active {
			convID, peerID = sess.ConversationID, sess.Peer.ID
		}
		return nil
	})
	if err != nil || peerID == "" {
		return
	}

	st, err := t.api.OnlineStatus(ctx, peerID)
	if err != nil {
		t.logger.Debug("online status query failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	t.eng.Post(func(s *conversation.Store) error {
		return s.SetPeerPresence(convID, st.IsOnline, st.LastSeen)
	})
}
