// Package engine runs the single goroutine that owns the conversation
// store. Inbound realtime events, connectivity changes and posted tasks are
// all applied there, one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/conversa/internal/backend"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/metrics"
	"github.com/matheus3301/conversa/internal/wire"
	"go.uber.org/zap"
)

const (
	// inboundBuffer sizes the bus subscriptions so that a drop means the
	// loop is badly stuck.
	inboundBuffer = 1024
	taskBuffer    = 64
)

// ErrStopped is returned by Do once the engine has stopped.
var ErrStopped = errors.New("engine stopped")

// Backend is the REST surface the engine calls off-loop.
type Backend interface {
	JoinMetadata(ctx context.Context, conversationID string) (backend.JoinMetadata, error)
	CreateConversation(ctx context.Context, members []string) (chat.Summary, error)
	ListConversations(ctx context.Context) ([]chat.Summary, error)
}

// Sender emits realtime frames.
type Sender interface {
	Send(event string, payload any)
}

// Handler observes an inbound event on the engine goroutine, after the
// store has applied it.
type Handler func(*conversation.Store, wire.Inbound)

type task struct {
	fn   func(*conversation.Store) error
	done chan error // nil for Post
}

type handlerEntry struct {
	id int
	fn Handler
}

// Engine serializes all access to a conversation.Store.
type Engine struct {
	store   *conversation.Store
	bus     *bus.Bus
	api     Backend
	sender  Sender
	metrics *metrics.Metrics
	logger  *zap.Logger

	tasks chan task

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates an engine. It does nothing until Start.
func New(store *conversation.Store, b *bus.Bus, api Backend, sender Sender, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		bus:      b,
		api:      api,
		sender:   sender,
		metrics:  m,
		logger:   logger,
		tasks:    make(chan task, taskBuffer),
		handlers: make(map[string][]handlerEntry),
		ctx:      context.Background(),
		stopped:  make(chan struct{}),
	}
}

// Start subscribes to the realtime and transport namespaces and starts the
// loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	select {
	case <-e.stopped:
		return
	default:
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	// Two subscriptions: one catch-all would also receive the chat.* events
	// the store publishes from inside the loop.
	rt, unsubRT := e.bus.Subscribe(bus.NamespaceRealtime, inboundBuffer)
	tr, unsubTR := e.bus.Subscribe(bus.NamespaceTransport, inboundBuffer)

	go func() {
		defer close(e.done)
		defer unsubRT()
		defer unsubTR()
		e.run(e.ctx, rt, tr)
	}()
}

// Stop ends the loop and waits for it. Pending Do calls return ErrStopped.
// A stopped engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.once.Do(func() { close(e.stopped) })
}

func (e *Engine) run(ctx context.Context, rt, tr <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-rt:
			e.applyInbound(evt)
		case evt := <-tr:
			e.applyTransport(evt)
		case t := <-e.tasks:
			err := t.fn(e.store)
			if t.done != nil {
				t.done <- err
			} else {
				e.settle("posted task", err)
			}
		}
	}
}

// Do runs fn on the engine goroutine and waits for its result. It must not
// be called from the engine goroutine itself.
func (e *Engine) Do(ctx context.Context, fn func(*conversation.Store) error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// Post queues fn without waiting. A returned ErrStaleResponse is dropped
// silently; other errors are logged.
func (e *Engine) Post(fn func(*conversation.Store) error) {
	select {
	case e.tasks <- task{fn: fn}:
	case <-e.stopped:
	}
}

// On registers h for inbound events named event. The returned function
// unregisters it.
func (e *Engine) On(event string, h Handler) func() {
	e.hmu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: id, fn: h})
	e.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.hmu.Lock()
			defer e.hmu.Unlock()
			hs := e.handlers[event]
			for i := range hs {
				if hs[i].id == id {
					e.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

// settle classifies the error of an async result.
func (e *Engine) settle(what string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrStaleResponse):
		e.logger.Debug("discarding stale response", zap.String("op", what))
		e.metrics.StaleResponse()
	default:
		e.logger.Warn("engine task failed", zap.String("op", what), zap.Error(err))
	}
}

func (e *Engine) applyInbound(evt bus.Event) {
	in, ok := evt.Payload.(wire.Inbound)
	if !ok {
		e.logger.Warn("dropping inbound event with unexpected payload", zap.String("kind", evt.Kind))
		return
	}

	result := "applied"
	switch in.Event {
	case wire.EventReceiveMessage:
		if in.Message == nil {
			result = "malformed"
			break
		}
		result = e.store.ApplyReceive(in.Message.ToChat()).String()
	case wire.EventTyping, wire.EventStopTyping:
		if in.Typing == nil {
			result = "malformed"
			break
		}
		if !e.store.SetPeerTyping(in.Typing.ConversationID, in.Typing.Typer, in.Event == wire.EventTyping) {
			result = "ignored"
		}
	case wire.EventMessageDeleted:
		if in.Deleted == nil {
			result = "malformed"
			break
		}
		if !e.store.ApplyDelete(in.Deleted.MessageID) {
			result = "absent"
		}
	case wire.EventUserJoinedRoom:
		e.store.ApplyUserJoined(in.UserID)
	default:
		result = "unhandled"
	}
	if result == "malformed" {
		e.logger.Warn("dropping malformed inbound event", zap.String("event", in.Event))
	}
	e.metrics.Applied(in.Event, result)

	e.hmu.RLock()
	hs := e.handlers[in.Event]
	e.hmu.RUnlock()
	for _, h := range hs {
		h.fn(e.store, in)
	}
}

func (e *Engine) applyTransport(evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportConnected:
		e.store.SetDegraded(false)
		if id := e.store.LocalUserID(); id != "" {
			e.sender.Send(wire.EventSetup, id)
			e.store.Rejoin()
		}
	case bus.KindTransportDisconnected:
		e.store.SetDegraded(true)
	}
}

// Snapshot is a consistent copy of the store state.
type Snapshot struct {
	LocalUserID string
	Session     conversation.Session
	Messages    []chat.Message
	ChatList    []chat.Summary
}

// Snapshot reads the store on the engine goroutine.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.Do(ctx, func(s *conversation.Store) error {
		snap = Snapshot{
			LocalUserID: s.LocalUserID(),
			Session:     s.Session(),
			Messages:    s.Messages(),
			ChatList:    s.ChatList(),
		}
		return nil
	})
	return snap, err
}

// SetLocalUser switches the local user and announces it on the socket.
func (e *Engine) SetLocalUser(ctx context.Context, id string) error {
	return e.Do(ctx, func(s *conversation.Store) error {
		s.SetLocalUser(id)
		if id != "" {
			e.sender.Send(wire.EventSetup, id)
		}
		return nil
	})
}

// OpenConversation joins a conversation and loads its history off-loop.
// The history is applied only if the conversation is still the one being
// joined when it arrives.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	joining := false
	err := e.Do(ctx, func(s *conversation.Store) error {
		if err := s.Open(id); err != nil {
			return err
		}
		joining = s.Session().Phase == conversation.Joining
		return nil
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", id, err)
	}
	if joining {
		go e.loadJoin(id)
	}
	return nil
}

func (e *Engine) loadJoin(id string) {
	meta, err := e.api.JoinMetadata(e.runCtx(), id)
	if err != nil {
		// The session still becomes usable for live traffic.
		e.logger.Warn("load conversation failed", zap.String("conversation", id), zap.Error(err))
	}
	e.Post(func(s *conversation.Store) error {
		jm := conversation.JoinMeta{History: meta.History}
		jm.Peer, _ = meta.Conversation.Peer(s.LocalUserID())
		return s.CompleteJoin(id, jm)
	})
}

// CloseConversation leaves the active conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.Do(ctx, func(s *conversation.Store) error {
		s.Close()
		return nil
	})
}

// CreateConversation creates a conversation with peerID and makes it
// active.
func (e *Engine) CreateConversation(ctx context.Context, peerID string) (chat.Summary, error) {
	var me string
	if err := e.Do(ctx, func(s *conversation.Store) error {
		me = s.LocalUserID()
		return nil
	}); err != nil {
		return chat.Summary{}, err
	}
	if me == "" {
		return chat.Summary{}, conversation.ErrNoActiveUser
	}

	sum, err := e.api.CreateConversation(ctx, []string{me, peerID})
	if err != nil {
		return chat.Summary{}, err
	}
	err = e.Do(ctx, func(s *conversation.Store) error {
		if s.LocalUserID() != me {
			return conversation.ErrStaleResponse
		}
		return s.CreateConversation(sum)
	})
	if errors.Is(err, conversation.ErrStaleResponse) {
		e.settle("create conversation", err)
	}
	return sum, err
}

// LoadChatList fetches the chat list and seeds the store.
func (e *Engine) LoadChatList(ctx context.Context) error {
	var me string
	if err := e.Do(ctx, func(s *conversation.Store) error {
		me = s.LocalUserID()
		return nil
	}); err != nil {
		return err
	}
	if me == "" {
		return conversation.ErrNoActiveUser
	}

	list, err := e.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	err = e.Do(ctx, func(s *conversation.Store) error {
		if s.LocalUserID() != me {
			return conversation.ErrStaleResponse
		}
		s.SetChatList(list)
		return nil
	})
	if errors.Is(err, conversation.ErrStaleResponse) {
		e.settle("load chat list", err)
		return nil
	}
	return err
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}
