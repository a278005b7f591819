package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/conversa/internal/engine"
	"github.com/matheus3301/conversa/internal/transport"
	"go.uber.org/zap"
)

// Sessions starts the live session for the logged in user: it points the
// store at the user, brings the socket up and seeds the chat list.
type Sessions struct {
	eng     *engine.Engine
	adapter *transport.Adapter
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	userID string
}

func newSessions(eng *engine.Engine, adapter *transport.Adapter, logger *zap.Logger) *Sessions {
	return &Sessions{eng: eng, adapter: adapter, logger: logger, ctx: context.Background()}
}

// bind sets the daemon-lifetime context sockets and loads run under.
func (s *Sessions) bind(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// Activate switches to userID. A socket opened for a previous login is
// reopened so it carries the new token.
func (s *Sessions) Activate(ctx context.Context, userID string) error {
	if err := s.eng.SetLocalUser(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	runCtx, prev := s.ctx, s.userID
	s.userID = userID
	s.mu.Unlock()

	if prev != "" {
		s.adapter.Stop()
	}
	s.adapter.Start(runCtx)
	go s.loadChatList(runCtx, userID)
	return nil
}

func (s *Sessions) resume(ctx context.Context, userID string) {
	s.logger.Info("resuming session", zap.String("user_id", userID))
	if err := s.Activate(ctx, userID); err != nil {
		s.logger.Error("resume failed", zap.Error(err))
	}
}

func (s *Sessions) loadChatList(ctx context.Context, userID string) {
	if err := s.eng.LoadChatList(ctx); err != nil {
		s.logger.Warn("chat list load failed", zap.String("user_id", userID), zap.Error(err))
	}
}
