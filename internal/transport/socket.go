package transport

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/status"
	"github.com/matheus3301/conversa/internal/wire"
	"go.uber.org/zap"
)

const (
	// readLimit bounds a single inbound frame.
	readLimit = 1 << 20

	// jitterDivisor: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// Conn is the subset of *websocket.Conn the adapter uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a socket connection.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// DialWebsocket dials with coder/websocket.
func DialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Start runs the connect/reconnect loop in the background until Stop or ctx
// is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.run(ctx)
	}()
}

// Stop closes the socket and waits for the loop to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Adapter) run(ctx context.Context) {
	backoff := a.opts.ReconnectMin
	failures := 0

	for {
		a.walk(status.Connecting)
		conn, err := a.opts.Dial(ctx, a.opts.SocketURL, a.dialHeader())
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close(websocket.StatusGoingAway, "shutdown")
			}
			return
		}

		if err == nil {
			failures = 0
			backoff = a.opts.ReconnectMin
			err = a.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("socket lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			a.walk(status.Reconnecting)
		} else {
			failures++
			a.logger.Warn("socket dial failed",
				zap.Error(err),
				zap.Int("failures", failures),
				zap.Duration("backoff", backoff),
			)
			if failures >= a.opts.DegradeAfter {
				a.walk(status.Degraded)
			} else {
				a.walk(status.Reconnecting)
			}
		}

		wait := backoff
		if half := int64(backoff) / jitterDivisor; half > 0 {
			wait += time.Duration(rand.Int64N(half))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if failures > 0 {
			backoff = min(backoff*2, a.opts.ReconnectMax)
		}
	}
}

// serve owns one connection: the reader runs here, the writer in its own
// goroutine. Returns when either side fails or ctx is cancelled.
func (a *Adapter) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.connected.Store(true)
	if a.everUp.Swap(true) {
		a.metrics.Reconnected()
	}
	a.walk(status.Connected)
	a.logger.Info("socket connected", zap.String("url", a.opts.SocketURL))
	a.bus.Emit(bus.KindTransportConnected, nil)

	writeErr := make(chan error, 1)
	go func() { writeErr <- a.writeLoop(connCtx, conn) }()

	err := a.readLoop(connCtx, conn)
	a.connected.Store(false)
	cancel()
	if werr := <-writeErr; werr != nil && ctx.Err() == nil {
		err = werr
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	a.bus.Emit(bus.KindTransportDisconnected, reason)
	return err
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			a.metrics.InboundFrame("", "binary")
			continue
		}
		in, err := wire.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", zap.String("event", in.Event), zap.Error(err))
			a.metrics.InboundFrame(in.Event, "malformed")
			continue
		}
		a.metrics.InboundFrame(in.Event, "ok")
		a.bus.Publish(bus.Event{
			Kind:      bus.NamespaceRealtime + in.Event,
			Timestamp: time.Now(),
			Payload:   in,
		})
	}
}

func (a *Adapter) writeLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-a.out:
			wctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, f.data)
			cancel()
			if err != nil {
				a.metrics.OutboundFrame(f.event, "write_error")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return err
			}
			a.metrics.OutboundFrame(f.event, "written")
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return err
			}
		}
	}
}

func (a *Adapter) dialHeader() http.Header {
	h := http.Header{}
	a.authorize(h)
	return h
}

func (a *Adapter) walk(to status.State) {
	if a.machine == nil {
		return
	}
	if err := a.machine.Walk(to); err != nil {
		a.logger.Debug("status transition skipped", zap.String("to", string(to)), zap.Error(err))
	}
}
