// Package transport carries realtime events over a websocket and REST
// requests over HTTP to the chat backend.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/metrics"
	"github.com/matheus3301/conversa/internal/status"
	"github.com/matheus3301/conversa/internal/wire"
	"go.uber.org/zap"
)

// Credentials supplies the auth token attached to requests. An empty token
// means the request is sent unauthenticated.
type Credentials interface {
	Token() string
}

// TransportError is returned by Request for network failures and non-2xx
// responses.
type TransportError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		if e.Message != "" {
			return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
		}
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Unauthorized reports whether the backend rejected the credentials.
func (e *TransportError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Options configures an Adapter. Zero values fall back to defaults.
type Options struct {
	BaseURL      string
	SocketURL    string
	AuthHeader   string
	Bearer       bool
	HTTPClient   *http.Client
	Dial         Dialer
	QueueSize    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	DegradeAfter int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.AuthHeader == "" {
		o.AuthHeader = "auth-token"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Dial == nil {
		o.Dial = DialWebsocket
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 5 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 5 * time.Minute
	}
	if o.DegradeAfter <= 0 {
		o.DegradeAfter = 3
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

type outFrame struct {
	event string
	data  []byte
}

// Adapter is the duplex event channel plus the REST request channel.
// Inbound frames are decoded and published on the bus as rt.<event>.
type Adapter struct {
	opts    Options
	creds   Credentials
	bus     *bus.Bus
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger

	out       chan outFrame
	connected atomic.Bool
	everUp    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an adapter. It does not connect until Start.
func New(opts Options, creds Credentials, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	opts.setDefaults()
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Adapter{
		opts:    opts,
		creds:   creds,
		bus:     b,
		machine: machine,
		metrics: m,
		logger:  logger,
		out:     make(chan outFrame, opts.QueueSize),
	}
}

// Connected reports whether the socket is currently up.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Send enqueues an outbound frame and returns immediately. Frames are
// dropped while the socket is down or when the writer queue is full.
func (a *Adapter) Send(event string, payload any) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		a.logger.Error("encode outbound frame", zap.String("event", event), zap.Error(err))
		a.metrics.OutboundFrame(event, "encode_error")
		return
	}
	if !a.connected.Load() {
		a.logger.Debug("socket down, dropping outbound frame", zap.String("event", event))
		a.metrics.OutboundFrame(event, "dropped_offline")
		return
	}
	select {
	case a.out <- outFrame{event: event, data: data}:
		a.metrics.OutboundFrame(event, "queued")
	default:
		a.logger.Warn("writer queue full, dropping outbound frame", zap.String("event", event))
		a.metrics.OutboundFrame(event, "dropped_full")
	}
}

// Subscribe calls handler for every inbound frame named event, on a
// dedicated goroutine, until the returned function is called.
func (a *Adapter) Subscribe(event string, handler func(wire.Inbound)) func() {
	ch, unsub := a.bus.Subscribe(bus.NamespaceRealtime+event, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				in, ok := evt.Payload.(wire.Inbound)
				if ok && in.Event == event {
					handler(in)
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// Request performs a JSON REST call against BaseURL+path. body and out may
// be nil. The adapter never retries.
func (a *Adapter) Request(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.opts.BaseURL+path, rdr)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.authorize(req.Header)

	start := time.Now()
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		a.metrics.ObserveRequest(method, 0, time.Since(start))
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	a.metrics.ObserveRequest(method, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (a *Adapter) authorize(h http.Header) {
	if a.creds == nil {
		return
	}
	token := a.creds.Token()
	if token == "" {
		return
	}
	if a.opts.Bearer {
		h.Set("Authorization", "Bearer "+token)
		return
	}
	h.Set(a.opts.AuthHeader, token)
}

// errorMessage extracts a human readable reason from an error body.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
