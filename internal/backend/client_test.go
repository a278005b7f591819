package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/transport"
	"go.uber.org/zap"
)

type fakeSaver struct {
	token, userID string
	err           error
}

func (f *fakeSaver) Save(token, userID string) error {
	if f.err != nil {
		return f.err
	}
	f.token, f.userID = token, userID
	return nil
}

type tokenOf string

func (t tokenOf) Token() string { return string(t) }

func newTestClient(t *testing.T, handler http.HandlerFunc, saver TokenSaver) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := transport.New(transport.Options{BaseURL: srv.URL}, tokenOf("tok"), bus.New(), nil, nil, zap.NewNop())
	return New(a, saver, time.Second)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginPersistsToken(t *testing.T) {
	var body LoginRequest
	saver := &fakeSaver{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{
			"authtoken": "jwt-1",
			"user":      map[string]any{"_id": "u1", "name": "Ana", "email": "ana@example.com"},
		})
	}, saver)

	p, err := c.Login(context.Background(), LoginRequest{Email: "ana@example.com", OTP: "123456"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "u1" || p.Name != "Ana" {
		t.Errorf("profile = %+v", p)
	}
	if saver.token != "jwt-1" || saver.userID != "u1" {
		t.Errorf("saved token=%q user=%q", saver.token, saver.userID)
	}
	if body.OTP != "123456" || body.Password != "" {
		t.Errorf("request body = %+v, want otp only", body)
	}
}

func TestRegisterWithoutUserDocument(t *testing.T) {
	saver := &fakeSaver{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"authtoken": "jwt-2"})
	}, saver)

	if _, err := c.Register(context.Background(), RegisterRequest{Name: "Bo", Email: "bo@example.com", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	if saver.token != "jwt-2" || saver.userID != "" {
		t.Errorf("saved token=%q user=%q, want token with empty user for claim recovery", saver.token, saver.userID)
	}
}

func TestLoginErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"error": "wrong credentials"})
	}, &fakeSaver{})

	_, err := c.Login(context.Background(), LoginRequest{Email: "x", Password: "y"})
	var te *transport.TransportError
	if !errors.As(err, &te) || te.Message != "wrong credentials" {
		t.Errorf("error = %v, want TransportError with backend message", err)
	}

	empty := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{})
	}, &fakeSaver{})
	if _, err := empty.Login(context.Background(), LoginRequest{Email: "x"}); !errors.Is(err, ErrMissingToken) {
		t.Errorf("error = %v, want ErrMissingToken", err)
	}
}

func TestOnlineStatus(t *testing.T) {
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/online-status/u2":
			writeJSON(w, map[string]any{"isOnline": false, "lastSeen": seen})
		case "/user/online-status/u3":
			writeJSON(w, map[string]any{"isOnline": true, "lastSeen": nil})
		default:
			http.NotFound(w, r)
		}
	}, nil)

	st, err := c.OnlineStatus(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsOnline || !st.LastSeen.Equal(seen) {
		t.Errorf("u2 status = %+v", st)
	}
	st, err = c.OnlineStatus(context.Background(), "u3")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsOnline || !st.LastSeen.IsZero() {
		t.Errorf("u3 status = %+v", st)
	}
}

func TestPresignedURLQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filename") != "a b.png" || q.Get("filetype") != "image/png" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"url": "https://bucket.example", "fields": map[string]string{"key": "uploads/x.png"}})
	}, nil)

	tgt, err := c.PresignedURL(context.Background(), "a b.png", "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.URL != "https://bucket.example" || tgt.Fields["key"] != "uploads/x.png" {
		t.Errorf("target = %+v", tgt)
	}
}

func TestConversations(t *testing.T) {
	conv := map[string]any{
		"_id":           "c1",
		"members":       []any{map[string]any{"_id": "u1"}, map[string]any{"_id": "u2", "name": "Bo"}},
		"latestmessage": "hi",
		"updatedAt":     "2026-03-01T10:00:00Z",
	}
	var created []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/Conversation/":
			var body struct{ Members []string }
			_ = json.NewDecoder(r.Body).Decode(&body)
			created = body.Members
			writeJSON(w, conv)
		case r.Method == http.MethodGet && r.URL.Path == "/Conversation/":
			writeJSON(w, []any{conv})
		default:
			http.NotFound(w, r)
		}
	}, nil)

	s, err := c.CreateConversation(context.Background(), []string{"u1", "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 || s.ID != "c1" {
		t.Errorf("created members=%v summary=%+v", created, s)
	}
	if peer, ok := s.Peer("u1"); !ok || peer.Name != "Bo" {
		t.Errorf("peer = %+v, %v", peer, ok)
	}

	list, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].LatestMessagePreview != "hi" {
		t.Errorf("list = %+v", list)
	}
}

func TestJoinMetadataSkipsInvalidMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/c1" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{
			"conversation": map[string]any{"_id": "c1", "members": []any{map[string]any{"_id": "u2"}}},
			"messages": []any{
				map[string]any{"_id": "m1", "conversationId": "c1", "senderId": "u2", "text": "hey", "createdAt": "2026-03-01T10:00:00Z"},
				map[string]any{"conversationId": "c1", "senderId": "u2"},
			},
		})
	}, nil)

	meta, err := c.JoinMetadata(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Conversation.ID != "c1" || len(meta.History) != 1 || meta.History[0].Text != "hey" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestTimeoutBoundsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.CloseClientConnections()
		srv.Close()
	})
	a := transport.New(transport.Options{BaseURL: srv.URL}, nil, bus.New(), nil, nil, zap.NewNop())
	c := New(a, nil, 20*time.Millisecond)

	start := time.Now()
	if err := c.RequestOTP(context.Background(), "a@example.com"); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("request took %v, timeout not applied", time.Since(start))
	}
}
