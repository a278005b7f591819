package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/conversa/internal/api"
	"github.com/matheus3301/conversa/internal/client"
	"github.com/matheus3301/conversa/internal/config"
	"github.com/matheus3301/conversa/internal/credentials"
	"github.com/matheus3301/conversa/internal/daemon"
	"github.com/matheus3301/conversa/internal/lock"
	"github.com/matheus3301/conversa/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// fakeBackend answers the auth and chat-list routes; everything else,
// including the socket upgrade, is a 404.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"authtoken": "tok-1",
			"user":      map[string]any{"_id": "u1", "name": "Al", "email": "al@example.com"},
		})
	})
	mux.HandleFunc("GET /Conversation/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupHome(t *testing.T) {
	t.Helper()
	// Short path to stay under the unix socket path limit.
	home, err := os.MkdirTemp("/tmp", "conversa-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.HomeEnv, home)
}

func testConfig(serverURL string) *config.Config {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	setupHome(t)
	backend := fakeBackend(t)

	app := fxtest.New(t,
		fx.NopLogger,
		daemon.Module(daemon.Params{ProfileName: "test", Config: testConfig(backend.URL)}),
	)
	app.RequireStart()

	socketPath := profile.SocketPath("test")
	if info, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created: %v", err)
	} else if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perms = %o, want 0600", perm)
	}

	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["status"] != "AUTH_REQUIRED" || st["profile"] != "test" {
		t.Errorf("status = %v", st)
	}

	p, err := c.Call(ctx, api.MethodLogin, map[string]any{"email": "al@example.com", "password": "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p["id"] != "u1" {
		t.Errorf("login profile = %v", p)
	}

	st, err = c.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["user_id"] != "u1" {
		t.Errorf("user_id = %v, want u1", st["user_id"])
	}

	creds, err := credentials.Open(profile.CredentialsPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if creds.Token() != "tok-1" || creds.UserID() != "u1" {
		t.Errorf("credentials = %q/%q", creds.Token(), creds.UserID())
	}

	app.RequireStop()
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
}

func TestDaemonRefusesHeldProfile(t *testing.T) {
	setupHome(t)
	if err := profile.EnsureDir("busy"); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(profile.Dir("busy"), "busy")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(fx.NopLogger, daemon.Module(daemon.Params{ProfileName: "busy", Config: testConfig("http://127.0.0.1:1")}))
	if app.Err() == nil {
		t.Fatal("expected start to fail while the profile lock is held")
	}
	if !strings.Contains(app.Err().Error(), "already served") {
		t.Errorf("err = %v, want lock held error", app.Err())
	}
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	setupHome(t)
	cfg := testConfig("ftp://example.com")

	app := fx.New(fx.NopLogger, daemon.Module(daemon.Params{ProfileName: "bad", Config: cfg}))
	if app.Err() == nil {
		t.Fatal("expected invalid server_url to fail construction")
	}
	if !strings.Contains(app.Err().Error(), "server_url") {
		t.Errorf("err = %v, want server_url error", app.Err())
	}
}
