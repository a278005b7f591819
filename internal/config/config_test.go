package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.EchoTimeout = Duration{5 * time.Second}
	cfg.Storage = StorageConfig{Endpoint: "localhost:9000", Bucket: "chat", AccessKey: "a", SecretKey: "s"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.EchoTimeout.Duration != 5*time.Second {
		t.Errorf("EchoTimeout = %v, want 5s", loaded.EchoTimeout)
	}
	if !loaded.Storage.Enabled() {
		t.Error("Storage.Enabled() = false after round trip")
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"main\"\nserver_url = \"https://chat.example\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://chat.example" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.AuthHeader != "auth-token" {
		t.Errorf("AuthHeader = %q, want default auth-token", cfg.AuthHeader)
	}
	if cfg.OptimisticSend {
		t.Error("OptimisticSend should default to false")
	}
	if cfg.PresenceInterval.Duration != 30*time.Second {
		t.Errorf("PresenceInterval = %v, want 30s", cfg.PresenceInterval)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.MaxUploadSize != "25MB" {
		t.Errorf("MaxUploadSize = %q, want default", cfg.MaxUploadSize)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CONVERSA_SERVER_URL":      "https://api.example",
		"CONVERSA_OPTIMISTIC_SEND": "true",
		"CONVERSA_ECHO_TIMEOUT":    "2s",
		"CONVERSA_STORAGE_BUCKET":  "attachments",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://api.example" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if !cfg.OptimisticSend {
		t.Error("OptimisticSend should be overridden to true")
	}
	if cfg.EchoTimeout.Duration != 2*time.Second {
		t.Errorf("EchoTimeout = %v, want 2s", cfg.EchoTimeout)
	}
	if cfg.Storage.Bucket != "attachments" {
		t.Errorf("Storage.Bucket = %q", cfg.Storage.Bucket)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"CONVERSA_OPTIMISTIC_SEND": "maybe",
		"CONVERSA_ECHO_TIMEOUT":    "soon",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(func(k string) string {
				if k == key {
					return val
				}
				return ""
			})
			if err == nil {
				t.Errorf("ApplyEnv(%s=%s) expected error", key, val)
			}
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CONVERSA_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CONVERSA_TEST_DOTENV") })

	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CONVERSA_TEST_DOTENV"); got != "loaded" {
		t.Errorf("CONVERSA_TEST_DOTENV = %q, want loaded", got)
	}
}

func TestMaxUploadBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"25MB", 25_000_000, false},
		{"1MiB", 1 << 20, false},
		{"512", 512, false},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := Default()
			cfg.MaxUploadSize = tt.in
			got, err := cfg.MaxUploadBytes()
			if (err != nil) != tt.wantErr {
				t.Fatalf("MaxUploadBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("MaxUploadBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		server, socket, want string
	}{
		{"http://localhost:5000", "", "ws://localhost:5000/socket"},
		{"https://chat.example/api/", "", "wss://chat.example/api/socket"},
		{"https://chat.example", "wss://rt.example/ws", "wss://rt.example/ws"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.ServerURL, cfg.SocketURL = tt.server, tt.socket
		got, err := cfg.WebsocketURL()
		if err != nil {
			t.Fatalf("WebsocketURL(%s) error = %v", tt.server, err)
		}
		if got != tt.want {
			t.Errorf("WebsocketURL(%s) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	cfg := Default()
	cfg.ServerURL = "ftp://nope"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject ftp server_url")
	}
	cfg = Default()
	cfg.AuthScheme = "digest"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown auth_scheme")
	}
}
