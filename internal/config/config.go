package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVERSA_"

// Config represents the global ~/.conversa/config.toml.
type Config struct {
	DefaultProfile   string   `toml:"default_profile"`
	ServerURL        string   `toml:"server_url"`
	SocketURL        string   `toml:"socket_url,omitempty"`
	StorageBaseURL   string   `toml:"storage_base_url,omitempty"`
	AuthHeader       string   `toml:"auth_header"`
	AuthScheme       string   `toml:"auth_scheme,omitempty"`
	OptimisticSend   bool     `toml:"optimistic_send"`
	EchoTimeout      Duration `toml:"echo_timeout"`
	PresenceInterval Duration `toml:"presence_interval"`
	RequestTimeout   Duration `toml:"request_timeout"`
	MaxUploadSize    string   `toml:"max_upload_size"`
	MetricsAddr      string   `toml:"metrics_addr,omitempty"`

	Storage StorageConfig `toml:"storage"`
}

// StorageConfig enables self-hosted upload targets. When Endpoint is empty
// the backend's pre-signed URL endpoint is used instead.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint,omitempty"`
	Bucket    string `toml:"bucket,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
	UseSSL    bool   `toml:"use_ssl,omitempty"`
	Region    string `toml:"region,omitempty"`
}

// Enabled reports whether enough is configured to presign uploads locally.
func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// Duration is a time.Duration that reads and writes as "15s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		ServerURL:        "http://localhost:5000",
		AuthHeader:       "auth-token",
		OptimisticSend:   false,
		EchoTimeout:      Duration{15 * time.Second},
		PresenceInterval: Duration{30 * time.Second},
		RequestTimeout:   Duration{15 * time.Second},
		MaxUploadSize:    "25MB",
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadDotenv loads each existing .env file into the process environment.
// Variables already set are left untouched.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CONVERSA_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"SERVER_URL":         &c.ServerURL,
		"SOCKET_URL":         &c.SocketURL,
		"STORAGE_BASE_URL":   &c.StorageBaseURL,
		"AUTH_HEADER":        &c.AuthHeader,
		"AUTH_SCHEME":        &c.AuthScheme,
		"MAX_UPLOAD_SIZE":    &c.MaxUploadSize,
		"METRICS_ADDR":       &c.MetricsAddr,
		"STORAGE_ENDPOINT":   &c.Storage.Endpoint,
		"STORAGE_BUCKET":     &c.Storage.Bucket,
		"STORAGE_ACCESS_KEY": &c.Storage.AccessKey,
		"STORAGE_SECRET_KEY": &c.Storage.SecretKey,
		"STORAGE_REGION":     &c.Storage.Region,
	}
	for key, dst := range strs {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"OPTIMISTIC_SEND": &c.OptimisticSend,
		"STORAGE_USE_SSL": &c.Storage.UseSSL,
	}
	for key, dst := range bools {
		if v := getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*Duration{
		"ECHO_TIMEOUT":      &c.EchoTimeout,
		"PRESENCE_INTERVAL": &c.PresenceInterval,
		"REQUEST_TIMEOUT":   &c.RequestTimeout,
	}
	for key, dst := range durations {
		if v := getenv(EnvPrefix + key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
}

// MaxUploadBytes parses MaxUploadSize ("25MB", "512KiB", ...).
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("max_upload_size: %w", err)
	}
	return int64(n), nil
}

// WebsocketURL returns SocketURL, or derives ws(s)://<server host>/socket
// from ServerURL.
func (c *Config) WebsocketURL() (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("server_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	return u.String(), nil
}

// Validate checks the fields the daemon cannot start without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if _, err := c.WebsocketURL(); err != nil {
		return err
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if c.AuthHeader == "" {
		return errors.New("auth_header must not be empty")
	}
	if c.AuthScheme != "" && !strings.EqualFold(c.AuthScheme, "bearer") {
		return fmt.Errorf("auth_scheme: unsupported %q", c.AuthScheme)
	}
	if c.EchoTimeout.Duration <= 0 {
		return errors.New("echo_timeout must be positive")
	}
	return nil
}
