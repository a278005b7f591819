// Package credentials persists the backend auth token for a profile.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoUserClaim is returned when a token carries neither user.id nor sub.
var ErrNoUserClaim = errors.New("token has no user id claim")

type fileData struct {
	Token   string    `toml:"token"`
	UserID  string    `toml:"user_id"`
	SavedAt time.Time `toml:"saved_at"`
}

// File is a toml-backed credential store. Its zero state (no file) is
// logged out.
type File struct {
	path string

	mu     sync.RWMutex
	token  string
	userID string
}

// Open loads path if it exists. A missing file is not an error.
func Open(path string) (*File, error) {
	f := &File{path: path}
	var d fileData
	_, err := toml.DecodeFile(path, &d)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	f.token = d.Token
	f.userID = d.UserID
	if f.userID == "" && f.token != "" {
		// Older files only stored the token.
		f.userID, _ = UserIDFromToken(f.token)
	}
	return f, nil
}

// Token returns the stored token, or "" when logged out.
func (f *File) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

// UserID returns the local user id, or "" when logged out.
func (f *File) UserID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.userID
}

// LoggedIn reports whether a token is stored.
func (f *File) LoggedIn() bool {
	return f.Token() != ""
}

// Save stores token and userID. When userID is empty it is recovered from
// the token claims.
func (f *File) Save(token, userID string) error {
	if userID == "" {
		id, err := UserIDFromToken(token)
		if err != nil {
			return err
		}
		userID = id
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := write(f.path, fileData{Token: token, UserID: userID, SavedAt: time.Now().UTC()}); err != nil {
		return err
	}
	f.token, f.userID = token, userID
	return nil
}

// Clear removes the file and forgets the token.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f.token, f.userID = "", ""
	return nil
}

func write(path string, d fileData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(out).Encode(d)
	if closeErr := out.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write credentials: %w", encErr)
	}
	return os.Rename(tmp, path)
}

// UserIDFromToken reads the user id out of a JWT without verifying its
// signature. The backend signs {user: {id}}; a standard sub claim is
// accepted as well.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if user, ok := claims["user"].(map[string]any); ok {
		for _, key := range []string{"id", "_id"} {
			if id, ok := user[key].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", ErrNoUserClaim
}
