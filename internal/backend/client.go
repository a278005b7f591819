// Package backend is the typed REST client for the chat backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/wire"
)

// Requester performs one JSON REST round trip. *transport.Adapter satisfies it.
type Requester interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// TokenSaver persists a token returned by login or register.
type TokenSaver interface {
	Save(token, userID string) error
}

// ErrMissingToken is returned when an auth response carries no token.
var ErrMissingToken = errors.New("auth response has no token")

// Client calls the backend endpoints. Each call is bounded by the client's
// timeout in addition to the caller's context.
type Client struct {
	req     Requester
	creds   TokenSaver
	timeout time.Duration
}

// New creates a client. creds may be nil, in which case tokens are not
// persisted.
func New(req Requester, creds TokenSaver, timeout time.Duration) *Client {
	return &Client{req: req, creds: creds, timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.req.Request(ctx, method, path, body, out)
}

// LoginRequest authenticates with either a password or a one-time code.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	OTP      string `json:"otp,omitempty"`
}

type authResponse struct {
	AuthToken string     `json:"authtoken"`
	User      *wire.User `json:"user"`
}

// Login authenticates and persists the returned token. The returned profile
// is empty when the backend omits the user document.
func (c *Client) Login(ctx context.Context, req LoginRequest) (chat.Profile, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return chat.Profile{}, fmt.Errorf("login: %w", err)
	}
	return c.persist(resp)
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an account and persists the returned token. The user id
// is recovered from the token claims.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (chat.Profile, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return chat.Profile{}, fmt.Errorf("register: %w", err)
	}
	return c.persist(resp)
}

func (c *Client) persist(resp authResponse) (chat.Profile, error) {
	if resp.AuthToken == "" {
		return chat.Profile{}, ErrMissingToken
	}
	var p chat.Profile
	if resp.User != nil {
		p = resp.User.ToChat()
	}
	if c.creds != nil {
		if err := c.creds.Save(resp.AuthToken, p.ID); err != nil {
			return p, fmt.Errorf("save credentials: %w", err)
		}
	}
	return p, nil
}

// RequestOTP asks the backend to mail a login code.
func (c *Client) RequestOTP(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "/auth/getotp", body, nil); err != nil {
		return fmt.Errorf("request otp: %w", err)
	}
	return nil
}

// NonFriends lists users the local user has no conversation with.
func (c *Client) NonFriends(ctx context.Context) ([]chat.Profile, error) {
	var users []wire.User
	if err := c.do(ctx, http.MethodGet, "/user/non-friends", nil, &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]chat.Profile, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToChat())
	}
	return out, nil
}

// OnlineStatus is the presence of one user.
type OnlineStatus struct {
	IsOnline bool
	LastSeen time.Time // zero when never recorded
}

// OnlineStatus queries a user's presence.
func (c *Client) OnlineStatus(ctx context.Context, userID string) (OnlineStatus, error) {
	var resp struct {
		IsOnline bool       `json:"isOnline"`
		LastSeen *time.Time `json:"lastSeen"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/online-status/"+url.PathEscape(userID), nil, &resp); err != nil {
		return OnlineStatus{}, fmt.Errorf("online status %s: %w", userID, err)
	}
	st := OnlineStatus{IsOnline: resp.IsOnline}
	if resp.LastSeen != nil {
		st.LastSeen = *resp.LastSeen
	}
	return st, nil
}

// PresignedTarget is a pre-signed POST target for direct object upload.
type PresignedTarget struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// PresignedURL requests an upload target for a file.
func (c *Client) PresignedURL(ctx context.Context, fileName, fileType string) (PresignedTarget, error) {
	q := url.Values{}
	q.Set("filename", fileName)
	q.Set("filetype", fileType)
	var t PresignedTarget
	if err := c.do(ctx, http.MethodGet, "/user/presigned-url?"+q.Encode(), nil, &t); err != nil {
		return PresignedTarget{}, err
	}
	return t, nil
}

// CreateConversation creates a conversation between the given members.
func (c *Client) CreateConversation(ctx context.Context, members []string) (chat.Summary, error) {
	var conv wire.Conversation
	body := map[string][]string{"members": members}
	if err := c.do(ctx, http.MethodPost, "/Conversation/", body, &conv); err != nil {
		return chat.Summary{}, fmt.Errorf("create conversation: %w", err)
	}
	if conv.ID == "" {
		return chat.Summary{}, fmt.Errorf("create conversation: response has no _id")
	}
	return conv.ToChat(), nil
}

// ListConversations returns the local user's chat list.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Summary, error) {
	var convs []wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/Conversation/", nil, &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]chat.Summary, 0, len(convs))
	for i := range convs {
		out = append(out, convs[i].ToChat())
	}
	return out, nil
}

// JoinMetadata is what the store needs to complete a join: the conversation
// (for the peer) and its history.
type JoinMetadata struct {
	Conversation chat.Summary
	History      []chat.Message
}

// JoinMetadata loads a conversation and its message history.
func (c *Client) JoinMetadata(ctx context.Context, conversationID string) (JoinMetadata, error) {
	var resp struct {
		Conversation wire.Conversation `json:"conversation"`
		Messages     []wire.Message    `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/message/"+url.PathEscape(conversationID), nil, &resp); err != nil {
		return JoinMetadata{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	meta := JoinMetadata{Conversation: resp.Conversation.ToChat()}
	if meta.Conversation.ID == "" {
		meta.Conversation.ID = conversationID
	}
	for i := range resp.Messages {
		m := &resp.Messages[i]
		if m.Validate() != nil {
			continue
		}
		meta.History = append(meta.History, m.ToChat())
	}
	return meta, nil
}
