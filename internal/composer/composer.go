// Package composer turns user input into outbound realtime frames: typing
// notifications and the upload-then-send pipeline.
package composer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/upload"
	"github.com/matheus3301/conversa/internal/wire"
	"go.uber.org/zap"
)

// ValidationError rejects a draft before anything leaves the process.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid message: " + e.Reason }

// Engine runs functions against the conversation store.
type Engine interface {
	Do(ctx context.Context, fn func(*conversation.Store) error) error
}

// Sender emits realtime frames.
type Sender interface {
	Send(event string, payload any)
}

// Uploader moves an attachment to storage and returns its URL.
type Uploader interface {
	Check(f upload.File) error
	Send(ctx context.Context, f upload.File) (string, error)
}

// Draft is what the user asked to send.
type Draft struct {
	Text       string
	ReplyTo    string
	Attachment *upload.File
}

// Composer owns the input buffer and the local typing flag.
type Composer struct {
	eng     Engine
	sender  Sender
	uploads Uploader
	logger  *zap.Logger

	mu     sync.Mutex
	buffer string
	typing bool
}

// New creates a composer. uploads may be nil when attachments are disabled.
func New(eng Engine, sender Sender, uploads Uploader, logger *zap.Logger) *Composer {
	return &Composer{eng: eng, sender: sender, uploads: uploads, logger: logger}
}

// Buffer returns the current input text.
func (c *Composer) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

type target struct {
	conversationID string
	userID         string
}

func (c *Composer) target(ctx context.Context) (target, error) {
	var t target
	err := c.eng.Do(ctx, func(s *conversation.Store) error {
		t.userID = s.LocalUserID()
		if t.userID == "" {
			return conversation.ErrNoActiveUser
		}
		sess := s.Session()
		if sess.Phase == conversation.Closed {
			return conversation.ErrNoActiveConversation
		}
		t.conversationID = sess.ConversationID
		return nil
	})
	return t, err
}

// Input replaces the buffer. typing is emitted when it goes from empty to
// non-empty and stop-typing on the way back. Without an active conversation
// only the buffer changes.
func (c *Composer) Input(ctx context.Context, text string) error {
	t, err := c.target(ctx)
	if err != nil && !isContextMissing(err) {
		return err
	}

	c.mu.Lock()
	c.buffer = text
	var event string
	switch {
	case err != nil:
	case text != "" && !c.typing:
		c.typing = true
		event = wire.EventTyping
	case text == "" && c.typing:
		c.typing = false
		event = wire.EventStopTyping
	}
	c.mu.Unlock()

	if event != "" {
		c.sender.Send(event, wire.Typing{Typer: t.userID, ConversationID: t.conversationID})
	}
	return nil
}

// KeyEnter sends the buffer, or appends a newline when shift is held.
// Reports whether a message was sent.
func (c *Composer) KeyEnter(ctx context.Context, shift bool) (bool, error) {
	if shift {
		c.mu.Lock()
		c.buffer += "\n"
		c.mu.Unlock()
		return false, nil
	}
	if _, err := c.Send(ctx, Draft{Text: c.Buffer()}); err != nil {
		return false, err
	}
	return true, nil
}

// Send runs the send pipeline and returns the provisional message. On any
// upload failure the provisional message is withdrawn and nothing is sent.
func (c *Composer) Send(ctx context.Context, d Draft) (chat.Message, error) {
	t, err := c.target(ctx)
	if err != nil {
		return chat.Message{}, err
	}

	c.mu.Lock()
	c.typing = false
	c.mu.Unlock()
	c.sender.Send(wire.EventStopTyping, wire.Typing{Typer: t.userID, ConversationID: t.conversationID})

	if strings.TrimSpace(d.Text) == "" && d.Attachment == nil {
		return chat.Message{}, &ValidationError{Reason: "text is empty and there is no attachment"}
	}
	if d.Attachment != nil {
		if c.uploads == nil {
			return chat.Message{}, &ValidationError{Reason: "attachments are not enabled"}
		}
		if err := c.uploads.Check(*d.Attachment); err != nil {
			return chat.Message{}, err
		}
	}

	var msg chat.Message
	err = c.eng.Do(ctx, func(s *conversation.Store) error {
		var err error
		msg, err = s.BeginSend(conversation.Draft{
			Text:       d.Text,
			ReplyToID:  d.ReplyTo,
			Attachment: d.Attachment != nil,
		})
		return err
	})
	if err != nil {
		return chat.Message{}, err
	}
	token := msg.ClientMsgID

	if d.Attachment != nil {
		url, err := c.uploads.Send(ctx, *d.Attachment)
		if err != nil {
			c.abort(ctx, token, err)
			return chat.Message{}, err
		}
		err = c.eng.Do(context.WithoutCancel(ctx), func(s *conversation.Store) error {
			return s.CompleteUpload(token, url)
		})
		if err != nil {
			return chat.Message{}, err
		}
		msg.AttachmentURL = url
	}

	c.sender.Send(wire.EventSendMessage, wire.SendMessage{
		Text:           msg.Text,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ImageURL:       wire.StringPtr(msg.AttachmentURL),
		ReplyTo:        wire.StringPtr(msg.ReplyToID),
		ClientMsgID:    token,
	})

	c.mu.Lock()
	c.buffer = ""
	c.mu.Unlock()

	c.logger.Debug("message sent",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("client_msg_id", token),
		zap.Bool("attachment", msg.AttachmentURL != ""),
	)
	return msg, nil
}

func (c *Composer) abort(ctx context.Context, token string, cause error) {
	c.logger.Warn("send aborted", zap.String("client_msg_id", token), zap.Error(cause))
	err := c.eng.Do(context.WithoutCancel(ctx), func(s *conversation.Store) error {
		s.FailSend(token)
		return nil
	})
	if err != nil {
		c.logger.Error("withdraw provisional message", zap.String("client_msg_id", token), zap.Error(err))
	}
}

func isContextMissing(err error) bool {
	return errors.Is(err, conversation.ErrNoActiveUser) || errors.Is(err, conversation.ErrNoActiveConversation)
}
