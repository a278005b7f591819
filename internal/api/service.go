package api

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/conversa/internal/backend"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/composer"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/engine"
	"github.com/matheus3301/conversa/internal/status"
	"github.com/matheus3301/conversa/internal/store"
	"github.com/matheus3301/conversa/internal/upload"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Auth is the part of the backend client the service calls directly.
type Auth interface {
	Login(ctx context.Context, req backend.LoginRequest) (chat.Profile, error)
	Register(ctx context.Context, req backend.RegisterRequest) (chat.Profile, error)
	RequestOTP(ctx context.Context, email string) error
	NonFriends(ctx context.Context) ([]chat.Profile, error)
}

// Engine owns the conversation store.
type Engine interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	OpenConversation(ctx context.Context, id string) error
	CloseConversation(ctx context.Context) error
	CreateConversation(ctx context.Context, peerID string) (chat.Summary, error)
	Do(ctx context.Context, fn func(*conversation.Store) error) error
}

// Composer handles input and sends.
type Composer interface {
	Input(ctx context.Context, text string) error
	Send(ctx context.Context, d composer.Draft) (chat.Message, error)
}

// Journal is the queryable mirror of applied state.
type Journal interface {
	ListChats(limit, offset int) ([]store.Chat, error)
	ListUsers() ([]store.User, error)
	UpsertUsers(users []store.User) error
	ListMessages(conversationID string, beforeTs int64, limit int) ([]store.Message, error)
	SearchMessages(query, conversationID string, limit int) ([]store.SearchResult, error)
	Counts() (chats, messages, pending int64, err error)
}

// Activator starts the live session for a user after login.
type Activator interface {
	Activate(ctx context.Context, userID string) error
}

// Identity exposes the stored user id.
type Identity interface {
	UserID() string
}

// Deps are the collaborators of Service.
type Deps struct {
	Profile  string
	Machine  *status.Machine
	Bus      *bus.Bus
	Auth     Auth
	Engine   Engine
	Composer Composer
	Journal  Journal
	Sessions Activator
	Identity Identity
	Logger   *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	Deps
	startedAt time.Time
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	return &Service{Deps: d, startedAt: time.Now()}
}

var defaultWatch = []string{bus.NamespaceChat, bus.NamespaceMessage, bus.NamespaceSession, bus.NamespaceTransport}

func (s *Service) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.Engine.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	out := map[string]any{
		"profile":   s.Profile,
		"status":    string(s.Machine.Current()),
		"since":     ts(s.Machine.Since()),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"user_id":   snap.LocalUserID,
		"session":   sessionMap(snap.Session),
	}
	if chats, msgs, pending, err := s.Journal.Counts(); err == nil {
		out["chats"], out["messages"], out["pending"] = chats, msgs, pending
	}
	return reply(out)
}

func (s *Service) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := str(req, "email")
	if email == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email is required")
	}
	p, err := s.Auth.Login(ctx, backend.LoginRequest{
		Email:    email,
		Password: str(req, "password"),
		OTP:      str(req, "otp"),
	})
	if err != nil {
		return nil, toStatus("login", err)
	}
	return s.activate(ctx, p)
}

func (s *Service) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := backend.RegisterRequest{Name: str(req, "name"), Email: str(req, "email"), Password: str(req, "password")}
	if r.Email == "" || r.Password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email and password are required")
	}
	p, err := s.Auth.Register(ctx, r)
	if err != nil {
		return nil, toStatus("register", err)
	}
	return s.activate(ctx, p)
}

func (s *Service) activate(ctx context.Context, p chat.Profile) (*structpb.Struct, error) {
	if p.ID == "" {
		p.ID = s.Identity.UserID()
	}
	if p.ID == "" {
		return nil, grpcstatus.Error(codes.Internal, "logged in but no user id could be determined")
	}
	if err := s.Sessions.Activate(ctx, p.ID); err != nil {
		return nil, toStatus("activate session", err)
	}
	s.Logger.Info("logged in", zap.String("user_id", p.ID))
	return reply(profileMap(p))
}

func (s *Service) RequestOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := str(req, "email")
	if email == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email is required")
	}
	if err := s.Auth.RequestOTP(ctx, email); err != nil {
		return nil, toStatus("request otp", err)
	}
	return reply(map[string]any{"sent": true})
}

func (s *Service) ListChats(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := num(req, "limit", 50)
	chats, err := s.Journal.ListChats(limit, num(req, "offset", 0))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list chats: %v", err)
	}
	return reply(map[string]any{
		"chats":    list(chats, journalChatMap),
		"has_more": len(chats) == limit,
	})
}

// ListUsers returns the users a conversation can be started with. cached
// reads the journal instead of the backend.
func (s *Service) ListUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if boolean(req, "cached") {
		users, err := s.Journal.ListUsers()
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "list users: %v", err)
		}
		return reply(map[string]any{"users": list(users, func(u store.User) map[string]any {
			return profileMap(chat.Profile{ID: u.ID, Name: u.Name, Email: u.Email, ProfilePic: u.ProfilePic})
		})})
	}

	profiles, err := s.Auth.NonFriends(ctx)
	if err != nil {
		return nil, toStatus("list users", err)
	}
	rows := make([]store.User, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, store.User{ID: p.ID, Name: p.Name, Email: p.Email, ProfilePic: p.ProfilePic})
	}
	if err := s.Journal.UpsertUsers(rows); err != nil {
		s.Logger.Warn("failed to journal users", zap.Error(err))
	}
	return reply(map[string]any{"users": list(profiles, profileMap)})
}

func (s *Service) OpenConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "conversation_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.Engine.OpenConversation(ctx, id); err != nil {
		return nil, toStatus("open conversation", err)
	}
	return s.sessionReply(ctx)
}

func (s *Service) CloseConversation(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.Engine.CloseConversation(ctx); err != nil {
		return nil, toStatus("close conversation", err)
	}
	return s.sessionReply(ctx)
}

func (s *Service) sessionReply(ctx context.Context) (*structpb.Struct, error) {
	snap, err := s.Engine.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("snapshot", err)
	}
	return reply(sessionMap(snap.Session))
}

func (s *Service) CreateConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	peer := str(req, "peer_id")
	if peer == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peer_id is required")
	}
	sum, err := s.Engine.CreateConversation(ctx, peer)
	if err != nil {
		return nil, toStatus("create conversation", err)
	}
	return reply(summaryMap(sum, s.Identity.UserID()))
}

// ListMessages returns the active conversation's render-ready messages
// when conversation_id is empty or active, and journaled ones otherwise.
func (s *Service) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "conversation_id")
	snap, err := s.Engine.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if id == "" || (id == snap.Session.ConversationID && snap.Session.Phase != conversation.Closed) {
		if snap.Session.Phase == conversation.Closed {
			return nil, toStatus("list messages", conversation.ErrNoActiveConversation)
		}
		return reply(map[string]any{
			"session":  sessionMap(snap.Session),
			"messages": list(snap.Messages, messageMap),
		})
	}

	limit := num(req, "limit", 50)
	msgs, err := s.Journal.ListMessages(id, int64(num(req, "before", 0)), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return reply(map[string]any{
		"messages": list(msgs, journalMessageMap),
		"has_more": len(msgs) == limit,
	})
}

func (s *Service) SetInput(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.Composer.Input(ctx, str(req, "text")); err != nil {
		return nil, toStatus("set input", err)
	}
	return reply(map[string]any{})
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	d := composer.Draft{Text: str(req, "text"), ReplyTo: str(req, "reply_to")}
	if path := str(req, "file"); path != "" {
		f, closeFile, err := openAttachment(path)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment: %v", err)
		}
		defer closeFile()
		d.Attachment = f
	}
	msg, err := s.Composer.Send(ctx, d)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return reply(messageMap(msg))
}

func openAttachment(path string) (*upload.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closeFile := func() { _ = f.Close() }
	info, err := f.Stat()
	if err != nil {
		closeFile()
		return nil, nil, err
	}
	if info.IsDir() {
		closeFile()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		head := make([]byte, 512)
		n, _ := f.Read(head)
		ct = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			closeFile()
			return nil, nil, err
		}
	}
	return &upload.File{Name: filepath.Base(path), ContentType: ct, Size: info.Size(), Body: f}, closeFile, nil
}

func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "message_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	forEveryone := boolean(req, "for_everyone")
	err := s.Engine.Do(ctx, func(st *conversation.Store) error {
		return st.DeleteMessage(id, forEveryone)
	})
	if err != nil {
		return nil, toStatus("delete message", err)
	}
	return reply(map[string]any{"deleted": id})
}

func (s *Service) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q := str(req, "query")
	if q == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.Journal.SearchMessages(q, str(req, "conversation_id"), num(req, "limit", 50))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "search messages: %v", err)
	}
	return reply(map[string]any{"results": list(results, func(r store.SearchResult) map[string]any {
		m := journalMessageMap(r.Message)
		m["snippet"] = r.Snippet
		return m
	})})
}

// WatchEvents streams bus events under the requested namespaces until the
// client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream EventStream) error {
	namespaces := strs(req, "namespaces")
	if len(namespaces) == 0 {
		namespaces = defaultWatch
	}
	ctx := stream.Context()
	events := make(chan bus.Event, 256)
	for _, ns := range namespaces {
		ch, unsub := s.Bus.Subscribe(ns, 256)
		defer unsub()
		go func() {
			for {
				select {
				case evt := <-ch:
					select {
					case events <- evt:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case evt := <-events:
			env, err := structpb.NewStruct(map[string]any{
				"id":      uuid.NewString(),
				"kind":    evt.Kind,
				"at":      ts(evt.Timestamp),
				"payload": eventPayload(evt.Payload),
			})
			if err != nil {
				s.Logger.Warn("unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
