package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/conversa/internal/chat"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/status"
	"github.com/matheus3301/conversa/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request field accessors. Missing or mistyped fields read as zero.

func str(req *structpb.Struct, key string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[key].GetStringValue()
}

func num(req *structpb.Struct, key string, def int) int {
	if req == nil {
		return def
	}
	v, ok := req.GetFields()[key]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	return int(v.GetNumberValue())
}

func boolean(req *structpb.Struct, key string) bool {
	if req == nil {
		return false
	}
	return req.GetFields()[key].GetBoolValue()
}

func strs(req *structpb.Struct, key string) []string {
	if req == nil {
		return nil
	}
	var out []string
	for _, v := range req.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func reply(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func ms(v int64) any {
	if v == 0 {
		return nil
	}
	return time.UnixMilli(v).UTC().Format(time.RFC3339Nano)
}

func profileMap(p chat.Profile) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"email":       p.Email,
		"profile_pic": p.ProfilePic,
		"is_online":   p.IsOnline,
		"last_seen":   ts(p.LastSeen),
	}
}

func messageMap(m chat.Message) map[string]any {
	seen := make([]any, 0, len(m.SeenBy))
	for _, s := range m.SeenBy {
		seen = append(seen, map[string]any{"user_id": s.UserID, "seen_at": ts(s.SeenAt)})
	}
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"text":            m.Text,
		"attachment_url":  m.AttachmentURL,
		"reply_to":        m.ReplyToID,
		"created_at":      ts(m.CreatedAt),
		"seen_by":         seen,
		"reaction":        m.Reaction,
		"client_msg_id":   m.ClientMsgID,
		"status":          string(m.Status),
	}
}

func summaryMap(s chat.Summary, localID string) map[string]any {
	members := make([]any, 0, len(s.Members))
	for _, m := range s.Members {
		members = append(members, profileMap(m))
	}
	out := map[string]any{
		"id":         s.ID,
		"members":    members,
		"preview":    s.LatestMessagePreview,
		"updated_at": ts(s.UpdatedAt),
	}
	if peer, ok := s.Peer(localID); ok {
		out["peer_id"] = peer.ID
		out["peer_name"] = peer.Name
	}
	return out
}

func sessionMap(s conversation.Session) map[string]any {
	return map[string]any{
		"conversation_id": s.ConversationID,
		"phase":           s.Phase.String(),
		"peer":            profileMap(s.Peer),
		"peer_typing":     s.PeerTyping,
		"loading":         s.Loading,
		"degraded":        s.Degraded,
	}
}

func journalChatMap(c store.Chat) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"peer_id":    c.PeerID,
		"peer_name":  c.PeerName,
		"preview":    c.Preview,
		"updated_at": ms(c.UpdatedAt),
	}
}

func journalMessageMap(m store.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"text":            m.Body,
		"attachment_url":  m.AttachmentURL,
		"reply_to":        m.ReplyTo,
		"client_msg_id":   m.ClientMsgID,
		"status":          m.Status,
		"created_at":      ms(m.CreatedAt),
	}
}

func list[T any](items []T, fn func(T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

// eventPayload renders a bus payload for WatchEvents.
func eventPayload(payload any) any {
	switch p := payload.(type) {
	case nil:
		return nil
	case string:
		return p
	case conversation.MessageEvent:
		return map[string]any{"message": messageMap(p.Message), "replaced_id": p.ReplacedID}
	case conversation.RemovedEvent:
		return map[string]any{"conversation_id": p.ConversationID, "message_id": p.MessageID}
	case conversation.EchoEvent:
		return map[string]any{"client_msg_id": p.Token, "message_id": p.MessageID, "conversation_id": p.ConversationID}
	case conversation.HistoryEvent:
		return map[string]any{"conversation_id": p.ConversationID, "count": len(p.Messages)}
	case conversation.ChatListEvent:
		return map[string]any{"replaced": p.Replaced, "chats": list(p.Chats, func(s chat.Summary) map[string]any { return summaryMap(s, "") })}
	case conversation.TypingEvent:
		return map[string]any{"conversation_id": p.ConversationID, "user_id": p.UserID, "typing": p.Typing}
	case conversation.PresenceEvent:
		return map[string]any{"conversation_id": p.ConversationID, "peer": profileMap(p.Peer)}
	case conversation.SendEvent:
		return map[string]any{"client_msg_id": p.Token, "conversation_id": p.ConversationID}
	case conversation.Session:
		return sessionMap(p)
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	default:
		return fmt.Sprint(p)
	}
}
