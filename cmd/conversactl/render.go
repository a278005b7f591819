package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/conversa/internal/presence"
)

// Reply accessors. structpb numbers decode as float64.

func field(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func count(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func truthy(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func object(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

func items(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if o, ok := r.(map[string]any); ok {
			out = append(out, o)
		}
	}
	return out
}

func when(m map[string]any, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, field(m, key))
	return t
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func printSession(sess map[string]any) {
	if sess == nil || field(sess, "phase") == "CLOSED" {
		fmt.Println("Conversation: none")
		return
	}
	peer := object(sess, "peer")
	fmt.Printf("Conversation: %s (%s)\n", field(sess, "conversation_id"), field(sess, "phase"))
	if name := field(peer, "name"); name != "" {
		line := presence.FormatLastSeen(time.Now(), truthy(peer, "is_online"), when(peer, "last_seen"))
		if truthy(sess, "peer_typing") {
			line = "typing..."
		}
		fmt.Printf("Peer:         %s, %s\n", name, line)
	}
	if truthy(sess, "degraded") {
		fmt.Println("Connection:   degraded, live updates paused")
	}
}

func printMessage(m map[string]any) {
	body := field(m, "text")
	if url := field(m, "attachment_url"); url != "" {
		if body != "" {
			body += " "
		}
		body += "[" + url + "]"
	}
	marker := ""
	if st := field(m, "status"); st != "" && st != "sent" {
		marker = " (" + st + ")"
	}
	fmt.Printf("%-14s %-12s %s%s\n", ago(when(m, "created_at")), field(m, "sender_id"), body, marker)
}
