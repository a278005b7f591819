package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces used across the daemon. Inbound realtime frames are published
// under NamespaceRealtime + <wire event name>.
const (
	NamespaceRealtime  = "rt."
	NamespaceTransport = "transport."
	NamespaceChat      = "chat."
	NamespaceMessage   = "message."
	NamespaceSession   = "session."
)

// Kinds published outside the realtime namespace.
const (
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	KindSessionChanged   = "chat.session_changed"
	KindMessageAppended  = "chat.message_appended"
	KindMessageUpdated   = "chat.message_updated"
	KindMessageRemoved   = "chat.message_removed"
	KindChatListChanged  = "chat.list_changed"
	KindHistoryLoaded    = "chat.history_loaded"
	KindEchoReconciled   = "message.echo_reconciled"
	KindTypingChanged    = "chat.typing_changed"
	KindPresenceChanged  = "chat.presence_changed"
	KindSendStarted      = "message.send_started"
	KindSendUnconfirmed  = "message.send_unconfirmed"
	KindSendAborted      = "message.send_aborted"
	KindStatusChanged    = "session.status_changed"
	KindLocalUserChanged = "session.user_changed"
)
