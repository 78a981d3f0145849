package models

// ConnState is the lifecycle state of a transport connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// ScopeKind distinguishes chat rooms from per-user notification streams.
type ScopeKind string

const (
	ScopeRoom          ScopeKind = "room"
	ScopeRoomList      ScopeKind = "roomlist"
	ScopeNotifications ScopeKind = "notifications"
)

// Scope is a logical subscription boundary: one chat room, the room list
// of a session, or one user's notification stream. Topic is the STOMP
// destination pushed events arrive on and Resource is the REST path pages
// are fetched from. Outbound, when set, is where the user's own messages
// are sent.
type Scope struct {
	ID       string    `yaml:"id"`
	Kind     ScopeKind `yaml:"kind"`
	Topic    string    `yaml:"topic"`
	Resource string    `yaml:"resource"`
	Outbound string    `yaml:"outbound,omitempty"`
}
