package models

import "time"

// EventType tags an inbound push envelope.
type EventType string

const (
	EventCreated   EventType = "Created"
	EventUpdated   EventType = "Updated"
	EventDeleted   EventType = "Deleted"
	EventHeartbeat EventType = "Heartbeat"
	EventConnect   EventType = "Connect"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted, EventHeartbeat, EventConnect:
		return true
	default:
		return false
	}
}

// Mutates reports whether events of this type change cached items.
func (t EventType) Mutates() bool {
	return t == EventCreated || t == EventUpdated || t == EventDeleted
}

// Envelope is the JSON body of every frame pushed on a topic.
type Envelope struct {
	Type    EventType `json:"type"`
	ScopeID string    `json:"scopeId,omitempty"`
	Item    *Item     `json:"item,omitempty"`
}

// ChangeKind describes what a cache mutation did, so a viewport can decide
// how to anchor its scroll position.
type ChangeKind string

const (
	ChangeInitialLoad        ChangeKind = "InitialLoad"
	ChangeOlderPagePrepended ChangeKind = "OlderPagePrepended"
	ChangeNewItemAppended    ChangeKind = "NewItemAppended"
	ChangeItemUpdated        ChangeKind = "ItemUpdated"
	ChangeItemRemoved        ChangeKind = "ItemRemoved"
	ChangeReset              ChangeKind = "Reset"
	ChangeUnread             ChangeKind = "UnreadChanged"
	ChangeLoadFailed         ChangeKind = "LoadFailed"
	ChangeConnection         ChangeKind = "ConnectionChanged"
)

// Change is emitted to cache listeners after every mutation of a scope.
type Change struct {
	ScopeID     string
	Kind        ChangeKind
	IsOwnAction bool
	ItemIDs     []string
}

// Watermark marks the newest item a user has read in a scope.
type Watermark struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Key returns the ordering key of the watermark item.
func (w Watermark) Key() Key {
	return Key{CreatedAt: w.CreatedAt, ID: w.ID}
}

// IsZero reports whether no watermark has been recorded.
func (w Watermark) IsZero() bool {
	return w.ID == ""
}

// Covers reports whether an item with key k is at or below the watermark.
// A watermark recorded for an item that was never cached carries no
// timestamp and only covers that exact id.
func (w Watermark) Covers(k Key) bool {
	if w.IsZero() {
		return false
	}

	if k.ID == w.ID {
		return true
	}

	if w.CreatedAt.IsZero() {
		return false
	}

	return k.Compare(w.Key()) <= 0
}

// Snapshot is a read-only view of a scope handed to UI collaborators.
type Snapshot struct {
	ScopeID            string
	Items              []Item
	Cursor             int
	HasMore            bool
	Loading            bool
	LoadFailed         bool
	Connected          bool
	UnreadCount        int
	LastMessage        *Item
	LastMessagePreview string
	Watermark          Watermark
}
