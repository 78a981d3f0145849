package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// localDateTimeLayout matches timestamps serialized without a zone, which
// the portal backend emits for message creation times.
const localDateTimeLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a creation time that decodes from an RFC 3339 string, a
// zone-less ISO local date-time (read as UTC) or epoch milliseconds.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing epoch timestamp %s: %w", data, err)
		}

		ts.Time = time.UnixMilli(ms).UTC()

		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding timestamp string: %w", err)
	}

	if s == "" {
		ts.Time = time.Time{}
		return nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		ts.Time = t.UTC()
		return nil
	}

	t, err := time.ParseInLocation(localDateTimeLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	ts.Time = t

	return nil
}

// MarshalJSON implements json.Marshaler. The zero time encodes as null.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// Item is a cached entry: a chat message in a room scope or a room summary
// in a room-list scope. Payload carries the domain fields (content, sender,
// type) untouched.
type Item struct {
	ID        string          `json:"id"`
	ScopeID   string          `json:"scopeId,omitempty"`
	CreatedAt Timestamp       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key returns the ordering key of the item.
func (i Item) Key() Key {
	return Key{CreatedAt: i.CreatedAt.Time, ID: i.ID}
}

// Key orders items by creation time, using the id to break ties.
type Key struct {
	CreatedAt time.Time
	ID        string
}

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal
// to or after o.
func (k Key) Compare(o Key) int {
	if c := k.CreatedAt.Compare(o.CreatedAt); c != 0 {
		return c
	}

	switch {
	case k.ID < o.ID:
		return -1
	case k.ID > o.ID:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts strictly before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}
