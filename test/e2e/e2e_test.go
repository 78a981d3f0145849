package e2e_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/transport"
)

// --- history and live pushes ---

func TestHistoryThenLivePush(t *testing.T) {
	h := newHarness(t)
	h.Portal.setPage(0, `[` +
		`{"id":"m-3","createdAt":3000,"payload":{"senderId":"u2","content":"three"}},` +
		`{"id":"m-4","createdAt":4000,"payload":{"senderId":"u2","content":"four"}}]`)
	h.Portal.setPage(1, `{"content":[` +
		`{"id":"m-1","createdAt":1000,"payload":{"senderId":"u2","content":"one"}},` +
		`{"id":"m-2","createdAt":2000,"payload":{"senderId":"u2","content":"two"}}]}`)
	h.connect(t)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, h.Engine.LoadOlderPage(ctx, testRoom.ID))
	}

	snap := h.snapshot(t)
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4"}, itemIDs(snap.Items))
	assert.False(t, snap.HasMore, "empty page ends history")
	assert.Zero(t, snap.UnreadCount, "history does not count as unread")

	h.Portal.push(t, testTopic, created("m-5", 5000, "u2", "five"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 5 })

	h.Portal.push(t, testTopic, created("m-4", 4000, "u2", "four"))
	h.Portal.push(t, testTopic, `{"type":"Heartbeat"}`)
	h.Portal.push(t, testTopic, `{not json`)
	h.Portal.push(t, testTopic, created("m-6", 6000, "u2", "six"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 6 })

	snap = h.snapshot(t)
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4", "m-5", "m-6"}, itemIDs(snap.Items))
	assert.Equal(t, 2, snap.UnreadCount)
	assert.Equal(t, "six", snap.LastMessagePreview)
	assert.True(t, snap.Connected)
}

func TestDeletePushRemovesItem(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.Portal.push(t, testTopic, created("m-1", 1000, "u2", "one"))
	h.Portal.push(t, testTopic, created("m-2", 2000, "u2", "two"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 2 })

	h.Portal.push(t, testTopic, `{"type":"Deleted","item":{"id":"m-1"}}`)
	h.eventually(t, func(s models.Snapshot) bool {
		return len(s.Items) == 1 && s.Items[0].ID == "m-2"
	})
}

// --- read state ---

func TestMarkReadAcknowledgedAndPersisted(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.Portal.push(t, testTopic, created("m-1", 1000, "u2", "one"))
	h.Portal.push(t, testTopic, created("m-2", 2000, "u2", "two"))
	h.eventually(t, func(s models.Snapshot) bool { return s.UnreadCount == 2 })

	require.NoError(t, h.Engine.MarkRead(context.Background(), testRoom.ID, "m-2"))

	assert.Zero(t, h.snapshot(t).UnreadCount)
	assert.Equal(t, []string{"m-2"}, h.Portal.markedIDs())

	w, err := h.State.Watermark(testRoom.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-2", w.ID)

	// A late Created for an item at or below the watermark is not unread.
	h.Portal.push(t, testTopic, created("m-0", 500, "u2", "late"))
	h.Portal.push(t, testTopic, created("m-3", 3000, "u2", "three"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 4 })
	assert.Equal(t, 1, h.snapshot(t).UnreadCount)
}

func TestOwnEchoFoldsIntoServerCreated(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	echoed, err := h.Engine.Echo(context.Background(), testRoom.ID, models.Item{
		Payload: []byte(`{"senderId":"me","content":"hello"}`),
	})
	require.NoError(t, err)

	h.Portal.push(t, testTopic, created(echoed.ID, 9000, testUserID, "hello"))
	h.Portal.push(t, testTopic, created("m-x", 9500, "u2", "reply"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 2 })

	snap := h.snapshot(t)
	assert.ElementsMatch(t, []string{echoed.ID, "m-x"}, itemIDs(snap.Items))
	assert.Equal(t, 1, snap.UnreadCount, "only the reply counts")
}

// --- connection lifecycle ---

func TestReconnectResubscribes(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.Portal.drop()
	h.Portal.waitSubscribed(t, testTopic)

	require.Eventually(t, func() bool {
		return h.Portal.sessions.Load() >= 2 && h.Conn.Connected()
	}, 5*time.Second, 10*time.Millisecond)

	h.Portal.push(t, testTopic, created("m-1", 1000, "u2", "after restart"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 1 && s.Connected })
}

func TestQuietBrokerKeepsOneSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	// Far longer than the client heart-beat interval with nothing on the wire.
	assert.Never(t, func() bool {
		return h.Portal.sessions.Load() > 1 || !h.Conn.Connected()
	}, 500*time.Millisecond, 10*time.Millisecond)

	h.Portal.push(t, testTopic, created("m-1", 1000, "u2", "still here"))
	h.eventually(t, func(s models.Snapshot) bool { return len(s.Items) == 1 && s.Connected })
}

func TestWrongTokenIsRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.Manager.Open(context.Background(), "room-2", transport.Credentials{Token: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, roomerrors.ErrAuthRejected))

	var ce *roomerrors.ConnectionError
	assert.True(t, errors.As(err, &ce))
}
