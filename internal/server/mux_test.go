package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/roomsync/internal/models"
)

type fakeSnapshots map[string]models.Snapshot

func (f fakeSnapshots) Snapshot(id string) (models.Snapshot, bool) {
	s, ok := f[id]
	return s, ok
}

func newTestMux(snaps fakeSnapshots, ids ...string) *http.ServeMux {
	return NewMux(MuxConfig{
		Snapshots: snaps,
		ScopeIDs:  func() []string { return ids },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func get(t *testing.T, mux http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_AllConnected(t *testing.T) {
	mux := newTestMux(fakeSnapshots{
		"a": {ScopeID: "a", Connected: true},
		"b": {ScopeID: "b", Connected: true},
	}, "a", "b")

	rec := get(t, mux, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"offline":null}`, rec.Body.String())
}

func TestHealthz_OfflineScope(t *testing.T) {
	mux := newTestMux(fakeSnapshots{
		"a": {ScopeID: "a", Connected: true},
		"b": {ScopeID: "b"},
	}, "a", "b", "c")

	rec := get(t, mux, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ok":false,"offline":["b","c"]}`, rec.Body.String())
}

func TestScopes(t *testing.T) {
	mux := newTestMux(fakeSnapshots{
		"a": {
			ScopeID:            "a",
			Connected:          true,
			Items:              []models.Item{{ID: "1"}, {ID: "2"}},
			HasMore:            true,
			UnreadCount:        3,
			LastMessagePreview: "hi",
		},
	}, "a", "missing")

	rec := get(t, mux, "/scopes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []scopeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, scopeStatus{ID: "a", Connected: true, Items: 2, HasMore: true, UnreadCount: 3, LastPreview: "hi"}, got[0])
	assert.Equal(t, scopeStatus{ID: "missing"}, got[1])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestMux(fakeSnapshots{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestMux(fakeSnapshots{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scopes", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
