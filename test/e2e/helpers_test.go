package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/portal"
	"github.com/alexjbarnes/roomsync/internal/reconciler"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/alexjbarnes/roomsync/internal/subscription"
	"github.com/alexjbarnes/roomsync/internal/transport"
)

const (
	testToken    = "e2e-token"
	testUserID   = "me"
	testResource = "/api/rooms/1/messages"
	testTopic    = "/topic/room.1"
)

var testRoom = models.Scope{
	ID:       "room-1",
	Kind:     models.ScopeRoom,
	Topic:    testTopic,
	Resource: testResource,
}

// fakePortal serves history pages, read acknowledgements and a STOMP
// broker on /ws, all behind the same bearer token.
type fakePortal struct {
	t *testing.T

	mu     sync.Mutex
	pages  map[int]string
	marked []string
	ws     *websocket.Conn
	subs   map[string]string

	sessions   atomic.Int32
	subscribed chan string
}

func newFakePortal(t *testing.T) *fakePortal {
	return &fakePortal{
		t:          t,
		pages:      make(map[int]string),
		subs:       make(map[string]string),
		subscribed: make(chan string, 16),
	}
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/ws":
		p.serveBroker(w, r)
	case r.Method == http.MethodGet && r.URL.Path == testResource:
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))

		p.mu.Lock()
		body, ok := p.pages[page]
		p.mu.Unlock()

		if !ok {
			body = "[]"
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	case r.Method == http.MethodPost && r.URL.Path == testResource+"/read":
		var req struct {
			UptoID string `json:"uptoId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		p.mu.Lock()
		p.marked = append(p.marked, req.UptoID)
		p.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePortal) serveBroker(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	p.sessions.Add(1)

	p.mu.Lock()
	p.ws = ws
	p.subs = make(map[string]string)
	p.mu.Unlock()

	ctx := r.Context()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT:
			// Like Spring's simple broker without a task scheduler: no
			// heart-beats either way.
			p.write(ctx, ws, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
		case frame.SUBSCRIBE:
			dest := f.Header.Get(frame.Destination)

			p.mu.Lock()
			p.subs[dest] = f.Header.Get(frame.Id)
			p.mu.Unlock()

			p.subscribed <- dest
		case frame.UNSUBSCRIBE:
			p.mu.Lock()
			for dest, id := range p.subs {
				if id == f.Header.Get(frame.Id) {
					delete(p.subs, dest)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *fakePortal) write(ctx context.Context, ws *websocket.Conn, f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		p.t.Errorf("encoding broker frame: %v", err)
		return
	}

	_ = ws.Write(ctx, websocket.MessageText, buf.Bytes())
}

// push delivers an event envelope to the current subscriber of dest.
func (p *fakePortal) push(t *testing.T, dest, envelope string) {
	t.Helper()

	p.mu.Lock()
	ws, sub := p.ws, p.subs[dest]
	p.mu.Unlock()

	require.NotNil(t, ws, "no broker session")
	require.NotEmpty(t, sub, "nobody subscribed to %s", dest)

	msg := frame.New(frame.MESSAGE,
		frame.Subscription, sub,
		frame.Destination, dest,
		frame.MessageId, strconv.Itoa(int(time.Now().UnixNano())),
	)
	msg.Body = []byte(envelope)

	p.write(context.Background(), ws, msg)
}

// drop closes the current broker session as a restarting server would.
func (p *fakePortal) drop() {
	p.mu.Lock()
	ws := p.ws
	p.ws = nil
	p.mu.Unlock()

	if ws != nil {
		ws.Close(websocket.StatusGoingAway, "restarting")
	}
}

func (p *fakePortal) setPage(page int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pages[page] = body
}

func (p *fakePortal) markedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.marked...)
}

func (p *fakePortal) waitSubscribed(t *testing.T, dest string) {
	t.Helper()

	select {
	case got := <-p.subscribed:
		require.Equal(t, dest, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("no SUBSCRIBE for %s", dest)
	}
}

// harness is the full client stack against a fake portal: transport,
// subscription registry, reconciler engine, REST client and bbolt state.
type harness struct {
	Portal   *fakePortal
	Engine   *reconciler.Engine
	Manager  *transport.Manager
	Registry *subscription.Registry
	State    *state.State
	Conn     *transport.Conn
	WSURL    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fp := newFakePortal(t)
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.DiscardHandler)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := portal.NewClient(srv.Client(), srv.URL, testToken)
	engine := reconciler.New(reconciler.Config{PageSize: 2, UserID: testUserID}, client, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	manager := transport.NewManager(transport.Options{
		URL:               wsURL,
		HandshakeTimeout:  2 * time.Second,
		ReconnectMin:      10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, logger)

	t.Cleanup(func() {
		_ = manager.CloseAll()
		cancel()
		<-done
	})

	return &harness{
		Portal:   fp,
		Engine:   engine,
		Manager:  manager,
		Registry: subscription.New(logger),
		State:    st,
		WSURL:    wsURL,
	}
}

// connect mounts the test room, opens its connection and subscribes its
// topic the way the CLI does.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, h.Engine.Mount(ctx, testRoom))

	conn, err := h.Manager.Open(ctx, testRoom.ID, transport.Credentials{Token: testToken})
	require.NoError(t, err)

	conn.OnStateChange(func(s models.ConnState) {
		_ = h.Engine.OnConnState(ctx, testRoom.ID, s)
	})
	require.NoError(t, h.Engine.OnConnState(ctx, testRoom.ID, conn.State()))

	_, err = h.Registry.Subscribe(ctx, conn, testTopic, func(body []byte) {
		_ = h.Engine.OnInboundFrame(ctx, testTopic, body)
	})
	require.NoError(t, err)

	h.Portal.waitSubscribed(t, testTopic)
	h.Conn = conn
}

func (h *harness) snapshot(t *testing.T) models.Snapshot {
	t.Helper()

	snap, ok := h.Engine.Snapshot(testRoom.ID)
	require.True(t, ok)

	return snap
}

func (h *harness) eventually(t *testing.T, cond func(models.Snapshot) bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		snap, ok := h.Engine.Snapshot(testRoom.ID)
		return ok && cond(snap)
	}, 5*time.Second, 10*time.Millisecond)
}

func created(id string, ms int64, sender, content string) string {
	return `{"type":"Created","item":{"id":"` + id + `","createdAt":` + strconv.FormatInt(ms, 10) +
		`,"payload":{"senderId":"` + sender + `","content":"` + content + `"}}}`
}

func itemIDs(items []models.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}

	return out
}
