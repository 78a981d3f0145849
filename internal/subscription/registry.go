// Package subscription tracks topic subscriptions on transport connections
// and replays them after every reconnect.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/metrics"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/transport"
)

const resubscribeTimeout = 5 * time.Second

// Conn is the part of a transport connection the registry drives.
// *transport.Conn satisfies it.
type Conn interface {
	Scope() string
	Connected() bool
	Subscribe(ctx context.Context, id, dest string) error
	Unsubscribe(ctx context.Context, id string) error
	OnStateChange(fn func(models.ConnState))
	OnMessage(fn func(transport.Message))
}

// Handler receives the raw body of every frame pushed on a subscription.
// It runs on the connection's goroutine.
type Handler func(body []byte)

// Handle is one caller's subscription to a topic.
type Handle struct {
	id      string
	topic   string
	conn    Conn
	handler Handler

	// guarded by Registry.mu
	active  bool
	removed bool
}

// ID returns the STOMP subscription id.
func (h *Handle) ID() string { return h.id }

// Topic returns the subscribed destination.
func (h *Handle) Topic() string { return h.topic }

type attached struct {
	handles map[string]*Handle
	order   []string
}

// Registry owns every Handle across connections.
type Registry struct {
	logger     *slog.Logger
	connectAck []byte

	mu      sync.Mutex
	nextID  uint64
	conns   map[Conn]*attached
	onError func(error)
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	ack, _ := json.Marshal(models.Envelope{Type: models.EventConnect})

	return &Registry{
		logger:     logger,
		connectAck: ack,
		conns:      make(map[Conn]*attached),
	}
}

// OnError sets the hook called when the transport refuses a subscription.
func (r *Registry) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Subscribe registers handler for topic on conn. When conn is connected the
// SUBSCRIBE frame goes out immediately; otherwise it is sent on the next
// Connected transition. A refused SUBSCRIBE is reported through OnError and
// retried on the next transition; the handle stays registered.
func (r *Registry) Subscribe(ctx context.Context, conn Conn, topic string, handler Handler) (*Handle, error) {
	if conn == nil {
		return nil, errors.New("subscribing: nil connection")
	}

	if topic == "" {
		return nil, errors.New("subscribing: empty topic")
	}

	if handler == nil {
		return nil, fmt.Errorf("subscribing %q: nil handler", topic)
	}

	r.mu.Lock()
	a := r.attach(conn)
	r.nextID++
	h := &Handle{
		id:      fmt.Sprintf("sub-%d", r.nextID),
		topic:   topic,
		conn:    conn,
		handler: handler,
	}
	a.handles[h.id] = h
	a.order = append(a.order, h.id)
	r.mu.Unlock()

	if conn.Connected() {
		r.send(ctx, h)
	}

	return h, nil
}

// Unsubscribe removes h. Other handles on the same topic are unaffected.
// Calling it again, or with nil, is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	if h.removed {
		r.mu.Unlock()
		return nil
	}

	h.removed = true
	wasActive := h.active
	h.active = false

	if a, ok := r.conns[h.conn]; ok {
		delete(a.handles, h.id)
	}
	r.mu.Unlock()

	if !wasActive || !h.conn.Connected() {
		return nil
	}

	if err := h.conn.Unsubscribe(ctx, h.id); err != nil {
		return fmt.Errorf("unsubscribing %q: %w", h.topic, err)
	}

	return nil
}

// Forget drops conn and every handle still on it without sending any
// frames. Call it once conn is closed for good.
func (r *Registry) Forget(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.conns[conn]
	if !ok {
		return
	}

	for _, h := range a.handles {
		h.removed = true
		h.active = false
	}

	delete(r.conns, conn)
}

// Active reports whether the broker currently holds h's subscription.
func (r *Registry) Active(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return h.active
}

// Len returns the number of live handles on conn.
func (r *Registry) Len(conn Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.conns[conn]; ok {
		return len(a.handles)
	}

	return 0
}

// attach hooks the registry into conn the first time it is seen. Callers
// hold r.mu.
func (r *Registry) attach(conn Conn) *attached {
	if a, ok := r.conns[conn]; ok {
		return a
	}

	a := &attached{handles: make(map[string]*Handle)}
	r.conns[conn] = a

	conn.OnStateChange(func(s models.ConnState) { r.onState(conn, s) })
	conn.OnMessage(func(m transport.Message) { r.dispatch(conn, m) })

	return a
}

func (r *Registry) handles(conn Conn) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.conns[conn]
	if !ok {
		return nil
	}

	hs := make([]*Handle, 0, len(a.handles))
	live := a.order[:0]

	for _, id := range a.order {
		if h, ok := a.handles[id]; ok {
			hs = append(hs, h)
			live = append(live, id)
		}
	}

	a.order = live

	return hs
}

// send writes SUBSCRIBE for h and records the outcome.
func (r *Registry) send(ctx context.Context, h *Handle) bool {
	err := h.conn.Subscribe(ctx, h.id, h.topic)

	r.mu.Lock()
	if h.removed {
		r.mu.Unlock()
		return false
	}

	h.active = err == nil
	onError := r.onError
	r.mu.Unlock()

	if err == nil {
		return true
	}

	var se *roomerrors.SubscriptionError
	if !errors.As(err, &se) {
		err = &roomerrors.SubscriptionError{Topic: h.topic, Err: err}
	}

	metrics.SubscriptionErrors.Inc()
	r.logger.Warn("subscribe failed, will retry on reconnect",
		slog.String("scope", h.conn.Scope()),
		slog.String("topic", h.topic),
		slog.String("error", err.Error()),
	)

	if onError != nil {
		onError(err)
	}

	return false
}

func (r *Registry) onState(conn Conn, s models.ConnState) {
	switch s {
	case models.ConnConnected:
		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		defer cancel()

		var ready []*Handle

		for _, h := range r.handles(conn) {
			if r.send(ctx, h) {
				ready = append(ready, h)
			}
		}

		r.logger.Info("resubscribed",
			slog.String("scope", conn.Scope()),
			slog.Int("topics", len(ready)),
		)

		for _, h := range ready {
			h.handler(r.connectAck)
		}

	case models.ConnDisconnected:
		r.mu.Lock()
		if a, ok := r.conns[conn]; ok {
			for _, h := range a.handles {
				h.active = false
			}
		}
		r.mu.Unlock()
	}
}

func (r *Registry) dispatch(conn Conn, m transport.Message) {
	r.mu.Lock()

	var h *Handle
	if a, ok := r.conns[conn]; ok {
		h = a.handles[m.Subscription]
	}
	r.mu.Unlock()

	if h == nil {
		r.logger.Debug("message for unknown subscription",
			slog.String("subscription", m.Subscription),
			slog.String("destination", m.Destination),
		)

		return
	}

	h.handler(m.Body)
}
