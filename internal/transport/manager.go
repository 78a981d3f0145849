// Package transport maintains one authenticated STOMP-over-WebSocket
// session per scope and reconnects it with backoff until closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/models"
)

// Manager opens and tracks the per-scope connections.
type Manager struct {
	opts   Options
	logger *slog.Logger
	dial   dialFunc

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a Manager. Zero option values take their defaults.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		logger: logger,
		dial:   dialWebSocket,
		conns:  make(map[string]*Conn),
	}
}

// Open dials the broker for scope and completes the STOMP handshake within
// the handshake timeout. Failures are *errors.ConnectionError values whose
// reason is ErrAuthRejected, ErrNetworkUnavailable or ErrTimeout. Once
// Open returns, the connection reconnects on its own until Close.
func (m *Manager) Open(ctx context.Context, scope string, creds Credentials) (*Conn, error) {
	m.mu.Lock()
	if _, ok := m.conns[scope]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("scope %q already has an open connection", scope)
	}

	var c *Conn
	c = newConn(scope, m.opts, creds, m.dial, func() { m.release(scope, c) }, m.logger.With(slog.String("scope", scope)))
	m.conns[scope] = c
	m.mu.Unlock()

	c.setState(models.ConnConnecting)

	if err := c.connect(ctx); err != nil {
		c.setState(models.ConnDisconnected)
		m.release(scope, c)

		return nil, err
	}

	c.setState(models.ConnConnected)

	if !c.start() {
		// Closed while the handshake was in flight.
		c.dropSocket(websocket.StatusNormalClosure, "closed")
		c.setState(models.ConnDisconnected)

		return nil, fmt.Errorf("opening %q: %w", scope, roomerrors.ErrClosed)
	}

	return c, nil
}

// Get returns the open connection for scope, if any.
func (m *Manager) Get(scope string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[scope]

	return c, ok
}

// Close closes one connection. A nil or already closed connection is a no-op.
func (m *Manager) Close(c *Conn) error {
	if c == nil {
		return nil
	}

	return c.Close()
}

// CloseAll closes every open connection.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var errs []error

	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) release(scope string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns[scope] == c {
		delete(m.conns, scope)
	}
}
