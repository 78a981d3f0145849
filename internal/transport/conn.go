package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"

	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/metrics"
	"github.com/alexjbarnes/roomsync/internal/models"
)

//go:generate mockgen -destination=mock_wsconn_test.go -package=transport -mock_names wsConn=MockWSConn . wsConn

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectMin      = 1 * time.Second
	defaultReconnectMax      = 30 * time.Second

	// silenceFactor is how many heart-beat intervals may pass without any
	// inbound bytes before the connection is treated as dropped.
	silenceFactor = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2

	inboundChanSize = 64
	wsReadLimit     = 1 << 20

	// disconnectTimeout bounds the best-effort DISCONNECT frame on Close.
	disconnectTimeout = 2 * time.Second
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// wsConn abstracts the WebSocket connection so Conn can be tested without
// a real broker. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, rawURL string, header http.Header) (wsConn, *http.Response, error)

func dialWebSocket(ctx context.Context, rawURL string, header http.Header) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp"},
	})
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// Options configures every connection a Manager opens.
type Options struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}

	if o.ReconnectMin <= 0 {
		o.ReconnectMin = defaultReconnectMin
	}

	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(defaultReconnectMax, o.ReconnectMin)
	}

	// Zero disables heart-beating in both directions.
	if o.HeartbeatInterval < 0 {
		o.HeartbeatInterval = 0
	}

	return o
}

// Credentials authenticate the STOMP session. Token is sent both as a
// bearer header on the upgrade request and as a CONNECT header.
type Credentials struct {
	Login    string
	Passcode string
	Token    string
}

type inboundMsg struct {
	data []byte
	err  error
}

// heartbeats are the periods negotiated for one STOMP session. A zero
// period turns that direction off.
type heartbeats struct {
	send   time.Duration
	expect time.Duration
}

// Conn is one authenticated STOMP-over-WebSocket session bound to a scope.
//
// A reader goroutine feeds raw messages to the run loop, which dispatches
// MESSAGE frames, watches heart-beats and reconnects with backoff after an
// unexpected drop. Writes come from the run loop and from callers
// (Subscribe, Send) so they are serialized by writeMu. State listeners run
// synchronously on the run loop and may call Subscribe from inside.
type Conn struct {
	scope  string
	opts   Options
	creds  Credentials
	logger *slog.Logger
	dial   dialFunc

	mu       sync.RWMutex
	ws       wsConn
	beats    heartbeats
	state    models.ConnState
	stateFns []func(models.ConnState)
	msgFns   []func(Message)

	writeMu   sync.Mutex
	lastWrite time.Time

	lastReadMu sync.Mutex
	lastRead   time.Time

	closing   atomic.Bool
	closeOnce sync.Once
	onClose   func()

	// lifeMu orders start against Close so a Conn closed while opening
	// never starts its run loop.
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(scope string, opts Options, creds Credentials, dial dialFunc, onClose func(), logger *slog.Logger) *Conn {
	return &Conn{
		scope:   scope,
		opts:    opts,
		creds:   creds,
		logger:  logger,
		dial:    dial,
		onClose: onClose,
		state:   models.ConnDisconnected,
	}
}

// Scope returns the scope id this connection serves.
func (c *Conn) Scope() string {
	return c.scope
}

// State returns the current connection state.
func (c *Conn) State() models.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Connected reports whether the session is established.
func (c *Conn) Connected() bool {
	return c.State() == models.ConnConnected
}

// OnStateChange registers a listener for state transitions. Listeners run
// on the connection's goroutine in registration order.
func (c *Conn) OnStateChange(fn func(models.ConnState)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

// OnMessage registers a listener for MESSAGE frames.
func (c *Conn) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.msgFns = append(c.msgFns, fn)
	c.mu.Unlock()
}

// Subscribe sends a SUBSCRIBE frame for dest under the given subscription id.
func (c *Conn) Subscribe(ctx context.Context, id, dest string) error {
	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, dest,
		frame.Ack, "auto",
	)
	if err := c.writeFrame(ctx, f); err != nil {
		return &roomerrors.SubscriptionError{Topic: dest, Err: err}
	}

	return nil
}

// Unsubscribe sends an UNSUBSCRIBE frame for the subscription id.
func (c *Conn) Unsubscribe(ctx context.Context, id string) error {
	return c.writeFrame(ctx, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

// Send publishes a JSON body to dest.
func (c *Conn) Send(ctx context.Context, dest string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, dest,
		frame.ContentType, "application/json",
	)
	f.Body = body

	return c.writeFrame(ctx, f)
}

// Close stops reconnecting, sends DISCONNECT and closes the socket. It is
// safe to call more than once.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closing.Store(true)

		err = c.shutdown()

		c.lifeMu.Lock()
		cancel, done := c.cancel, c.done
		c.lifeMu.Unlock()

		if cancel != nil {
			cancel()
		}

		if done != nil {
			<-done
		}

		c.setState(models.ConnDisconnected)

		if c.onClose != nil {
			c.onClose()
		}

		c.logger.Info("connection closed")
	})

	return err
}

// start launches the run loop. It reports false when Close already ran.
func (c *Conn) start() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.closing.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)

	return true
}

// connect dials, performs the STOMP handshake and installs the socket.
func (c *Conn) connect(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	c.logger.Debug("connecting", slog.String("url", c.opts.URL))

	ws, resp, err := c.dial(hctx, c.opts.URL, c.upgradeHeader())
	if err != nil {
		return c.connectionError(ctx, hctx, resp, err)
	}

	ws.SetReadLimit(wsReadLimit)

	beats, err := c.handshake(hctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "handshake failed")

		var connErr *roomerrors.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}

		return c.connectionError(ctx, hctx, nil, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.beats = beats
	c.mu.Unlock()

	c.touchRead()

	return nil
}

// handshake sends CONNECT, waits for CONNECTED and returns the heart-beat
// periods the broker agreed to. Split from connect so it can be tested
// against a mock wsConn.
func (c *Conn) handshake(ctx context.Context, ws wsConn) (heartbeats, error) {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersion,
		frame.Host, c.virtualHost(),
		frame.HeartBeat, c.heartBeatHeader(),
	)

	if c.creds.Login != "" {
		f.Header.Add(frame.Login, c.creds.Login)
		f.Header.Add(frame.Passcode, c.creds.Passcode)
	}

	if c.creds.Token != "" {
		f.Header.Add("Authorization", "Bearer "+c.creds.Token)
	}

	data, err := encodeFrame(f)
	if err != nil {
		return heartbeats{}, err
	}

	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return heartbeats{}, fmt.Errorf("sending CONNECT: %w", err)
	}

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return heartbeats{}, fmt.Errorf("reading handshake response: %w", err)
		}

		resp, err := decodeFrame(raw)
		if err != nil {
			return heartbeats{}, err
		}

		if resp == nil {
			continue
		}

		switch resp.Command {
		case frame.CONNECTED:
			header := resp.Header.Get(frame.HeartBeat)

			beats, err := negotiateHeartBeat(c.opts.HeartbeatInterval, header)
			if err != nil {
				c.logger.Warn("ignoring broker heart-beat header", slog.String("error", err.Error()))
			}

			c.logger.Info("stomp session established",
				slog.String("version", resp.Header.Get(frame.Version)),
				slog.String("heart_beat", header),
				slog.Duration("send_every", beats.send),
				slog.Duration("expect_every", beats.expect),
			)

			return beats, nil

		case frame.ERROR:
			return heartbeats{}, &roomerrors.ConnectionError{
				Scope:  c.scope,
				Reason: roomerrors.ErrAuthRejected,
				Err:    fmt.Errorf("broker refused session: %s", resp.Header.Get(frame.Message)),
			}

		default:
			c.logger.Debug("ignoring frame during handshake", slog.String("command", resp.Command))
		}
	}
}

func (c *Conn) connectionError(parent, hctx context.Context, resp *http.Response, err error) error {
	reason := roomerrors.ErrNetworkUnavailable

	switch {
	case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		reason = roomerrors.ErrAuthRejected
	case parent.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded)):
		reason = roomerrors.ErrTimeout
	}

	return &roomerrors.ConnectionError{Scope: c.scope, Reason: reason, Err: err}
}

func (c *Conn) upgradeHeader() http.Header {
	h := http.Header{}
	if c.creds.Token != "" {
		h.Set("Authorization", "Bearer "+c.creds.Token)
	}

	return h
}

func (c *Conn) virtualHost() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil || u.Hostname() == "" {
		return "/"
	}

	return u.Hostname()
}

func (c *Conn) heartBeatHeader() string {
	ms := c.opts.HeartbeatInterval.Milliseconds()
	return fmt.Sprintf("%d,%d", ms, ms)
}

// run owns the connection lifecycle until Close cancels ctx.
func (c *Conn) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := c.opts.ReconnectMin

	for {
		err := c.serve(ctx)

		c.dropSocket(websocket.StatusGoingAway, "reconnecting")
		c.setState(models.ConnDisconnected)

		if ctx.Err() != nil || c.closing.Load() {
			return
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		for {
			if !c.sleep(ctx, backoff+jitter(backoff)) {
				return
			}

			metrics.Reconnects.Inc()
			c.setState(models.ConnConnecting)

			err := c.connect(ctx)
			if err == nil {
				break
			}

			c.setState(models.ConnDisconnected)

			if ctx.Err() != nil || c.closing.Load() {
				return
			}

			c.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, c.opts.ReconnectMax)
		}

		backoff = c.opts.ReconnectMin

		c.setState(models.ConnConnected)
		c.logger.Info("reconnected")
	}
}

func jitter(backoff time.Duration) time.Duration {
	n := int64(backoff) / jitterDivisor
	if n <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(n)) //nolint:gosec // G404: math/rand is fine for reconnect jitter
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve processes one established session. It returns when the socket
// fails, the broker sends ERROR, heart-beats stop or ctx is cancelled.
func (c *Conn) serve(ctx context.Context) error {
	ws := c.socket()
	if ws == nil {
		return roomerrors.ErrNotConnected
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := startReader(connCtx, ws)

	var tick <-chan time.Time

	if beats := c.heartbeats(); beats.send > 0 || beats.expect > 0 {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.touchRead()

			if err := c.handleInbound(msg.data); err != nil {
				return err
			}

		case <-tick:
			if err := c.checkHeartbeat(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startReader reads ws until connCtx is cancelled or a read fails. The
// error is delivered as the final message.
func startReader(connCtx context.Context, ws wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := ws.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

func (c *Conn) handleInbound(data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
		return nil
	}

	if f == nil {
		return nil
	}

	metrics.FramesReceived.WithLabelValues(f.Command).Inc()

	switch f.Command {
	case frame.MESSAGE:
		msg := messageFromFrame(f)

		c.mu.RLock()
		fns := append([]func(Message){}, c.msgFns...)
		c.mu.RUnlock()

		for _, fn := range fns {
			fn(msg)
		}

	case frame.ERROR:
		return fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))

	case frame.RECEIPT:
		c.logger.Debug("receipt", slog.String("receipt_id", f.Header.Get(frame.ReceiptId)))

	default:
		c.logger.Debug("unexpected frame", slog.String("command", f.Command))
	}

	return nil
}

// checkHeartbeat enforces the periods negotiated for the current session:
// it fails once the broker has been silent for silenceFactor periods and
// sends an EOL when nothing was written for a send period.
func (c *Conn) checkHeartbeat(ctx context.Context) error {
	beats := c.heartbeats()

	if beats.expect > 0 {
		c.lastReadMu.Lock()
		silent := time.Since(c.lastRead)
		c.lastReadMu.Unlock()

		if silent > silenceFactor*beats.expect {
			c.logger.Warn("no heart-beat from broker, closing", slog.Duration("silent", silent))
			return errHeartbeatTimeout
		}
	}

	if beats.send == 0 {
		return nil
	}

	c.writeMu.Lock()
	idle := time.Since(c.lastWrite)
	c.writeMu.Unlock()

	if idle < beats.send {
		return nil
	}

	if err := c.write(ctx, heartbeatEOL); err != nil {
		return fmt.Errorf("sending heart-beat: %w", err)
	}

	return nil
}

func (c *Conn) writeFrame(ctx context.Context, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	return c.write(ctx, data)
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws := c.socket()
	if ws == nil {
		return roomerrors.ErrNotConnected
	}

	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	c.lastWrite = time.Now()

	return nil
}

func (c *Conn) heartbeats() heartbeats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.beats
}

func (c *Conn) socket() wsConn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.ws
}

// dropSocket detaches and closes the current socket, if any.
func (c *Conn) dropSocket(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(code, reason)
	}
}

// shutdown sends a best-effort DISCONNECT and closes the socket normally.
func (c *Conn) shutdown() error {
	ws := c.socket()
	if ws == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if data, err := encodeFrame(frame.New(frame.DISCONNECT)); err == nil {
		c.writeMu.Lock()
		_ = ws.Write(ctx, websocket.MessageText, data)
		c.writeMu.Unlock()
	}

	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return nil
	}

	c.ws = nil
	c.mu.Unlock()

	if err := ws.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		return fmt.Errorf("closing websocket: %w", err)
	}

	return nil
}

func (c *Conn) touchRead() {
	c.lastReadMu.Lock()
	c.lastRead = time.Now()
	c.lastReadMu.Unlock()
}

// setState records a transition and notifies listeners. Repeated states
// are not re-announced.
func (c *Conn) setState(s models.ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}

	prev := c.state
	c.state = s
	fns := append([]func(models.ConnState){}, c.stateFns...)
	c.mu.Unlock()

	switch {
	case s == models.ConnConnected:
		metrics.ConnectedScopes.Inc()
	case prev == models.ConnConnected:
		metrics.ConnectedScopes.Dec()
	}

	c.logger.Debug("connection state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(s)),
	)

	for _, fn := range fns {
		fn(s)
	}
}
