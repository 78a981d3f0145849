package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/roomsync/internal/config"
	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/logging"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/portal"
	"github.com/alexjbarnes/roomsync/internal/reconciler"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/alexjbarnes/roomsync/internal/subscription"
	"github.com/alexjbarnes/roomsync/internal/transport"
	"github.com/alexjbarnes/roomsync/internal/viewport"
)

var Version = "dev"

// closeTimeout bounds the UNSUBSCRIBE sent when a scope stops.
const closeTimeout = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, level)

	scopes, err := config.LoadScopes(cfg.ScopesFile)
	if err != nil {
		return fmt.Errorf("loading scopes: %w", err)
	}

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	token, err := resolveToken(cfg, appState, logger)
	if err != nil {
		return err
	}

	logger.Info("roomsync starting",
		slog.String("version", Version),
		slog.Int("scopes", len(scopes)),
		slog.String("ws", cfg.WebSocketURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := portal.NewClient(nil, cfg.APIURL, token)

	engine := reconciler.New(reconciler.Config{
		PageSize:        cfg.PageSize,
		TombstoneWindow: cfg.TombstoneWindow,
		UserID:          cfg.UserID,
	}, client, appState, logger)

	manager := transport.NewManager(transport.Options{
		URL:               cfg.WebSocketURL,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)
	defer func() {
		if err := manager.CloseAll(); err != nil {
			logger.Warn("closing connections", slog.String("error", err.Error()))
		}
	}()

	registry := subscription.New(logger)
	registry.OnError(func(err error) {
		logger.Warn("subscription failed, retrying on reconnect", slog.String("error", err.Error()))
	})

	s := newSession(engine, manager, registry, cfg.LoadOlderInterval, os.Stdout, logger)
	s.creds = transport.Credentials{Login: cfg.StompLogin, Passcode: cfg.StompPasscode, Token: token}
	s.userID = cfg.UserID
	s.backoffMin = cfg.ReconnectMin
	s.backoffMax = cfg.ReconnectMax

	scopesWatch, err := newScopesWatcher(cfg.ScopesFile)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		return s.supervise(gctx, scopes)
	})

	g.Go(func() error {
		return s.followScopes(gctx, scopesWatch)
	})

	g.Go(func() error {
		return s.console(gctx, os.Stdin)
	})

	if cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{Snapshots: engine, ScopeIDs: s.scopeIDs, Logger: logger})

		g.Go(func() error {
			return serveHTTP(gctx, cfg.MetricsAddr, mux, logger)
		})
	}

	return g.Wait()
}

func openState(path string) (*state.State, error) {
	if path == "" {
		return state.Load()
	}

	return state.LoadAt(path)
}

// resolveToken prefers PORTAL_TOKEN and remembers it; without one the
// token from the previous run is used.
func resolveToken(cfg *config.Config, appState *state.State, logger *slog.Logger) (string, error) {
	if cfg.Token != "" {
		if err := appState.SetToken(cfg.Token); err != nil {
			logger.Warn("failed to save token", slog.String("error", err.Error()))
		}

		return cfg.Token, nil
	}

	if token := appState.Token(); token != "" {
		logger.Debug("using cached token")
		return token, nil
	}

	return "", errors.New("PORTAL_TOKEN is required on first run")
}

// serveHTTP runs the metrics and status endpoints until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	logger.Info("serving metrics", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}

// session ties the scopes of one run together: it owns the connection of
// every scope, feeds their frames into the engine and prints what changed.
type session struct {
	engine   *reconciler.Engine
	manager  *transport.Manager
	registry *subscription.Registry
	coord    *viewport.Coordinator
	pager    *viewport.Pager
	logger   *slog.Logger

	creds      transport.Credentials
	userID     string
	backoffMin time.Duration
	backoffMax time.Duration

	applyMu sync.Mutex
	mu      sync.Mutex
	scopes  map[string]models.Scope
	running map[string]*scopeRun
	errs    chan error

	outMu sync.Mutex
	out   io.Writer
}

func newSession(engine *reconciler.Engine, manager *transport.Manager, registry *subscription.Registry, pageInterval time.Duration, out io.Writer, logger *slog.Logger) *session {
	return &session{
		engine:     engine,
		manager:    manager,
		registry:   registry,
		coord:      viewport.NewCoordinator(),
		pager:      viewport.NewPager(engine, pageInterval, logger),
		logger:     logger,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
		scopes:     make(map[string]models.Scope),
		running:    make(map[string]*scopeRun),
		errs:       make(chan error, 1),
		out:        out,
	}
}

// watch mounts a scope, connects it, subscribes its topic and loads the
// newest page. When ctx is cancelled it unsubscribes and closes the
// connection; unmounting is left to the caller.
func (s *session) watch(ctx context.Context, sc models.Scope) error {
	logger := logging.ForScope(s.logger, sc.ID)

	if err := s.engine.Mount(ctx, sc); err != nil {
		return fmt.Errorf("mounting %q: %w", sc.ID, err)
	}

	cancel := s.engine.SubscribeChanges(sc.ID, s.notice)
	defer cancel()

	if sc.Resource != "" {
		go s.loadOlder(ctx, sc.ID)
	}

	conn, err := s.open(ctx, sc.ID, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	defer s.registry.Forget(conn)
	defer func() {
		if err := s.manager.Close(conn); err != nil {
			logger.Debug("closing connection", slog.String("error", err.Error()))
		}
	}()

	conn.OnStateChange(func(st models.ConnState) {
		if err := s.engine.OnConnState(ctx, sc.ID, st); err != nil && ctx.Err() == nil {
			logger.Warn("recording connection state", slog.String("error", err.Error()))
		}
	})

	if err := s.engine.OnConnState(ctx, sc.ID, conn.State()); err != nil && ctx.Err() == nil {
		return err
	}

	handle, err := s.registry.Subscribe(ctx, conn, sc.Topic, func(body []byte) {
		if err := s.engine.OnInboundFrame(ctx, sc.Topic, body); err != nil {
			logger.Debug("frame not applied", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing %q: %w", sc.Topic, err)
	}

	<-ctx.Done()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()

	if err := s.registry.Unsubscribe(closeCtx, handle); err != nil {
		logger.Debug("unsubscribing", slog.String("error", err.Error()))
	}

	return nil
}

// open connects a scope, retrying network failures with backoff. A
// rejected token ends the run.
func (s *session) open(ctx context.Context, scopeID string, logger *slog.Logger) (*transport.Conn, error) {
	backoff := s.backoffMin

	for {
		conn, err := s.manager.Open(ctx, scopeID, s.creds)
		if err == nil {
			return conn, nil
		}

		if errors.Is(err, roomerrors.ErrAuthRejected) {
			return nil, fmt.Errorf("connecting %q: %w", scopeID, err)
		}

		logger.Warn("connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, s.backoffMax)
	}
}

func (s *session) loadOlder(ctx context.Context, scopeID string) {
	err := s.engine.LoadOlderPage(ctx, scopeID)
	s.logLoad(scopeID, err)
}

func (s *session) logLoad(scopeID string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, roomerrors.ErrStaleResponse) {
		s.logger.Debug("older page discarded", slog.String("scope", scopeID))
		return
	}

	s.logger.Warn("loading older page",
		slog.String("scope", scopeID),
		slog.Bool("retryable", portal.IsTransient(err)),
		slog.String("error", err.Error()),
	)
}

// notice prints one line per cache change.
func (s *session) notice(ch models.Change) {
	anchor := s.coord.Decide(ch)

	snap, _ := s.engine.Snapshot(ch.ScopeID)

	line := fmt.Sprintf("[%s] %s items=%d unread=%d online=%t anchor=%s",
		ch.ScopeID, ch.Kind, len(snap.Items), snap.UnreadCount, snap.Connected, anchor)

	if snap.LoadFailed {
		line += " load-failed"
	}

	if ch.Kind == models.ChangeNewItemAppended && snap.LastMessagePreview != "" {
		line += fmt.Sprintf(" last=%q", snap.LastMessagePreview)
	}

	s.println(line)
}

func (s *session) println(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	fmt.Fprintln(s.out, line)
}
