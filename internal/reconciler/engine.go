// Package reconciler merges pushed events and fetched pages into the
// per-scope cache and derives unread counts and last-message previews.
//
// Every mutation runs on the Engine's single event loop (Run), in the order
// requests are dequeued. Page fetches and mark-read calls suspend the caller
// but not the loop, so pushes keep flowing while a fetch is in flight.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/roomsync/internal/cache"
	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/metrics"
	"github.com/alexjbarnes/roomsync/internal/models"
)

//go:generate mockgen -destination=mock_fetcher_test.go -package=reconciler . Fetcher

const (
	defaultPageSize      = 30
	defaultPreviewLength = 80
	opChanSize           = 64
)

// Fetcher is the REST side of the portal. *portal.Client satisfies it.
type Fetcher interface {
	FetchPage(ctx context.Context, resource string, page, size int) ([]models.Item, error)
	MarkRead(ctx context.Context, resource, uptoID string) error
}

// WatermarkStore persists read watermarks across restarts.
// *state.State satisfies it.
type WatermarkStore interface {
	Watermark(scopeID string) (models.Watermark, error)
	SetWatermark(scopeID string, w models.Watermark) error
}

// Config tunes an Engine.
type Config struct {
	PageSize        int
	TombstoneWindow time.Duration
	// PreviewLength caps the last-message preview, in runes.
	PreviewLength int
	// UserID identifies the local user; pushed items whose sender matches
	// are reported as own actions and never count as unread.
	UserID string
	Now    func() time.Time
}

// Listener receives change notifications for one scope. Listeners run on
// the event loop and must not call back into the Engine synchronously,
// except for Snapshot.
type Listener func(models.Change)

type scopeState struct {
	scope       models.Scope
	unread      int
	watermark   models.Watermark
	loadFailed  bool
	connected   bool
	echoes      map[string]struct{}
	fetchCancel context.CancelFunc
	fetchGen    uint64
}

// Engine is the single writer of the cache.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	fetcher Fetcher
	store   WatermarkStore

	opCh    chan func()
	stopped chan struct{}
	runOnce sync.Once

	// Owned by the event loop.
	cache  *cache.Cache
	scopes map[string]*scopeState
	topics map[string]string
	active string

	snapMu    sync.RWMutex
	snapshots map[string]models.Snapshot

	listenMu   sync.Mutex
	listeners  map[string]map[int]Listener
	nextListen int
}

// New creates an Engine. store may be nil, in which case watermarks live
// only in memory.
func New(cfg Config, fetcher Fetcher, store WatermarkStore, logger *slog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaultPreviewLength
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		fetcher:   fetcher,
		store:     store,
		opCh:      make(chan func(), opChanSize),
		stopped:   make(chan struct{}),
		cache:     cache.New(cache.Config{TombstoneWindow: cfg.TombstoneWindow, Now: cfg.Now}),
		scopes:    make(map[string]*scopeState),
		topics:    make(map[string]string),
		snapshots: make(map[string]models.Snapshot),
		listeners: make(map[string]map[int]Listener),
	}
}

// Run processes queued operations until ctx is cancelled. In-flight page
// fetches are cancelled on return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.runOnce.Do(func() { close(e.stopped) })

	for {
		select {
		case op := <-e.opCh:
			op()

		case <-ctx.Done():
			for _, st := range e.scopes {
				if st.fetchCancel != nil {
					st.fetchCancel()
				}
			}

			return ctx.Err()
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	select {
	case e.opCh <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return roomerrors.ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return roomerrors.ErrClosed
	}
}

// Mount registers a scope and restores its persisted read watermark.
// Mounting an already mounted scope updates its topic and resource.
func (e *Engine) Mount(ctx context.Context, scope models.Scope) error {
	if scope.ID == "" {
		return errors.New("mounting scope: empty id")
	}

	var saved models.Watermark

	if e.store != nil {
		w, err := e.store.Watermark(scope.ID)
		if err != nil {
			e.logger.Warn("loading watermark",
				slog.String("scope", scope.ID),
				slog.String("error", err.Error()),
			)
		} else {
			saved = w
		}
	}

	return e.do(ctx, func() {
		st := e.state(scope.ID)

		for topic, id := range e.topics {
			if id == scope.ID && topic != scope.Topic {
				delete(e.topics, topic)
			}
		}

		st.scope = scope
		if scope.Topic != "" {
			e.topics[scope.Topic] = scope.ID
		}

		if advances(st.watermark, saved) {
			st.watermark = saved
		}

		e.logger.Debug("scope mounted",
			slog.String("scope", scope.ID),
			slog.String("topic", scope.Topic),
		)
		e.publish(scope.ID)
	})
}

// Unmount forgets a scope, cancelling any in-flight fetch for it.
func (e *Engine) Unmount(ctx context.Context, scopeID string) error {
	return e.do(ctx, func() {
		st, ok := e.scopes[scopeID]
		if !ok {
			return
		}

		if st.fetchCancel != nil {
			st.fetchCancel()
		}

		for topic, id := range e.topics {
			if id == scopeID {
				delete(e.topics, topic)
			}
		}

		if e.active == scopeID {
			e.active = ""
		}

		delete(e.scopes, scopeID)
		e.cache.Drop(scopeID)

		e.snapMu.Lock()
		delete(e.snapshots, scopeID)
		e.snapMu.Unlock()

		e.logger.Debug("scope unmounted", slog.String("scope", scopeID))
	})
}

// Reset clears a scope's cache back to empty with hasMore=true. A fetch
// still in flight is cancelled and its response discarded.
func (e *Engine) Reset(ctx context.Context, scopeID string) error {
	return e.do(ctx, func() {
		st := e.state(scopeID)

		if st.fetchCancel != nil {
			st.fetchCancel()
			st.fetchCancel = nil
		}

		st.loadFailed = false
		e.cache.Reset(scopeID)

		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeReset})
	})
}

// SetActive marks scopeID as the open scope and clears its unread count.
// An empty id means no scope is open.
func (e *Engine) SetActive(ctx context.Context, scopeID string) error {
	return e.do(ctx, func() {
		e.active = scopeID
		if scopeID == "" {
			return
		}

		st := e.state(scopeID)
		if st.unread == 0 {
			return
		}

		st.unread = 0
		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeUnread})
	})
}

// MarkRead clears the unread count of a scope, records uptoID as its read
// watermark and acknowledges it to the portal. A watermark older than the
// current one is ignored. A failed acknowledgment is returned and not
// retried.
func (e *Engine) MarkRead(ctx context.Context, scopeID, uptoID string) error {
	if uptoID == "" {
		return fmt.Errorf("marking %q read: empty watermark id", scopeID)
	}

	var (
		resource string
		known    bool
	)

	err := e.do(ctx, func() {
		st, ok := e.scopes[scopeID]
		if !ok {
			return
		}

		known = true
		resource = st.scope.Resource

		w := models.Watermark{ID: uptoID}
		if item, ok := e.cache.Lookup(scopeID, uptoID); ok {
			w.CreatedAt = item.CreatedAt.Time
		}

		if advances(st.watermark, w) {
			st.watermark = w
			e.persistWatermark(scopeID, w)
		}

		st.unread = 0
		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeUnread})
	})
	if err != nil {
		return err
	}

	if !known {
		return fmt.Errorf("marking %q read: %w", scopeID, roomerrors.ErrUnknownScope)
	}

	if e.fetcher == nil || resource == "" {
		return nil
	}

	if err := e.fetcher.MarkRead(ctx, resource, uptoID); err != nil {
		return fmt.Errorf("acknowledging read of %q: %w", scopeID, err)
	}

	return nil
}

// LoadOlderPage fetches the next older page of a scope and merges it. It
// is a no-op while a fetch is in flight or once hasMore is false, so it is
// safe to call at any frequency. When the scope was reset or unmounted
// while the fetch was in flight, the response is dropped and
// ErrStaleResponse returned. A failed fetch leaves the cache unchanged,
// marks the scope LoadFailed and returns a *errors.FetchError.
func (e *Engine) LoadOlderPage(ctx context.Context, scopeID string) error {
	var (
		start    bool
		known    bool
		gen      uint64
		page     int
		resource string
		fctx     context.Context
	)

	err := e.do(ctx, func() {
		st, ok := e.scopes[scopeID]
		if !ok {
			return
		}

		known = true

		if e.cache.Loading(scopeID) || !e.cache.HasMore(scopeID) {
			return
		}

		start = true
		gen = e.cache.Generation(scopeID)
		page = e.cache.Cursor(scopeID)
		resource = st.scope.Resource

		var cancel context.CancelFunc

		fctx, cancel = context.WithCancel(ctx)
		st.fetchCancel = cancel
		st.fetchGen = gen

		e.cache.SetLoading(scopeID, true)
		e.publish(scopeID)
	})
	if err != nil {
		return err
	}

	if !known {
		return fmt.Errorf("loading older page of %q: %w", scopeID, roomerrors.ErrUnknownScope)
	}

	if !start {
		return nil
	}

	began := e.cfg.Now()
	items, fetchErr := e.fetch(fctx, resource, page)
	metrics.PageFetchDuration.Observe(e.cfg.Now().Sub(began).Seconds())

	var result error

	err = e.do(context.Background(), func() {
		result = e.mergePage(scopeID, gen, page, items, fetchErr)
	})
	if err != nil {
		return err
	}

	return result
}

func (e *Engine) fetch(ctx context.Context, resource string, page int) ([]models.Item, error) {
	if e.fetcher == nil {
		return nil, errors.New("no page fetcher configured")
	}

	return e.fetcher.FetchPage(ctx, resource, page, e.cfg.PageSize)
}

// mergePage runs on the loop once a fetch completes.
func (e *Engine) mergePage(scopeID string, gen uint64, page int, items []models.Item, fetchErr error) error {
	st, ok := e.scopes[scopeID]
	if !ok || e.cache.Generation(scopeID) != gen {
		metrics.StaleResponses.Inc()
		e.logger.Debug("discarding stale page",
			slog.String("scope", scopeID),
			slog.Int("page", page),
		)

		return roomerrors.ErrStaleResponse
	}

	if st.fetchGen == gen && st.fetchCancel != nil {
		st.fetchCancel()
		st.fetchCancel = nil
	}

	e.cache.SetLoading(scopeID, false)

	if fetchErr != nil {
		st.loadFailed = true
		metrics.PageFetchFailures.Inc()
		e.logger.Warn("page fetch failed",
			slog.String("scope", scopeID),
			slog.Int("page", page),
			slog.String("error", fetchErr.Error()),
		)
		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeLoadFailed})

		return &roomerrors.FetchError{ScopeID: scopeID, Page: page, Err: fetchErr}
	}

	st.loadFailed = false
	res := e.cache.PrependPage(scopeID, items, page+1, len(items) == 0)

	e.logger.Debug("page merged",
		slog.String("scope", scopeID),
		slog.Int("page", page),
		slog.Int("received", len(items)),
		slog.Int("inserted", len(res.ItemIDs)),
	)
	e.emit(models.Change{ScopeID: scopeID, Kind: res.Kind, ItemIDs: res.ItemIDs})

	return nil
}

// NewProvisionalID returns a client-side id for an optimistic echo. The
// backend must carry it on the Created event it broadcasts for the item.
func NewProvisionalID() string {
	return uuid.NewString()
}

// Echo inserts an own, not yet acknowledged item. When item.ID is empty a
// provisional id is assigned. The server's Created for the same id later
// folds into an update.
func (e *Engine) Echo(ctx context.Context, scopeID string, item models.Item) (models.Item, error) {
	if item.ID == "" {
		item.ID = NewProvisionalID()
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = models.At(e.cfg.Now().UTC())
	}

	item.ScopeID = scopeID

	err := e.do(ctx, func() {
		st := e.state(scopeID)

		res := e.cache.ApplyPush(scopeID, models.EventCreated, item)
		if !res.Applied {
			return
		}

		st.echoes[item.ID] = struct{}{}
		e.emit(models.Change{ScopeID: scopeID, Kind: res.Kind, IsOwnAction: true, ItemIDs: res.ItemIDs})
	})

	return item, err
}

// OnConnState records the transport state of a scope for snapshots.
func (e *Engine) OnConnState(ctx context.Context, scopeID string, s models.ConnState) error {
	return e.do(ctx, func() {
		st := e.state(scopeID)

		connected := s == models.ConnConnected
		if st.connected == connected {
			return
		}

		st.connected = connected
		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeConnection})
	})
}

// SubscribeChanges registers a listener for a scope's changes. The
// returned func removes it.
func (e *Engine) SubscribeChanges(scopeID string, fn Listener) (cancel func()) {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()

	e.nextListen++
	id := e.nextListen

	if e.listeners[scopeID] == nil {
		e.listeners[scopeID] = make(map[int]Listener)
	}

	e.listeners[scopeID][id] = fn

	return func() {
		e.listenMu.Lock()
		defer e.listenMu.Unlock()

		delete(e.listeners[scopeID], id)
	}
}

// Snapshot returns the current items and aggregates of a scope. It does
// not go through the event loop and is safe to call from a Listener.
func (e *Engine) Snapshot(scopeID string) (models.Snapshot, bool) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	s, ok := e.snapshots[scopeID]

	return s, ok
}

// state returns the loop-owned state of a scope, creating it on first use.
func (e *Engine) state(scopeID string) *scopeState {
	st, ok := e.scopes[scopeID]
	if !ok {
		st = &scopeState{
			scope:  models.Scope{ID: scopeID},
			echoes: make(map[string]struct{}),
		}
		e.scopes[scopeID] = st
	}

	return st
}

func (e *Engine) persistWatermark(scopeID string, w models.Watermark) {
	if e.store == nil {
		return
	}

	if err := e.store.SetWatermark(scopeID, w); err != nil {
		e.logger.Warn("persisting watermark",
			slog.String("scope", scopeID),
			slog.String("error", err.Error()),
		)
	}
}

// emit publishes the scope snapshot and then notifies listeners.
func (e *Engine) emit(c models.Change) {
	e.publish(c.ScopeID)

	e.listenMu.Lock()
	fns := make([]Listener, 0, len(e.listeners[c.ScopeID]))
	for _, fn := range e.listeners[c.ScopeID] {
		fns = append(fns, fn)
	}
	e.listenMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (e *Engine) publish(scopeID string) {
	st, ok := e.scopes[scopeID]
	if !ok {
		return
	}

	snap := models.Snapshot{
		ScopeID:     scopeID,
		Items:       e.cache.Items(scopeID),
		Cursor:      e.cache.Cursor(scopeID),
		HasMore:     e.cache.HasMore(scopeID),
		Loading:     e.cache.Loading(scopeID),
		LoadFailed:  st.loadFailed,
		Connected:   st.connected,
		UnreadCount: st.unread,
		Watermark:   st.watermark,
	}

	if last, ok := e.cache.Last(scopeID); ok {
		snap.LastMessage = &last
		snap.LastMessagePreview = preview(last.Payload, e.cfg.PreviewLength)
	}

	e.snapMu.Lock()
	e.snapshots[scopeID] = snap
	e.snapMu.Unlock()
}

// advances reports whether next should replace cur as the read watermark.
// A watermark without a timestamp covers only its own id, so it never
// replaces a timestamped one.
func advances(cur, next models.Watermark) bool {
	switch {
	case next.IsZero():
		return false
	case cur.IsZero():
		return true
	case next.CreatedAt.IsZero():
		return cur.CreatedAt.IsZero()
	case cur.CreatedAt.IsZero():
		return true
	}

	return cur.Key().Less(next.Key())
}
