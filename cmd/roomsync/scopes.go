package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/roomsync/internal/config"
	"github.com/alexjbarnes/roomsync/internal/models"
)

const (
	// scopesReloadTick is how often pending scopes-file events are checked.
	scopesReloadTick = 100 * time.Millisecond

	// scopesReloadQuiet is how long the file must stay untouched before it
	// is reloaded, so an editor's write-then-rename lands as one reload.
	scopesReloadQuiet = 300 * time.Millisecond
)

// scopeRun is one running watch goroutine.
type scopeRun struct {
	scope  models.Scope
	cancel context.CancelFunc
	done   chan struct{}
}

// supervise starts a watch for every scope and keeps the running set in
// step with apply until ctx is cancelled or a watch fails.
func (s *session) supervise(ctx context.Context, scopes []models.Scope) error {
	s.apply(ctx, scopes)

	select {
	case <-ctx.Done():
		s.stopAll()
		return nil
	case err := <-s.errs:
		s.stopAll()
		return err
	}
}

// apply mounts scopes that are new, unmounts those that are gone and
// restarts those whose definition changed.
func (s *session) apply(ctx context.Context, scopes []models.Scope) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	want := make(map[string]models.Scope, len(scopes))
	for _, sc := range scopes {
		want[sc.ID] = sc
	}

	s.mu.Lock()
	var stale []string
	for id, run := range s.running {
		if sc, ok := want[id]; !ok || sc != run.scope {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.remove(ctx, id)
	}

	for _, sc := range scopes {
		s.mu.Lock()
		_, running := s.running[sc.ID]
		s.mu.Unlock()

		if !running {
			s.start(ctx, sc)
		}
	}
}

func (s *session) start(ctx context.Context, sc models.Scope) {
	if ctx.Err() != nil {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	run := &scopeRun{scope: sc, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[sc.ID] = run
	s.scopes[sc.ID] = sc
	s.mu.Unlock()

	s.logger.Info("scope started", slog.String("scope", sc.ID), slog.String("topic", sc.Topic))

	go func() {
		defer close(run.done)

		if err := s.watch(wctx, sc); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

// remove stops the watch of a scope and drops everything held for it.
func (s *session) remove(ctx context.Context, scopeID string) {
	s.mu.Lock()
	run, ok := s.running[scopeID]
	delete(s.running, scopeID)
	delete(s.scopes, scopeID)
	s.mu.Unlock()

	if !ok {
		return
	}

	run.cancel()
	<-run.done

	if err := s.engine.Unmount(ctx, scopeID); err != nil && ctx.Err() == nil {
		s.logger.Warn("unmounting scope", slog.String("scope", scopeID), slog.String("error", err.Error()))
	}

	s.pager.Forget(scopeID)
	s.coord.SetAtBottom(scopeID, true)

	s.logger.Info("scope removed", slog.String("scope", scopeID))
}

func (s *session) stopAll() {
	s.mu.Lock()
	runs := make([]*scopeRun, 0, len(s.running))
	for _, run := range s.running {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}

	for _, run := range runs {
		<-run.done
	}
}

// scopeIDs returns the configured scope ids in sorted order.
func (s *session) scopeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// scopesWatcher follows one scopes file. The parent directory is watched
// because editors replace the file by renaming over it.
type scopesWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

func newScopesWatcher(path string) (*scopesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving scopes file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &scopesWatcher{path: abs, watcher: watcher}, nil
}

// followScopes reloads the scopes file after it changes and applies the
// new list. A file that fails to load leaves the running scopes alone. It
// blocks until ctx is cancelled and closes w.
func (s *session) followScopes(ctx context.Context, w *scopesWatcher) error {
	defer w.watcher.Close()

	s.logger.Info("watching scopes file", slog.String("path", w.path))

	var pending time.Time

	ticker := time.NewTicker(scopesReloadTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < scopesReloadQuiet {
				continue
			}

			pending = time.Time{}
			s.reloadScopes(ctx, w.path)
		}
	}
}

func (s *session) reloadScopes(ctx context.Context, path string) {
	scopes, err := config.LoadScopes(path)
	if err != nil {
		s.logger.Warn("scopes file not reloaded, keeping current scopes", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("scopes file reloaded", slog.Int("scopes", len(scopes)))
	s.apply(ctx, scopes)
}
