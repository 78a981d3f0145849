// Package cache holds the ordered, deduplicated item lists of every scope.
//
// A Cache is not safe for concurrent use. The reconciler's event loop is
// its only writer; everything else reads snapshots the loop hands out.
package cache

import (
	"slices"
	"time"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// DefaultTombstoneWindow is how long a Deleted event suppresses a late
// Created for the same id.
const DefaultTombstoneWindow = 30 * time.Second

// Config tunes a Cache.
type Config struct {
	// TombstoneWindow bounds how long a deleted id stays suppressed.
	TombstoneWindow time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Result describes the effect of a single mutation.
type Result struct {
	// Applied is false when the call changed no items.
	Applied bool
	// Kind is the change a viewport should react to.
	Kind models.ChangeKind
	// Effective is the event actually applied. A Created for an id that is
	// already cached is applied as Updated.
	Effective models.EventType
	// ItemIDs lists the ids inserted, replaced or removed.
	ItemIDs []string
}

type list struct {
	items      []models.Item
	keys       map[string]models.Key
	tombstones map[string]time.Time
	cursor     int
	hasMore    bool
	loading    bool
	generation uint64
}

func newList(generation uint64) *list {
	return &list{
		keys:       make(map[string]models.Key),
		tombstones: make(map[string]time.Time),
		hasMore:    true,
		generation: generation,
	}
}

// Cache maps scope ids to their item lists.
type Cache struct {
	window time.Duration
	now    func() time.Time
	lists  map[string]*list
	// generations survive Drop so a re-created scope never reuses a token
	// an in-flight fetch may have captured.
	generations map[string]uint64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.TombstoneWindow <= 0 {
		cfg.TombstoneWindow = DefaultTombstoneWindow
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		window:      cfg.TombstoneWindow,
		now:         cfg.Now,
		lists:       make(map[string]*list),
		generations: make(map[string]uint64),
	}
}

func (c *Cache) list(scopeID string) *list {
	l, ok := c.lists[scopeID]
	if !ok {
		l = newList(c.generations[scopeID])
		c.lists[scopeID] = l
	}

	return l
}

// PrependPage merges an older page fetched from the REST endpoint. Items
// already cached or deleted within the tombstone window are skipped, the
// rest are inserted by ordering key. The cursor advances even when nothing
// new was inserted, and hasMore never goes back to true once false.
func (c *Cache) PrependPage(scopeID string, items []models.Item, nextCursor int, isLastPage bool) Result {
	l := c.list(scopeID)
	c.pruneTombstones(l)

	res := Result{Kind: models.ChangeOlderPagePrepended}

	if l.cursor == 0 {
		res.Kind = models.ChangeInitialLoad
	}

	for _, item := range items {
		if item.ID == "" {
			continue
		}

		if _, ok := l.keys[item.ID]; ok {
			continue
		}

		if _, dead := l.tombstones[item.ID]; dead {
			continue
		}

		if item.ScopeID == "" {
			item.ScopeID = scopeID
		}

		l.insert(item)
		res.ItemIDs = append(res.ItemIDs, item.ID)
	}

	if nextCursor > l.cursor {
		l.cursor = nextCursor
	}

	if isLastPage {
		l.hasMore = false
	}

	res.Applied = len(res.ItemIDs) > 0

	return res
}

// ApplyPush applies a pushed Created, Updated or Deleted event. Other event
// types are ignored.
//
// A Deleted id is tombstoned: a Created for it arriving within the
// tombstone window is dropped, so delete-before-create races resolve to
// the item staying deleted.
func (c *Cache) ApplyPush(scopeID string, ev models.EventType, item models.Item) Result {
	if item.ID == "" || !ev.Mutates() {
		return Result{Effective: ev}
	}

	l := c.list(scopeID)
	c.pruneTombstones(l)

	if item.ScopeID == "" {
		item.ScopeID = scopeID
	}

	switch ev {
	case models.EventCreated:
		if _, ok := l.keys[item.ID]; ok {
			return l.update(item)
		}

		if _, dead := l.tombstones[item.ID]; dead {
			return Result{Effective: models.EventCreated}
		}

		l.insert(item)

		return Result{
			Applied:   true,
			Kind:      models.ChangeNewItemAppended,
			Effective: models.EventCreated,
			ItemIDs:   []string{item.ID},
		}

	case models.EventUpdated:
		return l.update(item)

	default:
		l.tombstones[item.ID] = c.now()

		if !l.remove(item.ID) {
			return Result{Effective: models.EventDeleted}
		}

		return Result{
			Applied:   true,
			Kind:      models.ChangeItemRemoved,
			Effective: models.EventDeleted,
			ItemIDs:   []string{item.ID},
		}
	}
}

// Reset clears a scope back to its empty, hasMore=true state and bumps its
// generation token.
func (c *Cache) Reset(scopeID string) {
	gen := c.Generation(scopeID) + 1
	c.generations[scopeID] = gen
	c.lists[scopeID] = newList(gen)
}

// Drop forgets a scope entirely. Its generation still advances.
func (c *Cache) Drop(scopeID string) {
	c.generations[scopeID] = c.Generation(scopeID) + 1
	delete(c.lists, scopeID)
}

// Generation returns the current generation token of a scope.
func (c *Cache) Generation(scopeID string) uint64 {
	if l, ok := c.lists[scopeID]; ok {
		return l.generation
	}

	return c.generations[scopeID]
}

// Cursor returns the next page to request for a scope.
func (c *Cache) Cursor(scopeID string) int {
	if l, ok := c.lists[scopeID]; ok {
		return l.cursor
	}

	return 0
}

// HasMore reports whether older pages may still exist.
func (c *Cache) HasMore(scopeID string) bool {
	if l, ok := c.lists[scopeID]; ok {
		return l.hasMore
	}

	return true
}

// Loading reports whether a page fetch is in flight.
func (c *Cache) Loading(scopeID string) bool {
	if l, ok := c.lists[scopeID]; ok {
		return l.loading
	}

	return false
}

// SetLoading records whether a page fetch is in flight.
func (c *Cache) SetLoading(scopeID string, loading bool) {
	c.list(scopeID).loading = loading
}

// Len returns the number of cached items in a scope.
func (c *Cache) Len(scopeID string) int {
	if l, ok := c.lists[scopeID]; ok {
		return len(l.items)
	}

	return 0
}

// Items returns a copy of the ordered items of a scope.
func (c *Cache) Items(scopeID string) []models.Item {
	l, ok := c.lists[scopeID]
	if !ok {
		return nil
	}

	return slices.Clone(l.items)
}

// Lookup returns the cached item with the given id.
func (c *Cache) Lookup(scopeID, id string) (models.Item, bool) {
	l, ok := c.lists[scopeID]
	if !ok {
		return models.Item{}, false
	}

	key, ok := l.keys[id]
	if !ok {
		return models.Item{}, false
	}

	i, found := l.search(key)
	if !found {
		return models.Item{}, false
	}

	return l.items[i], true
}

// Last returns the item with the greatest ordering key.
func (c *Cache) Last(scopeID string) (models.Item, bool) {
	l, ok := c.lists[scopeID]
	if !ok || len(l.items) == 0 {
		return models.Item{}, false
	}

	return l.items[len(l.items)-1], true
}

func (c *Cache) pruneTombstones(l *list) {
	if len(l.tombstones) == 0 {
		return
	}

	cutoff := c.now().Add(-c.window)
	for id, at := range l.tombstones {
		if at.Before(cutoff) {
			delete(l.tombstones, id)
		}
	}
}

func (l *list) search(key models.Key) (int, bool) {
	return slices.BinarySearchFunc(l.items, key, func(it models.Item, k models.Key) int {
		return it.Key().Compare(k)
	})
}

func (l *list) insert(item models.Item) {
	key := item.Key()
	i, _ := l.search(key)
	l.items = slices.Insert(l.items, i, item)
	l.keys[item.ID] = key
}

// update replaces the payload of a cached item. The ordering key is the
// one recorded at insert time; edits never move an item.
func (l *list) update(item models.Item) Result {
	key, ok := l.keys[item.ID]
	if !ok {
		return Result{Effective: models.EventUpdated}
	}

	i, found := l.search(key)
	if !found {
		return Result{Effective: models.EventUpdated}
	}

	existing := l.items[i]
	existing.Payload = item.Payload
	l.items[i] = existing

	return Result{
		Applied:   true,
		Kind:      models.ChangeItemUpdated,
		Effective: models.EventUpdated,
		ItemIDs:   []string{item.ID},
	}
}

func (l *list) remove(id string) bool {
	key, ok := l.keys[id]
	if !ok {
		return false
	}

	delete(l.keys, id)

	i, found := l.search(key)
	if !found {
		return false
	}

	l.items = slices.Delete(l.items, i, i+1)

	return true
}
