// Package viewport decides how a scrolling view of a scope should react to
// cache changes, and throttles "load older" triggers coming from scrolling.
// Nothing here touches the cache: it only consumes change notifications.
package viewport

import (
	"sync"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// Anchor tells a view what to do with its scroll position after a change.
type Anchor int

const (
	// AnchorNone leaves the scroll position alone.
	AnchorNone Anchor = iota
	// AnchorBottom scrolls to the newest item.
	AnchorBottom
	// PreserveOffset keeps the currently visible item in place while
	// older items are inserted above it.
	PreserveOffset
)

func (a Anchor) String() string {
	switch a {
	case AnchorBottom:
		return "bottom"
	case PreserveOffset:
		return "preserve"
	default:
		return "none"
	}
}

// Coordinator tracks whether each scope's view sits at the bottom and maps
// changes to anchors. Scopes start at the bottom.
type Coordinator struct {
	mu       sync.Mutex
	scrolled map[string]bool
}

// NewCoordinator returns a coordinator with every scope at the bottom.
func NewCoordinator() *Coordinator {
	return &Coordinator{scrolled: make(map[string]bool)}
}

// SetAtBottom records whether the view of scopeID is scrolled to the
// newest item.
func (c *Coordinator) SetAtBottom(scopeID string, atBottom bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atBottom {
		delete(c.scrolled, scopeID)
		return
	}

	c.scrolled[scopeID] = true
}

// AtBottom reports whether the view of scopeID is at the newest item.
func (c *Coordinator) AtBottom(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.scrolled[scopeID]
}

// Decide returns the anchor for a change. The first page and the user's
// own appends always jump to the bottom; someone else's message only does
// when the user is already there, so reading history is not interrupted.
func (c *Coordinator) Decide(ch models.Change) Anchor {
	switch ch.Kind {
	case models.ChangeInitialLoad:
		c.SetAtBottom(ch.ScopeID, true)
		return AnchorBottom
	case models.ChangeOlderPagePrepended:
		return PreserveOffset
	case models.ChangeNewItemAppended:
		if ch.IsOwnAction {
			c.SetAtBottom(ch.ScopeID, true)
			return AnchorBottom
		}

		if c.AtBottom(ch.ScopeID) {
			return AnchorBottom
		}

		return AnchorNone
	case models.ChangeReset:
		c.SetAtBottom(ch.ScopeID, true)
		return AnchorNone
	default:
		return AnchorNone
	}
}
