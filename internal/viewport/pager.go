package viewport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPagerInterval = 500 * time.Millisecond
	pagerBurst           = 1
)

// Loader requests the next older page of a scope.
type Loader interface {
	LoadOlderPage(ctx context.Context, scopeID string) error
}

// Pager throttles "load older" triggers per scope. Scroll handlers fire
// far more often than a page can load; triggers over the limit are
// dropped rather than queued.
type Pager struct {
	loader   Loader
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPager returns a pager allowing one load per interval per scope. A
// non-positive interval uses 500ms.
func NewPager(loader Loader, interval time.Duration, logger *slog.Logger) *Pager {
	if interval <= 0 {
		interval = defaultPagerInterval
	}

	return &Pager{
		loader:   loader,
		interval: interval,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Trigger asks for the next older page of scopeID. It reports false without
// calling the loader when the scope was triggered too recently.
func (p *Pager) Trigger(ctx context.Context, scopeID string) (bool, error) {
	if !p.limiter(scopeID).Allow() {
		p.logger.Debug("load older throttled", slog.String("scope", scopeID))
		return false, nil
	}

	return true, p.loader.LoadOlderPage(ctx, scopeID)
}

// Forget drops the limiter of an unmounted scope.
func (p *Pager) Forget(scopeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.limiters, scopeID)
}

func (p *Pager) limiter(scopeID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[scopeID]; ok {
		return l
	}

	l := rate.NewLimiter(rate.Every(p.interval), pagerBurst)
	p.limiters[scopeID] = l

	return l
}
