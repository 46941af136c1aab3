// Package activeapp identifies the frontmost application so per-app
// counts can be attributed. Lookups are throttled: input events arrive
// far faster than focus changes, so the answer is cached and refreshed
// at most every 400ms regardless of how many events ask.
package activeapp

import (
	"sync"
	"sync/atomic"
	"time"
)

// UnknownID buckets events that arrive before the first successful
// focus query, or on platforms without one.
const UnknownID = "__unknown__"

// Context identifies one application. ID is the stable identity (bundle
// identifier on macOS, wm-class on Linux); Name is the display name
// when the platform reports one.
type Context struct {
	ID   string
	Name *string
}

// Unknown returns the placeholder context.
func Unknown() Context {
	return Context{ID: UnknownID}
}

// refreshInterval is the minimum spacing between focus queries.
const refreshInterval = 400 * time.Millisecond

// Tracker caches the frontmost application.
type Tracker struct {
	querier frontmostQuerier

	lastRefreshMS atomic.Int64

	mu      sync.RWMutex
	current *Context
}

// frontmostQuerier asks the OS for the frontmost application; nil means
// the platform could not answer.
type frontmostQuerier interface {
	queryFrontmost() *Context
}

// NewTracker creates a tracker backed by the platform focus query.
func NewTracker() *Tracker {
	return &Tracker{querier: newPlatformQuerier()}
}

// newStaticTracker serves tests with a fixed answer.
func newStaticTracker(ctx *Context) *Tracker {
	return &Tracker{querier: staticQuerier{ctx: ctx}}
}

type staticQuerier struct {
	ctx *Context
}

func (s staticQuerier) queryFrontmost() *Context {
	return s.ctx
}

// Current returns the cached frontmost application, refreshing it when
// the last query is at least refreshInterval old. The CAS elects one
// caller to do the query; everyone else reads the cache. Nil means no
// answer yet.
func (t *Tracker) Current() *Context {
	now := time.Now().UnixMilli()
	last := t.lastRefreshMS.Load()
	if now-last >= refreshInterval.Milliseconds() && t.lastRefreshMS.CompareAndSwap(last, now) {
		next := t.querier.queryFrontmost()
		t.mu.Lock()
		t.current = next
		t.mu.Unlock()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// CurrentOrUnknown never returns an empty identity.
func (t *Tracker) CurrentOrUnknown() Context {
	if c := t.Current(); c != nil {
		return *c
	}
	return Unknown()
}
