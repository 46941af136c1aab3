// Package intern provides a bounded string interning cache for hot-path map
// keys (key codes, shortcut ids, app ids), so bursts of identical keystrokes
// share one backing string instead of allocating per event.
package intern

import "sync"

const defaultCapacity = 4096

// Cache is a FIFO-bounded intern table. The zero value is not usable; use New.
type Cache struct {
	mu    sync.Mutex
	cap   int
	table map[string]string
	order []string
}

// New returns a cache holding at most capacity entries. Capacities below 64
// are raised to 64.
func New(capacity int) *Cache {
	if capacity < 64 {
		capacity = 64
	}
	return &Cache{
		cap:   capacity,
		table: make(map[string]string, capacity),
	}
}

// Str returns the canonical instance of s, inserting it if absent. When the
// cache is full the oldest entry is evicted first.
func (c *Cache) Str(s string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if canon, ok := c.table[s]; ok {
		return canon
	}

	// Clone so the canonical copy does not pin a caller's larger backing array.
	canon := string(append([]byte(nil), s...))
	c.table[canon] = canon
	c.order = append(c.order, canon)

	for len(c.table) > c.cap && len(c.order) > 0 {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.table, evict)
	}
	return canon
}

// Len returns the number of interned strings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

var global = New(defaultCapacity)

// Str interns s in the process-wide cache.
func Str(s string) string {
	return global.Str(s)
}
