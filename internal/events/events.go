// Package events is the in-process broadcast bus. Producers never block on a
// slow consumer: sends into a full subscriber buffer are dropped.
package events

import (
	"sync"

	"meritd/internal/merit"
)

// Kind names the event streams consumers can act on. Values match the event
// names the query surface exposes.
type Kind string

const (
	// KindStatsUpdated carries a merit.MeritStatsLite snapshot.
	KindStatsUpdated Kind = "merit-updated"
	// KindInputPop carries an InputPop animation tick.
	KindInputPop Kind = "input-event"
	// KindHeatmapUpdated carries the display id (string) that changed.
	KindHeatmapUpdated Kind = "click-heatmap-updated"
	// KindListeningChanged carries the new listening state (bool).
	KindListeningChanged Kind = "listening-changed"
	// KindListenerError carries a *listener.Error when capture fails.
	KindListenerError Kind = "input-listener-error"
	// KindSettingsUpdated carries the merit.Settings that were applied.
	KindSettingsUpdated Kind = "settings-updated"
)

// InputPop is one throttled animation tick: "show count units popping" for
// the given origin and source.
type InputPop struct {
	Origin merit.InputOrigin `json:"origin"`
	Source merit.InputSource `json:"source"`
	Count  uint64            `json:"count"`
}

// Event is one bus message.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function unregisters and closes it; calling cancel twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
