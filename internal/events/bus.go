package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
//  EVENT BUS
// ============================================================================

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	history *History
	logger  *zap.Logger

	stats struct {
		published     atomic.Int64
		dropped       atomic.Int64
		lastEventTime atomic.Value // stores time.Time
	}
}

// BusStats tracks fan-out performance
type BusStats struct {
	Published     int64     `json:"published"`
	Dropped       int64     `json:"dropped"`
	Subscribers   int       `json:"subscribers"`
	LastEventTime time.Time `json:"last_event_time"`
}

// Subscription is one consumer of the bus.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	id     uint64
	types  map[Type]bool
	bus    *Bus
	closed atomic.Bool
}

// NewBus creates a bus that remembers the last historySize non-frame events.
func NewBus(historySize int) *Bus {
	b := &Bus{
		subs:    make(map[uint64]*Subscription),
		history: NewHistory(historySize),
		logger:  zap.L().Named("events"),
	}
	b.stats.lastEventTime.Store(time.Time{})
	return b
}

// Subscribe registers a consumer with the given buffer size. With no types
// the subscriber receives everything.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	close(s.ch)
	s.bus.mu.Unlock()
}

func (s *Subscription) wants(t Type) bool {
	return s.types == nil || s.types[t]
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.stats.published.Add(1)
	b.stats.lastEventTime.Store(e.Time)
	if e.Type != TypeFrame {
		b.history.Add(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			dropped := b.stats.dropped.Add(1)
			// Only log every 100th dropped event to avoid spam
			if dropped%100 == 0 {
				b.logger.Debug("Subscriber buffer full", zap.Int64("total_dropped", dropped))
			}
		}
	}
}

// Wants reports whether any subscriber would receive an event of type t.
// Producers use it to skip expensive payloads such as JPEG frames.
func (b *Bus) Wants(t Type) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.wants(t) {
			return true
		}
	}
	return false
}

// Recent returns up to n of the most recent non-frame events, oldest first.
func (b *Bus) Recent(n int) []Event {
	return b.history.GetRecent(n)
}

// GetStats returns current statistics
func (b *Bus) GetStats() BusStats {
	last, _ := b.stats.lastEventTime.Load().(time.Time)
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Published:     b.stats.published.Load(),
		Dropped:       b.stats.dropped.Load(),
		Subscribers:   n,
		LastEventTime: last,
	}
}

// ============================================================================
// EVENT HISTORY
// ============================================================================

// History is a ring buffer of recent events, replayed to late subscribers.
type History struct {
	buffer     []Event
	capacity   int
	writeIndex int
	count      int
	mu         sync.Mutex
}

// NewHistory creates a ring with the given capacity (minimum 1).
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		buffer:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Add inserts an event, overwriting the oldest when full.
func (h *History) Add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer[h.writeIndex] = e
	h.writeIndex = (h.writeIndex + 1) % h.capacity
	if h.count < h.capacity {
		h.count++
	}
}

// GetRecent returns the n most recent events in chronological order.
func (h *History) GetRecent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || n <= 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (h.writeIndex - 1 - i + h.capacity) % h.capacity
		result[n-1-i] = h.buffer[idx]
	}
	return result
}

// Size returns the number of stored events.
func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
