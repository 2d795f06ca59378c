package streaming

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/toolflow/pkg/schema"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("streaming: hub closed")

type subscription struct {
	ch      chan StreamEvent
	filter  EventFilter
	dropped atomic.Uint64
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Stats is a point-in-time view of a hub.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// MemoryHub is an in-process EventHub.
//
// Delivery never blocks the publisher: when a subscriber's buffer is full the
// event is counted as dropped for that subscriber. Subscriptions scoped to a
// single run are closed after that run's run_finished event, so a consumer can
// range over the channel until the run ends.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryHub creates a MemoryHub with DefaultBuffer per subscriber.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubSize(DefaultBuffer)
}

// NewMemoryHubSize creates a MemoryHub with the given per-subscriber buffer.
func NewMemoryHubSize(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[uint64]*subscription)}
}

// Publish fans event out to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.published.Add(1)

	var finished []uint64
	h.mu.RLock()
	for id, sub := range h.subs {
		if sub.filter.Matches(event) {
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
				h.dropped.Add(1)
			}
		}
		// Run-scoped subscriptions end with their run even when the
		// filter excludes run_finished itself.
		if sub.filter.RunID != "" && sub.filter.RunID == event.RunID && event.EventType == schema.EventRunFinished {
			finished = append(finished, id)
		}
	}
	h.mu.RUnlock()

	if len(finished) > 0 {
		h.mu.Lock()
		for _, id := range finished {
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				sub.close()
			}
		}
		h.mu.Unlock()
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes its channel; calling it more than once is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Stats reports subscriber and delivery counters.
func (h *MemoryHub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

// Close closes every subscription and rejects new ones. Publish keeps
// working and simply has nobody to deliver to.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.close()
	}
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}
