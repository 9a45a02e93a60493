// Package events fans out review activity to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeImport = "import"
	TypeQC     = "qc"
	TypeFlags  = "flags"
)

// Event describes one change to a dataset.
type Event struct {
	Type     string    `json:"type"`
	Dataset  string    `json:"dataset"`
	BatchID  string    `json:"batch_id,omitempty"`
	Rows     int       `json:"rows"`
	Reviewer string    `json:"reviewer,omitempty"`
	Time     time.Time `json:"time"`
}

type subscriber struct {
	dataset string
	ch      chan Event
}

// Hub delivers published events to subscribers. A slow subscriber loses
// events rather than blocking the publisher.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for events of dataset, or of every dataset when dataset
// is empty. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(dataset string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{dataset: dataset, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish sends e to every matching subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.dataset != "" && s.dataset != e.Dataset {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("dropping event for slow subscriber", "type", e.Type, "dataset", e.Dataset)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
