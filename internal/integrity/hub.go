package integrity

import (
	"sync"
	"time"

	"github.com/stemsi/exstem-client/internal/model"
)

// Signal is a raw environment observation coming from the UI.
type Signal struct {
	Kind model.IntegrityKind `json:"kind"`
	// Severity overrides the policy severity when set.
	Severity   model.Severity  `json:"severity,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	Evidence   *model.Evidence `json:"-"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Hub fans signals out to subscribers. The zero value is ready to use.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Signal)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Signal))}
}

// Subscribe registers fn and returns a function removing it. Once the returned
// function returns, fn is no longer called for new publishes.
func (h *Hub) Subscribe(fn func(Signal)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Signal))
	}
	id := h.next
	h.next++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers sig to every current subscriber on the caller's goroutine.
func (h *Hub) Publish(sig Signal) {
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = time.Now().UTC()
	}

	h.mu.RLock()
	fns := make([]func(Signal), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
