package session

import (
	"sync"

	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/model"
)

// EventKind names a session notification.
type EventKind string

const (
	EventTick           EventKind = "tick"
	EventWarning        EventKind = "warning"
	EventSaveStatus     EventKind = "save_status"
	EventSuppress       EventKind = "suppress"
	EventFinalizing     EventKind = "finalizing"
	EventFinalized      EventKind = "finalized"
	EventFinalizeFailed EventKind = "finalize_failed"
)

// Event is delivered to observers. Only the fields relevant to Kind are set.
type Event struct {
	Kind             EventKind
	AttemptID        string
	RemainingSeconds int
	Warning          bool
	SaveStatus       model.SaveStatus
	Signal           *integrity.Signal
	Reason           model.FinalizeReason
	Result           *model.SubmissionResult
	Err              error
	Stuck            bool
}

// Observer receives session events. It must not block.
type Observer func(Event)

type observers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) emit(ev Event) {
	o.mu.RLock()
	fns := make([]Observer, 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
