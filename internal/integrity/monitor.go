// Package integrity turns environment signals into proctoring events and reports
// them without ever affecting the attempt.
package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/model"
	"golang.org/x/sync/semaphore"
)

// Reporter delivers a single event to the backend.
type Reporter interface {
	ReportIntegrity(ctx context.Context, ev *model.IntegrityEvent) error
}

// Config bounds delivery.
type Config struct {
	Timeout     time.Duration
	MaxInflight int64
}

// Decision tells the caller what to do with the originating UI action.
type Decision struct {
	Report   bool
	Suppress bool
	Event    *model.IntegrityEvent
}

// Monitor observes signals for one attempt at a time.
type Monitor struct {
	cfg      Config
	hub      *Hub
	policy   *Policy
	reporter Reporter
	sem      *semaphore.Weighted
	log      zerolog.Logger

	onDecision func(Signal, Decision)

	mu          sync.Mutex
	attemptID   string
	active      bool
	unsubscribe func()

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor. policy may be nil for DefaultPolicy.
func NewMonitor(cfg Config, hub *Hub, policy *Policy, reporter Reporter, log zerolog.Logger) *Monitor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		hub:      hub,
		policy:   policy,
		reporter: reporter,
		sem:      semaphore.NewWeighted(cfg.MaxInflight),
		log:      log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// OnDecision registers a callback invoked for every hub signal after it is observed.
// Must be called before Start.
func (m *Monitor) OnDecision(fn func(Signal, Decision)) {
	m.onDecision = fn
}

// Start subscribes to the hub on behalf of attemptID.
func (m *Monitor) Start(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.attemptID = attemptID
	m.active = true
	if m.hub != nil {
		m.unsubscribe = m.hub.Subscribe(func(sig Signal) {
			d := m.Observe(sig)
			if m.onDecision != nil {
				m.onDecision(sig, d)
			}
		})
	}
	m.log.Info().Str("attempt_id", attemptID).Msg("Integrity monitor started")
}

// Stop removes the subscription. Reports already in flight still complete;
// signals arriving afterwards are ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.log.Info().Str("attempt_id", m.attemptID).Msg("Integrity monitor stopped")
}

// Observe classifies sig and, if the policy asks for it, dispatches a report in
// the background. It never blocks on the network.
func (m *Monitor) Observe(sig Signal) Decision {
	m.mu.Lock()
	active, attemptID := m.active, m.attemptID
	m.mu.Unlock()
	if !active {
		return Decision{}
	}

	rule, ok := m.policy.Lookup(sig.Kind)
	if !ok {
		m.log.Warn().Str("kind", string(sig.Kind)).Msg("Ignoring signal of unknown kind")
		return Decision{}
	}

	severity := rule.Severity
	if sig.Severity.Valid() {
		severity = sig.Severity
	}
	occurred := sig.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	ev := &model.IntegrityEvent{
		ID:         uuid.New(),
		AttemptID:  attemptID,
		Kind:       sig.Kind,
		Severity:   severity,
		Meta:       sig.Meta,
		OccurredAt: occurred,
		Evidence:   sig.Evidence,
	}

	m.dispatch(ev)
	return Decision{Report: true, Suppress: rule.Mode == ModeBlocking, Event: ev}
}

// Wait blocks until all dispatched reports have finished. Used on shutdown.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) dispatch(ev *model.IntegrityEvent) {
	if m.reporter == nil {
		return
	}
	if !m.sem.TryAcquire(1) {
		m.log.Warn().
			Str("attempt_id", ev.AttemptID).
			Str("kind", string(ev.Kind)).
			Msg("Integrity report dropped, too many in flight")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		defer cancel()

		if err := m.reporter.ReportIntegrity(ctx, ev); err != nil {
			m.log.Warn().Err(err).
				Str("attempt_id", ev.AttemptID).
				Str("event_id", ev.ID.String()).
				Str("kind", string(ev.Kind)).
				Msg("Integrity report failed")
			return
		}
		m.log.Debug().Str("event_id", ev.ID.String()).Str("kind", string(ev.Kind)).Msg("Integrity report delivered")
	}()
}
