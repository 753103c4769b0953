// Package session owns one running attempt: its answers, autosave, deadline,
// integrity monitoring and the exactly-once finalizer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/answers"
	"github.com/stemsi/exstem-client/internal/autosave"
	"github.com/stemsi/exstem-client/internal/deadline"
	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/model"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotActive         = errors.New("attempt is not active")
	ErrInvalidTransition = errors.New("invalid attempt status transition")
	ErrUnknownQuestion   = errors.New("question is not part of this attempt")
)

// Backend is everything a running session needs from the grading backend.
type Backend interface {
	autosave.Saver
	integrity.Reporter
	SubmitAttempt(ctx context.Context, attemptID string) (*model.SubmissionResult, error)
}

// Config tunes a session.
type Config struct {
	Autosave         autosave.Config
	Integrity        integrity.Config
	WarningThreshold time.Duration
	RequestTimeout   time.Duration
	// MaxFinalize is the number of consecutive finalize failures after which
	// errors carry ErrFinalizeStuck.
	MaxFinalize int
	// RetryBackoff spaces the automatic retries of a deadline finalize.
	RetryBackoff time.Duration
	// TickInterval defaults to one second.
	TickInterval time.Duration
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxFinalize <= 0 {
		c.MaxFinalize = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Autosave.RequestTimeout <= 0 {
		c.Autosave.RequestTimeout = c.RequestTimeout
	}
}

// Session is one running attempt. Construct with New; nothing is shared
// between sessions.
type Session struct {
	cfg     Config
	backend Backend
	log     zerolog.Logger

	store   *answers.Store
	saver   *autosave.Scheduler
	clock   *deadline.Clock
	monitor *integrity.Monitor

	questions map[string]struct{}
	observers observers

	mu          sync.Mutex
	attempt     model.Attempt
	reason      model.FinalizeReason
	result      *model.SubmissionResult
	failures    int
	warned      bool
	started     bool
	cancel      context.CancelFunc
	lastFailure error
	closed      bool
	// deadlineRetry re-arms the deadline after a failed student submit.
	deadlineRetry *time.Timer

	flight       singleflight.Group
	teardownOnce sync.Once
}

// New builds a session for an active attempt. hub may be nil when no UI
// signals are wired.
func New(cfg Config, attempt *model.Attempt, b Backend, hub *integrity.Hub, policy *integrity.Policy, log zerolog.Logger) *Session {
	cfg.defaults()

	s := &Session{
		cfg:       cfg,
		backend:   b,
		attempt:   *attempt,
		store:     answers.NewStore(),
		questions: make(map[string]struct{}, len(attempt.OrderedQuestionIDs)),
		log: log.With().
			Str("component", "session").
			Str("attempt_id", attempt.ID).
			Str("exam_id", attempt.ExamID).
			Logger(),
	}
	if s.attempt.Status == "" {
		s.attempt.Status = model.AttemptStatusActive
	}
	for _, q := range attempt.OrderedQuestionIDs {
		s.questions[q] = struct{}{}
	}

	s.saver = autosave.NewScheduler(cfg.Autosave, attempt.ID, s.store, b, log, func(st model.SaveStatus) {
		s.observers.emit(Event{Kind: EventSaveStatus, AttemptID: attempt.ID, SaveStatus: st})
	})
	s.clock = deadline.NewClock(attempt, cfg.WarningThreshold, cfg.Now, log).WithInterval(cfg.TickInterval)
	s.monitor = integrity.NewMonitor(cfg.Integrity, hub, policy, b, log)
	s.monitor.OnDecision(func(sig integrity.Signal, d integrity.Decision) {
		if d.Suppress {
			sig := sig
			s.observers.emit(Event{Kind: EventSuppress, AttemptID: attempt.ID, Signal: &sig})
		}
	})
	return s
}

// Seed loads answers the backend already acknowledged, e.g. on resume.
func (s *Session) Seed(records []model.AnswerRecord) {
	s.store.Seed(records)
}

// Subscribe registers an observer and returns a function removing it.
func (s *Session) Subscribe(fn Observer) func() {
	return s.observers.add(fn)
}

// Start begins autosave, the deadline clock and integrity monitoring. If the
// deadline has already passed (a resumed attempt) finalization starts at once.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.attempt.Status != model.AttemptStatusActive {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.monitor.Start(s.attempt.ID)
	s.saver.Start(runCtx)
	s.clock.Start(runCtx, s.onTick, func() {
		// Clock callbacks only send the expiry into the state machine.
		go s.expire(context.WithoutCancel(ctx))
	})

	s.log.Info().
		Time("deadline", s.attempt.Deadline()).
		Int("remaining_seconds", s.clock.RemainingSeconds()).
		Msg("Session started")
}

// SetAnswer records an answer. It is rejected once the attempt leaves ACTIVE.
func (s *Session) SetAnswer(questionID string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt.Status != model.AttemptStatusActive {
		return ErrNotActive
	}
	if len(s.questions) > 0 {
		if _, ok := s.questions[questionID]; !ok {
			return ErrUnknownQuestion
		}
	}
	return s.store.Set(questionID, value)
}

// Answer returns the current local answer for questionID.
func (s *Session) Answer(questionID string) (model.AnswerRecord, bool) {
	return s.store.Get(questionID)
}

// Answers returns a copy of every local answer.
func (s *Session) Answers() []model.AnswerRecord {
	return s.store.Snapshot()
}

// Attempt returns a copy of the attempt with its current status.
func (s *Session) Attempt() model.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Status returns the attempt status.
func (s *Session) Status() model.AttemptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt.Status
}

// RemainingSeconds is recomputed from the server start time on every call.
func (s *Session) RemainingSeconds() int {
	return s.clock.RemainingSeconds()
}

// Warning reports whether the deadline warning is showing.
func (s *Session) Warning() bool {
	return s.clock.Warning()
}

// SaveStatus returns the autosave indicator.
func (s *Session) SaveStatus() model.SaveStatus {
	return s.saver.Status()
}

// LastSave returns the most recent autosave cycle, or nil before the first.
func (s *Session) LastSave() *model.SaveCycle {
	return s.saver.LastCycle()
}

// Result returns the submission result once the attempt is terminal.
func (s *Session) Result() *model.SubmissionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Close stops every background activity without finalizing. The attempt
// stays as it is on the backend and can be resumed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.deadlineRetry != nil {
		s.deadlineRetry.Stop()
	}
	s.mu.Unlock()

	s.clock.Stop()
	s.monitor.Stop()
	s.teardown()
	s.monitor.Wait()
	s.log.Info().Str("status", string(s.Status())).Msg("Session closed")
}

func (s *Session) onTick(t deadline.Tick) {
	id := s.attempt.ID
	s.observers.emit(Event{Kind: EventTick, AttemptID: id, RemainingSeconds: t.RemainingSeconds, Warning: t.Warning})

	if !t.Warning {
		return
	}
	s.mu.Lock()
	first := !s.warned
	s.warned = true
	s.mu.Unlock()
	if first {
		s.observers.emit(Event{Kind: EventWarning, AttemptID: id, RemainingSeconds: t.RemainingSeconds, Warning: true})
	}
}
