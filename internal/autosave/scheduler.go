package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/answers"
	"github.com/stemsi/exstem-client/internal/model"
)

// Saver persists a partial answer update.
type Saver interface {
	UpdateAnswers(ctx context.Context, attemptID string, answers []model.AnswerRecord) error
}

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration
	SavedDisplay   time.Duration
	RequestTimeout time.Duration
}

// Scheduler flushes dirty answers to the backend on a fixed cadence for the life
// of an active attempt. At most one SaveCycle is pending at a time.
type Scheduler struct {
	cfg       Config
	attemptID string
	store     *answers.Store
	saver     Saver
	log       zerolog.Logger
	onStatus  func(model.SaveStatus)

	mu         sync.Mutex
	status     model.SaveStatus
	pending    bool
	stopped    bool
	last       *model.SaveCycle
	generation uint64
	idleTimer  *time.Timer

	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewScheduler creates a new Scheduler. onStatus may be nil.
func NewScheduler(cfg Config, attemptID string, store *answers.Store, saver Saver, log zerolog.Logger, onStatus func(model.SaveStatus)) *Scheduler {
	if onStatus == nil {
		onStatus = func(model.SaveStatus) {}
	}
	return &Scheduler{
		cfg:       cfg,
		attemptID: attemptID,
		store:     store,
		saver:     saver,
		onStatus:  onStatus,
		status:    model.SaveStatusIdle,
		log: log.With().
			Str("component", "autosave").
			Str("attempt_id", attemptID).
			Logger(),
	}
}

// Start begins the ticker loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.loopDone != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)
	s.log.Debug().Dur("interval", s.cfg.Interval).Msg("Autosave started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Autosave stopped")
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.inflight.Add(1)
			s.mu.Unlock()

			go func() {
				defer s.inflight.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one save cycle and returns it, or nil when the tick was skipped
// (a cycle is already pending, the scheduler is stopped, or nothing is dirty).
func (s *Scheduler) Tick(ctx context.Context) *model.SaveCycle {
	s.mu.Lock()
	if s.stopped || s.pending {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.store.SnapshotDirty()
	if len(snapshot) == 0 {
		s.mu.Unlock()
		return nil
	}
	cycle := model.NewSaveCycle(model.SaveKindAutosave, snapshot)
	s.pending = true
	s.last = cycle
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	s.setStatus(model.SaveStatusSaving)

	// The flush outlives Stop: Stop waits for it instead of cancelling it, so an
	// already-sent update is never overtaken by the finalizer's flush.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	err := s.saver.UpdateAnswers(flushCtx, s.attemptID, cycle.Answers)
	cancel()
	s.mu.Lock()
	cycle.Finish(err)
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Int("count", len(cycle.Answers)).Msg("Autosave failed, answers kept for next cycle")
		s.finish(model.SaveStatusError)
		return cycle
	}

	cleaned := s.store.MarkClean(cycle.Answers)
	s.log.Debug().Int("count", len(cycle.Answers)).Int("cleaned", cleaned).Msg("Autosave succeeded")
	s.finish(model.SaveStatusSaved)
	return cycle
}

// Stop cancels the interval and waits for an in-flight cycle to return.
// Further ticks are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	done := s.loopDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Status returns the visible save indicator.
func (s *Scheduler) Status() model.SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastCycle returns a copy of the most recent cycle, or nil before the first.
func (s *Scheduler) LastCycle() *model.SaveCycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	c := *s.last
	return &c
}

func (s *Scheduler) finish(status model.SaveStatus) {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	s.setStatus(status)

	if status != model.SaveStatusSaved {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	gen := s.generation
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.SavedDisplay, func() {
		s.mu.Lock()
		if s.generation != gen || s.status != model.SaveStatusSaved {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.setStatus(model.SaveStatusIdle)
	})
}

func (s *Scheduler) setStatus(status model.SaveStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.generation++
	s.mu.Unlock()
	s.onStatus(status)
}
