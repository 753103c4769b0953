package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

// ErrFinalizeStuck marks a finalize that has failed MaxFinalize times in a row.
// Retrying is still allowed; the UI should offer manual intervention.
var ErrFinalizeStuck = errors.New("finalize keeps failing")

const finalizeKey = "finalize"

// Finalize submits the attempt exactly once. Concurrent callers share one
// in-flight submission; callers arriving after success get the cached result.
// After a failure the attempt stays FINALIZING and a new call retries the
// flush and submit.
func (s *Session) Finalize(ctx context.Context, reason model.FinalizeReason) (*model.SubmissionResult, error) {
	s.mu.Lock()
	switch s.attempt.Status {
	case model.AttemptStatusSubmitted, model.AttemptStatusExpired:
		res := s.result
		s.mu.Unlock()
		return res, nil
	case model.AttemptStatusActive:
		if err := s.transitionLocked(model.AttemptStatusFinalizing); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.reason = reason
		s.mu.Unlock()
		s.log.Info().Str("reason", string(reason)).Msg("Finalize started")
		s.observers.emit(Event{Kind: EventFinalizing, AttemptID: s.attempt.ID, Reason: reason})
	case model.AttemptStatusFinalizing:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil, ErrNotActive
	}

	// Every caller waits for the teardown so no autosave is in flight when
	// the final flush begins.
	s.teardown()

	v, err, shared := s.flight.Do(finalizeKey, func() (interface{}, error) {
		return s.runFinalize(ctx)
	})
	if shared {
		s.log.Debug().Msg("Joined in-flight finalize")
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.SubmissionResult), nil
}

// Finalizing reports whether a finalize has started but not succeeded.
func (s *Session) Finalizing() bool {
	return s.Status() == model.AttemptStatusFinalizing
}

// Failures returns the number of consecutive finalize failures.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Session) runFinalize(ctx context.Context) (*model.SubmissionResult, error) {
	s.mu.Lock()
	if s.result != nil {
		res := s.result
		s.mu.Unlock()
		return res, nil
	}
	reason := s.reason
	s.mu.Unlock()

	id := s.attempt.ID
	snapshot := s.store.Snapshot()
	cycle := model.NewSaveCycle(model.SaveKindFinal, snapshot)

	if len(snapshot) > 0 {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		err := s.backend.UpdateAnswers(flushCtx, id, snapshot)
		cancel()
		cycle.Finish(err)
		// An already-submitted attempt means an earlier submit landed but its
		// response was lost; the submit below returns the stored result.
		if err != nil && !backend.IsCode(err, response.ErrAttemptSubmitted) {
			return nil, s.finalizeFailed(fmt.Errorf("final flush: %w", err))
		}
	} else {
		cycle.Finish(nil)
	}
	s.log.Info().
		Str("cycle_id", cycle.ID.String()).
		Int("answers", len(snapshot)).
		Str("outcome", string(cycle.Outcome)).
		Msg("Final flush done")

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	result, err := s.backend.SubmitAttempt(submitCtx, id)
	cancel()
	if err != nil {
		return nil, s.finalizeFailed(fmt.Errorf("submit: %w", err))
	}
	s.store.MarkClean(snapshot)

	status := model.AttemptStatusSubmitted
	if reason == model.FinalizeUserRequested && !s.cfg.Now().Before(s.attempt.Deadline()) {
		status = model.AttemptStatusExpired
	}

	res := *result
	res.AttemptID = id
	res.Reason = reason
	res.Status = status
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = s.cfg.Now().UTC()
	}

	s.mu.Lock()
	if err := s.transitionLocked(status); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.result = &res
	s.failures = 0
	s.lastFailure = nil
	s.mu.Unlock()

	s.log.Info().
		Str("reason", string(reason)).
		Str("status", string(status)).
		Float64("score", res.Score).
		Float64("max_score", res.MaxScore).
		Msg("Attempt finalized")
	s.observers.emit(Event{Kind: EventFinalized, AttemptID: id, Reason: reason, Result: &res})
	return &res, nil
}

func (s *Session) finalizeFailed(err error) error {
	s.mu.Lock()
	s.failures++
	n := s.failures
	stuck := n >= s.cfg.MaxFinalize
	if stuck {
		err = fmt.Errorf("%w after %d attempts: %w", ErrFinalizeStuck, n, err)
	}
	s.lastFailure = err
	s.armDeadlineRetryLocked()
	s.mu.Unlock()

	s.log.Error().Err(err).Int("failures", n).Bool("stuck", stuck).Msg("Finalize failed, answers retained")
	s.observers.emit(Event{Kind: EventFinalizeFailed, AttemptID: s.attempt.ID, Err: err, Stuck: stuck})
	return err
}

// expire is the deadline path: finalize and keep retrying automatically until
// it succeeds or MaxFinalize consecutive attempts have failed.
func (s *Session) expire(ctx context.Context) {
	for {
		_, err := s.Finalize(ctx, model.FinalizeDeadlineExpired)
		if err == nil || errors.Is(err, ErrFinalizeStuck) || errors.Is(err, ErrNotActive) {
			return
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryBackoff):
		}
	}
}

// armDeadlineRetryLocked keeps the deadline enforced after a student submit
// failed: leaving ACTIVE stopped the clock, so the deadline path is scheduled
// here instead. Callers hold s.mu.
func (s *Session) armDeadlineRetryLocked() {
	if s.reason != model.FinalizeUserRequested || s.deadlineRetry != nil || s.closed {
		return
	}
	wait := s.attempt.Deadline().Sub(s.cfg.Now())
	if wait < 0 {
		wait = 0
	}
	s.log.Info().Dur("in", wait).Msg("Deadline submit scheduled after failed finalize")
	s.deadlineRetry = time.AfterFunc(wait, func() {
		s.expire(context.Background())
	})
}

// LastFailure returns the most recent finalize error, or nil.
func (s *Session) LastFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}
