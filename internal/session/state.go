package session

import (
	"fmt"

	"github.com/stemsi/exstem-client/internal/model"
)

// transitions lists every legal status change. FAILED is never entered by a
// session: a failed start produces no session at all.
var transitions = map[model.AttemptStatus][]model.AttemptStatus{
	model.AttemptStatusActive:     {model.AttemptStatusFinalizing},
	model.AttemptStatusFinalizing: {model.AttemptStatusSubmitted, model.AttemptStatusExpired},
}

func canTransition(from, to model.AttemptStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionLocked moves the attempt to status to. Callers hold s.mu.
// Leaving ACTIVE cancels the deadline clock and the integrity listeners before
// the lock is released; the autosave scheduler is halted by teardown.
func (s *Session) transitionLocked(to model.AttemptStatus) error {
	from := s.attempt.Status
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.attempt.Status = to
	s.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Attempt status changed")

	if from == model.AttemptStatusActive {
		s.clock.Stop()
		s.monitor.Stop()
	}
	return nil
}

// teardown halts autosave and waits for any in-flight cycle, so that nothing
// can reach the backend after the final flush starts. Safe to call repeatedly.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.saver.Stop()
		if s.cancel != nil {
			s.cancel()
		}
	})
}
