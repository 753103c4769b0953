package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/deferred"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/handoff"
	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/model"
)

var ErrNoHandoff = errors.New("no attempt to resume for this exam")

// passwordSlack is how long a parked password outlives the window opening.
const passwordSlack = 5 * time.Minute

// EngineBackend is the full backend surface used by the engine.
type EngineBackend interface {
	gateway.Backend
	Backend
}

// Outcome is the result of Begin: exactly one of Session or Deferred is set.
type Outcome struct {
	Session  *Session
	Deferred *model.DeferredStart
}

// Engine creates sessions. It holds no per-attempt state of its own.
type Engine struct {
	cfg        Config
	backend    EngineBackend
	gateway    *gateway.Gateway
	handoff    handoff.Store
	handoffTTL time.Duration
	hub        *integrity.Hub
	policy     *integrity.Policy
	log        zerolog.Logger
}

// NewEngine wires an Engine. store may be nil for an in-memory handoff store.
func NewEngine(cfg Config, b EngineBackend, store handoff.Store, handoffTTL time.Duration, hub *integrity.Hub, policy *integrity.Policy, log zerolog.Logger) *Engine {
	cfg.defaults()
	if store == nil {
		store = handoff.NewMemoryStore(nil)
	}
	if hub == nil {
		hub = integrity.NewHub()
	}
	return &Engine{
		cfg:        cfg,
		backend:    b,
		gateway:    gateway.New(b, log),
		handoff:    store,
		handoffTTL: handoffTTL,
		hub:        hub,
		policy:     policy,
		log:        log.With().Str("component", "engine").Logger(),
	}
}

// Hub is the signal bus sessions listen on.
func (e *Engine) Hub() *integrity.Hub {
	return e.hub
}

// Begin starts an attempt for accessToken. A not-yet-open window yields a
// Deferred outcome; the password, if any, is parked in the handoff store for
// the single start call at window open. Other rejections are *gateway.StartFailure.
func (e *Engine) Begin(ctx context.Context, accessToken, password string) (*Outcome, error) {
	examID, err := e.gateway.ResolveExamRef(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	attempt, err := e.gateway.StartExam(ctx, examID, password)
	if err != nil {
		f, ok := gateway.AsStartFailure(err)
		if ok && f.Kind == gateway.NotYetOpen {
			if password != "" {
				if perr := e.handoff.Put(ctx, config.CacheKey.HandoffPasswordKey(examID), password, e.passwordTTL(*f.WindowOpensAt)); perr != nil {
					e.log.Warn().Err(perr).Str("exam_id", examID).Msg("Failed to park password, it will be asked again")
				}
			}
			return &Outcome{Deferred: &model.DeferredStart{ExamRef: examID, WindowOpensAt: *f.WindowOpensAt}}, nil
		}
		return nil, err
	}

	return &Outcome{Session: e.open(ctx, attempt, nil)}, nil
}

// AwaitAndBegin waits for a deferred window and starts the attempt exactly once.
// deferred.ErrCredentialsRequired means the caller must prompt and call Begin.
func (e *Engine) AwaitAndBegin(ctx context.Context, ds model.DeferredStart, onTick func(remainingSeconds int)) (*Session, error) {
	ctrl := deferred.NewController(e.cfg.Now, e.log)
	ctrl.OnTick = onTick

	// The parked password is single-use: it goes whether the wait starts the
	// attempt, fails or is cancelled.
	passwordKey := config.CacheKey.HandoffPasswordKey(ds.ExamRef)
	defer func() {
		if err := e.handoff.Delete(context.WithoutCancel(ctx), passwordKey); err != nil {
			e.log.Warn().Err(err).Str("exam_id", ds.ExamRef).Msg("Failed to clear parked password")
		}
	}()

	attempt, err := ctrl.Await(ctx, ds, func(ctx context.Context) (*model.Attempt, error) {
		password, err := e.handoff.Take(ctx, passwordKey)
		if err != nil && !errors.Is(err, handoff.ErrNotFound) {
			e.log.Warn().Err(err).Str("exam_id", ds.ExamRef).Msg("Handoff store unavailable, starting without password")
		}
		return e.gateway.StartExam(ctx, ds.ExamRef, password)
	})
	if err != nil {
		return nil, err
	}
	return e.open(ctx, attempt, nil), nil
}

// passwordTTL keeps a parked password no longer than the wait for the window
// plus passwordSlack, and never past the configured handoff TTL.
func (e *Engine) passwordTTL(opensAt time.Time) time.Duration {
	ttl := opensAt.Sub(e.cfg.Now()) + passwordSlack
	if e.handoffTTL > 0 && e.handoffTTL < ttl {
		ttl = e.handoffTTL
	}
	return ttl
}

// Resume rebuilds a session from the backend's state of attemptID.
func (e *Engine) Resume(ctx context.Context, attemptID string) (*Session, error) {
	state, err := e.gateway.Resume(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if state.Status != "" && state.Status != model.AttemptStatusActive {
		return nil, fmt.Errorf("%w: attempt %s is %s", ErrNotActive, attemptID, state.Status)
	}
	attempt := state.Attempt
	attempt.Status = model.AttemptStatusActive
	return e.open(ctx, &attempt, state.Answers), nil
}

// ResumeExam resumes the attempt last started by this agent for the exam
// accessToken refers to. The stored reference is consumed.
func (e *Engine) ResumeExam(ctx context.Context, accessToken string) (*Session, error) {
	examID, err := e.gateway.ResolveExamRef(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	attemptID, err := e.handoff.Take(ctx, config.CacheKey.HandoffAttemptKey(examID))
	if err != nil {
		if errors.Is(err, handoff.ErrNotFound) {
			return nil, ErrNoHandoff
		}
		return nil, fmt.Errorf("take attempt handoff: %w", err)
	}
	return e.Resume(ctx, attemptID)
}

func (e *Engine) open(ctx context.Context, attempt *model.Attempt, acknowledged []model.AnswerRecord) *Session {
	s := New(e.cfg, attempt, e.backend, e.hub, e.policy, e.log)
	if len(acknowledged) > 0 {
		s.Seed(acknowledged)
	}

	key := config.CacheKey.HandoffAttemptKey(attempt.ExamID)
	if err := e.handoff.Put(ctx, key, attempt.ID, e.handoffTTL); err != nil {
		e.log.Warn().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to store attempt reference")
	}
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventFinalized {
			if err := e.handoff.Delete(context.Background(), key); err != nil {
				e.log.Warn().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to clear attempt reference")
			}
		}
	})

	// The session outlives the call that created it; Close or Finalize ends it.
	s.Start(context.WithoutCancel(ctx))
	return s
}
