package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/deferred"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/session"
	ws "github.com/stemsi/exstem-client/internal/websocket"
)

var (
	ErrSessionInProgress = errors.New("a session is already in progress")
	ErrNoActiveSession   = errors.New("no active session")
	ErrNoPendingPrompt   = errors.New("no password prompt is pending")
)

// StartResult is returned by Start: exactly one of Attempt or Deferred is set.
type StartResult struct {
	Attempt  *model.Attempt       `json:"attempt,omitempty"`
	Deferred *model.DeferredStart `json:"deferred,omitempty"`
}

// Snapshot is the current view of the agent for the UI.
type Snapshot struct {
	Attempt          *model.Attempt          `json:"attempt,omitempty"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Warning          bool                    `json:"warning"`
	SaveStatus       model.SaveStatus        `json:"save_status,omitempty"`
	LastSaveAt       *time.Time              `json:"last_save_at,omitempty"`
	LastSaveOutcome  model.SaveOutcome       `json:"last_save_outcome,omitempty"`
	Answers          []model.AnswerRecord    `json:"answers"`
	Result           *model.SubmissionResult `json:"result,omitempty"`
	Deferred         *model.DeferredStart    `json:"deferred,omitempty"`
	PasswordRequired bool                    `json:"password_required"`
}

// ExamSessionService holds the one session this agent drives and fans its
// events out to connected UIs. It is constructed explicitly by main.
type ExamSessionService struct {
	engine *session.Engine
	ctx    context.Context
	log    zerolog.Logger

	mu          sync.Mutex
	current     *session.Session
	unsubscribe func()
	waiting     *model.DeferredStart
	waitCancel  context.CancelFunc
	pendingRef  string
	starting    bool

	subsMu sync.RWMutex
	nextID int
	subs   map[int]func(interface{})
}

// NewExamSessionService creates the service. ctx bounds deferred waits.
func NewExamSessionService(ctx context.Context, engine *session.Engine, log zerolog.Logger) *ExamSessionService {
	return &ExamSessionService{
		engine: engine,
		ctx:    ctx,
		log:    log.With().Str("component", "exam_session_service").Logger(),
		subs:   make(map[int]func(interface{})),
	}
}

// Subscribe registers a UI event sink and returns a function removing it.
func (s *ExamSessionService) Subscribe(fn func(interface{})) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Start begins an attempt, or a deferred countdown when the window is not open.
func (s *ExamSessionService) Start(ctx context.Context, accessToken, password string) (*StartResult, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	defer s.release()

	out, err := s.engine.Begin(ctx, accessToken, password)
	if err != nil {
		return nil, err
	}
	if out.Deferred != nil {
		s.deferStart(*out.Deferred)
		return &StartResult{Deferred: out.Deferred}, nil
	}
	s.attach(out.Session)
	a := out.Session.Attempt()
	return &StartResult{Attempt: &a}, nil
}

// Resume re-attaches to the attempt last started for accessToken.
func (s *ExamSessionService) Resume(ctx context.Context, accessToken string) (*StartResult, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	defer s.release()

	sess, err := s.engine.ResumeExam(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	s.attach(sess)
	a := sess.Attempt()
	return &StartResult{Attempt: &a}, nil
}

// SubmitPassword answers a pending password prompt raised at window open.
func (s *ExamSessionService) SubmitPassword(ctx context.Context, password string) (*StartResult, error) {
	s.mu.Lock()
	ref := s.pendingRef
	s.mu.Unlock()
	if ref == "" {
		return nil, ErrNoPendingPrompt
	}
	if err := s.reserve(); err != nil {
		return nil, err
	}
	defer s.release()

	out, err := s.engine.Begin(ctx, ref, password)
	if err != nil {
		if f, ok := gateway.AsStartFailure(err); ok && f.NeedsCredentials() {
			return nil, err
		}
		s.clearPrompt()
		return nil, err
	}
	s.clearPrompt()
	if out.Deferred != nil {
		s.deferStart(*out.Deferred)
		return &StartResult{Deferred: out.Deferred}, nil
	}
	s.attach(out.Session)
	a := out.Session.Attempt()
	return &StartResult{Attempt: &a}, nil
}

// Answer records an answer in the current session.
func (s *ExamSessionService) Answer(questionID string, value json.RawMessage) error {
	sess := s.Current()
	if sess == nil {
		return ErrNoActiveSession
	}
	return sess.SetAnswer(questionID, value)
}

// Submit finalizes the current session on the student's request.
func (s *ExamSessionService) Submit(ctx context.Context) (*model.SubmissionResult, error) {
	sess := s.Current()
	if sess == nil {
		return nil, ErrNoActiveSession
	}
	return sess.Finalize(ctx, model.FinalizeUserRequested)
}

// Signal publishes a UI environment signal to the integrity monitor.
func (s *ExamSessionService) Signal(sig integrity.Signal) {
	s.engine.Hub().Publish(sig)
}

// Current returns the attached session, which may already be terminal.
func (s *ExamSessionService) Current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Snapshot describes the agent state for GET /session.
func (s *ExamSessionService) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	sess, waiting, prompt := s.current, s.waiting, s.pendingRef != ""
	s.mu.Unlock()

	if sess == nil {
		if waiting == nil && !prompt {
			return nil, ErrNoActiveSession
		}
		return &Snapshot{Deferred: waiting, PasswordRequired: prompt, Answers: []model.AnswerRecord{}}, nil
	}

	a := sess.Attempt()
	snap := &Snapshot{
		Attempt:          &a,
		RemainingSeconds: sess.RemainingSeconds(),
		Warning:          sess.Warning(),
		SaveStatus:       sess.SaveStatus(),
		Answers:          sess.Answers(),
		Result:           sess.Result(),
		PasswordRequired: prompt,
	}
	if c := sess.LastSave(); c != nil && c.Outcome != model.SaveOutcomePending {
		at := c.FinishedAt
		snap.LastSaveAt = &at
		snap.LastSaveOutcome = c.Outcome
	}
	return snap, nil
}

// Shutdown stops deferred waits and closes the session without finalizing.
func (s *ExamSessionService) Shutdown() {
	s.mu.Lock()
	sess, cancel := s.current, s.waitCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close()
	}
}

// reserve marks a start in progress so concurrent starts are rejected.
func (s *ExamSessionService) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return ErrSessionInProgress
	}
	s.starting = true
	return nil
}

func (s *ExamSessionService) release() {
	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
}

func (s *ExamSessionService) busyLocked() bool {
	if s.starting || s.waiting != nil {
		return true
	}
	return s.current != nil && !s.current.Status().Terminal()
}

func (s *ExamSessionService) deferStart(ds model.DeferredStart) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.waiting = &ds
	s.waitCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		sess, err := s.engine.AwaitAndBegin(ctx, ds, func(remaining int) {
			s.broadcast(ws.DeferredTickResponse{
				Event:            ws.EventDeferredTick,
				ExamRef:          ds.ExamRef,
				WindowOpensAt:    ds.WindowOpensAt,
				RemainingSeconds: remaining,
			})
		})

		s.mu.Lock()
		s.waiting = nil
		s.waitCancel = nil
		s.mu.Unlock()

		switch {
		case err == nil:
			s.attach(sess)
		case errors.Is(err, deferred.ErrCredentialsRequired):
			s.mu.Lock()
			s.pendingRef = ds.ExamRef
			s.mu.Unlock()
			code := string(response.ErrPasswordRequired)
			if f, ok := gateway.AsStartFailure(err); ok {
				code = string(f.Code())
			}
			s.broadcast(ws.PasswordRequiredResponse{Event: ws.EventPasswordRequired, ExamRef: ds.ExamRef, Code: code})
		case errors.Is(err, context.Canceled):
			s.log.Info().Str("exam_ref", ds.ExamRef).Msg("Deferred start cancelled")
		default:
			s.log.Warn().Err(err).Str("exam_ref", ds.ExamRef).Msg("Deferred start failed")
			s.broadcast(startFailed(err))
		}
	}()
}

func (s *ExamSessionService) clearPrompt() {
	s.mu.Lock()
	s.pendingRef = ""
	s.mu.Unlock()
}

func (s *ExamSessionService) attach(sess *session.Session) {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.current = sess
	s.unsubscribe = sess.Subscribe(s.forward)
	s.mu.Unlock()

	a := sess.Attempt()
	s.broadcast(ws.SessionStartedResponse{Event: ws.EventSessionStarted, Attempt: &a})
}

// forward converts session events to UI events.
func (s *ExamSessionService) forward(ev session.Event) {
	switch ev.Kind {
	case session.EventTick:
		s.broadcast(ws.TickResponse{Event: ws.EventTick, RemainingSeconds: ev.RemainingSeconds, Warning: ev.Warning})
	case session.EventWarning:
		s.broadcast(ws.TickResponse{Event: ws.EventWarning, RemainingSeconds: ev.RemainingSeconds, Warning: true})
	case session.EventSaveStatus:
		s.broadcast(ws.SaveStatusResponse{Event: ws.EventSaveStatus, Status: ev.SaveStatus})
	case session.EventSuppress:
		if ev.Signal != nil {
			s.broadcast(ws.SuppressResponse{Event: ws.EventSuppress, Kind: ev.Signal.Kind})
		}
	case session.EventFinalizing:
		s.broadcast(ws.FinalizingResponse{Event: ws.EventFinalizing, Reason: ev.Reason})
	case session.EventFinalized:
		s.broadcast(ws.FinalizedResponse{Event: ws.EventFinalized, Result: ev.Result})
	case session.EventFinalizeFailed:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.broadcast(ws.FinalizeFailedResponse{Event: ws.EventFinalizeFailed, Error: msg, Stuck: ev.Stuck})
	}
}

func (s *ExamSessionService) broadcast(v interface{}) {
	s.subsMu.RLock()
	fns := make([]func(interface{}), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func startFailed(err error) ws.StartFailedResponse {
	resp := ws.StartFailedResponse{Event: ws.EventStartFailed, Error: err.Error(), Code: string(response.ErrExamNotAvailable)}
	if f, ok := gateway.AsStartFailure(err); ok {
		resp.Code = string(f.Code())
		resp.WindowOpensAt = f.WindowOpensAt
	}
	return resp
}
