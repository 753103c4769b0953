// Package backendtest provides an in-memory grading backend for tests: a Fake that
// satisfies the engine's backend interfaces directly, and a gin server that speaks
// the real wire format on top of it.
package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("injected failure")

// Exam configures one exam served by the Fake.
type Exam struct {
	ID              string
	ShareCode       string
	Password        string
	DurationSeconds int
	QuestionIDs     []string
	OpensAt         *time.Time
	ClosesAt        *time.Time
	MaxAttempts     int
	// AnswerKey maps question id to the JSON-encoded correct value.
	AnswerKey map[string]string
	// LegacyErrors makes start failures carry only free text, like older backends.
	LegacyErrors bool
}

// Calls counts backend invocations.
type Calls struct {
	Resolve   int
	Start     int
	Update    int
	Submit    int
	Get       int
	Integrity int
}

type attempt struct {
	model.Attempt
	answers map[string]json.RawMessage
	result  *model.SubmissionResult
}

// Fake is an in-memory grading backend.
type Fake struct {
	mu       sync.Mutex
	exams    map[string]*Exam
	codes    map[string]string
	attempts map[string]*attempt
	byExam   map[string][]string
	events   []*model.IntegrityEvent
	calls    Calls

	now func() time.Time

	updateFailures int
	submitFailures int
	integrityErr   error
	submitDelay    time.Duration
	updateDelay    time.Duration
}

// NewFake creates an empty Fake using the wall clock.
func NewFake() *Fake {
	return &Fake{
		exams:    make(map[string]*Exam),
		codes:    make(map[string]string),
		attempts: make(map[string]*attempt),
		byExam:   make(map[string][]string),
		now:      time.Now,
	}
}

// AddExam registers an exam and returns it.
func (f *Fake) AddExam(e *Exam) *Exam {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	f.exams[e.ID] = e
	if e.ShareCode != "" {
		f.codes[e.ShareCode] = e.ID
	}
	return e
}

// SetNow overrides the backend clock.
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// FailUpdates makes the next n UpdateAnswers calls fail.
func (f *Fake) FailUpdates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateFailures = n
}

// FailSubmits makes the next n SubmitAttempt calls fail.
func (f *Fake) FailSubmits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFailures = n
}

// FailIntegrity makes every ReportIntegrity call return err (nil restores).
func (f *Fake) FailIntegrity(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.integrityErr = err
}

// DelaySubmit makes SubmitAttempt sleep before answering.
func (f *Fake) DelaySubmit(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitDelay = d
}

// DelayUpdate makes UpdateAnswers sleep before answering.
func (f *Fake) DelayUpdate(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateDelay = d
}

// Calls returns a copy of the call counters.
func (f *Fake) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Answers returns the acknowledged answers of an attempt as raw JSON strings.
func (f *Fake) Answers(attemptID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	if a, ok := f.attempts[attemptID]; ok {
		for qid, v := range a.answers {
			out[qid] = string(v)
		}
	}
	return out
}

// Events returns the integrity events received so far.
func (f *Fake) Events() []*model.IntegrityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.IntegrityEvent(nil), f.events...)
}

// ResolveShareCode implements the share-code lookup.
func (f *Fake) ResolveShareCode(_ context.Context, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Resolve++
	id, ok := f.codes[code]
	if !ok {
		return "", apiErr(http.StatusNotFound, response.ErrShareCodeInvalid, "")
	}
	return id, nil
}

// StartAttempt implements start-attempt with window, password and attempt-limit checks.
func (f *Fake) StartAttempt(_ context.Context, examID, password string) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Start++

	e, ok := f.exams[examID]
	if !ok {
		return nil, apiErr(http.StatusNotFound, response.ErrNotFound, "")
	}
	now := f.now()

	if e.OpensAt != nil && now.Before(*e.OpensAt) {
		if e.LegacyErrors {
			return nil, apiErr(http.StatusForbidden, response.ErrInternal,
				"Exam will begin at "+e.OpensAt.UTC().Format(time.RFC3339))
		}
		err := apiErr(http.StatusForbidden, response.ErrExamNotYetOpen, "")
		opens := *e.OpensAt
		err.WindowOpensAt = &opens
		return nil, err
	}
	if e.ClosesAt != nil && !now.Before(*e.ClosesAt) {
		return nil, f.startErr(e, http.StatusForbidden, response.ErrExamWindowClosed, "Exam window has closed")
	}
	if e.Password != "" {
		if password == "" {
			return nil, f.startErr(e, http.StatusUnauthorized, response.ErrPasswordRequired, "Password is required")
		}
		if password != e.Password {
			return nil, f.startErr(e, http.StatusUnauthorized, response.ErrPasswordInvalid, "Invalid password")
		}
	}

	// Re-join an attempt that is still running.
	for _, id := range f.byExam[examID] {
		if a := f.attempts[id]; a.Status == model.AttemptStatusActive {
			cp := a.Attempt
			return &cp, nil
		}
	}
	if e.MaxAttempts > 0 && len(f.byExam[examID]) >= e.MaxAttempts {
		return nil, f.startErr(e, http.StatusForbidden, response.ErrAttemptLimitExceeded, "Maximum attempts exceeded")
	}

	a := &attempt{
		Attempt: model.Attempt{
			ID:                 uuid.NewString(),
			ExamID:             examID,
			StartedAt:          now.UTC().Truncate(time.Second),
			DurationSeconds:    e.DurationSeconds,
			OrderedQuestionIDs: append([]string(nil), e.QuestionIDs...),
			Status:             model.AttemptStatusActive,
		},
		answers: make(map[string]json.RawMessage),
	}
	f.attempts[a.ID] = a
	f.byExam[examID] = append(f.byExam[examID], a.ID)

	cp := a.Attempt
	return &cp, nil
}

// UpdateAnswers merges a partial answer update.
func (f *Fake) UpdateAnswers(_ context.Context, attemptID string, answers []model.AnswerRecord) error {
	f.mu.Lock()
	f.calls.Update++
	delay := f.updateDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateFailures > 0 {
		f.updateFailures--
		return fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, ErrInjected)
	}
	a, ok := f.attempts[attemptID]
	if !ok {
		return apiErr(http.StatusNotFound, response.ErrNotFound, "")
	}
	if a.Status != model.AttemptStatusActive {
		return apiErr(http.StatusConflict, response.ErrAttemptSubmitted, "")
	}
	for _, rec := range answers {
		a.answers[rec.QuestionID] = append(json.RawMessage(nil), rec.Value...)
	}
	return nil
}

// SubmitAttempt scores the attempt. Submitting twice returns the first result.
func (f *Fake) SubmitAttempt(_ context.Context, attemptID string) (*model.SubmissionResult, error) {
	f.mu.Lock()
	f.calls.Submit++
	delay := f.submitDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitFailures > 0 {
		f.submitFailures--
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, ErrInjected)
	}
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, apiErr(http.StatusNotFound, response.ErrNotFound, "")
	}
	if a.result != nil {
		cp := *a.result
		return &cp, nil
	}

	e := f.exams[a.ExamID]
	var score float64
	for qid, want := range e.AnswerKey {
		if got, ok := a.answers[qid]; ok && string(got) == want {
			score++
		}
	}
	maxScore := float64(len(e.AnswerKey))
	var pct float64
	if maxScore > 0 {
		pct = score / maxScore * 100
	}

	a.Status = model.AttemptStatusSubmitted
	a.result = &model.SubmissionResult{
		AttemptID:   a.ID,
		Score:       score,
		MaxScore:    maxScore,
		Percentage:  pct,
		SubmittedAt: f.now().UTC(),
	}
	cp := *a.result
	return &cp, nil
}

// GetAttempt returns the attempt with its acknowledged answers.
func (f *Fake) GetAttempt(_ context.Context, attemptID string) (*model.AttemptState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Get++
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, apiErr(http.StatusNotFound, response.ErrNotFound, "")
	}
	state := &model.AttemptState{Attempt: a.Attempt}
	for qid, v := range a.answers {
		state.Answers = append(state.Answers, model.AnswerRecord{QuestionID: qid, Value: append(json.RawMessage(nil), v...)})
	}
	sort.Slice(state.Answers, func(i, j int) bool { return state.Answers[i].QuestionID < state.Answers[j].QuestionID })
	return state, nil
}

// ReportIntegrity records an integrity event.
func (f *Fake) ReportIntegrity(_ context.Context, ev *model.IntegrityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Integrity++
	if f.integrityErr != nil {
		return f.integrityErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *Fake) startErr(e *Exam, status int, code response.ErrCode, legacyMsg string) error {
	if e.LegacyErrors {
		return apiErr(status, response.ErrInternal, legacyMsg)
	}
	return apiErr(status, code, "")
}

func apiErr(status int, code response.ErrCode, msg string) *backend.APIError {
	if msg == "" {
		msg = response.GetMessage(code)
	}
	return &backend.APIError{StatusCode: status, Code: code, Message: msg}
}
