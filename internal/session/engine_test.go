package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/backend/backendtest"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/deferred"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/handoff"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(fake *backendtest.Fake, store handoff.Store) *Engine {
	return NewEngine(testConfig(), fake, store, time.Hour, nil, nil, zerolog.Nop())
}

func TestEngine_BeginStartsSession(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{ShareCode: "BIO-7", DurationSeconds: 600, QuestionIDs: fiveQuestions})
	store := handoff.NewMemoryStore(nil)
	e := newEngine(fake, store)

	out, err := e.Begin(context.Background(), "BIO-7", "")
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	assert.Nil(t, out.Deferred)
	defer out.Session.Close()

	assert.Equal(t, exam.ID, out.Session.Attempt().ExamID)
	assert.Equal(t, model.AttemptStatusActive, out.Session.Status())
	assert.InDelta(t, 600, out.Session.RemainingSeconds(), 2)
	assert.Equal(t, 1, e.Hub().Len(), "integrity monitor subscribed")

	// Finalizing clears the attempt reference.
	_, err = out.Session.Finalize(context.Background(), model.FinalizeUserRequested)
	require.NoError(t, err)
	_, err = store.Take(context.Background(), config.CacheKey.HandoffAttemptKey(exam.ID))
	assert.ErrorIs(t, err, handoff.ErrNotFound)
	assert.Equal(t, 0, e.Hub().Len())
}

func TestEngine_BeginFailureCreatesNoSession(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{Password: "pw", DurationSeconds: 600})
	e := newEngine(fake, nil)

	out, err := e.Begin(context.Background(), exam.ID, "")
	assert.Nil(t, out)
	f, ok := gateway.AsStartFailure(err)
	require.True(t, ok)
	assert.Equal(t, gateway.PasswordRequired, f.Kind)
}

func TestEngine_DeferredStartUsesParkedPasswordOnce(t *testing.T) {
	fake := backendtest.NewFake()
	opens := time.Now().Add(2 * time.Second)
	exam := fake.AddExam(&backendtest.Exam{OpensAt: &opens, Password: "pw", DurationSeconds: 600})
	store := handoff.NewMemoryStore(nil)
	e := newEngine(fake, store)

	out, err := e.Begin(context.Background(), exam.ID, "pw")
	require.NoError(t, err)
	require.NotNil(t, out.Deferred)
	assert.Nil(t, out.Session)
	assert.True(t, opens.Equal(out.Deferred.WindowOpensAt))

	var ticks []int
	s, err := e.AwaitAndBegin(context.Background(), *out.Deferred, func(r int) { ticks = append(ticks, r) })
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, time.Now().Before(opens))
	assert.WithinDuration(t, opens, time.Now(), time.Second)
	assert.Equal(t, model.AttemptStatusActive, s.Status())
	assert.NotEmpty(t, ticks)
	assert.Equal(t, 2, fake.Calls().Start)

	_, err = store.Take(context.Background(), config.CacheKey.HandoffPasswordKey(exam.ID))
	assert.ErrorIs(t, err, handoff.ErrNotFound, "password cleared after its single use")
}

func TestEngine_CancelledWaitClearsParkedPassword(t *testing.T) {
	fake := backendtest.NewFake()
	opens := time.Now().Add(time.Hour)
	exam := fake.AddExam(&backendtest.Exam{OpensAt: &opens, Password: "pw", DurationSeconds: 600})
	store := handoff.NewMemoryStore(nil)
	e := newEngine(fake, store)

	out, err := e.Begin(context.Background(), exam.ID, "pw")
	require.NoError(t, err)
	require.NotNil(t, out.Deferred)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.AwaitAndBegin(ctx, *out.Deferred, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = store.Take(context.Background(), config.CacheKey.HandoffPasswordKey(exam.ID))
	assert.ErrorIs(t, err, handoff.ErrNotFound)
	assert.Equal(t, 1, fake.Calls().Start, "no start call after cancel")
}

func TestEngine_ParkedPasswordExpiresSoonAfterWindow(t *testing.T) {
	fake := backendtest.NewFake()
	opens := time.Now().Add(time.Minute)
	exam := fake.AddExam(&backendtest.Exam{OpensAt: &opens, Password: "pw", DurationSeconds: 600})

	now := time.Now()
	store := handoff.NewMemoryStore(func() time.Time { return now })
	e := newEngine(fake, store)

	_, err := e.Begin(context.Background(), exam.ID, "pw")
	require.NoError(t, err)

	now = opens.Add(passwordSlack + time.Second)
	_, err = store.Take(context.Background(), config.CacheKey.HandoffPasswordKey(exam.ID))
	assert.ErrorIs(t, err, handoff.ErrNotFound)
}

func TestEngine_DeferredStartWithoutPasswordPrompts(t *testing.T) {
	fake := backendtest.NewFake()
	opens := time.Now().Add(100 * time.Millisecond)
	exam := fake.AddExam(&backendtest.Exam{OpensAt: &opens, Password: "pw", DurationSeconds: 600})
	e := newEngine(fake, nil)

	out, err := e.Begin(context.Background(), exam.ID, "")
	require.NoError(t, err)
	require.NotNil(t, out.Deferred)

	_, err = e.AwaitAndBegin(context.Background(), *out.Deferred, nil)
	assert.ErrorIs(t, err, deferred.ErrCredentialsRequired)

	out, err = e.Begin(context.Background(), exam.ID, "pw")
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	out.Session.Close()
}

func TestEngine_ResumeSeedsAcknowledgedAnswers(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{DurationSeconds: 600, QuestionIDs: fiveQuestions})
	e := newEngine(fake, nil)

	out, err := e.Begin(context.Background(), exam.ID, "")
	require.NoError(t, err)
	first := out.Session
	require.NoError(t, first.SetAnswer("q1", json.RawMessage(`"A"`)))
	require.NotNil(t, first.saver.Tick(context.Background()))
	// Simulated crash: the session goes away without finalizing.
	first.Close()

	resumed, err := e.ResumeExam(context.Background(), exam.ID)
	require.NoError(t, err)
	defer resumed.Close()

	assert.Equal(t, first.Attempt().ID, resumed.Attempt().ID)
	rec, ok := resumed.Answer("q1")
	require.True(t, ok)
	assert.JSONEq(t, `"A"`, string(rec.Value))
	assert.False(t, rec.Dirty)
	assert.True(t, first.Attempt().StartedAt.Equal(resumed.Attempt().StartedAt), "deadline baseline comes from the server")
}

func TestEngine_ResumeRejectsSubmittedAttempt(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{DurationSeconds: 600})
	e := newEngine(fake, nil)

	out, err := e.Begin(context.Background(), exam.ID, "")
	require.NoError(t, err)
	id := out.Session.Attempt().ID
	_, err = out.Session.Finalize(context.Background(), model.FinalizeUserRequested)
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = e.ResumeExam(context.Background(), exam.ID)
	assert.ErrorIs(t, err, ErrNoHandoff)
}
