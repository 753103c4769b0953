package autosave

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/answers"
	"github.com/stemsi/exstem-client/internal/backend/backendtest"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusLog struct {
	mu  sync.Mutex
	all []model.SaveStatus
}

func (l *statusLog) record(s model.SaveStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *statusLog) has(s model.SaveStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.all {
		if got == s {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{Interval: 10 * time.Millisecond, SavedDisplay: 20 * time.Millisecond, RequestTimeout: time.Second}
}

func startAttempt(t *testing.T, fake *backendtest.Fake, questions ...string) *model.Attempt {
	t.Helper()
	exam := fake.AddExam(&backendtest.Exam{DurationSeconds: 600, QuestionIDs: questions})
	a, err := fake.StartAttempt(context.Background(), exam.ID, "")
	require.NoError(t, err)
	return a
}

func set(t *testing.T, s *answers.Store, qid, v string) {
	t.Helper()
	require.NoError(t, s.Set(qid, json.RawMessage(v)))
}

func TestTick_SkipsWhenNothingDirty(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1")
	sched := NewScheduler(testConfig(), a.ID, answers.NewStore(), fake, zerolog.Nop(), nil)

	assert.Nil(t, sched.Tick(context.Background()))
	assert.Equal(t, 0, fake.Calls().Update, "no no-op network calls")
}

func TestLastCycle_TracksMostRecentFlush(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1")
	store := answers.NewStore()
	sched := NewScheduler(testConfig(), a.ID, store, fake, zerolog.Nop(), nil)
	ctx := context.Background()
	assert.Nil(t, sched.LastCycle())

	set(t, store, "q1", `"a"`)
	fake.FailUpdates(1)
	failed := sched.Tick(ctx)
	last := sched.LastCycle()
	require.NotNil(t, last)
	assert.Equal(t, failed.ID, last.ID)
	assert.Equal(t, model.SaveOutcomeFailed, last.Outcome)

	ok := sched.Tick(ctx)
	last = sched.LastCycle()
	assert.Equal(t, ok.ID, last.ID)
	assert.Equal(t, model.SaveOutcomeSucceeded, last.Outcome)
	assert.False(t, last.FinishedAt.IsZero())
}

func TestTick_FailuresKeepAnswersUntilSuccess(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1", "q2", "q3", "q4", "q5")
	store := answers.NewStore()
	log := &statusLog{}
	sched := NewScheduler(testConfig(), a.ID, store, fake, zerolog.Nop(), log.record)
	ctx := context.Background()

	set(t, store, "q1", `"a"`)
	set(t, store, "q2", `"b"`)
	set(t, store, "q3", `true`)

	fake.FailUpdates(2)
	c1 := sched.Tick(ctx)
	require.NotNil(t, c1)
	assert.Equal(t, model.SaveOutcomeFailed, c1.Outcome)
	assert.Equal(t, model.SaveStatusError, sched.Status())

	c2 := sched.Tick(ctx)
	require.NotNil(t, c2)
	assert.Equal(t, model.SaveOutcomeFailed, c2.Outcome)

	c3 := sched.Tick(ctx)
	require.NotNil(t, c3)
	assert.Equal(t, model.SaveOutcomeSucceeded, c3.Outcome)

	assert.Equal(t, map[string]string{"q1": `"a"`, "q2": `"b"`, "q3": `true`}, fake.Answers(a.ID))
	assert.Equal(t, 0, store.DirtyCount())
	assert.True(t, log.has(model.SaveStatusError))
	assert.True(t, log.has(model.SaveStatusSaved))

	assert.Eventually(t, func() bool { return sched.Status() == model.SaveStatusIdle },
		time.Second, 5*time.Millisecond, "saved indicator falls back to idle")
}

func TestTick_NoOverlappingCycles(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1")
	store := answers.NewStore()
	sched := NewScheduler(testConfig(), a.ID, store, fake, zerolog.Nop(), nil)
	set(t, store, "q1", `"a"`)

	fake.DelayUpdate(100 * time.Millisecond)
	done := make(chan *model.SaveCycle)
	go func() { done <- sched.Tick(context.Background()) }()

	assert.Eventually(t, func() bool { return sched.Status() == model.SaveStatusSaving }, time.Second, time.Millisecond)
	assert.Nil(t, sched.Tick(context.Background()), "second tick skipped while first is pending")

	require.NotNil(t, <-done)
	assert.Equal(t, 1, fake.Calls().Update)
}

func TestStart_FlushesPeriodicallyAndStopHalts(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1", "q2")
	store := answers.NewStore()
	sched := NewScheduler(testConfig(), a.ID, store, fake, zerolog.Nop(), nil)

	sched.Start(context.Background())
	set(t, store, "q1", `1`)

	assert.Eventually(t, func() bool { return fake.Answers(a.ID)["q1"] == "1" }, time.Second, 5*time.Millisecond)

	sched.Stop()
	calls := fake.Calls().Update
	set(t, store, "q2", `2`)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, calls, fake.Calls().Update, "no flush after Stop")
	assert.Nil(t, sched.Tick(context.Background()))
	assert.Equal(t, 1, store.DirtyCount())
}

func TestStop_WaitsForInflightCycle(t *testing.T) {
	fake := backendtest.NewFake()
	a := startAttempt(t, fake, "q1")
	store := answers.NewStore()
	sched := NewScheduler(testConfig(), a.ID, store, fake, zerolog.Nop(), nil)
	set(t, store, "q1", `"x"`)

	fake.DelayUpdate(80 * time.Millisecond)
	sched.Start(context.Background())
	assert.Eventually(t, func() bool { return fake.Calls().Update == 1 }, time.Second, time.Millisecond)

	sched.Stop()
	assert.Equal(t, `"x"`, fake.Answers(a.ID)["q1"], "in-flight cycle completed before Stop returned")
}
