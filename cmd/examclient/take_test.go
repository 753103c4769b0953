package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/autosave"
	"github.com/stemsi/exstem-client/internal/backend/backendtest"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAnswerValue(t *testing.T) {
	assert.Equal(t, `"B"`, string(answerValue(`"B"`)))
	assert.Equal(t, `true`, string(answerValue(`true`)))
	assert.Equal(t, `"free text answer"`, string(answerValue(`free text answer`)))
}

func TestRunAttemptAnswersAndSubmits(t *testing.T) {
	cfg = &config.Config{}

	fake := backendtest.NewFake()
	fake.AddExam(&backendtest.Exam{
		ShareCode:       "BIO-7",
		DurationSeconds: 600,
		QuestionIDs:     []string{"q1", "q2"},
		AnswerKey:       map[string]string{"q1": `"B"`, "q2": `true`},
	})
	engine := session.NewEngine(session.Config{
		Autosave: autosave.Config{Interval: time.Hour},
	}, fake, nil, time.Hour, nil, nil, zerolog.Nop())

	out := &syncBuffer{}
	sess, err := begin(context.Background(), out, engine, "BIO-7", "")
	require.NoError(t, err)

	in := strings.NewReader("q1 \"B\"\nq2 true\nq9 1\nbogus\n:list\n:submit\n")
	require.NoError(t, runAttempt(context.Background(), in, out, sess))

	text := out.String()
	assert.Contains(t, text, "Not saved:")
	assert.Contains(t, text, `Expected "<question-id> <value>".`)
	assert.Contains(t, text, "Submitted (SUBMITTED). Score 2/2")
	assert.Equal(t, map[string]string{"q1": `"B"`, "q2": `true`}, fake.Answers(sess.Attempt().ID))
}
