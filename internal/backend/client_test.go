package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/backend/backendtest"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, fake *backendtest.Fake) *backend.Client {
	t.Helper()
	srv := backendtest.NewServer(fake)
	t.Cleanup(srv.Close)
	return backend.NewClient(srv.URL, "student-token", 2*time.Second, 2*time.Second, zerolog.Nop())
}

func TestClient_StartUpdateSubmit(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{
		ShareCode:       "MATH-7",
		DurationSeconds: 600,
		QuestionIDs:     []string{"q1", "q2"},
		AnswerKey:       map[string]string{"q1": `"b"`, "q2": `true`},
	})
	c := newClient(t, fake)
	ctx := context.Background()

	examID, err := c.ResolveShareCode(ctx, "MATH-7")
	require.NoError(t, err)
	assert.Equal(t, exam.ID, examID)

	attempt, err := c.StartAttempt(ctx, examID, "")
	require.NoError(t, err)
	assert.Equal(t, 600, attempt.DurationSeconds)
	assert.Equal(t, []string{"q1", "q2"}, attempt.OrderedQuestionIDs)
	assert.False(t, attempt.StartedAt.IsZero())

	err = c.UpdateAnswers(ctx, attempt.ID, []model.AnswerRecord{
		{QuestionID: "q1", Value: json.RawMessage(`"b"`)},
		{QuestionID: "q2", Value: json.RawMessage(`false`)},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": `"b"`, "q2": `false`}, fake.Answers(attempt.ID))

	state, err := c.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Len(t, state.Answers, 2)

	res, err := c.SubmitAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, res.AttemptID)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 2.0, res.MaxScore)
	assert.Equal(t, 50.0, res.Percentage)
}

func TestClient_StructuredStartErrors(t *testing.T) {
	fake := backendtest.NewFake()
	opens := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	future := fake.AddExam(&backendtest.Exam{DurationSeconds: 60, OpensAt: &opens})
	locked := fake.AddExam(&backendtest.Exam{DurationSeconds: 60, Password: "secret"})
	c := newClient(t, fake)
	ctx := context.Background()

	_, err := c.StartAttempt(ctx, future.ID, "")
	apiErr, ok := backend.AsAPIError(err)
	require.True(t, ok, "expected APIError, got %v", err)
	assert.Equal(t, response.ErrExamNotYetOpen, apiErr.Code)
	require.NotNil(t, apiErr.WindowOpensAt)
	assert.True(t, opens.Equal(*apiErr.WindowOpensAt))

	_, err = c.StartAttempt(ctx, locked.ID, "")
	assert.True(t, backend.IsCode(err, response.ErrPasswordRequired))

	_, err = c.StartAttempt(ctx, locked.ID, "wrong")
	assert.True(t, backend.IsCode(err, response.ErrPasswordInvalid))
}

func TestClient_TransportFailureIsUnavailable(t *testing.T) {
	fake := backendtest.NewFake()
	fake.FailSubmits(1)
	exam := fake.AddExam(&backendtest.Exam{DurationSeconds: 60})
	c := newClient(t, fake)
	ctx := context.Background()

	attempt, err := c.StartAttempt(ctx, exam.ID, "")
	require.NoError(t, err)

	_, err = c.SubmitAttempt(ctx, attempt.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable))

	dead := backend.NewClient("http://127.0.0.1:1", "", 200*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
	_, err = dead.GetAttempt(ctx, attempt.ID)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable))
}

func TestClient_ReportIntegrityWithEvidence(t *testing.T) {
	fake := backendtest.NewFake()
	exam := fake.AddExam(&backendtest.Exam{DurationSeconds: 60})
	c := newClient(t, fake)
	ctx := context.Background()

	attempt, err := c.StartAttempt(ctx, exam.ID, "")
	require.NoError(t, err)

	err = c.ReportIntegrity(ctx, &model.IntegrityEvent{
		ID:         uuid.New(),
		AttemptID:  attempt.ID,
		Kind:       model.IntegrityVisibility,
		Severity:   model.SeverityMedium,
		Meta:       map[string]any{"state": "hidden"},
		OccurredAt: time.Now(),
		Evidence:   &model.Evidence{Filename: "frame.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
	})
	require.NoError(t, err)

	events := fake.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.IntegrityVisibility, events[0].Kind)
	assert.Equal(t, "hidden", events[0].Meta["state"])
	require.NotNil(t, events[0].Evidence)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, events[0].Evidence.Data)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(90 * time.Minute).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	signed, err := token.SignedString([]byte("backend-secret"))
	require.NoError(t, err)

	got, err := backend.TokenExpiry(signed)
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	_, err = backend.TokenExpiry("not-a-jwt")
	assert.Error(t, err)
}
