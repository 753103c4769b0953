package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/autosave"
	"github.com/stemsi/exstem-client/internal/backend/backendtest"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/router"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/session"
	"github.com/stemsi/exstem-client/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agent struct {
	srv   *httptest.Server
	fake  *backendtest.Fake
	svc   *service.ExamSessionService
	token string
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	validator.Setup()

	cfg := &config.Config{GinMode: gin.TestMode, AgentSecret: "test-secret", AgentExpiry: time.Hour}
	fake := backendtest.NewFake()
	engine := session.NewEngine(session.Config{
		Autosave:         autosave.Config{Interval: time.Hour, SavedDisplay: 10 * time.Millisecond},
		WarningThreshold: time.Minute,
		RequestTimeout:   time.Second,
	}, fake, nil, time.Hour, nil, nil, zerolog.Nop())

	svc := service.NewExamSessionService(context.Background(), engine, zerolog.Nop())
	auth := service.NewAuthService(cfg)
	token, err := auth.GenerateKioskToken("test-pc")
	require.NoError(t, err)

	r := router.SetupRouter(auth, &router.Handlers{
		Session: handler.NewSessionHandler(svc, zerolog.Nop()),
		WS:      handler.NewWSHandler(svc, zerolog.Nop(), nil),
		System:  handler.NewSystemHandler(nil, svc, "", "test", zerolog.Nop()),
	}, cfg)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
	})
	return &agent{srv: srv, fake: fake, svc: svc, token: token}
}

func (a *agent) do(t *testing.T, method, path string, body interface{}) (int, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var env response.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return res.StatusCode, env
}

func (a *agent) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws/v1/agent/stream?token=" + a.token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["event"] == event {
			return msg
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	a := newAgent(t)
	res, err := http.Get(a.srv.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(a.srv.URL + "/api/v1/agent/session")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestStartValidation(t *testing.T) {
	a := newAgent(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/agent/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, response.ErrValidation, env.Error.Code)
	assert.Contains(t, env.Error.Fields, "access_token")

	status, env = a.do(t, http.MethodGet, "/api/v1/agent/session", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, response.ErrNoActiveSession, env.Error.Code)
}

func TestStartFailuresAreStructured(t *testing.T) {
	a := newAgent(t)
	locked := a.fake.AddExam(&backendtest.Exam{Password: "pw", DurationSeconds: 60})
	opens := time.Now().Add(time.Hour)
	later := a.fake.AddExam(&backendtest.Exam{ShareCode: "LATER-1", OpensAt: &opens, DurationSeconds: 60})

	status, env := a.do(t, http.MethodPost, "/api/v1/agent/session", map[string]string{"access_token": locked.ID})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, response.ErrPasswordRequired, env.Error.Code)

	status, env = a.do(t, http.MethodPost, "/api/v1/agent/session", map[string]string{"access_token": "LATER-1"})
	assert.Equal(t, http.StatusAccepted, status)
	var res service.StartResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.NotNil(t, res.Deferred)
	assert.Equal(t, later.ID, res.Deferred.ExamRef)

	// A deferred wait blocks another start.
	status, env = a.do(t, http.MethodPost, "/api/v1/agent/session", map[string]string{"access_token": locked.ID, "password": "pw"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, response.ErrSessionInProgress, env.Error.Code)
}

func TestSessionOverRESTAndWebSocket(t *testing.T) {
	a := newAgent(t)
	exam := a.fake.AddExam(&backendtest.Exam{
		ShareCode:       "CHEM-3",
		DurationSeconds: 600,
		QuestionIDs:     []string{"q1", "q2"},
		AnswerKey:       map[string]string{"q1": `"A"`, "q2": `true`},
	})
	conn := a.dial(t)
	time.Sleep(20 * time.Millisecond)

	status, env := a.do(t, http.MethodPost, "/api/v1/agent/session", map[string]string{"access_token": "CHEM-3"})
	require.Equal(t, http.StatusCreated, status, "%+v", env.Error)
	started := readUntil(t, conn, "session_started")
	assert.NotNil(t, started["attempt"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "answer", "question_id": "q1", "value": "A"}))
	ack := readUntil(t, conn, "ack")
	assert.Equal(t, "q1", ack["question_id"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "answer", "question_id": "nope", "value": 1}))
	errMsg := readUntil(t, conn, "error")
	assert.Equal(t, string(response.ErrInvalidID), errMsg["code"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "signal", "kind": "clipboard"}))
	sup := readUntil(t, conn, "suppress")
	assert.Equal(t, "clipboard", sup["kind"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	readUntil(t, conn, "pong")

	status, env = a.do(t, http.MethodGet, "/api/v1/agent/session", nil)
	require.Equal(t, http.StatusOK, status)
	var snap service.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, exam.ID, snap.Attempt.ExamID)
	assert.InDelta(t, 600, snap.RemainingSeconds, 2)
	assert.Len(t, snap.Answers, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "submit"}))
	fin := readUntil(t, conn, "finalized")
	result := fin["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["score"])
	assert.Equal(t, "SUBMITTED", result["status"])

	// A second submit returns the same result without another backend call.
	status, _ = a.do(t, http.MethodPost, "/api/v1/agent/session/submit", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, a.fake.Calls().Submit)
	assert.Eventually(t, func() bool { return a.fake.Calls().Integrity == 1 }, time.Second, 10*time.Millisecond)

	status, env = a.do(t, http.MethodGet, "/api/v1/agent/system", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"handoff_store":"memory"`)
}
