//go:build e2e
// +build e2e

// Package e2e drives a running `examclient serve` agent connected to a real
// grading backend. It needs an exam the student token can start.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/service"
)

const defaultAgentURL = "http://localhost:7070"

var (
	agentURL     string
	examRef      string
	examPassword string
	kioskToken   string
	attemptID    string
	questionIDs  []string
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	agentURL = os.Getenv("AGENT_URL")
	if agentURL == "" {
		agentURL = defaultAgentURL
	}
	examRef = os.Getenv("E2E_EXAM_REF")
	examPassword = os.Getenv("E2E_EXAM_PASSWORD")
	if examRef == "" {
		fmt.Println("E2E_EXAM_REF is not set; skipping e2e")
		os.Exit(0)
	}

	// The agent and the test share AGENT_SECRET, so a token minted here is accepted.
	token, err := service.NewAuthService(config.Load()).GenerateKioskToken("e2e")
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	kioskToken = token

	os.Exit(m.Run())
}

func TestE2EFlow(t *testing.T) {
	// Step 1: Agent is up
	t.Run("Health", func(t *testing.T) {
		resp, err := http.Get(agentURL + "/health")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 2: Unauthenticated calls are rejected
	t.Run("RequiresKioskToken", func(t *testing.T) {
		resp, err := get("/agent/session", "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	// Step 3: Start the attempt
	t.Run("StartSession", func(t *testing.T) {
		resp, err := post("/agent/session", map[string]string{"access_token": examRef, "password": examPassword}, kioskToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Attempt struct {
					ID                 string   `json:"attempt_id"`
					OrderedQuestionIDs []string `json:"ordered_question_ids"`
				} `json:"attempt"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		attemptID = body.Data.Attempt.ID
		questionIDs = body.Data.Attempt.OrderedQuestionIDs
		if attemptID == "" || len(questionIDs) == 0 {
			t.Fatal("attempt missing")
		}
		t.Logf("Attempt %s started with %d questions", attemptID, len(questionIDs))
	})

	// Step 4: A second start is rejected while the attempt runs
	t.Run("StartWhileActive", func(t *testing.T) {
		resp, err := post("/agent/session", map[string]string{"access_token": examRef}, kioskToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 5: Answer over the stream and submit
	t.Run("AnswerAndSubmit", func(t *testing.T) {
		u := "ws" + strings.TrimPrefix(agentURL, "http") + "/ws/v1/agent/stream?token=" + kioskToken
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]interface{}{"action": "answer", "question_id": questionIDs[0], "value": "A"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		waitFor(t, conn, "ack")

		if err := conn.WriteJSON(map[string]string{"action": "submit"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		msg := waitFor(t, conn, "finalized")
		t.Logf("Finalized: %v", msg["result"])
	})

	// Step 6: The snapshot carries the result
	t.Run("SnapshotAfterSubmit", func(t *testing.T) {
		resp, err := get("/agent/session", kioskToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Data struct {
				Result *struct {
					AttemptID string `json:"attempt_id"`
					Status    string `json:"status"`
				} `json:"result"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Result == nil || body.Data.Result.AttemptID != attemptID {
			t.Fatalf("expected result for %s", attemptID)
		}
		if body.Data.Result.Status != "SUBMITTED" {
			t.Errorf("expected SUBMITTED, got %s", body.Data.Result.Status)
		}
	})
}

// Helpers

func waitFor(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if msg["event"] == "error" {
			t.Fatalf("agent error: %v", msg)
		}
		if msg["event"] == event {
			return msg
		}
	}
}

func post(path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest("POST", agentURL+"/api/v1"+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func get(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", agentURL+"/api/v1"+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
