package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-client/internal/model"
)

// ─── Actions (UI → Agent) ───────────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionSubmit   Action = "submit"
	ActionSignal   Action = "signal"
	ActionPassword Action = "password"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest sets the answer of a single question.
type AnswerRequest struct {
	Action     Action          `json:"action"`
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
}

// SignalRequest forwards an environment signal observed by the UI.
type SignalRequest struct {
	Action   Action              `json:"action"`
	Kind     model.IntegrityKind `json:"kind"`
	Severity model.Severity      `json:"severity,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
	// Evidence is base64 in JSON; encoding/json decodes it into bytes.
	Evidence            []byte `json:"evidence,omitempty"`
	EvidenceFilename    string `json:"evidence_filename,omitempty"`
	EvidenceContentType string `json:"evidence_content_type,omitempty"`
}

// PasswordRequest answers a password_required prompt.
type PasswordRequest struct {
	Action   Action `json:"action"`
	Password string `json:"password"`
}

// SubmitRequest asks to finalize the attempt.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Agent → UI) ────────────────────────────────────────────

type Event string

const (
	EventSessionStarted   Event = "session_started"
	EventTick             Event = "tick"
	EventSaveStatus       Event = "save_status"
	EventWarning          Event = "warning"
	EventDeferredTick     Event = "deferred_tick"
	EventPasswordRequired Event = "password_required"
	EventSuppress         Event = "suppress"
	EventFinalizing       Event = "finalizing"
	EventFinalized        Event = "finalized"
	EventFinalizeFailed   Event = "finalize_failed"
	EventStartFailed      Event = "start_failed"
	EventAck              Event = "ack"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

type SessionStartedResponse struct {
	Event   Event          `json:"event"`
	Attempt *model.Attempt `json:"attempt"`
}

type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
	Warning          bool  `json:"warning"`
}

type SaveStatusResponse struct {
	Event  Event            `json:"event"`
	Status model.SaveStatus `json:"status"`
}

type DeferredTickResponse struct {
	Event            Event     `json:"event"`
	ExamRef          string    `json:"exam_ref"`
	WindowOpensAt    time.Time `json:"window_opens_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type PasswordRequiredResponse struct {
	Event   Event  `json:"event"`
	ExamRef string `json:"exam_ref"`
	Code    string `json:"code"`
}

type SuppressResponse struct {
	Event Event               `json:"event"`
	Kind  model.IntegrityKind `json:"kind"`
}

type FinalizingResponse struct {
	Event  Event                `json:"event"`
	Reason model.FinalizeReason `json:"reason"`
}

type FinalizedResponse struct {
	Event  Event                   `json:"event"`
	Result *model.SubmissionResult `json:"result"`
}

type FinalizeFailedResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
	// Stuck asks the UI to show the manual intervention screen.
	Stuck bool `json:"stuck"`
}

type StartFailedResponse struct {
	Event         Event      `json:"event"`
	Code          string     `json:"code"`
	Error         string     `json:"error"`
	WindowOpensAt *time.Time `json:"window_opens_at,omitempty"`
}

type AckResponse struct {
	Event      Event  `json:"event"`
	Action     Action `json:"action"`
	QuestionID string `json:"question_id,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
