package model

import (
	"time"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusActive     AttemptStatus = "ACTIVE"
	AttemptStatusFinalizing AttemptStatus = "FINALIZING"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusExpired    AttemptStatus = "EXPIRED"
	AttemptStatusFailed     AttemptStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusExpired || s == AttemptStatusFailed
}

// Attempt represents one in-progress graded attempt of an exam.
type Attempt struct {
	ID                 string        `json:"attempt_id"`
	ExamID             string        `json:"exam_id"`
	StartedAt          time.Time     `json:"started_at"`
	DurationSeconds    int           `json:"duration_seconds"`
	OrderedQuestionIDs []string      `json:"ordered_question_ids"`
	Status             AttemptStatus `json:"status"`
}

// Deadline is the absolute instant the attempt stops accepting answers.
func (a *Attempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// FinalizeReason explains why an attempt is being finalized.
type FinalizeReason string

const (
	FinalizeUserRequested   FinalizeReason = "USER_REQUESTED"
	FinalizeDeadlineExpired FinalizeReason = "DEADLINE_EXPIRED"
)

// SubmissionResult is returned by the backend once an attempt is scored.
type SubmissionResult struct {
	AttemptID   string         `json:"attempt_id"`
	Score       float64        `json:"score"`
	MaxScore    float64        `json:"max_score"`
	Percentage  float64        `json:"percentage"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Reason      FinalizeReason `json:"reason"`
	Status      AttemptStatus  `json:"status"`
}

// StartAttemptRequest is the payload sent to the start-attempt endpoint.
type StartAttemptRequest struct {
	Password string `json:"password,omitempty"`
}

// AttemptState is the backend's view of an attempt, used to resume after a crash.
type AttemptState struct {
	Attempt
	Answers []AnswerRecord `json:"answers"`
}
