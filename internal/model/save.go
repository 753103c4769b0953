package model

import (
	"time"

	"github.com/google/uuid"
)

// SaveKind distinguishes periodic flushes from the finalizer's forced flush.
type SaveKind string

const (
	SaveKindAutosave SaveKind = "AUTOSAVE"
	SaveKindFinal    SaveKind = "FINAL"
)

// SaveOutcome is the result of one SaveCycle.
type SaveOutcome string

const (
	SaveOutcomePending   SaveOutcome = "PENDING"
	SaveOutcomeSucceeded SaveOutcome = "SUCCEEDED"
	SaveOutcomeFailed    SaveOutcome = "FAILED"
)

// SaveStatus is the visible autosave indicator.
type SaveStatus string

const (
	SaveStatusIdle   SaveStatus = "IDLE"
	SaveStatusSaving SaveStatus = "SAVING"
	SaveStatusSaved  SaveStatus = "SAVED"
	SaveStatusError  SaveStatus = "ERROR"
)

// SaveCycle is one flush of answers to the backend. Answers is a value copy taken
// at flush time, never a live view of the store.
type SaveCycle struct {
	ID         uuid.UUID
	Kind       SaveKind
	Answers    []AnswerRecord
	Outcome    SaveOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewSaveCycle opens a pending cycle over the given snapshot.
func NewSaveCycle(kind SaveKind, answers []AnswerRecord) *SaveCycle {
	return &SaveCycle{
		ID:        uuid.New(),
		Kind:      kind,
		Answers:   answers,
		Outcome:   SaveOutcomePending,
		StartedAt: time.Now(),
	}
}

// Finish records the outcome of the cycle.
func (c *SaveCycle) Finish(err error) {
	c.FinishedAt = time.Now()
	if err != nil {
		c.Outcome = SaveOutcomeFailed
		return
	}
	c.Outcome = SaveOutcomeSucceeded
}
