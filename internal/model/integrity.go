package model

import (
	"time"

	"github.com/google/uuid"
)

// IntegrityKind enumerates the environment signals the monitor understands.
type IntegrityKind string

const (
	IntegrityVisibility  IntegrityKind = "visibility"
	IntegrityFullscreen  IntegrityKind = "fullscreen"
	IntegrityClipboard   IntegrityKind = "clipboard"
	IntegrityContextMenu IntegrityKind = "context-menu"
	IntegrityKeyCombo    IntegrityKind = "key-combination"
	IntegrityNavigation  IntegrityKind = "navigation-attempt"
	IntegrityDevtools    IntegrityKind = "devtools"
)

// Severity grades an integrity event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Evidence is an optional binary attachment, e.g. a captured camera frame.
type Evidence struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// IntegrityEvent is an append-only proctoring record. It is never mutated once created.
type IntegrityEvent struct {
	ID         uuid.UUID      `json:"id"`
	AttemptID  string         `json:"attempt_id"`
	Kind       IntegrityKind  `json:"kind"`
	Severity   Severity       `json:"severity"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Evidence   *Evidence      `json:"-"`
}
