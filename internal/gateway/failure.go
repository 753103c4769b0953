package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/response"
)

// FailureKind classifies why an attempt could not be started.
type FailureKind string

const (
	PasswordRequired     FailureKind = "PASSWORD_REQUIRED"
	PasswordInvalid      FailureKind = "PASSWORD_INVALID"
	NotYetOpen           FailureKind = "NOT_YET_OPEN"
	WindowClosed         FailureKind = "WINDOW_CLOSED"
	AttemptLimitExceeded FailureKind = "ATTEMPT_LIMIT_EXCEEDED"
	Unknown              FailureKind = "UNKNOWN"
)

// StartFailure is a start-time rejection from the backend.
type StartFailure struct {
	Kind FailureKind
	// WindowOpensAt is set only for NotYetOpen.
	WindowOpensAt *time.Time
	Message       string
	// LowConfidence marks a failure classified from free text rather than a structured code.
	LowConfidence bool
}

func (f *StartFailure) Error() string {
	if f.WindowOpensAt != nil {
		return fmt.Sprintf("start failed: %s (opens at %s)", f.Kind, f.WindowOpensAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("start failed: %s: %s", f.Kind, f.Message)
}

// NeedsCredentials reports whether prompting for a password may fix the failure.
func (f *StartFailure) NeedsCredentials() bool {
	return f.Kind == PasswordRequired || f.Kind == PasswordInvalid
}

// Terminal reports whether no retry or prompt can fix the failure.
func (f *StartFailure) Terminal() bool {
	return f.Kind == WindowClosed || f.Kind == AttemptLimitExceeded
}

// Code maps the failure back onto the shared error code enum for the agent API.
func (f *StartFailure) Code() response.ErrCode {
	switch f.Kind {
	case PasswordRequired:
		return response.ErrPasswordRequired
	case PasswordInvalid:
		return response.ErrPasswordInvalid
	case NotYetOpen:
		return response.ErrExamNotYetOpen
	case WindowClosed:
		return response.ErrExamWindowClosed
	case AttemptLimitExceeded:
		return response.ErrAttemptLimitExceeded
	default:
		return response.ErrExamNotAvailable
	}
}

var structuredKinds = map[response.ErrCode]FailureKind{
	response.ErrPasswordRequired:     PasswordRequired,
	response.ErrPasswordInvalid:      PasswordInvalid,
	response.ErrExamNotYetOpen:       NotYetOpen,
	response.ErrExamWindowClosed:     WindowClosed,
	response.ErrAttemptLimitExceeded: AttemptLimitExceeded,
}

// rfc3339 finds an absolute timestamp inside a legacy message.
var rfc3339 = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)

// classify turns a backend API error into a StartFailure.
func classify(apiErr *backend.APIError) *StartFailure {
	if kind, ok := structuredKinds[apiErr.Code]; ok {
		f := &StartFailure{Kind: kind, Message: apiErr.Message}
		if kind == NotYetOpen {
			if apiErr.WindowOpensAt == nil {
				// Not-yet-open without a time cannot drive a countdown.
				f.Kind = Unknown
				return f
			}
			t := *apiErr.WindowOpensAt
			f.WindowOpensAt = &t
		}
		return f
	}
	return classifyLegacy(apiErr.Message)
}

// classifyLegacy matches the free-text messages of older backends.
func classifyLegacy(msg string) *StartFailure {
	f := &StartFailure{Kind: Unknown, Message: msg, LowConfidence: true}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "password"):
		if strings.Contains(lower, "invalid") || strings.Contains(lower, "wrong") || strings.Contains(lower, "salah") {
			f.Kind = PasswordInvalid
		} else {
			f.Kind = PasswordRequired
		}
	case strings.Contains(lower, "will begin") || strings.Contains(lower, "not yet") || strings.Contains(lower, "belum dimulai"):
		m := rfc3339.FindString(msg)
		if m == "" {
			return f
		}
		t, err := time.Parse(time.RFC3339, m)
		if err != nil {
			return f
		}
		f.Kind = NotYetOpen
		f.WindowOpensAt = &t
	case strings.Contains(lower, "closed") || strings.Contains(lower, "ended") || strings.Contains(lower, "berakhir"):
		f.Kind = WindowClosed
	case strings.Contains(lower, "maximum attempts") || strings.Contains(lower, "attempt limit"):
		f.Kind = AttemptLimitExceeded
	}
	return f
}
