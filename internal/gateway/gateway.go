// Package gateway negotiates attempt creation with the grading backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

var (
	ErrEmptyToken       = errors.New("access token is required")
	ErrShareCodeInvalid = errors.New("share code is invalid")
)

// Backend is the subset of the backend client the gateway needs.
type Backend interface {
	ResolveShareCode(ctx context.Context, code string) (string, error)
	StartAttempt(ctx context.Context, examID, password string) (*model.Attempt, error)
	GetAttempt(ctx context.Context, attemptID string) (*model.AttemptState, error)
}

// Gateway starts and resumes attempts. It holds no session state.
type Gateway struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a Gateway.
func New(b Backend, log zerolog.Logger) *Gateway {
	return &Gateway{
		backend: b,
		log:     log.With().Str("component", "attempt_gateway").Logger(),
	}
}

// ResolveExamRef turns an access token into an exam id. Tokens that are not
// UUIDs are treated as share codes and looked up.
func (g *Gateway) ResolveExamRef(ctx context.Context, accessToken string) (string, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return "", ErrEmptyToken
	}
	if _, err := uuid.Parse(token); err == nil {
		return token, nil
	}

	examID, err := g.backend.ResolveShareCode(ctx, token)
	if err != nil {
		if backend.IsCode(err, response.ErrShareCodeInvalid) || backend.IsCode(err, response.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrShareCodeInvalid, token)
		}
		return "", fmt.Errorf("resolve share code: %w", err)
	}
	g.log.Debug().Str("exam_id", examID).Msg("Share code resolved")
	return examID, nil
}

// Start creates (or re-joins) an attempt. Rejections are returned as *StartFailure;
// transport failures wrap backend.ErrBackendUnavailable. The password is passed
// through once and never retained.
func (g *Gateway) Start(ctx context.Context, accessToken, password string) (*model.Attempt, error) {
	examID, err := g.ResolveExamRef(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return g.StartExam(ctx, examID, password)
}

// StartExam starts an attempt for an already resolved exam id.
func (g *Gateway) StartExam(ctx context.Context, examID, password string) (*model.Attempt, error) {
	attempt, err := g.backend.StartAttempt(ctx, examID, password)
	if err != nil {
		if apiErr, ok := backend.AsAPIError(err); ok {
			f := classify(apiErr)
			ev := g.log.Info()
			if f.LowConfidence {
				ev = g.log.Warn()
			}
			ev.Str("exam_id", examID).
				Str("kind", string(f.Kind)).
				Bool("low_confidence", f.LowConfidence).
				Msg("Attempt start rejected")
			return nil, f
		}
		return nil, fmt.Errorf("start attempt: %w", err)
	}

	if attempt.Status == "" {
		attempt.Status = model.AttemptStatusActive
	}
	if attempt.ExamID == "" {
		attempt.ExamID = examID
	}
	g.log.Info().
		Str("exam_id", examID).
		Str("attempt_id", attempt.ID).
		Time("started_at", attempt.StartedAt).
		Int("duration_seconds", attempt.DurationSeconds).
		Msg("Attempt started")
	return attempt, nil
}

// Resume fetches the backend's view of an attempt and its acknowledged answers.
func (g *Gateway) Resume(ctx context.Context, attemptID string) (*model.AttemptState, error) {
	state, err := g.backend.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	g.log.Info().
		Str("attempt_id", attemptID).
		Str("status", string(state.Status)).
		Int("answers", len(state.Answers)).
		Msg("Attempt state fetched for resume")
	return state, nil
}

// AsStartFailure extracts a *StartFailure from err.
func AsStartFailure(err error) (*StartFailure, bool) {
	var f *StartFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
