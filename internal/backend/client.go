package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

// maxEnvelopeBytes bounds how much of a backend response is read.
const maxEnvelopeBytes = 4 << 20

// Client talks HTTP+JSON to the grading backend.
type Client struct {
	baseURL string
	token   string
	// http serves the JSON endpoints; integrity has its own client so a slow
	// proctoring upload never shares a connection pool with autosave or submit.
	http      *http.Client
	integrity *http.Client
	log       zerolog.Logger
}

// NewClient creates a new Client.
func NewClient(baseURL, token string, requestTimeout, integrityTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		token:     token,
		http:      &http.Client{Timeout: requestTimeout},
		integrity: &http.Client{Timeout: integrityTimeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		log:       log.With().Str("component", "backend_client").Logger(),
	}
}

type shareCodePayload struct {
	ExamID string `json:"exam_id"`
}

// ResolveShareCode maps a share code to the canonical exam id.
func (c *Client) ResolveShareCode(ctx context.Context, code string) (string, error) {
	var out shareCodePayload
	path := "/api/v1/student/share-codes/" + url.PathEscape(code)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.ExamID, nil
}

// StartAttempt creates (or re-joins) an attempt for the exam.
func (c *Client) StartAttempt(ctx context.Context, examID, password string) (*model.Attempt, error) {
	var out model.Attempt
	path := "/api/v1/student/exams/" + url.PathEscape(examID) + "/attempts"
	if err := c.doJSON(ctx, http.MethodPost, path, model.StartAttemptRequest{Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAnswers sends a partial update of answers.
func (c *Client) UpdateAnswers(ctx context.Context, attemptID string, answers []model.AnswerRecord) error {
	path := "/api/v1/student/attempts/" + url.PathEscape(attemptID) + "/answers"
	return c.doJSON(ctx, http.MethodPatch, path, model.UpdateAnswersRequest{Answers: answers}, nil)
}

// SubmitAttempt finalizes the attempt for scoring.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID string) (*model.SubmissionResult, error) {
	var out model.SubmissionResult
	path := "/api/v1/student/attempts/" + url.PathEscape(attemptID) + "/submit"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	if out.AttemptID == "" {
		out.AttemptID = attemptID
	}
	return &out, nil
}

// GetAttempt returns the backend's last acknowledged state of an attempt.
func (c *Client) GetAttempt(ctx context.Context, attemptID string) (*model.AttemptState, error) {
	var out model.AttemptState
	path := "/api/v1/student/attempts/" + url.PathEscape(attemptID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportIntegrity uploads one integrity event as multipart form data: an "event"
// JSON part and an optional "evidence" file part.
func (c *Client) ReportIntegrity(ctx context.Context, ev *model.IntegrityEvent) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="event"`)
	header.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create event part: %w", err)
	}
	if _, err := part.Write(eventJSON); err != nil {
		return fmt.Errorf("write event part: %w", err)
	}

	if ev.Evidence != nil && len(ev.Evidence.Data) > 0 {
		name := ev.Evidence.Filename
		if name == "" {
			name = ev.ID.String()
		}
		fw, err := mw.CreateFormFile("evidence", name)
		if err != nil {
			return fmt.Errorf("create evidence part: %w", err)
		}
		if _, err := fw.Write(ev.Evidence.Data); err != nil {
			return fmt.Errorf("write evidence part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	path := "/api/v1/student/attempts/" + url.PathEscape(ev.AttemptID) + "/integrity-events"
	req, err := c.newRequest(ctx, http.MethodPost, path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.send(c.integrity, req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(c.http, req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(response.HeaderRequestID, response.NewRequestID())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send executes req and decodes the response envelope into out.
func (c *Client) send(hc *http.Client, req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Str("request_id", req.Header.Get(response.HeaderRequestID)).
		Msg("Backend call")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrBackendUnavailable, err)
	}

	var env response.Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 400 {
				return &APIError{StatusCode: resp.StatusCode, Code: response.ErrInternal, Message: string(raw)}
			}
			return fmt.Errorf("%w: decode envelope: %v", ErrBackendUnavailable, err)
		}
	}

	if resp.StatusCode >= 400 || env.Error != nil {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: response.ErrInternal}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.WindowOpensAt = env.Error.WindowOpensAt
		}
		if resp.StatusCode >= 500 && apiErr.Code == response.ErrInternal {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, apiErr)
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrBackendUnavailable, err)
		}
	}
	return nil
}
