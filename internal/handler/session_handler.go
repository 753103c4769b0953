package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/validator"
)

// SessionHandler exposes the agent's session over REST for the kiosk UI.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

type startSessionRequest struct {
	AccessToken string `json:"access_token" binding:"required,examref"`
	Password    string `json:"password" binding:"max=128"`
	// Resume re-attaches to the attempt this agent last started for the exam.
	Resume bool `json:"resume"`
}

type passwordRequest struct {
	Password string `json:"password" binding:"required,max=128"`
}

// StartSession godoc
// POST /api/v1/agent/session
// Starts (or defers, or resumes) an attempt.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var (
		res *service.StartResult
		err error
	)
	if req.Resume {
		res, err = h.sessionService.Resume(c.Request.Context(), req.AccessToken)
	} else {
		res, err = h.sessionService.Start(c.Request.Context(), req.AccessToken, req.Password)
	}
	if err != nil {
		h.log.Info().Err(err).Msg("Session start rejected")
		fail(c, err)
		return
	}

	if res.Deferred != nil {
		response.Success(c, http.StatusAccepted, res)
		return
	}
	response.Success(c, http.StatusCreated, res)
}

// GetSession godoc
// GET /api/v1/agent/session
// Returns the current attempt, remaining time and save status.
func (h *SessionHandler) GetSession(c *gin.Context) {
	snap, err := h.sessionService.Snapshot()
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// SubmitSession godoc
// POST /api/v1/agent/session/submit
// Finalizes the attempt on the student's request. Safe to call repeatedly.
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	res, err := h.sessionService.Submit(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// SubmitPassword godoc
// POST /api/v1/agent/session/password
// Answers the password prompt raised when a deferred window opened.
func (h *SessionHandler) SubmitPassword(c *gin.Context) {
	var req passwordRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.SubmitPassword(c.Request.Context(), req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, res)
}
