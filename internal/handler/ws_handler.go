package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
	ws "github.com/stemsi/exstem-client/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

const maxEvidenceBytes = 2 << 20

// WSHandler streams session events to the kiosk UI and receives its actions.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AgentStream godoc
// WS /ws/v1/agent/stream
// Upgrades to WebSocket. Every connected UI receives all session events.
func (h *WSHandler) AgentStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().Str("workstation", claims.Subject).Logger()
	wsLog.Info().Msg("Kiosk UI connected")

	unsubscribe := h.sessionService.Subscribe(func(v interface{}) {
		if err := conn.WriteTyped(v); err != nil {
			wsLog.Debug().Err(err).Msg("Event write failed")
		}
	})
	defer unsubscribe()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.WriteError(string(response.ErrInvalidPayload), "malformed message")
			continue
		}

		switch env.Action {
		case ws.ActionAnswer:
			h.handleAnswer(conn, data)
		case ws.ActionSubmit:
			h.handleSubmit(c, conn)
		case ws.ActionSignal:
			h.handleSignal(conn, data)
		case ws.ActionPassword:
			h.handlePassword(c, conn, data)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
		}
	}
}

// handleAnswer stores a single answer locally; autosave ships it later.
func (h *WSHandler) handleAnswer(conn *ws.Conn, data []byte) {
	var req ws.AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil || req.QuestionID == "" || len(req.Value) == 0 {
		conn.WriteError(string(response.ErrInvalidPayload), "question_id and value are required")
		return
	}

	if err := h.sessionService.Answer(req.QuestionID, req.Value); err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteTyped(ws.AckResponse{Event: ws.EventAck, Action: ws.ActionAnswer, QuestionID: req.QuestionID})
}

// handleSubmit finalizes. The finalized event reaches every UI via the
// subscription; failures are answered on this connection only.
func (h *WSHandler) handleSubmit(c *gin.Context, conn *ws.Conn) {
	if _, err := h.sessionService.Submit(c.Request.Context()); err != nil {
		writeErr(conn, err)
	}
}

// handleSignal publishes an integrity signal. Reporting never blocks the UI.
func (h *WSHandler) handleSignal(conn *ws.Conn, data []byte) {
	var req ws.SignalRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Kind == "" {
		conn.WriteError(string(response.ErrInvalidPayload), "kind is required")
		return
	}

	if len(req.Evidence) > maxEvidenceBytes {
		conn.WriteError(string(response.ErrFileTooLarge), response.GetMessage(response.ErrFileTooLarge))
		return
	}

	sig := integrity.Signal{Kind: req.Kind, Severity: req.Severity, Meta: req.Meta}
	if len(req.Evidence) > 0 {
		sig.Evidence = &model.Evidence{
			Filename:    req.EvidenceFilename,
			ContentType: req.EvidenceContentType,
			Data:        req.Evidence,
		}
	}
	h.sessionService.Signal(sig)
}

func (h *WSHandler) handlePassword(c *gin.Context, conn *ws.Conn, data []byte) {
	var req ws.PasswordRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Password == "" {
		conn.WriteError(string(response.ErrInvalidPayload), "password is required")
		return
	}

	if _, err := h.sessionService.SubmitPassword(c.Request.Context(), req.Password); err != nil {
		writeErr(conn, err)
	}
}

func writeErr(conn *ws.Conn, err error) {
	_, body := classify(err)
	msg := body.Message
	if msg == "" {
		msg = response.GetMessage(body.Code)
	}
	conn.WriteError(string(body.Code), msg)
}
