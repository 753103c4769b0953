package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures the agent's routes. Everything except /health needs
// the kiosk token.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Password guesses go through session start; 10 per minute per client.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)

	// ─── 1. Agent API (Kiosk JWT) ──────────────────────────────────────
	agentAPI := router.Group("/api/v1/agent")
	agentAPI.Use(middleware.RequireAgentJWT(authService))
	{
		agentAPI.GET("/session", handlers.Session.GetSession)
		agentAPI.POST("/session", startLimiter.Middleware(), handlers.Session.StartSession)
		agentAPI.POST("/session/password", startLimiter.Middleware(), handlers.Session.SubmitPassword)
		agentAPI.POST("/session/submit", handlers.Session.SubmitSession)
		agentAPI.GET("/system", handlers.System.GetSystem)
	}

	// ─── 2. WebSocket (Kiosk JWT via ?token=) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireAgentJWT(authService))
	{
		ws.GET("/agent/stream", handlers.WS.AgentStream)
	}

	return router
}
