package handler

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
)

// SystemHandler reports agent health for the kiosk launcher and proctors.
type SystemHandler struct {
	rdb            *redis.Client
	sessionService *service.ExamSessionService
	authToken      string
	version        string
	startTime      time.Time
	log            zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. rdb may be nil.
func NewSystemHandler(rdb *redis.Client, sessionService *service.ExamSessionService, authToken, version string, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:            rdb,
		sessionService: sessionService,
		authToken:      authToken,
		version:        version,
		startTime:      time.Now(),
		log:            log.With().Str("component", "system_handler").Logger(),
	}
}

type systemStatus struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`

	Goroutines  int    `json:"goroutines"`
	HeapAlloc   uint64 `json:"heap_alloc"`
	AppRSSBytes uint64 `json:"app_rss_bytes"`
	GoVersion   string `json:"go_version"`

	HandoffStore string `json:"handoff_store"`
	RedisOK      *bool  `json:"redis_ok,omitempty"`

	// TokenExpiresAt is the exp claim of the student token used against the backend.
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	// TokenExpiresBeforeDeadline warns that the backend will reject the final submit.
	TokenExpiresBeforeDeadline bool `json:"token_expires_before_deadline"`
}

// GetSystem godoc
// GET /api/v1/agent/system
func (h *SystemHandler) GetSystem(c *gin.Context) {
	response.Success(c, http.StatusOK, h.collect(c.Request.Context()))
}

func (h *SystemHandler) collect(ctx context.Context) systemStatus {
	m := systemStatus{
		Version:      h.version,
		Uptime:       formatDuration(time.Since(h.startTime)),
		GoVersion:    runtime.Version(),
		HandoffStore: "memory",
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.AppRSSBytes, _ = readProcessRSS()

	if h.rdb != nil {
		m.HandoffStore = "redis"
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		ok := h.rdb.Ping(pingCtx).Err() == nil
		cancel()
		m.RedisOK = &ok
	}

	if h.authToken != "" {
		exp, err := backend.TokenExpiry(h.authToken)
		if err != nil {
			h.log.Warn().Err(err).Msg("Cannot read backend token expiry")
		} else if !exp.IsZero() {
			m.TokenExpiresAt = &exp
			if sess := h.sessionService.Current(); sess != nil {
				a := sess.Attempt()
				m.TokenExpiresBeforeDeadline = !a.Status.Terminal() && exp.Before(a.Deadline())
			}
		}
	}
	return m
}

// readProcessRSS reads VmRSS from /proc/self/status.
func readProcessRSS() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			// Format: "VmRSS:     16384 kB"
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("unexpected VmRSS line")
			}
			val, _ := strconv.ParseUint(fields[1], 10, 64)
			return val * 1024, nil
		}
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
