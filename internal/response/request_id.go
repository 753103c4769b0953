package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyRequestID is the Gin context key for the request ID.
const ContextKeyRequestID = "request_id"

// HeaderRequestID carries the request ID on both inbound and outbound calls.
const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware reuses the caller's request ID or mints one, so a kiosk UI
// request can be followed into the backend calls it triggers.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = NewRequestID()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header(HeaderRequestID, reqID)
		c.Next()
	}
}

// NewRequestID mints a request ID for outbound calls.
func NewRequestID() string {
	return uuid.New().String()
}
