package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func abortWith(c *gin.Context, status int, msg, code string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// bearerToken extracts the credential from an "Authorization: Bearer" header.
func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// AdminAuthMiddleware admits requests carrying the static admin token.
func AdminAuthMiddleware(adminToken string, logger *zerolog.Logger) gin.HandlerFunc {
	want := []byte(adminToken)
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWith(c, http.StatusUnauthorized, "bearer token required", "unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			logger.Warn().Str("remote", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("admin token mismatch")
			abortWith(c, http.StatusUnauthorized, "invalid token", "unauthorized")
			return
		}
		c.Next()
	}
}

// LoggerMiddleware writes one line per request. Server errors log at error,
// client errors at warn, health probes at debug.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Error().Strs("errors", c.Errors.Errors())
		case status >= http.StatusBadRequest:
			ev = logger.Warn()
		case c.FullPath() == "/health":
			ev = logger.Debug()
		default:
			ev = logger.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("http request")
	}
}
