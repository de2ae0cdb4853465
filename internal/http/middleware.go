package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/autolib/services/lending/internal/events"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	tokenCookie     = "token"
)

// requestLogger assigns a request id, tags the context with it for event
// correlation and writes one structured line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(events.WithCorrelationID(c.Request.Context(), id))

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if u, ok := session.FromContext(c.Request.Context()); ok {
			fields = append(fields, zap.String("user_id", u.ID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("HTTP request failed", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("HTTP request rejected", fields...)
		default:
			log.Info("HTTP request completed", fields...)
		}
	}
}

func instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// bearer finds the token in the Authorization header, the token cookie or,
// for websocket handshakes that cannot set headers, the access_token query.
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	if cookie, err := c.Cookie(tokenCookie); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("access_token")
}

func (s *Server) requireUser(c *gin.Context) {
	user, err := s.verifier.Verify(bearer(c))
	if err != nil {
		c.AbortWithStatusJSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Request = c.Request.WithContext(session.WithUser(c.Request.Context(), user))
	c.Next()
}

// optionalUser attaches the member when a valid token is present and carries on regardless
func (s *Server) optionalUser(c *gin.Context) {
	if user, err := s.verifier.Verify(bearer(c)); err == nil {
		c.Request = c.Request.WithContext(session.WithUser(c.Request.Context(), user))
	}
	c.Next()
}

func currentUser(c *gin.Context) session.User {
	u, _ := session.FromContext(c.Request.Context())
	return u
}
