// Package middleware contains Gin middleware shared by the REST surface and
// the `/ws` upgrade route.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/meshcall/core/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID. The same
// header a REST client sends on `/api/livekit/token` or `/whoami` can be
// replayed by the browser on the `/ws` upgrade so a session's REST calls and
// its socket's log lines share one correlation_id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID resolves (or mints) a request's correlation ID and stamps it
// onto both the response header and the request's context.Context, so every
// logging.Info/Warn/Error call reached from this request — including the
// ones made from inside directory.Client — carries it via
// appendContextFields.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
