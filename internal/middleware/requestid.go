package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier on the wire.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is where the identifier lands in gin.Context for the
	// request logger and handlers.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier that survives the
// round trip: an inbound X-Request-ID from a gateway or the mobile client is
// kept as-is (offline clients attach their own ids so a retried batch can be
// traced across attempts), and requests arriving without one get a fresh UUID.
// The id is stored under RequestIDKey and echoed in the response header, which
// is what lets a support ticket quoting an id be matched against server logs.
//
// Register it before the metrics and logging middleware so every downstream
// record carries the id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
