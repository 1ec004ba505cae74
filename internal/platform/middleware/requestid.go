package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header used to propagate request IDs across services.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that ensures every request carries a request ID.
// An incoming X-Request-ID header is honored so adapters can correlate a raw
// submission with the reconciliation it triggered; otherwise a fresh UUID is
// generated. The ID is stored on the echo context under "request_id" and echoed
// back in the response header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
