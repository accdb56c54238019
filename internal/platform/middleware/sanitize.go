package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8 << 10

// Sanitize rejects requests carrying path traversal, NUL bytes, oversized or
// multi-line header values, or control characters in query parameters.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reject := func(reason string) error {
				logger.Warn().Str("path", req.URL.Path).Str("remote_ip", c.RealIP()).
					Str("reason", reason).Msg("request rejected")
				return echo.NewHTTPError(http.StatusBadRequest, reason)
			}

			for _, p := range []string{req.URL.Path, req.URL.RawPath} {
				if hasTraversal(p) {
					return reject("path traversal")
				}
				if hasNUL(p) {
					return reject("null byte in path")
				}
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return reject("header too large: " + name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return reject("line break in header: " + name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if hasNUL(key) || hasNUL(v) || hasControl(v) {
						return reject("invalid character in query parameter " + key)
					}
				}
			}
			return next(c)
		}
	}
}

func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func hasNUL(s string) bool {
	return strings.ContainsRune(s, 0) || strings.Contains(strings.ToLower(s), "%00")
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}
