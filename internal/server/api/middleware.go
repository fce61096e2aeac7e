package api

import (
	"log/slog"
	"net/http"
	"time"

	"sendfiles/internal/server/auth"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
)

const identityKey = "identity"

// Throttle returns an echo middleware that allows at most limit requests per
// client and window. Clients are keyed by IP and user agent. Counter failures
// let the request through.
func Throttle(counter ratelimit.Counter, prefix string, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			key := prefix + ":" + ratelimit.ClientKey(ip, c.Request().UserAgent())

			n, err := counter.Hit(c.Request().Context(), key)
			if err != nil {
				slog.Error("rate limit counter failed", "error", err)
				return next(c)
			}
			if n > limit {
				slog.Warn("rate limit exceeded", "ip", ip, "scope", prefix)
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

// Identify resolves the caller from the Authorization header and stores it on
// the context. A missing header is an anonymous caller keyed by IP.
func Identify(v *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := v.Identify(c.Request().Header.Get(echo.HeaderAuthorization), c.RealIP())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

func identity(c echo.Context) quota.Identity {
	if id, ok := c.Get(identityKey).(quota.Identity); ok {
		return id
	}
	return quota.Identity{IP: c.RealIP()}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
