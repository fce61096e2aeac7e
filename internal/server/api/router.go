package api

import (
	"net/http"
	"strings"

	"sendfiles/internal/server/auth"
	"sendfiles/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RouterConfig carries the pieces SetupRouter needs beyond the handlers.
type RouterConfig struct {
	Verifier  *auth.Verifier
	Counter   ratelimit.Counter
	RateLimit int64
}

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, tus *TusHandler, cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Pre(middleware.RemoveTrailingSlash())

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		// The upload protocol answers OPTIONS itself and sets its own headers.
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/api/tus")
		},
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-CSRFToken"},
	}))
	e.Use(RequestLogger())

	identify := Identify(cfg.Verifier)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/api/usage", handler.HandleUsage, identify)

	// Transfers (creation is rate-limited)
	e.POST("/api/transfers", handler.HandleCreateTransfer, identify, Throttle(cfg.Counter, "create", cfg.RateLimit))
	e.POST("/api/transfers/:id/finalize", handler.HandleFinalizeTransfer)
	e.GET("/api/transfers/:short_id", handler.HandleInfo)

	// Download
	e.GET("/d/:short_id/file/:file_id", handler.HandleDownload)

	// Resumable uploads
	g := e.Group("/api/tus", TusHeaders(), identify)
	g.OPTIONS("", tus.HandleOptions)
	g.OPTIONS("/:transfer_id", tus.HandleOptions)
	g.OPTIONS("/:transfer_id/:upload_id", tus.HandleOptions)
	g.POST("/:transfer_id", tus.HandleCreate)
	g.HEAD("/:transfer_id/:upload_id", tus.HandleHead)
	g.PATCH("/:transfer_id/:upload_id", tus.HandlePatch)
	g.DELETE("/:transfer_id/:upload_id", tus.HandleDelete)

	return e
}
