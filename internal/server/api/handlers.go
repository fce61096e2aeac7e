package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"sendfiles/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler contains the HTTP handlers for the transfer API.
type Handler struct {
	transfers *service.TransferService
	checks    map[string]HealthCheck
}

// NewHandler creates a new handler. checks are reported by /health keyed by
// dependency name.
func NewHandler(transfers *service.TransferService, checks map[string]HealthCheck) *Handler {
	return &Handler{transfers: transfers, checks: checks}
}

// HandleCreateTransfer handles POST /api/transfers.
// Opens a transfer that files can then be uploaded into.
func (h *Handler) HandleCreateTransfer(c echo.Context) error {
	var req service.CreateTransferRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	result, err := h.transfers.Create(c.Request().Context(), identity(c), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleFinalizeTransfer handles POST /api/transfers/:id/finalize.
func (h *Handler) HandleFinalizeTransfer(c echo.Context) error {
	result, err := h.transfers.MarkReady(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleInfo handles GET /api/transfers/:short_id.
// Returns transfer metadata without serving any file.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.transfers.Info(c.Request().Context(), c.Param("short_id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleDownload handles GET /d/:short_id/file/:file_id.
// Serves the file as an attachment. Accepts an optional "password" query param.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.transfers.Download(c.Request().Context(), service.DownloadRequest{
		ShortID:   c.Param("short_id"),
		FileID:    c.Param("file_id"),
		Password:  c.QueryParam("password"),
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, dl.MimeType)
	return c.Attachment(dl.Path, dl.Filename)
}

// HandleUsage handles GET /api/usage.
// Reports the caller's remaining monthly allowance.
func (h *Handler) HandleUsage(c echo.Context) error {
	a, err := h.transfers.Usage(c.Request().Context(), identity(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	if a.Unlimited {
		return c.JSON(http.StatusOK, echo.Map{"unlimited": true})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"unlimited":       false,
		"budget_bytes":    a.Budget,
		"used_bytes":      a.Used,
		"remaining_bytes": a.Remaining,
		"remaining_human": humanizeBytes(a.Remaining),
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server and each backing dependency.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	deps := echo.Map{}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](c.Request().Context()); err != nil {
			status = "degraded"
			deps[name] = fmt.Sprintf("error: %v", err)
			continue
		}
		deps[name] = "connected"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":       status,
		"dependencies": deps,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.transfers.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_transfers":    stats.TotalTransfers,
		"active_transfers":   stats.ActiveTransfers,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var quotaErr *service.QuotaError
	if errors.As(err, &quotaErr) {
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":     "monthly transfer limit reached",
			"remaining": quotaErr.Remaining,
		})
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transfer not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "transfer has expired"})
	case errors.Is(err, service.ErrDownloadLimit):
		return c.JSON(http.StatusGone, echo.Map{"error": "download limit reached"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrInfected):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "transfer failed virus scan"})
	case errors.Is(err, service.ErrNoFiles):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "transfer has no files"})
	case errors.Is(err, service.ErrInvalidState):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
