package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"sendfiles/internal/server/service"

	"github.com/labstack/echo/v4"
)

const (
	TusVersion    = "1.0.0"
	TusExtensions = "creation,creation-with-upload,termination"

	offsetContentType = "application/offset+octet-stream"
)

var (
	tusAllowMethods  = "OPTIONS, POST, HEAD, PATCH, DELETE"
	tusAllowHeaders  = "Tus-Resumable, Upload-Length, Upload-Metadata, Upload-Offset, Content-Type, X-CSRFToken, Authorization"
	tusExposeHeaders = "Upload-Offset, Upload-Length, Location, Tus-Resumable, Tus-Version, Tus-Extension, Tus-Max-Size"
)

// TusHandler exposes the resumable upload protocol.
type TusHandler struct {
	uploads *service.UploadService
	baseURL string
}

func NewTusHandler(uploads *service.UploadService, baseURL string) *TusHandler {
	return &TusHandler{uploads: uploads, baseURL: strings.TrimRight(baseURL, "/")}
}

// TusHeaders stamps the protocol version and CORS headers on every response
// and rejects clients speaking another protocol version.
func TusHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Tus-Resumable", TusVersion)
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, tusAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, tusAllowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, tusExposeHeaders)

			req := c.Request()
			if req.Method != http.MethodOptions {
				if v := req.Header.Get("Tus-Resumable"); v != "" && v != TusVersion {
					h.Set("Tus-Version", TusVersion)
					return c.NoContent(http.StatusPreconditionFailed)
				}
			}
			return next(c)
		}
	}
}

// HandleOptions handles OPTIONS and advertises server capabilities.
func (h *TusHandler) HandleOptions(c echo.Context) error {
	hdr := c.Response().Header()
	hdr.Set("Tus-Version", TusVersion)
	hdr.Set("Tus-Extension", TusExtensions)
	hdr.Set("Tus-Max-Size", strconv.FormatInt(h.uploads.MaxSize(), 10))
	return c.NoContent(http.StatusNoContent)
}

// HandleCreate handles POST /api/tus/:transfer_id.
// Opens an upload session, optionally with the first chunk in the body.
func (h *TusHandler) HandleCreate(c echo.Context) error {
	req := c.Request()
	transferID := c.Param("transfer_id")

	length, err := strconv.ParseInt(req.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Upload-Length header required"})
	}

	meta := ParseMetadata(req.Header.Get("Upload-Metadata"))
	create := service.CreateUploadRequest{
		TransferID: transferID,
		Length:     length,
		Filename:   meta["filename"],
		MimeType:   meta["filetype"],
		Identity:   identity(c),
	}
	if hasOffsetBody(req) {
		create.Body = req.Body
	}

	st, err := h.uploads.Create(req.Context(), create)
	if err != nil {
		return tusError(c, err)
	}

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderLocation, fmt.Sprintf("%s/api/tus/%s/%s/", h.baseURL, transferID, st.ID))
	hdr.Set("Upload-Offset", strconv.FormatInt(st.Offset, 10))
	return c.NoContent(http.StatusCreated)
}

// HandleHead handles HEAD /api/tus/:transfer_id/:upload_id.
func (h *TusHandler) HandleHead(c echo.Context) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderCacheControl, "no-store")

	id, err := h.uploadID(c)
	if err != nil {
		return tusError(c, err)
	}
	st, err := h.uploads.Status(c.Request().Context(), id)
	if err != nil {
		return tusError(c, err)
	}

	hdr.Set("Upload-Offset", strconv.FormatInt(st.Offset, 10))
	hdr.Set("Upload-Length", strconv.FormatInt(st.Length, 10))
	return c.NoContent(http.StatusOK)
}

// HandlePatch handles PATCH /api/tus/:transfer_id/:upload_id.
func (h *TusHandler) HandlePatch(c echo.Context) error {
	req := c.Request()

	if !isOffsetContentType(req.Header.Get(echo.HeaderContentType)) {
		return tusError(c, service.ErrUnsupportedMediaType)
	}

	offset, err := strconv.ParseInt(req.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Upload-Offset header required"})
	}

	id, err := h.uploadID(c)
	if err != nil {
		return tusError(c, err)
	}

	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = req.Body
	}

	st, err := h.uploads.Append(req.Context(), id, offset, body)
	if err != nil {
		return tusError(c, err)
	}

	c.Response().Header().Set("Upload-Offset", strconv.FormatInt(st.Offset, 10))
	return c.NoContent(http.StatusNoContent)
}

// HandleDelete handles DELETE /api/tus/:transfer_id/:upload_id.
func (h *TusHandler) HandleDelete(c echo.Context) error {
	id, err := h.uploadID(c)
	if err != nil {
		return tusError(c, err)
	}
	existed, err := h.uploads.Cancel(c.Request().Context(), id)
	if err != nil {
		return tusError(c, err)
	}
	if !existed {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// uploadID returns the upload named in the path once it is known to belong
// to the transfer in the same path.
func (h *TusHandler) uploadID(c echo.Context) (string, error) {
	id := c.Param("upload_id")
	if err := h.uploads.VerifyTransfer(c.Request().Context(), c.Param("transfer_id"), id); err != nil {
		return "", err
	}
	return id, nil
}

// ParseMetadata decodes an Upload-Metadata header: comma separated pairs of a
// key and a base64 value. Values that are not valid base64 are kept as sent.
func ParseMetadata(header string) map[string]string {
	meta := make(map[string]string)
	if header == "" {
		return meta
	}
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, " ")
		if !ok {
			meta[key] = ""
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
			meta[key] = string(decoded)
		} else {
			meta[key] = value
		}
	}
	return meta
}

func isOffsetContentType(v string) bool {
	mt, _, err := mime.ParseMediaType(v)
	return err == nil && mt == offsetContentType
}

func hasOffsetBody(req *http.Request) bool {
	if req.Body == nil || req.ContentLength == 0 {
		return false
	}
	return isOffsetContentType(req.Header.Get(echo.HeaderContentType))
}

// tusError maps service errors onto protocol status codes.
func tusError(c echo.Context, err error) error {
	var conflict *service.ConflictError
	if errors.As(err, &conflict) {
		c.Response().Header().Set("Upload-Offset", strconv.FormatInt(conflict.Offset, 10))
		return tusStatus(c, http.StatusConflict, "upload offset mismatch")
	}

	var quotaErr *service.QuotaError
	if errors.As(err, &quotaErr) {
		if c.Request().Method == http.MethodHead {
			return c.NoContent(http.StatusTooManyRequests)
		}
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":     "monthly transfer limit reached",
			"remaining": quotaErr.Remaining,
		})
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		return tusStatus(c, http.StatusNotFound, "upload not found")
	case errors.Is(err, service.ErrInvalidState):
		return tusStatus(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTransferMismatch):
		return tusStatus(c, http.StatusBadRequest, "upload does not belong to this transfer")
	case errors.Is(err, service.ErrInvalidLength):
		return tusStatus(c, http.StatusBadRequest, "Upload-Length must be positive")
	case errors.Is(err, service.ErrSizeLimitExceeded):
		return tusStatus(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
	case errors.Is(err, service.ErrUnsupportedMediaType):
		return tusStatus(c, http.StatusUnsupportedMediaType, "Content-Type must be "+offsetContentType)
	default:
		return tusStatus(c, http.StatusInternalServerError, "internal server error")
	}
}

func tusStatus(c echo.Context, status int, msg string) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, echo.Map{"error": msg})
}
