// Package api exposes Bay's HTTP surface: health probes, ship lifecycle
// endpoints, and the exec/upload forwarding paths.
package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bay/internal/config"
	"bay/internal/middleware"
	"bay/internal/models"
	"bay/internal/ship"
)

// Handler carries the dependencies every endpoint needs. No package-level
// state; everything is constructed in main and passed down.
type Handler struct {
	cfg     *config.Config
	service *ship.Service
}

// NewHandler builds the endpoint set around the ship service.
func NewHandler(cfg *config.Config, service *ship.Service) *Handler {
	return &Handler{cfg: cfg, service: service}
}

// Health answers the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Message: "Bay service is running",
	})
}

// Root answers the API root.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Message: "Welcome to Bay API",
	})
}

// CreateShip assigns a ship to the calling session, creating one when no
// running ship has a free slot.
func (h *Handler) CreateShip(c *gin.Context) {
	var req models.CreateShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format: " + err.Error(),
			"code":  "INVALID_REQUEST",
		})
		return
	}

	sessionID := middleware.GetSessionID(c)
	sh, err := h.service.CreateShip(c.Request.Context(), &req, sessionID)
	if err != nil {
		switch {
		case err == ship.ErrCapacityExceeded || err == ship.ErrCapacityTimeout:
			c.JSON(http.StatusRequestTimeout, gin.H{
				"error": err.Error(),
				"code":  "CAPACITY_EXCEEDED",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
				"code":  "PROVISION_FAILED",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, sh)
}

// ListShips returns every running ship.
func (h *Handler) ListShips(c *gin.Context) {
	ships, err := h.service.ListActiveShips(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list ships",
			"code":  "DATABASE_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, ships)
}

// GetShip returns a single ship by ID.
func (h *Handler) GetShip(c *gin.Context) {
	sh, err := h.service.GetShip(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load ship",
			"code":  "DATABASE_ERROR",
		})
		return
	}
	if sh == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Ship not found",
			"code":  "SHIP_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, sh)
}

// DeleteShip tears a ship down. Deleting an absent ship is 404; a repeat
// delete therefore answers 404, not an error.
func (h *Handler) DeleteShip(c *gin.Context) {
	deleted, err := h.service.DeleteShip(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete ship",
			"code":  "DATABASE_ERROR",
		})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Ship not found",
			"code":  "SHIP_NOT_FOUND",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecOperation forwards an operation into the ship. Failures are carried
// in the response body with a 400 status; transport details never leak.
func (h *Handler) ExecOperation(c *gin.Context) {
	var req models.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ExecResponse{
			Success: false,
			Error:   "Invalid request format: " + err.Error(),
		})
		return
	}

	sessionID := middleware.GetSessionID(c)
	resp := h.service.ExecuteOperation(c.Request.Context(), c.Param("id"), &req, sessionID)
	if !resp.Success {
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UploadFile forwards a multipart file into the ship. The size limit is
// enforced against the advertised content length first and the bytes
// actually read second.
func (h *Handler) UploadFile(c *gin.Context) {
	filePath := c.GetHeader("X-FILE-PATH")
	if filePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-FILE-PATH header is required",
			"code":  "FILE_PATH_MISSING",
		})
		return
	}
	if containsTraversal(filePath) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Invalid file path",
			"code":  "FILE_PATH_FORBIDDEN",
		})
		return
	}

	if c.Request.ContentLength > h.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "File exceeds maximum allowed size",
			"code":  "PAYLOAD_TOO_LARGE",
		})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Multipart field 'file' is required",
			"code":  "FILE_MISSING",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
			"code":  "FILE_READ_FAILED",
		})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
			"code":  "FILE_READ_FAILED",
		})
		return
	}
	if int64(len(data)) > h.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "File exceeds maximum allowed size",
			"code":  "PAYLOAD_TOO_LARGE",
		})
		return
	}

	sessionID := middleware.GetSessionID(c)
	resp, err := h.service.UploadFile(c.Request.Context(), c.Param("id"), data, filePath, sessionID)
	if err != nil {
		if err == ship.ErrPayloadTooLarge {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "File exceeds maximum allowed size",
				"code":  "PAYLOAD_TOO_LARGE",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Upload failed",
			"code":  "UPLOAD_FAILED",
		})
		return
	}
	if !resp.Success {
		c.JSON(uploadErrorStatus(resp.Error), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ExtendTTL rewrites a ship's TTL and re-arms its expiry timer.
func (h *Handler) ExtendTTL(c *gin.Context) {
	var req models.ExtendTTLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format: " + err.Error(),
			"code":  "INVALID_REQUEST",
		})
		return
	}

	sh, err := h.service.ExtendTTL(c.Request.Context(), c.Param("id"), req.TTL)
	if err != nil {
		if err == ship.ErrShipNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Ship not found",
				"code":  "SHIP_NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to extend TTL",
			"code":  "DATABASE_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, sh)
}

// GetLogs returns the ship's container logs. A missing ship yields empty
// logs rather than an error.
func (h *Handler) GetLogs(c *gin.Context) {
	logs, err := h.service.GetLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch logs",
			"code":  "LOGS_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, models.LogsResponse{Logs: logs})
}

// uploadErrorStatus maps a ship-reported upload failure to a status code
// by message heuristics, falling back to 400.
func uploadErrorStatus(msg string) int {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "size"):
		return http.StatusRequestEntityTooLarge
	case strings.Contains(lower, "not found"):
		return http.StatusNotFound
	case strings.Contains(lower, "access"):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// containsTraversal reports whether the client-supplied path tries to
// climb out of the ship's workspace.
func containsTraversal(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}
