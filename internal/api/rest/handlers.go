// Package rest exposes the HTTP management surface: block history,
// undo/redo, permission changes, pool statistics, and health.
package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/symposium-app/backend/internal/domain/blocks"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
)

// Handlers serves the REST routes.
type Handlers struct {
	svc     *blocks.Service
	metrics *monitoring.Metrics
	log     *logging.Logger
	started time.Time
}

// NewHandlers creates the REST handler set.
func NewHandlers(svc *blocks.Service, metrics *monitoring.Metrics, log *logging.Logger) *Handlers {
	return &Handlers{svc: svc, metrics: metrics, log: log.Named("rest"), started: time.Now()}
}

// Register mounts all routes on the router group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)
	r.GET("/audit", h.audit)

	b := r.Group("/blocks")
	b.GET("", h.listBlocks)
	b.POST("/:id/execute", h.execute)
	b.PATCH("/:id", h.update)
	b.GET("/:id/versions", h.versions)
	b.POST("/:id/undo", h.undo)
	b.POST("/:id/redo", h.redo)
	b.GET("/:id/permission", h.getPermission)
	b.PUT("/:id/permission", h.setPermission)
	b.DELETE("/:id/isolate", h.terminate)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

func (h *Handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

func (h *Handlers) audit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.svc.Audit()})
}

func (h *Handlers) listBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": h.svc.BlockIDs()})
}

type executeRequest struct {
	HTML       string `json:"html"`
	CSS        string `json:"css"`
	JavaScript string `json:"javascript"`
	ChangeType string `json:"change_type"`
	Author     string `json:"author"`
}

func (h *Handlers) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	code := types.Code{HTML: req.HTML, CSS: req.CSS, JavaScript: req.JavaScript}
	result, err := h.svc.Execute(c.Request.Context(), c.Param("id"), code,
		types.ChangeType(req.ChangeType), req.Author)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type updateRequest struct {
	Updates map[string]string `json:"updates"`
	Author  string            `json:"author"`
}

func (h *Handlers) update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.svc.Update(c.Request.Context(), c.Param("id"), req.Updates, req.Author)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) versions(c *gin.Context) {
	versions, currentID, canRedo := h.svc.Versions(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"versions":           versions,
		"current_version_id": currentID,
		"can_redo":           canRedo,
	})
}

type undoRequest struct {
	TargetVersionID string `json:"target_version_id"`
}

func (h *Handlers) undo(c *gin.Context) {
	var req undoRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	v, result, err := h.svc.Undo(c.Request.Context(), c.Param("id"), req.TargetVersionID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v, "result": result})
}

func (h *Handlers) redo(c *gin.Context) {
	v, result, err := h.svc.Redo(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v, "result": result})
}

func (h *Handlers) getPermission(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": h.svc.Permission(c.Param("id"))})
}

type permissionRequest struct {
	Level string `json:"level" binding:"required"`
}

func (h *Handlers) setPermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.SetPermission(c.Param("id"), types.PermissionLevel(req.Level)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": req.Level})
}

func (h *Handlers) terminate(c *gin.Context) {
	if err := h.svc.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNothingToUndo), errors.Is(err, errs.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrStartupTimeout), errors.Is(err, errs.ErrCallTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
