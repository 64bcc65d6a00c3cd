package drift

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// Handler exposes drift alerts over HTTP
type Handler struct {
	alerts *Store
}

// NewHandler creates a drift HTTP handler
func NewHandler(alerts *Store) *Handler {
	return &Handler{alerts: alerts}
}

// RegisterRoutes registers drift alert routes on the given group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/privilege-drift", h.list)
	r.GET("/privilege-drift/:id", h.get)
	r.POST("/privilege-drift/:id/resolve", h.resolve)
}

func (h *Handler) list(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	status := c.Query("status")
	if status != "" && status != StatusOpen && status != StatusResolved {
		apperrors.HandleError(c, apperrors.ValidationError("status must be open or resolved"))
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	alerts, err := h.alerts.List(c.Request.Context(), tenantID, status, (page-1)*limit, limit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"page":   page,
		"limit":  limit,
	})
}

func (h *Handler) get(c *gin.Context) {
	alert, err := h.alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if alert.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("drift alert"))
		return
	}
	c.JSON(http.StatusOK, alert)
}

type resolveRequest struct {
	ResolutionType string `json:"resolution_type" binding:"required"`
	Notes          string `json:"notes"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	alert, err := h.alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if alert.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("drift alert"))
		return
	}

	if err := h.alerts.Resolve(c.Request.Context(), alert.ID, req.ResolutionType, req.Notes, c.GetString("user_id")); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
