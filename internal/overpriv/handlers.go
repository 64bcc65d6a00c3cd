package overpriv

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// Handler exposes overprivilege records over HTTP
type Handler struct {
	records *Store
}

// NewHandler creates an overprivilege HTTP handler
func NewHandler(records *Store) *Handler {
	return &Handler{records: records}
}

// RegisterRoutes registers overprivilege routes on the given group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/overprivileged-accounts", h.list)
	r.GET("/overprivileged-accounts/:id", h.get)
	r.POST("/overprivileged-accounts/:id/resolve", h.resolve)
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

	records, err := h.records.List(c.Request.Context(), tenantID, status, (page-1)*limit, limit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"page":    page,
		"limit":   limit,
	})
}

func (h *Handler) get(c *gin.Context) {
	record, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if record.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("overprivilege record"))
		return
	}
	c.JSON(http.StatusOK, record)
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

	record, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if record.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("overprivilege record"))
		return
	}

	if err := h.records.Resolve(c.Request.Context(), record.ID, req.ResolutionType, req.Notes, c.GetString("user_id")); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
