package sod

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/risk"
)

// Handler exposes SoD rules and violations over HTTP
type Handler struct {
	store *Store
}

// NewHandler creates a SoD HTTP handler
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers SoD routes on the given group. Rule
// management requires the admin role; adminOnly is applied to those
// routes by the caller's middleware chain.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.GET("/sod-violations", h.listViolations)
	r.GET("/sod-violations/:id", h.getViolation)
	r.POST("/sod-violations/:id/resolve", h.resolveViolation)

	rules := r.Group("/sod-rules", adminOnly)
	rules.GET("", h.listRules)
	rules.POST("", h.createRule)
	rules.PUT("/:id", h.updateRule)
}

func (h *Handler) listViolations(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	status := c.Query("status")
	switch status {
	case "", StatusOpen, StatusRemediated, StatusAccepted:
	default:
		apperrors.HandleError(c, apperrors.ValidationError("status must be open, remediated or accepted"))
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

	violations, err := h.store.ListViolations(c.Request.Context(), tenantID, status, (page-1)*limit, limit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"violations": violations,
		"page":       page,
		"limit":      limit,
	})
}

func (h *Handler) getViolation(c *gin.Context) {
	violation, err := h.store.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if violation.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("sod violation"))
		return
	}
	c.JSON(http.StatusOK, violation)
}

type resolveViolationRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

func (h *Handler) resolveViolation(c *gin.Context) {
	var req resolveViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	violation, err := h.store.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if violation.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("sod violation"))
		return
	}

	if err := h.store.Resolve(c.Request.Context(), violation.ID, req.Status, req.Note, c.GetString("user_id")); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (h *Handler) listRules(c *gin.Context) {
	rules, err := h.store.ListRules(c.Request.Context(), c.GetString("tenant_id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type ruleRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	ConflictSet []ConflictEntry `json:"conflict_set" binding:"required"`
	Severity    string          `json:"severity"`
	IsActive    *bool           `json:"is_active"`
}

func (r ruleRequest) validate() error {
	if len(r.ConflictSet) < 2 {
		return apperrors.ValidationError("conflict_set needs at least two entries")
	}
	for _, entry := range r.ConflictSet {
		if entry.AppID == "" {
			return apperrors.ValidationError("conflict_set entries need an app_id")
		}
		if entry.AccessType != "" && !entry.AccessType.Valid() {
			return apperrors.ValidationError("conflict_set access_type must be read, write or admin")
		}
	}
	switch risk.Level(r.Severity) {
	case "", risk.LevelLow, risk.LevelMedium, risk.LevelHigh, risk.LevelCritical:
		return nil
	default:
		return apperrors.ValidationError("severity must be low, medium, high or critical")
	}
}

func (h *Handler) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	rule, err := h.store.CreateRule(c.Request.Context(), Rule{
		TenantID:    c.GetString("tenant_id"),
		Name:        req.Name,
		Description: req.Description,
		ConflictSet: req.ConflictSet,
		Severity:    risk.Level(req.Severity),
		IsActive:    active,
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) updateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	severity := risk.Level(req.Severity)
	if severity == "" {
		severity = risk.LevelMedium
	}

	rule, err := h.store.UpdateRule(c.Request.Context(), Rule{
		ID:          c.Param("id"),
		TenantID:    c.GetString("tenant_id"),
		Name:        req.Name,
		Description: req.Description,
		ConflictSet: req.ConflictSet,
		Severity:    severity,
		IsActive:    active,
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}
