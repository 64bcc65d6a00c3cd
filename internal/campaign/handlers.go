package campaign

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// Handler exposes the campaign engine over HTTP
type Handler struct {
	engine *Engine
	store  *Store
}

// NewHandler creates a campaign HTTP handler
func NewHandler(engine *Engine, store *Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes registers campaign routes on the given group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/access-reviews/campaigns", h.list)
	r.POST("/campaigns", h.create)
	r.GET("/campaigns/:id", h.get)
	r.GET("/campaigns/:id/items", h.listItems)
	r.GET("/campaigns/:id/escalations", h.listEscalations)
	r.POST("/campaigns/:id/items/:itemId/decision", h.decide)
	r.POST("/campaigns/:id/cancel", h.cancel)
}

func (h *Handler) list(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	status := c.Query("status")
	switch status {
	case "", StatusActive, StatusCompleted, StatusCancelled:
	default:
		apperrors.HandleError(c, apperrors.ValidationError("status must be active, completed or cancelled"))
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

	campaigns, err := h.store.List(c.Request.Context(), tenantID, status, (page-1)*limit, limit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaigns": campaigns,
		"page":      page,
		"limit":     limit,
	})
}

type createRequest struct {
	Name                 string `json:"name" binding:"required"`
	CampaignType         string `json:"campaign_type" binding:"required"`
	ScopeType            string `json:"scope_type" binding:"required"`
	ScopeValue           string `json:"scope_value"`
	DurationDays         int    `json:"duration_days"`
	AutoApproveOnTimeout bool   `json:"auto_approve_on_timeout"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if req.DurationDays <= 0 {
		req.DurationDays = 30
	}

	now := time.Now().UTC()
	created, err := h.engine.CreateCampaign(c.Request.Context(), CreateParams{
		TenantID:             c.GetString("tenant_id"),
		Name:                 req.Name,
		CampaignType:         req.CampaignType,
		ScopeType:            req.ScopeType,
		ScopeValue:           req.ScopeValue,
		StartDate:            now,
		DueDate:              now.AddDate(0, 0, req.DurationDays),
		AutoApproveOnTimeout: req.AutoApproveOnTimeout,
		CreatedBy:            c.GetString("user_id"),
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) get(c *gin.Context) {
	campaign, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if campaign.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("campaign"))
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) listItems(c *gin.Context) {
	campaign, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if campaign.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("campaign"))
		return
	}

	decision := c.Query("decision")
	switch decision {
	case "", DecisionPending, DecisionApproved, DecisionRevoked, DecisionDeferred:
	default:
		apperrors.HandleError(c, apperrors.ValidationError("decision must be pending, approved, revoked or deferred"))
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	items, err := h.store.ListItems(c.Request.Context(), campaign.ID, decision, (page-1)*limit, limit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"page":  page,
		"limit": limit,
	})
}

func (h *Handler) listEscalations(c *gin.Context) {
	campaign, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if campaign.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("campaign"))
		return
	}

	escalations, err := h.store.ListEscalations(c.Request.Context(), campaign.ID)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escalations})
}

type decisionRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (h *Handler) decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	switch req.Decision {
	case DecisionApproved, DecisionRevoked, DecisionDeferred:
	default:
		apperrors.HandleError(c, apperrors.ValidationError("decision must be approved, revoked or deferred"))
		return
	}

	item, err := h.store.GetItem(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if item.CampaignID != c.Param("id") || item.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("review item"))
		return
	}

	updated, err := h.engine.RecordDecision(c.Request.Context(), item.ID, req.Decision, c.GetString("user_id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (h *Handler) cancel(c *gin.Context) {
	campaign, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if campaign.TenantID != c.GetString("tenant_id") {
		apperrors.HandleError(c, apperrors.NotFound("campaign"))
		return
	}

	if err := h.engine.CancelCampaign(c.Request.Context(), campaign.ID, c.GetString("user_id")); err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": StatusCancelled})
}
