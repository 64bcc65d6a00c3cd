package orchestrator

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the orchestrator run history
type Handler struct {
	runner *Runner
}

// NewHandler creates an orchestrator HTTP handler
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes registers orchestrator routes on the given group.
// The run history is operator tooling; adminOnly guards it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminOnly gin.HandlerFunc) {
	r.GET("/orchestrator/runs", adminOnly, h.runs)
}

func (h *Handler) runs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.runner.Reports()})
}
