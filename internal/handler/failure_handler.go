package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/retailgrid/saga-orchestrator/internal/dto"
	"github.com/retailgrid/saga-orchestrator/internal/service"
	"github.com/retailgrid/saga-orchestrator/pkg/response"
)

// FailureHandler exposes the failure injection controls
type FailureHandler struct {
	sagas *service.SagaService
}

// NewFailureHandler creates a failure config handler
func NewFailureHandler(sagas *service.SagaService) *FailureHandler {
	return &FailureHandler{sagas: sagas}
}

// RegisterRoutes mounts the failure config API on the router
func (h *FailureHandler) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/failure-config")
	grp.GET("", h.GetConfig)
	grp.PUT("", h.ReplaceConfig)
	grp.POST("/toggle", h.Toggle)
	grp.POST("/simulate", h.Simulate)
}

// GetConfig handles GET /failure-config
func (h *FailureHandler) GetConfig(c *gin.Context) {
	response.Success(c, h.sagas.FailureConfig())
}

// ReplaceConfig handles PUT /failure-config
func (h *FailureHandler) ReplaceConfig(c *gin.Context) {
	var req dto.FailureConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, h.sagas.ReplaceFailureConfig(&req))
}

// Toggle handles POST /failure-config/toggle
func (h *FailureHandler) Toggle(c *gin.Context) {
	var req dto.FailureToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, h.sagas.ToggleFailureInjection(req.Enabled))
}

// Simulate handles POST /failure-config/simulate
func (h *FailureHandler) Simulate(c *gin.Context) {
	var req dto.SimulateFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.sagas.SimulateFailure(c.Request.Context(), &req)
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromResult(result))
}
