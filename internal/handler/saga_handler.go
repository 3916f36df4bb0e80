package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/retailgrid/saga-orchestrator/internal/dto"
	"github.com/retailgrid/saga-orchestrator/internal/service"
	"github.com/retailgrid/saga-orchestrator/pkg/response"
)

const defaultListLimit = 100

// SagaHandler handles saga HTTP requests
type SagaHandler struct {
	sagas *service.SagaService
}

// NewSagaHandler creates a saga handler
func NewSagaHandler(sagas *service.SagaService) *SagaHandler {
	return &SagaHandler{sagas: sagas}
}

// RegisterRoutes mounts the saga API on the router
func (h *SagaHandler) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/saga")
	grp.POST("/sale", h.StartSaleSaga)
	grp.POST("/order", h.StartOrderSaga)
	grp.POST("/stock", h.StartStockUpdateSaga)
	grp.POST("/compensate/:id", h.CompensateSaga)
	grp.GET("", h.ListSagas)
	grp.GET("/by-state/:state", h.ListSagasByState)
	grp.GET("/:id", h.GetSaga)
	grp.GET("/:id/transitions", h.GetTransitions)
}

// StartSaleSaga handles POST /saga/sale
func (h *SagaHandler) StartSaleSaga(c *gin.Context) {
	var req dto.StartSaleSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.sagas.ExecuteSale(c.Request.Context(), &req)
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromResult(result))
}

// StartOrderSaga handles POST /saga/order. An orchestrated order runs to
// completion before responding; a choreographed one is accepted and
// progresses asynchronously.
func (h *SagaHandler) StartOrderSaga(c *gin.Context) {
	var req dto.StartOrderSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if req.Choreographed {
		rec, err := h.sagas.StartChoreographedOrder(c.Request.Context(), &req)
		if err != nil {
			response.SagaError(c, err)
			return
		}
		response.Accepted(c, dto.FromRecord(rec))
		return
	}

	result, err := h.sagas.ExecuteOrder(c.Request.Context(), &req)
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromResult(result))
}

// StartStockUpdateSaga handles POST /saga/stock
func (h *SagaHandler) StartStockUpdateSaga(c *gin.Context) {
	var req dto.StartStockUpdateSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.sagas.ExecuteStockUpdate(c.Request.Context(), &req)
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromResult(result))
}

// CompensateSaga handles POST /saga/compensate/:id
func (h *SagaHandler) CompensateSaga(c *gin.Context) {
	result, err := h.sagas.Compensate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromResult(result))
}

// GetSaga handles GET /saga/:id
func (h *SagaHandler) GetSaga(c *gin.Context) {
	rec, err := h.sagas.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromRecord(rec))
}

// ListSagas handles GET /saga
func (h *SagaHandler) ListSagas(c *gin.Context) {
	recs, err := h.sagas.ListSagas(c.Request.Context(), limitParam(c))
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromRecords(recs))
}

// ListSagasByState handles GET /saga/by-state/:state
func (h *SagaHandler) ListSagasByState(c *gin.Context) {
	recs, err := h.sagas.ListSagasByState(c.Request.Context(), c.Param("state"), limitParam(c))
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromRecords(recs))
}

// GetTransitions handles GET /saga/:id/transitions
func (h *SagaHandler) GetTransitions(c *gin.Context) {
	trs, err := h.sagas.GetTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.SagaError(c, err)
		return
	}
	response.Success(c, dto.FromTransitions(trs))
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", ""))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}
