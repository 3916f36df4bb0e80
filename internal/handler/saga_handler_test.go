package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/choreography"
	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/internal/sagas"
	"github.com/retailgrid/saga-orchestrator/internal/service"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// setupTestRouter builds the full saga stack on in-memory infrastructure and
// mounts the API the way main does.
func setupTestRouter(t *testing.T) (*gin.Engine, *sagas.Participants) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	inj := failure.NewInjector(nil, log)
	bus := events.NewMemoryPublisher()
	store := saga.NewMemoryStore()

	parts := &sagas.Participants{
		Stores: participants.NewStoreService(inj, bus, log, []*domain.Store{
			{ID: "store-001", Name: "Downtown Flagship", Region: "central", Active: true},
		}),
		Products: participants.NewProductService(inj, bus, log, []*domain.Product{
			{ID: "prod-001", Name: "Espresso Beans 1kg", SKU: "SKU-ESP-1KG", Price: 18.50},
		}),
		Orders:        participants.NewOrderService(inj, bus, log),
		Payments:      participants.NewPaymentService(inj, bus, log),
		Notifications: participants.NewNotificationService(inj, bus, log),
	}
	parts.Sales = participants.NewSaleService(inj, bus, log, parts.Products)
	parts.Products.SetStock("prod-001", "store-001", 20)

	registry := saga.NewRegistry()
	require.NoError(t, sagas.RegisterAll(registry, parts))
	engine := saga.NewEngine(&saga.EngineConfig{Registry: registry, Store: store})

	coordinator := choreography.NewCoordinator(store, bus, log)
	reactor := choreography.NewReactor(store, bus, parts, log)
	choreography.Wire(bus, coordinator, reactor)

	svc := service.NewSagaService(engine, coordinator, inj, log)

	router := gin.New()
	api := router.Group("/api/v1")
	NewSagaHandler(svc).RegisterRoutes(api)
	NewFailureHandler(svc).RegisterRoutes(api)
	return router, parts
}

type apiEnvelope struct {
	Success bool                   `json:"success"`
	Data    json.RawMessage        `json:"data"`
	Error   map[string]interface{} `json:"error"`
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, *apiEnvelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var envelope apiEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, &envelope
}

func TestStartSaleSaga_Success(t *testing.T) {
	router, parts := setupTestRouter(t)

	w, envelope := doJSON(t, router, "POST", "/api/v1/saga/sale", gin.H{
		"storeId": "store-001",
		"items":   []gin.H{{"productId": "prod-001", "quantity": 2}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, true, data["isSuccess"])
	assert.Equal(t, "Completed", data["currentState"])
	assert.NotEmpty(t, data["sagaId"])
	assert.Equal(t, 18, parts.Products.Stock("prod-001", "store-001"))
}

func TestStartSaleSaga_InvalidBody(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, envelope := doJSON(t, router, "POST", "/api/v1/saga/sale", gin.H{
		"storeId": "store-001",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "BAD_REQUEST", envelope.Error["code"])
}

func TestStartOrderSaga_Choreographed(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, envelope := doJSON(t, router, "POST", "/api/v1/saga/order", gin.H{
		"customerId":    "cust-1",
		"storeId":       "store-001",
		"items":         []gin.H{{"productId": "prod-001", "quantity": 1, "unitPrice": 18.50}},
		"choreographed": true,
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, envelope.Success)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	// the in-process bus runs the flow synchronously
	assert.Equal(t, "Completed", data["currentState"])
	assert.Equal(t, "ChoreographedOrderSaga", data["sagaType"])
}

func TestGetSaga_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, envelope := doJSON(t, router, "GET", "/api/v1/saga/saga-404", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "SAGA_NOT_FOUND", envelope.Error["code"])
}

func TestListSagasAndTransitions(t *testing.T) {
	router, _ := setupTestRouter(t)

	_, started := doJSON(t, router, "POST", "/api/v1/saga/sale", gin.H{
		"storeId": "store-001",
		"items":   []gin.H{{"productId": "prod-001", "quantity": 1}},
	})
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(started.Data, &result))
	sagaID := result["sagaId"].(string)

	w, envelope := doJSON(t, router, "GET", "/api/v1/saga", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &list))
	assert.Len(t, list, 1)

	w, envelope = doJSON(t, router, "GET", "/api/v1/saga/by-state/Completed", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(envelope.Data, &list))
	assert.Len(t, list, 1)

	w, envelope = doJSON(t, router, "GET", "/api/v1/saga/"+sagaID+"/transitions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var transitions []map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &transitions))
	assert.NotEmpty(t, transitions)
}

func TestFailureConfigEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t)

	w, envelope := doJSON(t, router, "GET", "/api/v1/failure-config", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &cfg))
	assert.Equal(t, false, cfg["enabled"])

	w, envelope = doJSON(t, router, "PUT", "/api/v1/failure-config", gin.H{
		"enabled":                   true,
		"paymentFailureProbability": 0.25,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(envelope.Data, &cfg))
	assert.Equal(t, true, cfg["enabled"])
	assert.Equal(t, 0.25, cfg["paymentFailureProbability"])

	w, envelope = doJSON(t, router, "POST", "/api/v1/failure-config/toggle", gin.H{
		"enabled": false,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(envelope.Data, &cfg))
	assert.Equal(t, false, cfg["enabled"])
}

func TestSimulateFailureEndpoint(t *testing.T) {
	router, parts := setupTestRouter(t)

	w, envelope := doJSON(t, router, "POST", "/api/v1/failure-config/simulate", gin.H{
		"sagaType":    "SaleSaga",
		"failureKind": "InsufficientStock",
		"storeId":     "store-001",
		"productId":   "prod-001",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, false, data["isSuccess"])
	assert.Equal(t, "Compensated", data["currentState"])
	assert.Equal(t, 20, parts.Products.Stock("prod-001", "store-001"))
}
