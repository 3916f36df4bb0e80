package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracedRouter(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	router := gin.New()
	router.Use(TracingMiddleware("saga-orchestrator"))
	router.GET("/saga/:id", func(c *gin.Context) {
		c.Set("error_code", "SAGA_NOT_FOUND")
		c.JSON(http.StatusNotFound, gin.H{"success": false})
	})
	router.GET("/saga", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return router, recorder
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestTracingMiddlewareTagsSagaRequests(t *testing.T) {
	router, recorder := setupTracedRouter(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/saga/saga-42", nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(TraceIDHeader))
	assert.NotEmpty(t, w.Header().Get(SpanIDHeader))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "GET /saga/:id", span.Name())
	attrs := span.Attributes()
	assert.Equal(t, "saga-42", attrValue(attrs, AttrSagaID))
	assert.Equal(t, "SAGA_NOT_FOUND", attrValue(attrs, AttrErrorCode))
}

func TestTracingMiddlewarePlainRequest(t *testing.T) {
	router, recorder := setupTracedRouter(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/saga", nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spans[0].Attributes()
	assert.Empty(t, attrValue(attrs, AttrSagaID))
	assert.Empty(t, attrValue(attrs, AttrErrorCode))
}
