package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

func writeSagaError(t *testing.T, err error) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	SagaError(c, err)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestSagaErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{saga.NewValidationError("storeId", "is required"), http.StatusBadRequest, CodeValidationFailed},
		{fmt.Errorf("load saga-1: %w", saga.ErrSagaNotFound), http.StatusNotFound, CodeSagaNotFound},
		{saga.ErrUnknownSagaType, http.StatusBadRequest, CodeUnknownSagaType},
		{saga.ErrSagaAlreadyExists, http.StatusConflict, CodeSagaAlreadyExists},
		{saga.NewIllegalTransitionError(saga.TypeSale, saga.StateCompleted, saga.StateCompensating), http.StatusConflict, CodeIllegalTransition},
		{saga.NewTransientStoreError(errors.New("connection refused")), http.StatusServiceUnavailable, CodeStoreUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		w, body := writeSagaError(t, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.code)
		assert.False(t, body.Success)
		require.NotNil(t, body.Error, tc.code)
		assert.Equal(t, tc.code, body.Error.Code)
		assert.NotEmpty(t, body.Error.Details, tc.code)
	}
}

func TestSagaErrorFatalStoreErrorIsInternal(t *testing.T) {
	w, body := writeSagaError(t, saga.NewFatalStoreError(errors.New("constraint violated")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeInternal, body.Error.Code)
}

func TestAcceptedEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Accepted(c, map[string]string{"sagaId": "saga-1"})

	assert.Equal(t, http.StatusAccepted, w.Code)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
}
