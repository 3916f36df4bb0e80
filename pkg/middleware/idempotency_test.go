package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements RedisClient in memory
type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func setupIdempotentRouter(rdb RedisClient, calls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(IdempotencyMiddleware(DefaultIdempotencyConfig(rdb)))
	router.POST("/orders", func(c *gin.Context) {
		*calls++
		c.JSON(http.StatusOK, gin.H{"orderId": fmt.Sprintf("order-%d", *calls)})
	})
	return router
}

func postOrders(router *gin.Engine, key string, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("POST", "/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMissingKey(t *testing.T) {
	var calls int
	router := setupIdempotentRouter(newFakeRedis(), &calls)

	w := postOrders(router, "", `{"a":1}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, calls)
}

func TestIdempotencyReplayReturnsCachedResponse(t *testing.T) {
	var calls int
	router := setupIdempotentRouter(newFakeRedis(), &calls)

	first := postOrders(router, "key-1", `{"a":1}`)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, calls)

	second := postOrders(router, "key-1", `{"a":1}`)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, calls, "handler must not run again")
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestIdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	var calls int
	router := setupIdempotentRouter(newFakeRedis(), &calls)

	first := postOrders(router, "key-1", `{"a":1}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postOrders(router, "key-1", `{"a":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotencyRequestInProgress(t *testing.T) {
	rdb := newFakeRedis()
	var calls int
	router := setupIdempotentRouter(rdb, &calls)

	body := `{"a":1}`
	h := sha256.New()
	h.Write([]byte("POST"))
	h.Write([]byte("/orders"))
	h.Write([]byte(body))

	record := &IdempotencyRecord{
		Key:         "key-1",
		Status:      StatusProcessing,
		RequestHash: hex.EncodeToString(h.Sum(nil)),
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	rdb.data[IdempotencyKeyPrefix+"key-1"] = string(data)

	w := postOrders(router, "key-1", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, calls)
}

func TestIdempotencyFailsOpenOnRedisError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	var calls int
	router := setupIdempotentRouter(rdb, &calls)

	w := postOrders(router, "key-1", `{"a":1}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls)
}

func TestDeleteIdempotencyRecord(t *testing.T) {
	rdb := newFakeRedis()
	var calls int
	router := setupIdempotentRouter(rdb, &calls)

	postOrders(router, "key-1", `{"a":1}`)
	require.Equal(t, 1, calls)

	require.NoError(t, DeleteIdempotencyRecord(context.Background(), rdb, "key-1"))

	// the key is usable again
	postOrders(router, "key-1", `{"a":1}`)
	assert.Equal(t, 2, calls)
}
