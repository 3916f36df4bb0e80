package participants

import (
	"sync"
)

// OpKey identifies one saga step invocation. Participant operations keyed by
// it execute at most once; replays return the recorded result.
type OpKey struct {
	SagaID        string
	StepName      string
	CorrelationID string
}

// opCache records the outcome of successful operations so a redelivered step
// does not repeat its side effect
type opCache struct {
	mu      sync.Mutex
	results map[OpKey]map[string]interface{}
}

func newOpCache() *opCache {
	return &opCache{results: make(map[OpKey]map[string]interface{})}
}

// do runs fn once per key. A cached success is returned as-is; failures are
// not cached, so a retried step gets a fresh attempt.
func (c *opCache) do(key OpKey, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if key.SagaID != "" {
		c.mu.Lock()
		if cached, ok := c.results[key]; ok {
			c.mu.Unlock()
			return cached, nil
		}
		c.mu.Unlock()
	}

	result, err := fn()
	if err != nil {
		return nil, err
	}

	if key.SagaID != "" {
		c.mu.Lock()
		c.results[key] = result
		c.mu.Unlock()
	}
	return result, nil
}
