package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/retailgrid/saga-orchestrator/pkg/redis"
)

const (
	redisRecordPrefix = "saga:record:"
	redisLockPrefix   = "saga:lock:"
	redisStatePrefix  = "saga:state:"
	redisIndexKey     = "saga:ids"

	redisLockTTL       = 30 * time.Second
	redisLockRetryWait = 20 * time.Millisecond
)

// RedisStore implements Store on Redis. Records are stored as JSON values
// with the transition log embedded; per-saga exclusivity comes from a SETNX
// lock key, so the store also works across processes.
type RedisStore struct {
	client     *redis.Client
	expiration time.Duration
}

// NewRedisStore creates a Redis-based saga store. Records expire after the
// given duration; zero keeps the 24h default.
func NewRedisStore(client *redis.Client, expiration time.Duration) *RedisStore {
	if expiration == 0 {
		expiration = 24 * time.Hour
	}
	return &RedisStore{client: client, expiration: expiration}
}

func (s *RedisStore) recordKey(sagaID string) string { return redisRecordPrefix + sagaID }
func (s *RedisStore) lockKey(sagaID string) string   { return redisLockPrefix + sagaID }
func (s *RedisStore) stateKey(state State) string    { return redisStatePrefix + string(state) }

// Create persists a new saga record
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return NewFatalStoreError(fmt.Errorf("failed to marshal saga record: %w", err))
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.SagaID), raw, s.expiration).Result()
	if err != nil {
		return NewTransientStoreError(fmt.Errorf("failed to create saga record: %w", err))
	}
	if !ok {
		return ErrSagaAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, redisIndexKey, rec.SagaID)
	pipe.SAdd(ctx, s.stateKey(rec.CurrentState), rec.SagaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return NewTransientStoreError(fmt.Errorf("failed to index saga record: %w", err))
	}
	return nil
}

// Get retrieves a saga record by ID
func (s *RedisStore) Get(ctx context.Context, sagaID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(sagaID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrSagaNotFound
		}
		return nil, NewTransientStoreError(fmt.Errorf("failed to get saga record: %w", err))
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, NewFatalStoreError(fmt.Errorf("failed to unmarshal saga record: %w", err))
	}
	return &rec, nil
}

// Update applies a mutation while holding the saga's SETNX lock
func (s *RedisStore) Update(ctx context.Context, sagaID string, mutate Mutation) (*Record, error) {
	unlock, err := s.acquireLock(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	working, err := current.Clone()
	if err != nil {
		return nil, NewFatalStoreError(err)
	}

	appended, err := mutate(working)
	if err != nil {
		return nil, err
	}
	if err := validateMutation(current, appended); err != nil {
		return nil, err
	}

	working.Transitions = append(working.Transitions, appended...)
	if len(appended) > 0 {
		working.UpdatedAt = appended[len(appended)-1].Timestamp
	}

	raw, err := json.Marshal(working)
	if err != nil {
		return nil, NewFatalStoreError(fmt.Errorf("failed to marshal saga record: %w", err))
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(sagaID), raw, s.expiration)
	if working.CurrentState != current.CurrentState {
		pipe.SRem(ctx, s.stateKey(current.CurrentState), sagaID)
		pipe.SAdd(ctx, s.stateKey(working.CurrentState), sagaID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, NewTransientStoreError(fmt.Errorf("failed to persist saga update: %w", err))
	}
	return working, nil
}

// GetAll retrieves saga records, newest first
func (s *RedisStore) GetAll(ctx context.Context, limit int) ([]*Record, error) {
	ids, err := s.client.LRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, NewTransientStoreError(fmt.Errorf("failed to list saga ids: %w", err))
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrSagaNotFound) {
			// Expired record, index entry is stale
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// GetByState retrieves saga records in the given state
func (s *RedisStore) GetByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.stateKey(state)).Result()
	if err != nil {
		return nil, NewTransientStoreError(fmt.Errorf("failed to list sagas by state: %w", err))
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrSagaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.CurrentState != state {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// GetTransitions retrieves the transition log of a saga
func (s *RedisStore) GetTransitions(ctx context.Context, sagaID string) ([]*Transition, error) {
	rec, err := s.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return rec.Transitions, nil
}

// acquireLock spins on SETNX until the lock is held or the context ends.
// The TTL bounds lock loss to a crashed holder.
func (s *RedisStore) acquireLock(ctx context.Context, sagaID string) (func(), error) {
	key := s.lockKey(sagaID)
	for {
		ok, err := s.client.SetNX(ctx, key, "1", redisLockTTL).Result()
		if err != nil {
			return nil, NewTransientStoreError(fmt.Errorf("failed to acquire saga lock: %w", err))
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				s.client.Del(releaseCtx, key)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, NewTransientStoreError(fmt.Errorf("saga lock wait interrupted: %w", ctx.Err()))
		case <-time.After(redisLockRetryWait):
		}
	}
}
