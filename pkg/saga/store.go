package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mutation transforms a saga record under the store's per-saga exclusive
// lock. It mutates rec in place and returns the transition log entries to
// append. The store validates every returned edge and persists record and
// transitions atomically; on any error nothing is written.
type Mutation func(rec *Record) ([]*Transition, error)

// Store is the interface for persisting saga state
type Store interface {
	// Create persists a new saga record
	Create(ctx context.Context, rec *Record) error
	// Get retrieves a saga record by ID
	Get(ctx context.Context, sagaID string) (*Record, error)
	// Update applies a mutation to a saga record under an exclusive
	// per-saga lock
	Update(ctx context.Context, sagaID string, mutate Mutation) (*Record, error)
	// GetAll retrieves saga records, newest first
	GetAll(ctx context.Context, limit int) ([]*Record, error)
	// GetByState retrieves saga records in the given state
	GetByState(ctx context.Context, state State, limit int) ([]*Record, error)
	// GetTransitions retrieves the transition log of a saga in order
	GetTransitions(ctx context.Context, sagaID string) ([]*Transition, error)
}

// validateMutation checks every appended transition edge and the
// monotonicity of the combined log before the store accepts it.
func validateMutation(rec *Record, appended []*Transition) error {
	prev := rec.Transitions
	last := len(prev) - 1

	for _, tr := range appended {
		if tr.SagaID != rec.SagaID {
			return NewFatalStoreError(fmt.Errorf("transition %s belongs to saga %s, record is %s",
				tr.TransitionID, tr.SagaID, rec.SagaID))
		}
		if err := ValidateTransition(rec.SagaType, tr.FromState, tr.ToState); err != nil {
			return NewFatalStoreError(err)
		}
		if last >= 0 && tr.Timestamp.Before(prev[last].Timestamp) {
			return NewFatalStoreError(fmt.Errorf("transition %s timestamp precedes log tail", tr.TransitionID))
		}
		prev = append(prev, tr)
		last++
	}
	return nil
}

// MemoryStore is an in-memory implementation of Store for testing and
// single-process deployments
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Create persists a new saga record
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	copied, err := rec.Clone()
	if err != nil {
		return NewFatalStoreError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.SagaID]; exists {
		return ErrSagaAlreadyExists
	}
	s.records[rec.SagaID] = copied
	s.locks[rec.SagaID] = &sync.Mutex{}
	return nil
}

// Get retrieves a saga record by ID
func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*Record, error) {
	s.mu.RLock()
	rec, exists := s.records[sagaID]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrSagaNotFound
	}
	return rec.Clone()
}

// Update applies a mutation under the saga's exclusive lock. The mutation
// runs against a private copy; the copy replaces the stored record only when
// both the mutation and edge validation succeed.
func (s *MemoryStore) Update(ctx context.Context, sagaID string, mutate Mutation) (*Record, error) {
	s.mu.RLock()
	lock, exists := s.locks[sagaID]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrSagaNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.records[sagaID]
	s.mu.RUnlock()
	if current == nil {
		return nil, ErrSagaNotFound
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

	s.mu.Lock()
	s.records[sagaID] = working
	s.mu.Unlock()

	return working.Clone()
}

// GetAll retrieves saga records, newest first
func (s *MemoryStore) GetAll(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	all := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]*Record, 0, len(all))
	for _, rec := range all {
		copied, err := rec.Clone()
		if err != nil {
			return nil, NewFatalStoreError(err)
		}
		out = append(out, copied)
	}
	return out, nil
}

// GetByState retrieves saga records in the given state
func (s *MemoryStore) GetByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	all, err := s.GetAll(ctx, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0)
	for _, rec := range all {
		if rec.CurrentState != state {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetTransitions retrieves the transition log of a saga in order
func (s *MemoryStore) GetTransitions(ctx context.Context, sagaID string) ([]*Transition, error) {
	rec, err := s.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return rec.Transitions, nil
}

// Count returns the number of stored records (for testing)
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes all saga records (for testing)
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.locks = make(map[string]*sync.Mutex)
}
