package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL. Updates run inside a
// transaction holding a SELECT FOR UPDATE row lock, so concurrent mutations
// of one saga serialize at the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-based saga store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the saga tables and indexes if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			saga_id UUID PRIMARY KEY,
			saga_type TEXT NOT NULL,
			current_state TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			steps JSONB NOT NULL,
			compensation_data JSONB,
			compensation_results JSONB,
			has_compensation_failures BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS saga_transitions (
			transition_id UUID PRIMARY KEY,
			saga_id UUID NOT NULL REFERENCES sagas(saga_id) ON DELETE CASCADE,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			service_name TEXT NOT NULL,
			action TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT,
			data JSONB,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_current_state ON sagas (current_state)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_saga_type ON sagas (saga_type)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_created_at ON sagas (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions (saga_id, occurred_at)`,
	}

	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classifyPgError(fmt.Errorf("migration failed: %w", err))
		}
	}
	return nil
}

// Create persists a new saga record
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	stepsJSON, compDataJSON, compResultsJSON, err := marshalRecordColumns(rec)
	if err != nil {
		return NewFatalStoreError(err)
	}

	query := `
		INSERT INTO sagas (
			saga_id, saga_type, current_state, correlation_id, steps,
			compensation_data, compensation_results, has_compensation_failures,
			error_message, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		rec.SagaID,
		string(rec.SagaType),
		string(rec.CurrentState),
		rec.CorrelationID,
		stepsJSON,
		compDataJSON,
		compResultsJSON,
		rec.HasCompensationFailures,
		nullableString(rec.ErrorMessage),
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSagaAlreadyExists
		}
		return classifyPgError(fmt.Errorf("failed to create saga: %w", err))
	}

	return s.insertTransitions(ctx, s.pool, rec.Transitions)
}

// Get retrieves a saga record with its full transition log
func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*Record, error) {
	rec, err := s.getRecord(ctx, s.pool, sagaID, false)
	if err != nil {
		return nil, err
	}

	transitions, err := s.loadTransitions(ctx, s.pool, sagaID)
	if err != nil {
		return nil, err
	}
	rec.Transitions = transitions
	return rec, nil
}

// Update applies a mutation inside a transaction that locks the saga row
func (s *PostgresStore) Update(ctx context.Context, sagaID string, mutate Mutation) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	rec, err := s.getRecord(ctx, tx, sagaID, true)
	if err != nil {
		return nil, err
	}
	transitions, err := s.loadTransitions(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	rec.Transitions = transitions

	appended, err := mutate(rec)
	if err != nil {
		return nil, err
	}
	if err := validateMutation(rec, appended); err != nil {
		return nil, err
	}

	rec.Transitions = append(rec.Transitions, appended...)
	if len(appended) > 0 {
		rec.UpdatedAt = appended[len(appended)-1].Timestamp
	}

	stepsJSON, compDataJSON, compResultsJSON, err := marshalRecordColumns(rec)
	if err != nil {
		return nil, NewFatalStoreError(err)
	}

	query := `
		UPDATE sagas
		SET current_state = $2,
			steps = $3,
			compensation_data = $4,
			compensation_results = $5,
			has_compensation_failures = $6,
			error_message = $7,
			updated_at = $8,
			completed_at = $9
		WHERE saga_id = $1
	`
	if _, err := tx.Exec(ctx, query,
		rec.SagaID,
		string(rec.CurrentState),
		stepsJSON,
		compDataJSON,
		compResultsJSON,
		rec.HasCompensationFailures,
		nullableString(rec.ErrorMessage),
		rec.UpdatedAt,
		rec.CompletedAt,
	); err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to update saga: %w", err))
	}

	if err := s.insertTransitions(ctx, tx, appended); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to commit saga update: %w", err))
	}
	return rec, nil
}

// GetAll retrieves saga records, newest first
func (s *PostgresStore) GetAll(ctx context.Context, limit int) ([]*Record, error) {
	query := sagaSelectColumns + ` FROM sagas ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to list sagas: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetByState retrieves saga records in the given state
func (s *PostgresStore) GetByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	query := sagaSelectColumns + ` FROM sagas WHERE current_state = $1 ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to list sagas by state: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetTransitions retrieves the transition log of a saga in order
func (s *PostgresStore) GetTransitions(ctx context.Context, sagaID string) ([]*Transition, error) {
	if _, err := s.getRecord(ctx, s.pool, sagaID, false); err != nil {
		return nil, err
	}
	return s.loadTransitions(ctx, s.pool, sagaID)
}

const sagaSelectColumns = `
	SELECT saga_id, saga_type, current_state, correlation_id, steps,
		   compensation_data, compensation_results, has_compensation_failures,
		   error_message, created_at, updated_at, completed_at`

// querier abstracts pool and transaction for shared query helpers
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getRecord(ctx context.Context, q querier, sagaID string, forUpdate bool) (*Record, error) {
	query := sagaSelectColumns + ` FROM sagas WHERE saga_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	rec, err := scanRecord(q.QueryRow(ctx, query, sagaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, classifyPgError(fmt.Errorf("failed to get saga: %w", err))
	}
	return rec, nil
}

func (s *PostgresStore) loadTransitions(ctx context.Context, q querier, sagaID string) ([]*Transition, error) {
	query := `
		SELECT transition_id, saga_id, from_state, to_state, service_name,
			   action, event_type, message, data, occurred_at
		FROM saga_transitions
		WHERE saga_id = $1
		ORDER BY occurred_at ASC, transition_id ASC
	`

	rows, err := q.Query(ctx, query, sagaID)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("failed to load transitions: %w", err))
	}
	defer rows.Close()

	transitions := make([]*Transition, 0)
	for rows.Next() {
		var tr Transition
		var fromState, toState, eventType string
		var message *string
		var dataJSON []byte

		if err := rows.Scan(
			&tr.TransitionID,
			&tr.SagaID,
			&fromState,
			&toState,
			&tr.ServiceName,
			&tr.Action,
			&eventType,
			&message,
			&dataJSON,
			&tr.Timestamp,
		); err != nil {
			return nil, classifyPgError(fmt.Errorf("failed to scan transition: %w", err))
		}

		tr.FromState = State(fromState)
		tr.ToState = State(toState)
		tr.EventType = TransitionEventType(eventType)
		if message != nil {
			tr.Message = *message
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &tr.Data); err != nil {
				return nil, NewFatalStoreError(fmt.Errorf("failed to unmarshal transition data: %w", err))
			}
		}
		transitions = append(transitions, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(fmt.Errorf("error iterating transitions: %w", err))
	}
	return transitions, nil
}

func (s *PostgresStore) insertTransitions(ctx context.Context, q querier, transitions []*Transition) error {
	query := `
		INSERT INTO saga_transitions (
			transition_id, saga_id, from_state, to_state, service_name,
			action, event_type, message, data, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, tr := range transitions {
		var dataJSON []byte
		if tr.Data != nil {
			raw, err := json.Marshal(tr.Data)
			if err != nil {
				return NewFatalStoreError(fmt.Errorf("failed to marshal transition data: %w", err))
			}
			dataJSON = raw
		}

		if _, err := q.Exec(ctx, query,
			tr.TransitionID,
			tr.SagaID,
			string(tr.FromState),
			string(tr.ToState),
			tr.ServiceName,
			tr.Action,
			string(tr.EventType),
			nullableString(tr.Message),
			dataJSON,
			tr.Timestamp,
		); err != nil {
			return classifyPgError(fmt.Errorf("failed to insert transition: %w", err))
		}
	}
	return nil
}

func marshalRecordColumns(rec *Record) (steps, compData, compResults []byte, err error) {
	steps, err = json.Marshal(rec.Steps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	compData, err = json.Marshal(rec.CompensationData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal compensation data: %w", err)
	}
	compResults, err = json.Marshal(rec.CompensationResults)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal compensation results: %w", err)
	}
	return steps, compData, compResults, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var sagaType, currentState string
	var stepsJSON, compDataJSON, compResultsJSON []byte
	var errorMsg *string

	err := row.Scan(
		&rec.SagaID,
		&sagaType,
		&currentState,
		&rec.CorrelationID,
		&stepsJSON,
		&compDataJSON,
		&compResultsJSON,
		&rec.HasCompensationFailures,
		&errorMsg,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.SagaType = Type(sagaType)
	rec.CurrentState = State(currentState)
	if errorMsg != nil {
		rec.ErrorMessage = *errorMsg
	}

	if err := json.Unmarshal(stepsJSON, &rec.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if len(compDataJSON) > 0 {
		if err := json.Unmarshal(compDataJSON, &rec.CompensationData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compensation data: %w", err)
		}
	}
	if len(compResultsJSON) > 0 {
		if err := json.Unmarshal(compResultsJSON, &rec.CompensationResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compensation results: %w", err)
		}
	}

	rec.Transitions = make([]*Transition, 0)
	return &rec, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classifyPgError(fmt.Errorf("failed to scan saga: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(fmt.Errorf("error iterating sagas: %w", err))
	}
	return records, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classifyPgError separates failures worth retrying (connection loss,
// serialization conflicts, deadlocks) from everything else.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return NewTransientStoreError(err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return NewTransientStoreError(err)
		}
		return NewFatalStoreError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientStoreError(err)
	}
	// Network-level failures come back as plain errors from pgx
	return NewTransientStoreError(err)
}
