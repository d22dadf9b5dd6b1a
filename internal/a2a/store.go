package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTaskNotFound is returned for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists tasks.
type TaskStore interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
}

// MemoryStore keeps tasks in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Save stores a copy of t.
func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = clone(t)
	return nil
}

// Get returns a copy of the task.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return clone(t), nil
}

func clone(t *Task) *Task {
	cp := *t
	cp.History = append([]Message(nil), t.History...)
	return &cp
}

// PGStore handles A2A task persistence in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a task store on an existing pool. The a2a_tasks table
// is created by the store migrations.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save upserts a task.
func (s *PGStore) Save(ctx context.Context, t *Task) error {
	status, err := json.Marshal(t.Status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO a2a_tasks (id, context_id, state, status, history)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET state=EXCLUDED.state, status=EXCLUDED.status, history=EXCLUDED.history, updated_at=NOW()`,
		t.ID, t.ContextID, string(t.Status.State), status, history)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *PGStore) Get(ctx context.Context, id string) (*Task, error) {
	t := &Task{Kind: "task"}
	var status, history []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, context_id, status, history FROM a2a_tasks WHERE id=$1`, id,
	).Scan(&t.ID, &t.ContextID, &status, &history)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := json.Unmarshal(status, &t.Status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &t.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return t, nil
}
