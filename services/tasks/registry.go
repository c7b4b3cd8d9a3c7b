// Package tasks tracks asynchronous backtest runs so API clients can poll
// for completion. The registry is in-memory; restarting the server forgets
// unfinished tasks.
package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"macross/services/engine"
)

// State is the lifecycle phase of a background task.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Task is one background backtest run. Result is set only in COMPLETED,
// Err only in FAILED.
type Task struct {
	ID        string                 `json:"task_id"`
	State     State                  `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Result    *engine.BacktestResult `json:"result,omitempty"`
	Err       string                 `json:"error,omitempty"`
}

// Registry holds tasks by ID behind a lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Create registers a new PENDING task and returns its snapshot.
func (r *Registry) Create() Task {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return *t
}

// MarkRunning flips a task to RUNNING.
func (r *Registry) MarkRunning(id string) {
	r.update(id, func(t *Task) {
		t.State = StateRunning
	})
}

// Complete stores the finished result.
func (r *Registry) Complete(id string, res *engine.BacktestResult) {
	r.update(id, func(t *Task) {
		t.State = StateCompleted
		t.Result = res
		t.Err = ""
	})
}

// Fail records the task error.
func (r *Registry) Fail(id string, err error) {
	r.update(id, func(t *Task) {
		t.State = StateFailed
		t.Err = err.Error()
	})
}

func (r *Registry) update(id string, fn func(*Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
}

// Get returns a snapshot of the task, if known.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}
