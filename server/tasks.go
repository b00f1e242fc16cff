package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/n0madic/go-rare-event-is/engine"
)

var errTooManyTasks = errors.New("too many running tasks")

type taskEntry struct {
	id      string
	created time.Time
	task    *engine.Task[BatchResponse]
}

func (e *taskEntry) status() (TaskStatus, *BatchResponse, error) {
	res, ok, err := e.task.Poll()
	switch {
	case !ok:
		return TaskRunning, nil, nil
	case err == nil:
		return TaskSucceeded, &res, nil
	case errors.Is(err, context.Canceled):
		return TaskCancelled, nil, err
	default:
		return TaskFailed, nil, err
	}
}

// taskRegistry keeps background batches by id. Finished tasks are dropped
// once they are older than ttl.
type taskRegistry struct {
	mu      sync.Mutex
	entries map[string]*taskEntry
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

func newTaskRegistry(limit int, ttl time.Duration) *taskRegistry {
	return &taskRegistry{
		entries: make(map[string]*taskEntry),
		limit:   limit,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *taskRegistry) start(ctx context.Context, fn func(context.Context) (BatchResponse, error)) (*taskEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	running := 0
	for _, e := range r.entries {
		if st, _, _ := e.status(); st == TaskRunning {
			running++
		}
	}
	if running >= r.limit {
		return nil, errTooManyTasks
	}

	e := &taskEntry{
		id:      uuid.NewString(),
		created: r.now(),
		task:    engine.Start(ctx, fn),
	}
	r.entries[e.id] = e
	return e, nil
}

func (r *taskRegistry) get(id string) (*taskEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *taskRegistry) cancel(id string) (*taskEntry, bool) {
	e, ok := r.get(id)
	if ok {
		e.task.Cancel()
	}
	return e, ok
}

func (r *taskRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.task.Cancel()
	}
}

// counts returns the number of tasks per status.
func (r *taskRegistry) counts() map[TaskStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[TaskStatus]int{TaskRunning: 0, TaskSucceeded: 0, TaskFailed: 0, TaskCancelled: 0}
	for _, e := range r.entries {
		st, _, _ := e.status()
		out[st]++
	}
	return out
}

func (r *taskRegistry) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, e := range r.entries {
		if st, _, _ := e.status(); st != TaskRunning && e.created.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
