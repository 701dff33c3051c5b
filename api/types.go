package api

import (
	"context"

	"tasklist/domain"
	"tasklist/taskstore"
)

// TaskStore is the part of the task store the handlers use.
type TaskStore interface {
	Tasks() []domain.Task
	Add(in domain.TaskInput) domain.Task
	Toggle(id int) (domain.Task, bool)
	Update(id int, patch domain.TaskPatch) (domain.Task, bool)
	Remove(id int) bool
	Subscribe(l taskstore.Listener) func()
	IsReady() bool
}

// Deduper prevents a retried create from adding the same task twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
}
