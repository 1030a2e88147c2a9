// Package dispatch drains the invite queue: workers assemble batches,
// allocate them across teams, re-validate capacity under the team lock and
// call the external membership service, demoting what cannot be placed to
// the waiting queue.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the task union.
type Kind string

const (
	// KindReserve claims a seat synchronously on behalf of a queued
	// request and hands the record to the dispatch path.
	KindReserve Kind = "reserve"
	// KindDispatch sends one invite through batching and allocation.
	KindDispatch Kind = "dispatch"
	// KindReconcile triggers a waiting-queue reconciliation pass.
	KindReconcile Kind = "reconcile"
)

// ReservePayload carries a synchronous-style reservation request.
type ReservePayload struct {
	Identity string `json:"identity"`
	Code     string `json:"code,omitempty"`
	Group    string `json:"group,omitempty"`
}

// DispatchPayload carries one invite to be placed and sent.
type DispatchPayload struct {
	Identity string `json:"identity"`
	Code     string `json:"code,omitempty"`
	Group    string `json:"group,omitempty"`
	// WaitingTaskID links a promoted waiting task so its status follows
	// the dispatch outcome.
	WaitingTaskID *uuid.UUID `json:"waiting_task_id,omitempty"`
	// BucketKey names the limited-use quota consumed when this task was
	// admitted; it is refunded if the task fails permanently.
	BucketKey string `json:"bucket_key,omitempty"`
}

// ReconcilePayload scopes a reconciliation trigger to a group.
type ReconcilePayload struct {
	Group string `json:"group,omitempty"`
}

// Task is the tagged-union unit of work carried by the queue. Exactly one
// payload field matching Kind is set.
type Task struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	Reserve   *ReservePayload   `json:"reserve,omitempty"`
	Dispatch  *DispatchPayload  `json:"dispatch,omitempty"`
	Reconcile *ReconcilePayload `json:"reconcile,omitempty"`

	// raw holds the wire bytes the task was delivered with, used by the
	// transport to ack the exact list entry.
	raw string
}

// NewDispatchTask creates a dispatch task for one invite.
func NewDispatchTask(p DispatchPayload) *Task {
	return &Task{
		ID:         uuid.New(),
		Kind:       KindDispatch,
		EnqueuedAt: time.Now(),
		Dispatch:   &p,
	}
}

// NewReserveTask creates a reservation task.
func NewReserveTask(p ReservePayload) *Task {
	return &Task{
		ID:         uuid.New(),
		Kind:       KindReserve,
		EnqueuedAt: time.Now(),
		Reserve:    &p,
	}
}

// NewReconcileTask creates a reconciliation trigger.
func NewReconcileTask(group string) *Task {
	return &Task{
		ID:         uuid.New(),
		Kind:       KindReconcile,
		EnqueuedAt: time.Now(),
		Reconcile:  &ReconcilePayload{Group: group},
	}
}

// Validate checks that the payload matches the kind.
func (t *Task) Validate() error {
	switch t.Kind {
	case KindReserve:
		if t.Reserve == nil {
			return fmt.Errorf("reserve task %s missing payload", t.ID)
		}
	case KindDispatch:
		if t.Dispatch == nil {
			return fmt.Errorf("dispatch task %s missing payload", t.ID)
		}
	case KindReconcile:
		if t.Reconcile == nil {
			return fmt.Errorf("reconcile task %s missing payload", t.ID)
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

// Marshal encodes the task for the queue transport.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask decodes a task from the queue transport.
func UnmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
