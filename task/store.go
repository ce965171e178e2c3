package task

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a task id.
	ErrNotFound = errors.New("task not found")
	// ErrStoreUnavailable marks failures of the record store itself.
	ErrStoreUnavailable = errors.New("task store unavailable")
	// ErrInvalidTransition is returned when an update would move a task backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidURL is returned by Submit for URLs that cannot be fetched.
	ErrInvalidURL = errors.New("invalid source url")
)

// StoreError wraps a driver failure so callers can test for ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// ListOptions selects records for List. Results are always ordered newest first.
type ListOptions struct {
	// Limit caps the result size; zero means no cap.
	Limit int
	// Where holds equality predicates keyed by column name.
	Where map[string]string
}

// FilterColumns are the columns accepted in ListOptions.Where.
var FilterColumns = map[string]bool{
	"task_id":  true,
	"status":   true,
	"url":      true,
	"video_id": true,
	"title":    true,
	"category": true,
}

// ValidateWhere rejects predicates on unknown columns.
func (o ListOptions) ValidateWhere() error {
	for col := range o.Where {
		if !FilterColumns[col] {
			return fmt.Errorf("unsupported filter column %q", col)
		}
	}
	return nil
}

// Store is the durable keyed record store behind the orchestrator.
// Each call is independently atomic; there are no multi-row guarantees.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists t, assigning an id when t.ID is empty, and returns the id.
	Create(ctx context.Context, t *Task) (string, error)

	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, id string) (*Task, error)

	// Update applies a partial update; ErrNotFound when no record exists.
	Update(ctx context.Context, id string, p Patch) error

	List(ctx context.Context, opts ListOptions) ([]*Task, error)

	// Delete returns ErrNotFound when no record exists.
	Delete(ctx context.Context, id string) error

	Close() error
}
