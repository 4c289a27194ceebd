package repository

import "errors"

var (
	// ErrTaskNotFound is returned when no task has the requested id
	ErrTaskNotFound = errors.New("analysis task not found")

	// ErrActiveTaskExists is returned by Create when the cache key already has an in-flight task
	ErrActiveTaskExists = errors.New("active task already exists for cache key")

	// ErrTransitionRejected is returned when a conditional state update matched no row
	ErrTransitionRejected = errors.New("task state transition rejected")

	// ErrRetryExhausted is returned by Retry once retry_count reached the maximum
	ErrRetryExhausted = errors.New("task retry limit reached")

	// ErrResultNotFound is returned when no result has the requested id
	ErrResultNotFound = errors.New("analysis result not found")

	// ErrItemNotFound is returned when a result has no item of the requested type
	ErrItemNotFound = errors.New("analysis item not found")

	// ErrIncompleteResult is returned by Create when the item set is not exactly one per analysis type
	ErrIncompleteResult = errors.New("result must carry exactly one item per analysis type")
)
