package engine

import "errors"

// Configuration errors are raised synchronously at submission time and are
// never retried.
var (
	ErrEmptyJob           = errors.New("batch job has no items")
	ErrInvalidConcurrency = errors.New("max concurrent must be at least 1")
	ErrInvalidRetry       = errors.New("retry count and delay must be non-negative")
	ErrJobNotFound        = errors.New("job not found")
	ErrExecutionNotFound  = errors.New("workflow execution not found")
	ErrJobTerminal        = errors.New("job is already in a terminal state")
	ErrForwardDependency  = errors.New("step depends on a later step")
	ErrUnknownDependency  = errors.New("step depends on an unknown step id")
	ErrNoSteps            = errors.New("workflow has no steps")
	ErrCancelled          = errors.New("cancelled by user")
)
