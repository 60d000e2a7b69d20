package tasks

import "errors"

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrTaskInFlight = errors.New("node already has a running task")
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidBatch = errors.New("invalid batch")
	ErrStopped      = errors.New("task manager stopped")
)
