package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrPersistence  = errors.New("fill persistence failed")
	ErrFanOut       = errors.New("fill fan-out failed")
	ErrAggregation  = errors.New("attribution aggregation failed")
	ErrUnknownJob   = errors.New("no handler registered for job")
	ErrInvalidTx    = errors.New("unsupported transaction type")
	ErrInvalidInput = errors.New("invalid input")
	ErrQueueFull    = errors.New("queue full")
)
