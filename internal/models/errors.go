package models

import "errors"

// Error classes of the data job engine. Callers classify with errors.Is.
// The first three are raised to the caller and never stored on a job; the
// others are recorded on the job when they end a run.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("data job not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrBackend      = errors.New("storage backend error")
	ErrStorage      = errors.New("blob storage error")
	ErrFormat       = errors.New("format error")
	ErrEmptyResult  = errors.New("empty result")
	ErrCancelled    = errors.New("data job cancelled")
)
