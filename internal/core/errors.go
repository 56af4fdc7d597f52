package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to both the active
	// set and the store
	ErrJobNotFound = errors.New("job not found")
	// ErrNoProviders is returned when a job is submitted without providers
	ErrNoProviders = errors.New("no providers configured")
	// ErrCacheMiss is returned by cache stores for absent or expired keys
	ErrCacheMiss = errors.New("cache miss")
	// ErrUnknownProvider is returned when no adapter is registered for a provider
	ErrUnknownProvider = errors.New("unknown provider")
)

// FetchError is a provider-level fetch failure
type FetchError struct {
	Provider   Provider
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("fetch failed: %v", e.Err)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch from %s failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch from %s failed: %v", e.Provider, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err and classifies it as retryable or not
func NewFetchError(provider Provider, statusCode int, err error) *FetchError {
	retryable := RetryableStatus(statusCode)
	if statusCode == 0 {
		retryable = ClassifyRetryable(err)
	}
	return &FetchError{Provider: provider, StatusCode: statusCode, Retryable: retryable, Err: err}
}

// AnalysisError is a model call failure for one message. It never fails a
// job; the engine degrades to the fallback result instead.
type AnalysisError struct {
	MessageID string
	Retryable bool
	Err       error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of message %s failed: %v", e.MessageID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// RateLimitError is returned when admission control denies a request
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// RetryAfterSeconds rounds the hint up to whole seconds
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// StorageError is a persistence failure. It fails the job.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError reports malformed model output
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid model output: %v", e.Err)
	}
	return fmt.Sprintf("invalid model output field %q: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ModelError is an upstream model API failure carrying its HTTP status
type ModelError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s call failed (status %d): %v", e.Model, e.StatusCode, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// RetryableStatus reports whether an HTTP status is worth retrying
func RetryableStatus(code int) bool {
	switch {
	case code == 408, code == 425, code == 429:
		return true
	case code >= 500 && code <= 599:
		return true
	}
	return false
}

var retryableMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"ratelimit",
	"rate_limit",
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"unavailable",
	"too many requests",
	"connection reset",
	"connection refused",
	"eof",
}

// ClassifyRetryable decides whether a raw error is transient
func ClassifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var me *ModelError
	if errors.As(err, &me) && me.StatusCode > 0 {
		return RetryableStatus(me.StatusCode)
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRetryable reports the retry hint carried by err, falling back to
// classification of the raw error
func IsRetryable(err error) bool {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	var se *StorageError
	if errors.As(err, &se) {
		return ClassifyRetryable(se.Err)
	}
	return ClassifyRetryable(err)
}
