package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"contract-ingest/models"
)

// ErrorClass says how the pipeline reacts to a failed fetch.
type ErrorClass int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassRateLimited errors engage the governor cooldown and fail the job.
	ClassRateLimited
	// ClassPage errors skip the current page.
	ClassPage
	// ClassSource errors fail the job immediately.
	ClassSource
	// ClassCancelled means the caller's context ended.
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPage:
		return "page"
	case ClassSource:
		return "source"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrRateLimited marks upstream quota/429 signals and active cooldowns.
	ErrRateLimited = errors.New("rate limited")
	// ErrRetriesExhausted is returned when every attempt failed transiently.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// FetchError is a classified failure of one upstream request.
type FetchError struct {
	Op         string
	StatusCode int
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: http status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	if e.Class == ClassRateLimited && e.Err == nil {
		return ErrRateLimited
	}
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) match any rate-limit FetchError.
func (e *FetchError) Is(target error) bool {
	return target == ErrRateLimited && e.Class == ClassRateLimited
}

// NewTransient wraps err as a retryable failure.
func NewTransient(op string, status int, err error) *FetchError {
	return &FetchError{Op: op, StatusCode: status, Class: ClassTransient, Err: err}
}

// NewPageError wraps err as a failure of the current page only.
func NewPageError(op string, status int, err error) *FetchError {
	return &FetchError{Op: op, StatusCode: status, Class: ClassPage, Err: err}
}

// NewSourceError wraps err as a failure that ends the job.
func NewSourceError(op string, status int, err error) *FetchError {
	return &FetchError{Op: op, StatusCode: status, Class: ClassSource, Err: err}
}

// NewRateLimited reports an upstream rate-limit signal.
func NewRateLimited(op string, status int, retryAfter time.Duration) *FetchError {
	return &FetchError{Op: op, StatusCode: status, Class: ClassRateLimited, RetryAfter: retryAfter}
}

// ClassifyStatus maps an HTTP status code onto an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassSource
	case status == http.StatusRequestTimeout:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPage
	}
}

// Classify decides how err should be handled.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, ErrRateLimited) {
		return ClassRateLimited
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	if models.IsValidationError(err) {
		return ClassPage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	return ClassPage
}

// RetryAfterOf extracts the upstream-suggested wait from a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
