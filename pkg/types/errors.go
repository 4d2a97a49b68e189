package types

import (
	"errors"
	"fmt"
)

// RetryableError marks a transient failure: lock timeout, network blip,
// provider rate limit. Callers re-enqueue with backoff instead of giving
// up; it never counts against the fatal budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. Wrapping nil returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// NotFoundError means the target object is already gone. Deletes treat
// it as success, reads and updates as failure.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

// NotFound builds a NotFoundError for the given entity kind and reference.
func NotFound(kind, ref string) error {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// MaxServicesReachedError means the pool or provider capacity is
// exhausted. Surfaced to the caller; the cache updater defers to the
// next tick.
type MaxServicesReachedError struct {
	Pool string
}

func (e *MaxServicesReachedError) Error() string {
	return fmt.Sprintf("max services reached on pool %s", e.Pool)
}

// IsMaxServicesReached reports whether err is a capacity exhaustion.
func IsMaxServicesReached(err error) bool {
	var me *MaxServicesReachedError
	return errors.As(err, &me)
}

// InvalidServiceError means the pool lacks a usable publication or is
// otherwise not in a state that can serve users.
type InvalidServiceError struct {
	Reason string
}

func (e *InvalidServiceError) Error() string {
	return fmt.Sprintf("invalid service: %s", e.Reason)
}

// Invalid builds an InvalidServiceError.
func Invalid(reason string) error {
	return &InvalidServiceError{Reason: reason}
}

// IsInvalid reports whether err is an InvalidServiceError.
func IsInvalid(err error) bool {
	var ie *InvalidServiceError
	return errors.As(err, &ie)
}

// AccessDeniedError is a calendar policy denial with a user-visible
// reason. The engine never localizes the message.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// AccessDenied builds an AccessDeniedError.
func AccessDenied(reason string) error {
	return &AccessDeniedError{Reason: reason}
}

// IsAccessDenied reports whether err is a calendar denial.
func IsAccessDenied(err error) bool {
	var ae *AccessDeniedError
	return errors.As(err, &ae)
}

// FatalError is anything else coming out of a plug-in. It counts against
// the fatal retry budget of the operation that observed it.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. Wrapping nil returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}
