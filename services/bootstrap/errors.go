package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"agentboard/pkg/secretbox"
)

// Kind classifies failures uniformly across adapters and the engine.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindConfiguration      Kind = "configuration_error"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindPermissionDenied   Kind = "permission_denied"
	KindRateLimited        Kind = "rate_limited"
	KindNetwork            Kind = "network_error"
	KindResourceNotFound   Kind = "resource_not_found"
	KindIntegrity          Kind = "integrity_error"
	KindUnknown            Kind = "unknown"
)

var (
	ErrRunNotFound        = errors.New("bootstrap run not found")
	ErrCredentialNotFound = errors.New("project credentials not found")
	ErrUnknownStep        = errors.New("unknown bootstrap step")
	ErrStepNotRunnable    = errors.New("step is not runnable")
	ErrStepBlocked        = errors.New("an earlier step has not succeeded")
	ErrRetryNotAllowed    = errors.New("only failed steps can be retried")
	ErrActiveRunExists    = errors.New("an active run already exists for this project")
)

// Error carries a classification alongside a display-safe summary and an
// optional diagnostic detail string. Neither field may contain secrets.
type Error struct {
	Kind    Kind
	Summary string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Summary + ": " + e.Details
	}
	return e.Summary
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Summary: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies err. Unrecognised errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var be *Error
	if errors.As(err, &be) && be.Kind != "" {
		return be.Kind
	}
	var f *Failure
	if errors.As(err, &f) && f.Kind != "" {
		return f.Kind
	}

	switch {
	case errors.Is(err, secretbox.ErrNotConfigured):
		return KindConfiguration
	case errors.Is(err, secretbox.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, secretbox.ErrEmptyPlaintext), errors.Is(err, secretbox.ErrEmptyCiphertext):
		return KindInvalidInput
	case errors.Is(err, ErrUnknownStep),
		errors.Is(err, ErrStepNotRunnable),
		errors.Is(err, ErrStepBlocked),
		errors.Is(err, ErrRetryNotAllowed):
		return KindInvalidInput
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrCredentialNotFound):
		return KindResourceNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return KindUnknown
}
