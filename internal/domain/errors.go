package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport-level failure that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// OutcomeError is a terminal per-key failure reported to the requester.
// Outcomes are never retried by the client.
type OutcomeError struct {
	Key     Key
	Outcome Outcome
	Message string
}

func (e *OutcomeError) Error() string {
	msg := e.Key.String() + ": " + e.Outcome.String()
	if e.Message != "" {
		msg += " (" + e.Message + ")"
	}
	return msg
}

func (e *OutcomeError) IsRetriable() bool {
	return false
}

func (e *OutcomeError) Unwrap() error {
	return e.Outcome.Err()
}

var (
	// ErrNotAuthorized is returned when the entitlement check failed for a key.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnavailable is returned when the remote service could not map a key.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal is returned for malformed responses and transport failures.
	ErrInternal = errors.New("internal error")

	// ErrTimeout is returned when a blocking snapshot exceeds its deadline.
	ErrTimeout = errors.New("snapshot timed out")

	// ErrAlreadyResolved signals a duplicate resolution attempt on a handle.
	// It indicates a protocol bug, not a recoverable condition.
	ErrAlreadyResolved = errors.New("handle already resolved")

	// ErrClosed is returned by a client or transport that has been shut down.
	ErrClosed = errors.New("closed")

	// ErrInvalidKey is returned when a key cannot be parsed. Not retriable.
	ErrInvalidKey = errors.New("invalid key")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
