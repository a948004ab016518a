// Package syncerr holds the error kinds shared by the sync engine, the device
// client and the connection gate.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrPreempted is returned to queued operations that were dropped because a
	// later operation asked to run next.
	ErrPreempted = errors.New("operation preempted by a newer request")
	// ErrCancelled is returned when the in-flight operation was force-cancelled.
	ErrCancelled = errors.New("operation cancelled")
	// ErrGateClosed is returned when work is submitted to a closed gate.
	ErrGateClosed = errors.New("connection gate closed")
)

// ConfigurationError reports a missing or unusable setting. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// TransientConnectionError marks a device tool failure worth retrying
// (busy transport, raw REPL not entered, serial read failure).
type TransientConnectionError struct {
	Op  string
	Err error
}

func (e *TransientConnectionError) Error() string {
	return fmt.Sprintf("transient connection error during %s: %v", e.Op, e.Err)
}

func (e *TransientConnectionError) Unwrap() error { return e.Err }

// ConnectionFailure is what a TransientConnectionError escalates to once the
// retry budget is spent.
type ConnectionFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("connection failure during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }

// FSKind classifies a remote filesystem state error.
type FSKind int

const (
	FSUnknown FSKind = iota
	DirNotEmpty
	NotFound
	Exists
)

func (k FSKind) String() string {
	switch k {
	case DirNotEmpty:
		return "directory not empty"
	case NotFound:
		return "no such file or directory"
	case Exists:
		return "file exists"
	default:
		return "filesystem error"
	}
}

// FilesystemStateError is a remote filesystem refusal with one documented
// recovery path per kind.
type FilesystemStateError struct {
	Kind FSKind
	Path string
	Err  error
}

func (e *FilesystemStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Kind)
}

func (e *FilesystemStateError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientConnectionError.
func IsTransient(err error) bool {
	var t *TransientConnectionError
	return errors.As(err, &t)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// IsConnectionFailure reports whether err is a ConnectionFailure.
func IsConnectionFailure(err error) bool {
	var c *ConnectionFailure
	return errors.As(err, &c)
}

// IsFSKind reports whether err is a FilesystemStateError of the given kind.
func IsFSKind(err error, kind FSKind) bool {
	var fe *FilesystemStateError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
