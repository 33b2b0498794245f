package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrUnknownDataType is returned when a submission names a data type
	// outside the supported enumeration. It is never retryable.
	ErrUnknownDataType = errors.New("unknown data type")

	// ErrProofTypeConflict is returned when a reclaim proof id is already
	// registered under a different data type.
	ErrProofTypeConflict = errors.New("reclaim proof id registered under another data type")

	// ErrNotFound is returned when a record lookup has no match.
	ErrNotFound = errors.New("record not found")
)

// MalformedInputError reports a payload that is structurally unusable for
// its declared data type (empty, not an object, missing identifiers).
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Field == "" {
		return "malformed input: " + e.Reason
	}
	return "malformed input: " + e.Field + ": " + e.Reason
}

// NewMalformedInput builds a MalformedInputError.
func NewMalformedInput(field, reason string) *MalformedInputError {
	return &MalformedInputError{Field: field, Reason: reason}
}

// PersistenceError wraps a storage backend failure. Transient failures are
// safe to retry with the same reclaim proof id.
type PersistenceError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError classifies err and wraps it as a PersistenceError.
// Domain errors (not found, proof conflicts) pass through unchanged.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrProofTypeConflict) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err, Transient: IsTransient(err)}
}

// IsMalformed reports whether err is (or wraps) a MalformedInputError.
func IsMalformed(err error) bool {
	var me *MalformedInputError
	return errors.As(err, &me)
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// transient PersistenceError, or if it matches common transient error
// patterns (deadline exceeded, network timeouts, connection resets).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *PersistenceError
	if errors.As(err, &pe) && pe.Transient {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for errors wrapped by database drivers.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"too many clients",
		"conn closed",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
