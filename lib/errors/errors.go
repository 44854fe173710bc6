// Package errors defines the error taxonomy shared by the dbpool packages.
//
// Callers of the pool only ever see a handful of conditions:
//   - ErrAcquireTimeout: capacity was not available within the caller's patience
//   - ErrPoolClosed: the pool has been shut down
//   - ErrMisuse: a lease was released twice or used after release
//   - ErrConnectFailure: the store could not be reached (only as the cause of an
//     acquire timeout, or from a factory used directly)
//
// ErrValidationFailure is internal to the pool: a failed health probe leads to
// a silent discard and never reaches the caller on its own.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for categorizing errors. These align with JSON-RPC 2.0 error codes
// where applicable, with custom codes in the -32000 to -32099 range.
const (
	CodeInternal      = -32603 // Internal error
	CodeInvalidParams = -32602 // Invalid parameters or configuration

	CodeTimeout    = -32005 // Acquire timed out
	CodeClosed     = -32007 // Pool closed
	CodeValidation = -32008 // Health probe failed
	CodeConnection = -32009 // Store unreachable
	CodeMisuse     = -32010 // Lease misuse
)

// Sentinel errors. Use errors.Is() to check for these conditions.
var (
	// ErrConnectFailure indicates the factory could not open a connection.
	ErrConnectFailure = errors.New("connect failure")

	// ErrAcquireTimeout indicates no connection became available in time.
	ErrAcquireTimeout = errors.New("acquire timeout")

	// ErrPoolClosed indicates an operation on a pool that has been closed.
	ErrPoolClosed = errors.New("pool closed")

	// ErrValidationFailure indicates a connection failed its health probe.
	ErrValidationFailure = errors.New("validation failure")

	// ErrMisuse indicates a double release or use of a released lease.
	ErrMisuse = errors.New("misuse")

	// ErrConfiguration indicates invalid configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates connects are being rejected by the circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Reason distinguishes why a connection could not be opened. The pool backs
// off differently for each.
type Reason int

const (
	// ReasonNetwork covers refused, reset, unreachable and anything unclassified.
	ReasonNetwork Reason = iota
	// ReasonAuth means the store rejected the credentials.
	ReasonAuth
	// ReasonTimeout means the connect did not finish in time.
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonNetwork:
		return "network"
	case ReasonAuth:
		return "auth"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectFailure is returned by connection factories.
type ConnectFailure struct {
	Reason Reason
	// Target is the address or path that was dialed, without credentials.
	Target string
	Err    error
}

func (e *ConnectFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect %s: %s: %v", e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("connect %s: %s", e.Target, e.Reason)
}

// Unwrap returns the driver error.
func (e *ConnectFailure) Unwrap() error {
	return e.Err
}

// Is makes every ConnectFailure match ErrConnectFailure.
func (e *ConnectFailure) Is(target error) bool {
	return target == ErrConnectFailure
}

// NewConnectFailure builds a ConnectFailure. A nil err yields nil.
func NewConnectFailure(reason Reason, target string, err error) error {
	if err == nil {
		return nil
	}
	var cf *ConnectFailure
	if errors.As(err, &cf) {
		return cf
	}
	return &ConnectFailure{Reason: reason, Target: target, Err: err}
}

// AcquireTimeoutError is returned when an acquire gives up. Cause holds the
// last connect failure, or the context error when the caller cancelled.
type AcquireTimeoutError struct {
	Waited time.Duration
	Cause  error
}

func (e *AcquireTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acquire timeout after %v: %v", e.Waited, e.Cause)
	}
	return fmt.Sprintf("acquire timeout after %v", e.Waited)
}

// Unwrap returns the cause.
func (e *AcquireTimeoutError) Unwrap() error {
	return e.Cause
}

// Is makes every AcquireTimeoutError match ErrAcquireTimeout.
func (e *AcquireTimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

// Misuse wraps ErrMisuse with what went wrong.
func Misuse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMisuse, fmt.Sprintf(format, args...))
}

// Configuration wraps ErrConfiguration with the offending setting.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a message without driver details, which may carry
// hostnames or user names.
func (e *Error) SafeMessage() string {
	return e.Message
}

// FromSentinel creates a structured error from a pool error, choosing the
// code and a safe message from its taxonomy.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	code, msg := classify(err)
	if code == CodeInternal {
		log.WithError(err).Debug("wrapping unclassified error")
	}
	return &Error{
		Code:    code,
		Message: msg,
		Err:     err,
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAcquireTimeout):
		return CodeTimeout, "timed out waiting for a connection"
	case errors.Is(err, ErrPoolClosed):
		return CodeClosed, "connection pool is closed"
	case errors.Is(err, ErrMisuse):
		return CodeMisuse, "connection lease misused"
	case errors.Is(err, ErrValidationFailure):
		return CodeValidation, "connection failed validation"
	case errors.Is(err, ErrConnectFailure):
		return CodeConnection, "could not connect to the database"
	case errors.Is(err, ErrConfiguration):
		return CodeInvalidParams, "invalid configuration"
	default:
		return CodeInternal, "internal error"
	}
}

// IsAcquireTimeout reports whether err is an acquire timeout.
func IsAcquireTimeout(err error) bool {
	return errors.Is(err, ErrAcquireTimeout)
}

// IsPoolClosed reports whether err means the pool is closed.
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsMisuse reports whether err is a lease misuse.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrMisuse)
}

// IsConnectFailure reports whether err is, or was caused by, a connect failure.
func IsConnectFailure(err error) bool {
	return errors.Is(err, ErrConnectFailure)
}

// ReasonOf returns the connect failure reason carried by err.
func ReasonOf(err error) (Reason, bool) {
	var cf *ConnectFailure
	if errors.As(err, &cf) {
		return cf.Reason, true
	}
	return 0, false
}
