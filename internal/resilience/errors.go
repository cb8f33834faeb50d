// Package resilience provides the error taxonomy, retry policies, and
// circuit breaker used around external service calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrorClass buckets an error for retry purposes.
type ErrorClass int

const (
	// ClassFatal covers bad request/auth and malformed config. Never retried.
	ClassFatal ErrorClass = iota
	// ClassRateLimit covers 429-equivalent throttling.
	ClassRateLimit
	// ClassOverload covers 529/overloaded_error responses from the
	// inference service.
	ClassOverload
	// ClassTransient covers everything else retryable (timeouts, 5xx,
	// connection resets).
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRateLimit:
		return "rate_limit"
	case ClassOverload:
		return "overload"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClientConfigError marks a fatal misconfiguration or bad-request/auth
// failure. Never retried.
type ClientConfigError struct {
	Err        error
	StatusCode int
}

func (e *ClientConfigError) Error() string { return e.Err.Error() }
func (e *ClientConfigError) Unwrap() error { return e.Err }

// NewClientConfigError wraps an error as fatal with an optional HTTP status.
func NewClientConfigError(err error, statusCode int) *ClientConfigError {
	return &ClientConfigError{Err: err, StatusCode: statusCode}
}

// RateLimitError marks a throttled call.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError wraps an error as rate-limited.
func NewRateLimitError(err error) *RateLimitError {
	return &RateLimitError{Err: err}
}

// OverloadError marks a service-overloaded response.
type OverloadError struct {
	Err error
}

func (e *OverloadError) Error() string { return e.Err.Error() }
func (e *OverloadError) Unwrap() error { return e.Err }

// NewOverloadError wraps an error as overload.
func NewOverloadError(err error) *OverloadError {
	return &OverloadError{Err: err}
}

// TransientError wraps an error that is safe to retry (e.g., 5xx, network
// timeout). Per-call timeouts surface as this class.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// SchemaValidationError marks inference output that did not conform to the
// requested schema. Treated as a per-chunk partial failure, not retried.
type SchemaValidationError struct {
	Err    error
	Issues []string
}

func (e *SchemaValidationError) Error() string { return e.Err.Error() }
func (e *SchemaValidationError) Unwrap() error { return e.Err }

// NewSchemaValidationError wraps a validation failure with its issue list.
func NewSchemaValidationError(issues []string) *SchemaValidationError {
	return &SchemaValidationError{
		Err:    eris.Errorf("inference output failed schema validation (%d issues)", len(issues)),
		Issues: issues,
	}
}

// PersistenceError marks a store read/write failure. Propagates to the run
// coordinator and fails the current stage.
type PersistenceError struct {
	Err error
	Op  string
}

func (e *PersistenceError) Error() string { return e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps a store failure with the failing operation.
func NewPersistenceError(err error, op string) *PersistenceError {
	return &PersistenceError{Err: eris.Wrap(err, op), Op: op}
}

// FingerprintComputationError marks a failure to compute a content
// fingerprint. Callers degrade to a timestamp fallback hash; never fatal.
type FingerprintComputationError struct {
	Err error
}

func (e *FingerprintComputationError) Error() string { return e.Err.Error() }
func (e *FingerprintComputationError) Unwrap() error { return e.Err }

// NewFingerprintComputationError wraps a fingerprint failure.
func NewFingerprintComputationError(err error) *FingerprintComputationError {
	return &FingerprintComputationError{Err: err}
}

// InvalidStateError marks a programming/usage contract violation, such as
// resuming a run that has not failed.
type InvalidStateError struct {
	Err error
}

func (e *InvalidStateError) Error() string { return e.Err.Error() }
func (e *InvalidStateError) Unwrap() error { return e.Err }

// NewInvalidStateError creates a contract-violation error.
func NewInvalidStateError(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Err: eris.Errorf(format, args...)}
}

// Classify buckets an error into its retry class. Explicit taxonomy wrappers
// win; otherwise network-level heuristics decide between transient and fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	// Open-circuit rejections back off on the overload curve so retries
	// outlast the breaker's reset timeout.
	if errors.Is(err, ErrCircuitOpen) {
		return ClassOverload
	}

	var cce *ClientConfigError
	if errors.As(err, &cce) {
		return ClassFatal
	}
	var sve *SchemaValidationError
	if errors.As(err, &sve) {
		return ClassFatal
	}
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		return ClassFatal
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return ClassRateLimit
	}
	var ole *OverloadError
	if errors.As(err, &ole) {
		return ClassOverload
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or PersistenceError, or matches common transient network
// patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		// Store failures retry under the standard transient policy.
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Retryable reports whether an error's class permits another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimit, ClassOverload, ClassTransient:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an HTTP status code to an error class.
func ClassifyHTTPStatus(statusCode int) ErrorClass {
	switch statusCode {
	case 400, 401, 403, 404, 422:
		return ClassFatal
	case 429:
		return ClassRateLimit
	case 529:
		return ClassOverload
	case 408, 500, 502, 503, 504:
		return ClassTransient
	default:
		if statusCode >= 500 {
			return ClassTransient
		}
		return ClassFatal
	}
}
