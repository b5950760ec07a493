package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Code classifies a broker failure.
type Code string

// Broker error codes.
const (
	ErrNotFound          Code = "NOT_FOUND"
	ErrTimeout           Code = "TIMEOUT"
	ErrRateLimited       Code = "RATE_LIMITED"
	ErrRetryExhausted    Code = "RETRY_EXHAUSTED"
	ErrAuthFailed        Code = "AUTH_FAILED"
	ErrCommandFailed     Code = "COMMAND_FAILED"
	ErrNoResources       Code = "NO_RESOURCES"
	ErrMissingIdentifier Code = "MISSING_IDENTIFIER"
	ErrNotRunning        Code = "NOT_RUNNING"
	ErrNoConnection      Code = "NO_CONNECTION"
	ErrDegraded          Code = "DEGRADED_DISCOVERY"
	ErrDiscoveryFailed   Code = "DISCOVERY_FAILED"
	ErrInvalidArgument   Code = "INVALID_ARGUMENT"
	ErrAlreadyExists     Code = "ALREADY_EXISTS"
	ErrNotCancellable    Code = "NOT_CANCELLABLE"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// BrokerError is a typed error with code, component, and optional wrapped error.
type BrokerError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// New builds a BrokerError with a formatted message.
func New(code Code, component, format string, args ...any) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Wrap builds a BrokerError around err.
func Wrap(code Code, component string, err error, format string, args ...any) *BrokerError {
	e := New(code, component, format, args...)
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches any *BrokerError carrying the same code, so callers can write
// errors.Is(err, &BrokerError{Code: ErrNotFound}).
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the outermost BrokerError in err's chain, or
// the empty code.
func CodeOf(err error) Code {
	var be *BrokerError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsCode reports whether any BrokerError in err's chain has the given code.
func IsCode(err error, code Code) bool {
	return stderrors.Is(err, &BrokerError{Code: code})
}

// Retryable reports whether err is a transient external failure.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrTimeout, ErrRateLimited:
		return true
	}
	return false
}

// entry wraps a BrokerError with its last-reported time for expiry tracking.
type entry struct {
	err        BrokerError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store of recently reported errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock. A nil
// clock uses the real clock.
func NewErrorCollector(clk clock.PassiveClock) *ErrorCollector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ErrorCollector{
		clock:   clk,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err BrokerError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries[key(err.Code, err.Component)] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// Resolve drops a previously reported error, e.g. once a degraded source
// has recovered.
func (ec *ErrorCollector) Resolve(code Code, component string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.entries, key(code, component))
}

// GetActiveErrors returns all errors that have been reported within the TTL window.
func (ec *ErrorCollector) GetActiveErrors() []BrokerError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]BrokerError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for _, e := range ec.GetActiveErrors() {
		if _, ok := seen[e.Code]; !ok {
			seen[e.Code] = struct{}{}
			codes = append(codes, string(e.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
