package domain

import (
	"errors"
	"fmt"
)

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

// NetworkError represents a transport failure (connect, read, write, decode).
// Always recovered by the owning adapter through reconnect.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "decode")
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

// ProtocolError is a venue-side rejection of a subscribe or login request.
// It is retried like a transport error but with a longer backoff.
type ProtocolError struct {
	Venue string
	Code  string
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s rejected request: code=%s msg=%s", e.Venue, e.Code, e.Msg)
}

func (e *ProtocolError) IsRetriable() bool {
	return true
}

// IsProtocolError reports whether err carries a venue rejection.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ExecutionError describes a failed leg operation (place, poll, cancel).
type ExecutionError struct {
	LegID string
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return "leg " + e.LegID + " " + e.Stage + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
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

// NewConfigError is a shorthand for field validation failures.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// Data errors: the offending snapshot is dropped and counted, never fatal.
	ErrNonPositivePrice = errors.New("non-positive price")
	ErrCrossedLevels    = errors.New("levels not price-ordered")
	ErrEmptyBook        = errors.New("empty order book")
	ErrStaleData        = errors.New("stale market data")

	// ErrSilence is returned when a venue stops sending frames past its read timeout.
	ErrSilence = errors.New("venue silent past timeout")

	// ErrLegTimeout is returned when a leg does not reach a terminal state in time.
	ErrLegTimeout = errors.New("leg timed out")

	// ErrUnknownOrder is returned by gateways for orders they never saw.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrInsufficientBalance is returned when a gateway cannot fund a leg.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
