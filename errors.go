package tabq

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeParse     ErrorType = "parse"
	ErrorTypeEngine    ErrorType = "engine"
	ErrorTypeExecution ErrorType = "execution"
	ErrorTypeIO        ErrorType = "io"
	ErrorTypeConfig    ErrorType = "config"
	ErrorTypeInternal  ErrorType = "internal"
)

// Error codes
const (
	ErrCodeInvalidStatement     = "INVALID_STATEMENT"
	ErrCodeSourceNotFound       = "SOURCE_NOT_FOUND"
	ErrCodeSourceCorrupt        = "SOURCE_CORRUPT"
	ErrCodeUnsupportedAggregate = "UNSUPPORTED_AGGREGATE"
	ErrCodeUnsupportedPredicate = "UNSUPPORTED_PREDICATE"
	ErrCodeEmptyProjection      = "EMPTY_PROJECTION"
	ErrCodeQueryExecution       = "QUERY_EXECUTION_ERROR"
	ErrCodeNoTableBuilt         = "NO_TABLE_BUILT"
	ErrCodeSerializeFailed      = "SERIALIZE_FAILED"
	ErrCodeSpillWriteFailed     = "SPILL_WRITE_FAILED"
	ErrCodeJobPanicked          = "JOB_PANICKED"
)

var (
	// ErrNoTableBuilt is returned when a plan never materializes a table.
	ErrNoTableBuilt = errors.New("no table built")
	// ErrSchedulerClosed is returned by Submit after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// TabqError is the error type carried through job results.
type TabqError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TabqError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *TabqError) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to the error
func (e *TabqError) WithCause(cause error) *TabqError {
	e.Cause = cause
	return e
}

// WithDetail adds a single detail to the error
func (e *TabqError) WithDetail(key string, value any) *TabqError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewTabqError creates a new error of the given type and code.
func NewTabqError(errorType ErrorType, code, message string) *TabqError {
	return &TabqError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewEngineError creates an engine error, e.g. an unreadable source.
func NewEngineError(code, message string) *TabqError {
	return NewTabqError(ErrorTypeEngine, code, message)
}

// NewSourceNotFoundError reports a source path that cannot be opened.
func NewSourceNotFoundError(path string) *TabqError {
	return NewEngineError(ErrCodeSourceNotFound, fmt.Sprintf("source %q not found", path)).
		WithDetail("path", path)
}

// NewSourceCorruptError reports a source that exists but cannot be read.
func NewSourceCorruptError(path string, cause error) *TabqError {
	return NewEngineError(ErrCodeSourceCorrupt, fmt.Sprintf("source %q is not readable", path)).
		WithDetail("path", path).
		WithCause(cause)
}

// NewUnsupportedAggregateError reports an aggregate function name the engine does not know.
func NewUnsupportedAggregateError(name string) *TabqError {
	return NewEngineError(ErrCodeUnsupportedAggregate, fmt.Sprintf("unsupported aggregate %q", name)).
		WithDetail("func", name)
}

// ParseError reports a statement line that matches no known shape.
type ParseError struct {
	LineNo int
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid operation at line %d: %s (%s)", e.LineNo, e.Line, e.Reason)
	}
	return fmt.Sprintf("invalid operation at line %d: %s", e.LineNo, e.Line)
}

// IsNotFound reports whether err is a missing-source engine error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeSourceNotFound)
}

// IsCorrupt reports whether err is an unreadable-source engine error.
func IsCorrupt(err error) bool {
	return hasCode(err, ErrCodeSourceCorrupt)
}

// ErrorCode returns the code of the first TabqError in err's chain.
func ErrorCode(err error) string {
	var te *TabqError
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, ErrNoTableBuilt) {
		return ErrCodeNoTableBuilt
	}
	return ""
}

func hasCode(err error, code string) bool {
	var te *TabqError
	return errors.As(err, &te) && te.Code == code
}
