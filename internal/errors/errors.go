// Package errors provides structured errors for audit operations.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSessionTerminal  = errors.New("session is terminal")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
)

// AuditError is a structured error for audit pipeline operations.
type AuditError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "run_recon", "complete")
	Agent      string // Agent name where the error occurred, if any
	SessionID  string
	Err        error // Underlying error
	StatusCode int   // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *AuditError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s failed in %s agent: %v", e.Op, e.Agent, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AuditError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// New creates a new AuditError
func New(errorType ErrorType, op string, err error) *AuditError {
	return &AuditError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithAgent adds the agent name to the error
func (e *AuditError) WithAgent(agent string) *AuditError {
	e.Agent = agent
	return e
}

// WithSession adds the session id to the error
func (e *AuditError) WithSession(sessionID string) *AuditError {
	e.SessionID = sessionID
	return e
}

// WithStatusCode adds an HTTP status code and recomputes retryability.
func (e *AuditError) WithStatusCode(code int) *AuditError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err == nil {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, hint := range []string{"timeout", "connection refused", "connection reset", "temporary", "eof"} {
			if strings.Contains(msg, hint) {
				return true
			}
		}
		return false
	}
}

// IsRetryable reports whether err (or any wrapped AuditError) is transient.
func IsRetryable(err error) bool {
	var ae *AuditError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return isRetryable(ErrorTypeInternal, err)
}
