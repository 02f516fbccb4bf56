package credits

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrInvalidInput = errors.New("credits: invalid input")
	ErrUnauthorized = errors.New("credits: unauthorized")

	// Ledger errors
	ErrNoRecord          = errors.New("credits: no ledger record for user")
	ErrBalanceNotFound   = errors.New("credits: balance not found")
	ErrSyncStateNotFound = errors.New("credits: sync state not found")
	ErrBalanceOverflow   = errors.New("credits: grant would overflow the balance")

	// Gateway errors
	ErrNotConfigured = errors.New("credits: gateway not configured")
	ErrSyncFailed    = errors.New("credits: gateway sync failed")
	ErrCeilingMoved  = errors.New("credits: ceiling changed during sync")

	// Store errors
	ErrStoreClosed       = errors.New("credits: store is closed")
	ErrTransactionFailed = errors.New("credits: transaction failed")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError builds a *ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a missing or invalid deployment setting.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("credits: %s is not configured", e.Setting)
	}
	return fmt.Sprintf("credits: %s: %s", e.Setting, e.Message)
}

// Unwrap lets errors.Is match ErrNotConfigured.
func (e *ConfigurationError) Unwrap() error { return ErrNotConfigured }

// ExternalSyncError reports a transport failure or non-success status from
// the gateway. Status is zero for transport failures.
type ExternalSyncError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ExternalSyncError) Error() string {
	switch {
	case e.Err != nil && e.Status == 0:
		return fmt.Sprintf("credits: gateway %s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("credits: gateway %s: status %d: %s", e.Op, e.Status, e.Body)
	default:
		return fmt.Sprintf("credits: gateway %s: status %d", e.Op, e.Status)
	}
}

// Unwrap exposes both ErrSyncFailed and the transport cause.
func (e *ExternalSyncError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSyncFailed, e.Err}
	}
	return []error{ErrSyncFailed}
}

// MultiError collects independent failures.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credits: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credits: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrBalanceOverflow)
}

// IsConfiguration reports whether err stems from a misconfigured deployment.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce) || errors.Is(err, ErrNotConfigured)
}

// IsExternalSync reports whether err is a gateway transport or status failure.
func IsExternalSync(err error) bool {
	var se *ExternalSyncError
	return errors.As(err, &se)
}

// IsNotFound reports whether err denotes an absent record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoRecord) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrSyncStateNotFound)
}

// IsRetryable reports whether the operation may succeed if repeated.
// Misconfiguration and validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsConfiguration(err) || IsValidation(err) {
		return false
	}
	return IsExternalSync(err) || errors.Is(err, ErrTransactionFailed) || errors.Is(err, ErrCeilingMoved)
}
