// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrDuplicate is returned when a message for the same idempotency key already exists.
var ErrDuplicate = errors.New("message already dispatched")

// ValidationError marks an event or request that can never be processed as sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthenticationError is a signature or verify-token mismatch at the gateway.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

func NewAuthentication(reason string) error {
	return &AuthenticationError{Reason: reason}
}

// ProviderError wraps a failed call to the messaging provider.
type ProviderError struct {
	StatusCode int
	Reason     string
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return "provider timeout: " + e.Reason
	case e.StatusCode != 0:
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Reason)
	}
	return "provider error: " + e.Reason
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProvider(status int, reason string, err error) error {
	return &ProviderError{StatusCode: status, Reason: reason, Err: err}
}

func NewProviderTimeout(err error) error {
	reason := "deadline exceeded"
	if err != nil {
		reason = err.Error()
	}
	return &ProviderError{Reason: reason, Timeout: true, Err: err}
}

// NotFoundError is a sentinel-style error for a missing record
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Helper constructors
func NewTenantNotFound(id string) error {
	return &NotFoundError{Resource: "tenant", ID: id}
}

func NewMessageNotFound(id string) error {
	return &NotFoundError{Resource: "message", ID: id}
}

func NewOptInNotFound(id string) error {
	return &NotFoundError{Resource: "opt-in", ID: id}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAuthentication(err error) bool {
	var a *AuthenticationError
	return errors.As(err, &a)
}

func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}
