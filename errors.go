package blobmgr

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrSecurity is matched by every *SecurityError.
	ErrSecurity = errors.New("security error")
	// ErrNotFound is returned when a document, blob or content is missing.
	// It is the same value as blobstore.ErrNotFound.
	ErrNotFound = fs.ErrNotExist
	// ErrConflict is returned for state transitions that already happened.
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned when the caller lacks a permission.
	ErrForbidden = errors.New("forbidden")
	// ErrUnsupported is returned for operations a repository or provider
	// cannot perform.
	ErrUnsupported = errors.ErrUnsupported
	// ErrInvalidArgument is returned for malformed arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRollbackOnly is returned when the ambient transaction is marked
	// rollback-only.
	ErrRollbackOnly = errors.New("transaction is marked rollback-only")
)

// ConfigurationError reports an unregistered provider or a provider of the
// wrong kind for an operation.
//
// It matches ErrConfiguration with errors.Is; the original underlying error
// (if any) can be accessed via errors.Unwrap.
type ConfigurationError struct {
	ProviderID string
	Reason     string
	cause      error
}

func (e *ConfigurationError) Error() string {
	if e.ProviderID == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: provider %q: %s", e.ProviderID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigurationError returns a configuration error for providerID.
func NewConfigurationError(providerID, reason string, cause error) *ConfigurationError {
	return &ConfigurationError{ProviderID: providerID, Reason: reason, cause: cause}
}

func errUnregistered(providerID string) *ConfigurationError {
	return NewConfigurationError(providerID, "no registered blob provider", nil)
}

// SecurityError reports a write blocked by retention or legal hold.
//
// It matches ErrSecurity with errors.Is.
type SecurityError struct {
	DocumentID string
	XPath      string
	Reason     string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error: document %s property %s: %s", e.DocumentID, e.XPath, e.Reason)
}

func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }
