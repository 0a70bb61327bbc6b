// Package errors defines the typed failures upgrade helpers raise for
// conditions a caller can act on: script bugs and missing metadata.
// Anything else is wrapped with fmt.Errorf("%w") and aborts the migration
// transaction.
package errors

import (
	"errors"
	"fmt"
)

// DeveloperError marks API misuse in an upgrade script. The script has to
// be fixed; retrying the migration cannot help.
type DeveloperError struct {
	Message string
}

func (e *DeveloperError) Error() string {
	return fmt.Sprintf("developer error: %s", e.Message)
}

// NewDeveloperError creates a new DeveloperError
func NewDeveloperError(format string, args ...interface{}) *DeveloperError {
	return &DeveloperError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError represents a metadata row a helper required but the
// database does not have
type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s '%s' not found", e.Resource, e.Name)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, name string) *NotFoundError {
	return &NotFoundError{Resource: resource, Name: name}
}

// IsDeveloper checks if an error is a DeveloperError
func IsDeveloper(err error) bool {
	var developer *DeveloperError
	return errors.As(err, &developer)
}

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}
