package provider

import (
	"errors"
	"fmt"
)

// ErrEmptyReply is returned when the service answers with no content.
var ErrEmptyReply = errors.New("empty completion reply")

// ProviderError represents a failed call to a completion provider.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s completion error: %s (%v)", e.Provider, e.Model, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s completion error: %s", e.Provider, e.Model, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
