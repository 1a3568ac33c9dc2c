package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is().
var (
	ErrMalformedDocument = errors.New("malformed configuration document")
	ErrDuplicateService  = errors.New("duplicate service name")
)

// ConfigurationError reports a document that cannot produce a consistent
// endpoints/registry pair. It is fatal at resolve time: proceeding with a
// partially resolved document would leave the two derived mappings out of
// sync.
type ConfigurationError struct {
	Path   string // slash-joined path of the offending node
	Reason string
	Err    error // sentinel for errors.Is
}

// Error returns the string representation of the error.
func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration: %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("configuration: %s", e.Reason)
}

// Unwrap returns the sentinel error for use with errors.Is.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
