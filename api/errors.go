package api

import "fmt"

// UnknownServiceError reports an operation referencing a service name that
// has no configured endpoint. It is always raised synchronously: silently
// accepting a misspelled service name would hide the bug behind missing
// telemetry.
type UnknownServiceError struct {
	Service string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("endpoint %q not found", e.Service)
}
