// Package telemetry emits structured usage records for dynamically-named
// functions in interactive numerical-computing sessions. It is the stable,
// minimal surface instrumentation wrappers build on; hosts needing finer
// control import the subpackages directly:
//   - github.com/ACCESS-NRI/access-telemetry/config - document resolution
//   - github.com/ACCESS-NRI/access-telemetry/registry - per-service tracked functions
//   - github.com/ACCESS-NRI/access-telemetry/api - the dispatch handler
//   - github.com/ACCESS-NRI/access-telemetry/interceptor - call wrapping
package telemetry

import (
	"context"

	"github.com/ACCESS-NRI/access-telemetry/api"
	"github.com/ACCESS-NRI/access-telemetry/registry"
	"github.com/ACCESS-NRI/access-telemetry/session"
)

// SendOption configures a single Send call.
type SendOption = api.SendOption

// Async selects non-blocking dispatch.
func Async() SendOption {
	return api.Async()
}

// Contains reports whether the named function is tracked by the service.
func Contains(service, function string) bool {
	return registry.For(service).Contains(function)
}

// Register adds functions to the service's tracked set.
func Register(service string, funcs ...any) error {
	return registry.For(service).Register(funcs...)
}

// Deregister removes functions from the service's tracked set.
func Deregister(service string, funcs ...any) error {
	return registry.For(service).Deregister(funcs...)
}

// Send dispatches one usage record for a tracked call through the
// process-wide handler.
func Send(ctx context.Context, service, function string, args []any, kwargs map[string]any, opts ...SendOption) error {
	return api.Get().Send(ctx, service, function, args, kwargs, opts...)
}

// Configure overrides the collection server base URL.
func Configure(serverURL string) {
	api.Get().Configure(serverURL)
}

// SessionID returns the per-process session identity.
func SessionID() string {
	return session.ID()
}
