// Package interceptor implements the call-side contract between an
// instrumentation host (notebook hook, REPL shim, decorator) and the
// telemetry core: consult the service's register, and dispatch a usage
// record when the call is tracked.
package interceptor

import (
	"context"

	"github.com/ACCESS-NRI/access-telemetry/api"
	"github.com/ACCESS-NRI/access-telemetry/internal/logging"
	"github.com/ACCESS-NRI/access-telemetry/registry"
)

var logger = logging.New("interceptor")

// Call describes one invocation of a dynamically-named function.
type Call struct {
	Service  string
	Function string
	Args     []any
	Kwargs   map[string]any
}

// Track dispatches a usage record for the call if its function is tracked by
// the service's register, and reports whether a record was dispatched. The
// dispatch mode is chosen by the caller (api.Async for notebook-style hosts,
// default blocking for REPL-style hosts). Track never fails: delivery
// problems are absorbed by the handler, and a service with no configured
// endpoint is logged and skipped.
func Track(ctx context.Context, call Call, opts ...api.SendOption) bool {
	if !registry.For(call.Service).Contains(call.Function) {
		return false
	}

	err := api.Get().Send(ctx, call.Service, call.Function, call.Args, call.Kwargs, opts...)
	if err != nil {
		// Functions can be registered under ad-hoc services that have no
		// endpoint; there is nowhere to deliver their records.
		logger.Warn("Tracked call has no endpoint", map[string]any{
			"service":  call.Service,
			"function": call.Function,
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// Wrap returns a callable that runs fn and then, whether fn succeeded or
// failed, tracks the call under the given service and function name. The
// wrapped function's error is returned untouched.
func Wrap(service, function string, fn func(context.Context) error, opts ...api.SendOption) func(context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		Track(ctx, Call{Service: service, Function: function}, opts...)
		return err
	}
}

// RegisterFunc registers fn with the service's register. fn may be a name, a
// registry.FuncNamer, or a func value.
func RegisterFunc(service string, fn any) error {
	return registry.For(service).Register(fn)
}
