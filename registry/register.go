// Package registry tracks, per service, the set of function identifiers
// whose calls emit telemetry.
//
// Registers are identity-mapped: every call to For with the same service
// name operates on the same underlying entry, so functions registered from
// anywhere in the process are visible to every interceptor. Entries are
// created lazily and seeded from the default configuration document when the
// service appears in it; unknown service names get an empty register, which
// lets ad-hoc services be tracked without configuration.
package registry

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/ACCESS-NRI/access-telemetry/config"
	"github.com/ACCESS-NRI/access-telemetry/internal/logging"
)

// FuncNamer names a callable for registration without passing a bare string.
// Implement it on wrapper types whose dynamic name differs from their Go
// symbol, e.g. a catalog entry resolved at runtime.
type FuncNamer interface {
	FuncName() string
}

// Register holds the tracked function identifiers for one service.
type Register struct {
	service string

	mu    sync.Mutex
	funcs map[string]struct{}
}

var (
	tableMu sync.RWMutex
	table   = make(map[string]*Register)

	logger = logging.New("registry")

	warnMu      sync.RWMutex
	warnHandler = func(msg string) {
		logger.Warn(msg, nil)
	}
)

// For returns the register for the named service, creating and seeding it on
// first reference. Concurrent first references resolve to a single entry.
func For(service string) *Register {
	tableMu.RLock()
	r := table[service]
	tableMu.RUnlock()
	if r != nil {
		return r
	}

	tableMu.Lock()
	defer tableMu.Unlock()
	if r := table[service]; r != nil {
		return r
	}

	funcs := make(map[string]struct{})
	for name := range config.Default().RegistrySeed[service] {
		funcs[name] = struct{}{}
	}
	r = &Register{service: service, funcs: funcs}
	table[service] = r
	return r
}

// ResetAll drops every register. It exists for test harnesses; production
// code never destroys registers.
func ResetAll() {
	tableMu.Lock()
	defer tableMu.Unlock()
	table = make(map[string]*Register)
}

// SetWarningHandler replaces the handler invoked for non-fatal registration
// warnings (duplicate registration). The default handler logs at WARN level.
// Pass nil to restore the default.
func SetWarningHandler(fn func(msg string)) {
	warnMu.Lock()
	defer warnMu.Unlock()
	if fn == nil {
		fn = func(msg string) {
			logger.Warn(msg, nil)
		}
	}
	warnHandler = fn
}

func warn(msg string) {
	warnMu.RLock()
	fn := warnHandler
	warnMu.RUnlock()
	fn(msg)
}

// Service returns the service name this register belongs to.
func (r *Register) Service() string {
	return r.service
}

// Register adds functions to the tracked set. Each argument may be a string,
// a FuncNamer, or a func value (resolved through its runtime symbol). An
// argument that resolves to an already-tracked name leaves the set unchanged
// and signals a warning rather than an error. Validation is all-or-nothing:
// a bad argument fails the whole call before any mutation.
func (r *Register) Register(funcs ...any) error {
	names, err := resolveAll(funcs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, dup := r.funcs[name]; dup {
			warn(fmt.Sprintf("function %q is already registered with service %q", name, r.service))
			continue
		}
		r.funcs[name] = struct{}{}
	}
	return nil
}

// Deregister removes functions from the tracked set. Deregistering a name
// that is not tracked fails with a NotRegisteredError and leaves the set
// unchanged.
func (r *Register) Deregister(funcs ...any) error {
	names, err := resolveAll(funcs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.funcs[name]; !ok {
			return &NotRegisteredError{Func: name, Service: r.service}
		}
	}
	for _, name := range names {
		delete(r.funcs, name)
	}
	return nil
}

// Contains reports whether the named function is tracked.
func (r *Register) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.funcs[name]
	return ok
}

// Funcs returns a sorted snapshot of the tracked function identifiers.
func (r *Register) Funcs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveAll(funcs []any) ([]string, error) {
	names := make([]string, 0, len(funcs))
	for _, f := range funcs {
		name, err := resolveFuncName(f)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func resolveFuncName(arg any) (string, error) {
	switch v := arg.(type) {
	case string:
		return v, nil
	case FuncNamer:
		return v.FuncName(), nil
	}

	rv := reflect.ValueOf(arg)
	if rv.Kind() == reflect.Func && !rv.IsNil() {
		if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
			return shortFuncName(fn.Name()), nil
		}
	}
	return "", &ValidationError{Arg: arg}
}

// shortFuncName reduces a runtime symbol like
// "github.com/org/repo/pkg.(*Experiment).Run-fm" to "Experiment.Run", the
// form registered identifiers use.
func shortFuncName(symbol string) string {
	if idx := strings.LastIndex(symbol, "/"); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	if idx := strings.Index(symbol, "."); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	symbol = strings.TrimSuffix(symbol, "-fm")
	symbol = strings.ReplaceAll(symbol, "(", "")
	symbol = strings.ReplaceAll(symbol, ")", "")
	symbol = strings.TrimPrefix(symbol, "*")
	return strings.ReplaceAll(symbol, "*", "")
}
