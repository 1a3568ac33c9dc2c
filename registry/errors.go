package registry

import "fmt"

// ValidationError reports a register/deregister argument that is neither a
// string, a FuncNamer, nor a func value. It is raised before any mutation.
type ValidationError struct {
	Arg any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cannot resolve %T to a function name: pass a string, a FuncNamer, or a func value", e.Arg)
}

// NotRegisteredError reports an attempt to deregister a function that is not
// currently tracked by the service.
type NotRegisteredError struct {
	Func    string
	Service string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("function %q is not registered with service %q", e.Func, e.Service)
}
