package vm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Permissions is a capability bitset threaded through every FFI call so
// callables can enforce what they are allowed to do (the contract's
// `permissions` value). The zero value grants nothing.
type Permissions uint32

const (
	// PermEnvRead allows an FFI callable to read process environment variables.
	PermEnvRead Permissions = 1 << iota
	// PermClock allows an FFI callable to read wall-clock time.
	PermClock
	// PermNetwork allows an FFI callable to perform outbound network calls.
	// No built-in callable uses this; it exists for host-registered callables.
	PermNetwork
)

// Has reports whether p grants all bits in required.
func (p Permissions) Has(required Permissions) bool {
	return p&required == required
}

// Callable is an FFI function invoked by CallFfi. args are supplied in
// caller order (see Registry.Call); permissions are the contract's
// declared capability set. Callables must not mutate interpreter gas.
type Callable func(args []Value, permissions Permissions) (Value, error)

// Registry maps FFI names to callables, optionally validating the
// reassembled argument list against a JSON Schema before invocation.
type Registry struct {
	entries map[string]registryEntry
}

type registryEntry struct {
	fn     Callable
	schema *jsonschema.Schema
}

// NewRegistry returns an empty FFI registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register binds name to fn with no argument schema validation.
func (r *Registry) Register(name string, fn Callable) {
	r.entries[name] = registryEntry{fn: fn}
}

// RegisterWithSchema binds name to fn and validates call arguments (encoded
// as a JSON array) against schemaJSON before every invocation. An invalid
// schema document is a programming error and panics at registration time,
// matching the registry's compile-at-setup convention.
func (r *Registry) RegisterWithSchema(name string, schemaJSON []byte, fn Callable) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		panic(fmt.Sprintf("vm: ffi %q: invalid schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		panic(fmt.Sprintf("vm: ffi %q: add schema resource: %v", name, err))
	}
	schema, err := c.Compile(resource)
	if err != nil {
		panic(fmt.Sprintf("vm: ffi %q: compile schema: %v", name, err))
	}
	r.entries[name] = registryEntry{fn: fn, schema: schema}
}

// Call invokes the callable registered under name with the given caller-order
// arguments. A missing name or a failing callable surfaces as a
// KindRuntimeError carrying the cause.
func (r *Registry) Call(name string, args []Value, permissions Permissions) (Value, error) {
	entry, ok := r.entries[name]
	if !ok {
		return Value{}, newError(KindRuntimeError, "ffi %q is not registered", name)
	}
	if entry.schema != nil {
		if err := validateArgs(entry.schema, args); err != nil {
			return Value{}, &Error{Kind: KindRuntimeError, Message: fmt.Sprintf("ffi %q: argument validation", name), Cause: err}
		}
	}
	out, err := entry.fn(args, permissions)
	if err != nil {
		return Value{}, &Error{Kind: KindRuntimeError, Message: fmt.Sprintf("ffi %q", name), Cause: err}
	}
	return out, nil
}

func validateArgs(schema *jsonschema.Schema, args []Value) error {
	arr := make([]any, len(args))
	for i, a := range args {
		raw, err := a.ToJSON()
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		arr[i] = v
	}
	return schema.Validate(arr)
}

// StandardRegistry returns a Registry pre-populated with permission-scoped
// built-in callables available to every contract: "env.read" (requires
// PermEnvRead) and "time.now" (requires PermClock), returning the current
// UTC time as an RFC3339 string. Callers typically register additional
// domain-specific callables on top of this base.
func StandardRegistry(lookupEnv func(string) (string, bool), now func() string) *Registry {
	r := NewRegistry()
	r.Register("env.read", func(args []Value, perms Permissions) (Value, error) {
		if !perms.Has(PermEnvRead) {
			return Value{}, fmt.Errorf("env.read: permission denied")
		}
		if len(args) != 1 || args[0].Kind != KindString {
			return Value{}, fmt.Errorf("env.read: expected one string argument")
		}
		v, ok := lookupEnv(args[0].Str)
		if !ok {
			return Null, nil
		}
		return String(v), nil
	})
	r.Register("time.now", func(args []Value, perms Permissions) (Value, error) {
		if !perms.Has(PermClock) {
			return Value{}, fmt.Errorf("time.now: permission denied")
		}
		return String(now()), nil
	})
	return r
}
