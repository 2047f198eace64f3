// Package hostabi implements the host function registry (spec.md
// component B): the set of namespace-qualified functions a process's
// Wasm instance may import, gated by the capability set its owning
// Environment grants it.
//
// The shape mirrors the teacher's Core.ImportFunction/importModules:
// register functions against a module name before instantiation, then
// build one wazero.HostModuleBuilder per namespace and instantiate them
// all just before the guest module itself. Where the teacher accepts
// one function per call site directly from its embedder, this registry
// is declarative: a table of Descriptors is assembled once at process
// start from the set of namespaces the environment's capabilities
// enable, so every process in a node shares the same lunatic::*
// surface without each one re-registering closures by hand.
package hostabi

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var (
	// ErrMissingImport mirrors the teacher's ErrFuncNotImported/
	// ErrModuleNotImported and names an import the compiled module
	// doesn't actually declare. Bind does not return it: it skips such
	// Descriptors silently.
	ErrMissingImport = errors.New("hostabi: function not imported by module")
	// ErrUnknownNamespace is returned when a CapabilitySet names a
	// namespace with no registered Descriptors.
	ErrUnknownNamespace = errors.New("hostabi: unknown namespace")
)

// Descriptor is one importable host function.
type Descriptor struct {
	Namespace string
	Name      string
	// Func is passed to wazero's HostModuleBuilder.WithFunc, so its Go
	// signature follows wazero's own ABI-mapping rules: context.Context
	// and api.Module leading parameters are optional, and value types
	// must be uint32/uint64/int32/int64/float32/float64/api.Externref-
	// compatible.
	Func any
}

// CallerContext is what a Descriptor's Func closes over to reach the
// calling process's state -- its mailbox, its resource table, and the
// linear memory of the instance making the call -- without needing the
// registry itself to know about internal/proc's types.
type CallerContext interface {
	Memory() api.Memory
}

// Registry holds every Descriptor known to a node, organized by
// namespace. A single Registry is shared read-only across all
// processes; each Descriptor's Func finds the calling process's state
// at call time, and the Registry itself holds none.
type Registry struct {
	namespaces map[string][]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string][]Descriptor)}
}

// Register adds d to the registry. Calling Register twice for the same
// (Namespace, Name) replaces the earlier entry, which lets a process's
// own instantiation step override a shared default with a closure bound
// to that process's own state.
func (r *Registry) Register(d Descriptor) {
	bucket := r.namespaces[d.Namespace]
	for i, existing := range bucket {
		if existing.Name == d.Name {
			bucket[i] = d
			return
		}
	}
	r.namespaces[d.Namespace] = append(bucket, d)
}

// Namespaces reports the distinct namespace names currently registered.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	return out
}

// CapabilitySet names which namespaces a process is allowed to import
// from, granted by its Environment (spec.md component F).
type CapabilitySet map[string]bool

// AllowAll is a CapabilitySet that grants every namespace the registry
// knows about; used by a node's bootstrap process and by tests.
var AllowAll CapabilitySet = nil

// Allows reports whether caps permits namespace ns. A nil CapabilitySet
// (AllowAll) permits everything.
func (caps CapabilitySet) Allows(ns string) bool {
	if caps == nil {
		return true
	}
	return caps[ns]
}

// Bind builds (but does not instantiate; see Instantiate) a
// wazero.HostModuleBuilder per namespace permitted
// by caps and actually imported by rt's compiled module, mirroring the
// teacher's double-check in ImportFunction: silently skipping a
// Descriptor the module doesn't import is fine (the module simply never
// calls it), but caps naming a namespace the registry has never heard of
// is a configuration error worth surfacing.
func (r *Registry) Bind(ctx context.Context, runtime wazero.Runtime, imported map[string]map[string]api.FunctionDefinition, caps CapabilitySet) (map[string]wazero.HostModuleBuilder, error) {
	built := make(map[string]wazero.HostModuleBuilder)

	for ns, descriptors := range r.namespaces {
		if !caps.Allows(ns) {
			continue
		}
		moduleImports, ok := imported[ns]
		if !ok {
			continue // module doesn't import anything under this namespace
		}
		var builder wazero.HostModuleBuilder
		for _, d := range descriptors {
			if _, ok := moduleImports[d.Name]; !ok {
				continue
			}
			if builder == nil {
				builder = runtime.NewHostModuleBuilder(ns)
			}
			builder = builder.NewFunctionBuilder().WithFunc(d.Func).Export(d.Name)
		}
		if builder != nil {
			built[ns] = builder
		}
	}

	if caps != nil {
		for ns, allowed := range caps {
			if !allowed {
				continue
			}
			if _, ok := r.namespaces[ns]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
			}
		}
	}

	return built, nil
}

// Instantiate finishes what Bind started: instantiating every built host
// module so its exports are callable once the guest module itself is
// instantiated. Split from Bind so a caller can inspect/modify the
// builder map (e.g. layering in a per-instance CallerContext closure)
// before committing it.
func Instantiate(ctx context.Context, built map[string]wazero.HostModuleBuilder) error {
	for ns, b := range built {
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("hostabi: instantiating host module %q: %w", ns, err)
		}
	}
	return nil
}
