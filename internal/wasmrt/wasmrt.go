// Package wasmrt wraps wazero's Runtime/CompiledModule/Module trio into
// the single per-process lifecycle internal/proc needs: compile once,
// bind host imports, instantiate, call the entry point, close.
//
// This is a direct generalization of the teacher's core.go: where core
// builds exactly one long-lived Core per Water transport session, an
// Instance here is created fresh per Lunatic process (spec.md §4.C), so
// the CompiledModule is shared and cached by the caller (internal/proc's
// owning Environment, which compiles a guest binary once and spawns many
// instances from it) while the Runtime/Module pairing stays per-instance.
package wasmrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lunatic-solutions/lunatic/internal/log"
)

// CompiledModule is the artifact an Environment produces once per guest
// binary (after internal/normalize has rewritten it) and reuses across
// every process spawned from it.
type CompiledModule struct {
	runtime wazero.Runtime
	module  wazero.CompiledModule
}

// Compile normalises nothing itself -- the caller is expected to have
// already run the bytes through internal/normalize -- and just parses
// and validates them into a wazero.CompiledModule.
func Compile(ctx context.Context, wasmBytes []byte, cfg wazero.RuntimeConfig) (*CompiledModule, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	mod, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmrt: CompileModule: %w", err)
	}
	return &CompiledModule{runtime: rt, module: mod}, nil
}

// Close releases the runtime and every instance it seeded. Calling this
// while instances are still running is undefined, matching the
// teacher's own finalizer-ordering assumptions in core.go.
func (c *CompiledModule) Close(ctx context.Context) error {
	if err := c.module.Close(ctx); err != nil {
		return err
	}
	return c.runtime.Close(ctx)
}

// ImportedFunctions reports which module::field pairs the compiled
// binary declares as imports, keyed the same way hostabi.Registry.Bind
// expects.
func (c *CompiledModule) ImportedFunctions() map[string]map[string]api.FunctionDefinition {
	out := make(map[string]map[string]api.FunctionDefinition)
	for _, f := range c.module.ImportedFunctions() {
		mod, name, ok := f.Import()
		if !ok {
			continue
		}
		if out[mod] == nil {
			out[mod] = make(map[string]api.FunctionDefinition)
		}
		out[mod][name] = f
	}
	return out
}

// Runtime exposes the underlying wazero.Runtime so a caller can build
// HostModuleBuilders against it (internal/hostabi.Registry.Bind takes
// one directly).
func (c *CompiledModule) Runtime() wazero.Runtime { return c.runtime }

// Instance is one running process's Wasm module.
type Instance struct {
	logger *log.Logger

	cancel context.CancelFunc
	module api.Module

	closeOnce sync.Once
}

// Instantiate instantiates a fresh guest module instance against
// c.Runtime(). Host modules are a namespace of that same runtime and
// must already be instantiated exactly once -- by the caller, via
// hostabi.Instantiate, when the owning Environment was built -- since
// wazero rejects a second module registered under a name already
// present in its namespace; every process spawned from an Environment
// therefore shares one lunatic:: (and wasi_snapshot_preview1)
// instance rather than each getting its own. ctx is wrapped
// with experimental.WithCloseOnContextDone so that cancelling it aborts
// any in-flight or future call on this instance immediately: this is
// the mechanism spec.md's Kill signal preempts-receive invariant rides
// on, since a guest stuck in a tight loop still passes through wazero's
// own function-call checkpoints even when it never calls the yield_
// import.
func Instantiate(ctx context.Context, c *CompiledModule, moduleCfg wazero.ModuleConfig, logger *log.Logger) (*Instance, context.Context, error) {
	instCtx, cancel := context.WithCancel(ctx)
	instCtx = experimental.WithCloseOnContextDone(instCtx, true)

	mod, err := c.runtime.InstantiateModule(instCtx, c.module, moduleCfg)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("wasmrt: InstantiateModule: %w", err)
	}

	return &Instance{logger: logger, cancel: cancel, module: mod}, instCtx, nil
}

// WASIPreview1 enables the wasi_snapshot_preview1 namespace on rt, for
// guest binaries compiled against libc/TinyGo's WASI target.
func WASIPreview1(ctx context.Context, rt wazero.Runtime) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("wasmrt: wasi_snapshot_preview1.Instantiate: %w", err)
	}
	return nil
}

// Call invokes an exported function by name.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("wasmrt: function %q is not exported", name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("wasmrt: calling %q: %w", name, err)
	}
	return results, nil
}

// Memory returns the instance's linear memory, for host functions that
// need to read/write guest buffers by pointer.
func (i *Instance) Memory() api.Memory { return i.module.Memory() }

// Abort cancels the instance's context, which (per
// experimental.WithCloseOnContextDone above) unblocks or prevents any
// further Call on this instance: the mechanism behind Kill.
func (i *Instance) Abort() { i.cancel() }

// Close releases the instance. Safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.cancel()
		err = i.module.Close(ctx)
	})
	return err
}
