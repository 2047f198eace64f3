// Package hostns supplies the concrete host function namespace a
// process instance imports: lunatic::* (process control, spec.md
// §4.C), registered as an internal/hostabi.Descriptor table. No net::*
// or timer::* namespace is supplied. wasi_snapshot_preview1 is wired
// separately by internal/wasmrt.WASIPreview1, following the teacher's
// own split between its ad hoc exports and the WASI namespace.
//
// Every function here follows wazero's ABI-mapping convention: a
// leading context.Context and api.Module, followed by plain integer
// value types. Buffers cross the boundary as an (offset, length) pair
// into the calling instance's linear memory, read or written directly
// through api.Module.Memory() -- the same convention the teacher's
// pipe-backed exports use for passing byte slices across the Wasm
// boundary.
//
// The lunatic:: namespace is instantiated exactly once per Environment
// (see environment.New), shared by every process's guest module the
// same way wasi_snapshot_preview1 is -- so none of these functions may
// close over a particular *proc.Process the way an earlier revision
// did. Instead every function recovers "which process is calling" from
// the api.Module wazero hands it: environment.Spawn names each guest
// instance "pid-<n>", and callingProcess parses that name back into a
// Processes.Lookup. This is the same trick the teacher uses to dispatch
// RPC calls against the right channel without a connection-scoped
// closure per call.
package hostns

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/lunatic-solutions/lunatic/internal/hostabi"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/registry"
	"github.com/lunatic-solutions/lunatic/internal/signal"
)

// Error codes returned to the guest in the low 32 bits of a function's
// result, mirroring spec.md §4.C's host-function error table.
const (
	ErrOK uint32 = iota
	ErrNoSuchProcess
	ErrNoSuchName
	ErrMailboxClosed
	ErrAllocFailed
)

// InstanceNamePrefix is the naming convention environment.Spawn must
// use for each process's wazero.ModuleConfig ("pid-<PID>"), and the one
// callingProcess parses back to resolve self.
const InstanceNamePrefix = "pid-"

// Resolver finds the SignalTarget a pid currently refers to, whether
// local (internal/proc.Table) or remote (internal/transport); it is
// how send/link/unlink/kill host functions stay oblivious to locality.
type Resolver interface {
	Resolve(pid signal.PID) (proc.SignalTarget, bool)
}

// Spawner creates a new local process running the named exported
// function of the same guest module as the caller, returning its PID.
// Implemented by the environment package, which owns the compiled
// module and capability set a new process needs.
type Spawner interface {
	Spawn(ctx context.Context, entry string) (signal.PID, error)
}

// Namer resolves and records name -> pid bindings (internal/registry,
// reached through the owning Environment so name scope stays per
// Environment as spec.md §4.F requires).
type Namer interface {
	Register(name, version string, pid signal.PID) error
	Lookup(name, requirement string) (signal.PID, error)
}

// Deps bundles everything the lunatic:: namespace needs to reach
// outside the calling process itself.
type Deps struct {
	// Processes resolves a calling instance's own PID (parsed from its
	// module name) back to its *proc.Process, so every host function
	// below can find "self" without a per-process closure.
	Processes *proc.Table
	Resolver  Resolver
	Spawner   Spawner
	Namer     Namer
	Metrics   *metrics.Counters
}

// Descriptors builds the lunatic:: namespace, instantiated once and
// shared by every process the owning Environment spawns. Nothing here
// is bound to a particular process: each function resolves its caller
// dynamically from the api.Module wazero passes it.
func Descriptors(deps Deps) []hostabi.Descriptor {
	if deps.Metrics == nil {
		deps.Metrics = &metrics.Counters{}
	}
	ns := "lunatic"
	return []hostabi.Descriptor{
		{Namespace: ns, Name: "yield_", Func: yieldFn(deps.Metrics)},
		{Namespace: ns, Name: "spawn", Func: spawnFn(deps.Processes, deps.Spawner)},
		{Namespace: ns, Name: "send", Func: sendFn(deps.Processes, deps.Resolver, deps.Metrics)},
		{Namespace: ns, Name: "receive", Func: receiveFn(deps.Processes)},
		{Namespace: ns, Name: "link", Func: linkFn(deps.Processes, deps.Resolver)},
		{Namespace: ns, Name: "unlink", Func: unlinkFn(deps.Processes, deps.Resolver)},
		{Namespace: ns, Name: "kill", Func: killFn(deps.Processes, deps.Resolver)},
		{Namespace: ns, Name: "set_trap_exit", Func: setTrapExitFn(deps.Processes)},
		{Namespace: ns, Name: "register", Func: registerFn(deps.Processes, deps.Namer)},
		{Namespace: ns, Name: "lookup", Func: lookupFn(deps.Processes, deps.Namer)},
	}
}

// yieldFn backs lunatic::yield_, the import internal/normalize injects
// at every loop back-edge and function entry once the reduction counter
// crosses its threshold. runtime.Gosched() is the actual scheduling
// point: see DESIGN.md's "per-process execution model" decision for why
// this, rather than a scheduler.Task re-enqueue, is what gives a
// guest's tight loop fairness. yield_ doesn't need to know which
// process is calling, so it takes no api.Module.
func yieldFn(m *metrics.Counters) func(ctx context.Context) {
	return func(ctx context.Context) {
		m.YieldsTriggered.Add(1)
		runtime.Gosched()
	}
}

func spawnFn(processes *proc.Table, spawner Spawner) func(ctx context.Context, mod api.Module, entryPtr, entryLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, entryPtr, entryLen uint32) uint64 {
		if spawner == nil {
			return packError(ErrNoSuchProcess)
		}
		entry, ok := readString(mod, entryPtr, entryLen)
		if !ok {
			return packError(ErrAllocFailed)
		}
		pid, err := spawner.Spawn(ctx, entry)
		if err != nil {
			return packError(ErrNoSuchProcess)
		}
		return uint64(pid)
	}
}

func sendFn(processes *proc.Table, resolver Resolver, m *metrics.Counters) func(ctx context.Context, mod api.Module, pid, tag uint64, dataPtr, dataLen uint32) uint32 {
	return func(ctx context.Context, mod api.Module, pid, tag uint64, dataPtr, dataLen uint32) uint32 {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrNoSuchProcess
		}
		data, ok := readBytes(mod, dataPtr, dataLen)
		if !ok {
			return ErrAllocFailed
		}
		target, ok := resolve(resolver, signal.PID(pid))
		if !ok {
			return ErrNoSuchProcess
		}
		if err := target.DeliverMessage(self.PID(), tag, data); err != nil {
			return ErrMailboxClosed
		}
		m.SignalsDelivered.Add(1)
		return ErrOK
	}
}

// receiveFn backs lunatic::receive. It blocks the calling goroutine --
// which is this process's dedicated goroutine, not a shared worker, per
// the per-process execution model decision -- until a matching signal
// arrives, the mailbox closes, or ctx (tied to the instance, and so to
// Kill) is cancelled. On success it allocates guest memory via the
// module's own exported "lunatic_alloc" function and copies the
// message bytes into it, writing the resulting pointer and length back
// through outPtrPtr/outLenPtr.
func receiveFn(processes *proc.Table) func(ctx context.Context, mod api.Module, tag uint64, outPtrPtr, outLenPtr uint32) uint32 {
	return func(ctx context.Context, mod api.Module, tag uint64, outPtrPtr, outLenPtr uint32) uint32 {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrNoSuchProcess
		}
		sig, err := self.Mailbox().Receive(ctx, tag)
		if err != nil {
			return ErrMailboxClosed
		}
		data, _ := sig.Data.([]byte)
		ptr, ok := allocateInGuest(ctx, mod, data)
		if !ok {
			return ErrAllocFailed
		}
		mem := mod.Memory()
		mem.WriteUint32Le(outPtrPtr, ptr)
		mem.WriteUint32Le(outLenPtr, uint32(len(data)))
		return ErrOK
	}
}

func linkFn(processes *proc.Table, resolver Resolver) func(ctx context.Context, mod api.Module, pid uint64) uint32 {
	return func(ctx context.Context, mod api.Module, pid uint64) uint32 {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrNoSuchProcess
		}
		target, ok := resolve(resolver, signal.PID(pid))
		if !ok {
			return ErrNoSuchProcess
		}
		if err := proc.Link(self, target); err != nil {
			return ErrNoSuchProcess
		}
		return ErrOK
	}
}

func unlinkFn(processes *proc.Table, resolver Resolver) func(ctx context.Context, mod api.Module, pid uint64) uint32 {
	return func(ctx context.Context, mod api.Module, pid uint64) uint32 {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrOK // the caller itself is already gone: nothing to unlink
		}
		target, ok := resolve(resolver, signal.PID(pid))
		if !ok {
			return ErrOK // unlinking a dead/unknown process is a no-op, not an error
		}
		_ = proc.Unlink(self, target)
		return ErrOK
	}
}

func killFn(processes *proc.Table, resolver Resolver) func(ctx context.Context, mod api.Module, pid uint64) uint32 {
	return func(ctx context.Context, mod api.Module, pid uint64) uint32 {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrNoSuchProcess
		}
		target, ok := resolve(resolver, signal.PID(pid))
		if !ok {
			return ErrNoSuchProcess
		}
		if err := target.DeliverKill(self.PID()); err != nil {
			return ErrNoSuchProcess
		}
		return ErrOK
	}
}

func setTrapExitFn(processes *proc.Table) func(ctx context.Context, mod api.Module, enabled uint32) {
	return func(ctx context.Context, mod api.Module, enabled uint32) {
		self, ok := callingProcess(mod, processes)
		if !ok {
			return
		}
		self.SetTrapExit(enabled != 0)
	}
}

func registerFn(processes *proc.Table, namer Namer) func(ctx context.Context, mod api.Module, namePtr, nameLen, verPtr, verLen uint32) uint32 {
	return func(ctx context.Context, mod api.Module, namePtr, nameLen, verPtr, verLen uint32) uint32 {
		if namer == nil {
			return ErrNoSuchName
		}
		self, ok := callingProcess(mod, processes)
		if !ok {
			return ErrNoSuchProcess
		}
		name, ok := readString(mod, namePtr, nameLen)
		if !ok {
			return ErrAllocFailed
		}
		version, ok := readString(mod, verPtr, verLen)
		if !ok {
			return ErrAllocFailed
		}
		if err := namer.Register(name, version, self.PID()); err != nil {
			return ErrNoSuchName
		}
		return ErrOK
	}
}

func lookupFn(processes *proc.Table, namer Namer) func(ctx context.Context, mod api.Module, namePtr, nameLen, reqPtr, reqLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, namePtr, nameLen, reqPtr, reqLen uint32) uint64 {
		if namer == nil {
			return packError(ErrNoSuchName)
		}
		name, ok := readString(mod, namePtr, nameLen)
		if !ok {
			return packError(ErrAllocFailed)
		}
		requirement, ok := readString(mod, reqPtr, reqLen)
		if !ok {
			return packError(ErrAllocFailed)
		}
		pid, err := namer.Lookup(name, requirement)
		var notFound *registry.ErrNotFound
		if errors.As(err, &notFound) {
			return packError(ErrNoSuchName)
		}
		if err != nil {
			return packError(ErrNoSuchName)
		}
		return uint64(pid)
	}
}

func resolve(resolver Resolver, pid signal.PID) (proc.SignalTarget, bool) {
	if resolver != nil {
		if t, ok := resolver.Resolve(pid); ok {
			return t, true
		}
	}
	return nil, false
}

// callingProcess recovers the *proc.Process behind the instance that
// is making this host call, by parsing mod.Name() (set by
// environment.Spawn to "pid-<n>") and looking it up in processes.
func callingProcess(mod api.Module, processes *proc.Table) (*proc.Process, bool) {
	if processes == nil {
		return nil, false
	}
	pid, ok := callingPID(mod)
	if !ok {
		return nil, false
	}
	return processes.Lookup(pid)
}

func callingPID(mod api.Module) (signal.PID, bool) {
	name := mod.Name()
	if !strings.HasPrefix(name, InstanceNamePrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(InstanceNamePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return signal.PID(n), true
}

// readBytes copies length bytes at ptr out of the instance's memory.
func readBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(mod, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// allocateInGuest calls the guest's exported "lunatic_alloc" function
// (a convention guest SDKs targeting this ABI are expected to export,
// analogous to wasm-bindgen's __wbindgen_malloc) to get a buffer to
// copy data into, returning the pointer wazero should report back to
// the guest. A guest that exports no allocator simply cannot receive
// message bodies, which is reported as ErrAllocFailed rather than a
// panic.
func allocateInGuest(ctx context.Context, mod api.Module, data []byte) (uint32, bool) {
	if len(data) == 0 {
		return 0, true
	}
	alloc := mod.ExportedFunction("lunatic_alloc")
	if alloc == nil {
		return 0, false
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, false
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, false
	}
	return ptr, true
}

func packError(code uint32) uint64 {
	// The high bit of the 64-bit result marks an error; a successful pid
	// is never large enough to set it in practice (internal/proc.Table
	// allocates sequentially from 1), but the explicit bit keeps the
	// guest ABI unambiguous rather than relying on that convention alone.
	return 1<<63 | uint64(code)
}
