// Package environment implements spec.md component F: an Environment is
// a named capability envelope -- a set of host namespaces a process may
// import from, a resource limit set, its own name registry, and the
// compiled guest module every process it spawns shares.
//
// It is the layer that turns internal/proc, internal/hostns,
// internal/hostabi, internal/wasmrt and internal/registry into
// something a CLI or another process can call Spawn on without itself
// knowing about wazero, reductions, or the mailbox wire format.
package environment

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/karelbilek/wazero-fs-tools/readonly"
	"github.com/tetratelabs/wazero"

	"github.com/lunatic-solutions/lunatic/internal/hostabi"
	"github.com/lunatic-solutions/lunatic/internal/hostns"
	"github.com/lunatic-solutions/lunatic/internal/log"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/normalize"
	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/registry"
	"github.com/lunatic-solutions/lunatic/internal/signal"
	"github.com/lunatic-solutions/lunatic/internal/wasmrt"
)

// ResourceLimits bounds what processes spawned in an Environment may
// consume. A zero field falls back to the default noted beside it;
// only for MaxProcesses does zero mean unlimited.
type ResourceLimits struct {
	MemoryPages        uint32 // wazero memory pages (64KiB each); 0 = runtime default
	ReductionThreshold uint32 // 0 = normalize.DefaultReductionThreshold
	MaxProcesses       int    // 0 = unlimited
}

// Environment is a named capability envelope: a compiled guest module,
// the host namespaces its processes may import, a resource registry,
// and the process table those processes live in.
type Environment struct {
	ID   uuid.UUID
	Name string

	logger *log.Logger

	limits ResourceLimits
	caps   hostabi.CapabilitySet

	compiled *wasmrt.CompiledModule
	hostReg  *hostabi.Registry
	names    *registry.Registry
	table    *proc.Table
	metrics  *metrics.Counters
	dirs     []string

	processCount atomic.Int64
}

// Options configures a New Environment.
type Options struct {
	Name          string
	Limits        ResourceLimits
	Namespaces    []string // nil/empty means hostabi.AllowAll
	Logger        *log.Logger
	Metrics       *metrics.Counters
	RuntimeConfig wazero.RuntimeConfig

	// Dirs are host directories preopened read-only into every process
	// spawned from this Environment, at the same path on the guest side
	// (spec.md §6's `--dir <path>`).
	Dirs []string
}

// New compiles wasmBytes (already normalised by the caller, or run
// through normalize.Normalise here if raw is true) and returns a ready
// Environment with an empty process table.
func New(ctx context.Context, wasmBytes []byte, raw bool, opts Options) (*Environment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	limits := opts.Limits
	if limits.ReductionThreshold == 0 {
		limits.ReductionThreshold = normalize.DefaultReductionThreshold
	}

	guestBytes := wasmBytes
	if raw {
		normalised, err := normalize.Normalise(wasmBytes, normalize.Options{
			ReductionThreshold: limits.ReductionThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("environment: normalising module: %w", err)
		}
		guestBytes = normalised
	}

	rtCfg := opts.RuntimeConfig
	if rtCfg == nil {
		rtCfg = wazero.NewRuntimeConfig()
	}
	if limits.MemoryPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(limits.MemoryPages)
	}
	compiled, err := wasmrt.Compile(ctx, guestBytes, rtCfg)
	if err != nil {
		return nil, fmt.Errorf("environment: compiling module: %w", err)
	}
	if err := wasmrt.WASIPreview1(ctx, compiled.Runtime()); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	var caps hostabi.CapabilitySet
	if len(opts.Namespaces) > 0 {
		caps = make(hostabi.CapabilitySet, len(opts.Namespaces))
		for _, ns := range opts.Namespaces {
			caps[ns] = true
		}
	}

	m := opts.Metrics
	if m == nil {
		m = &metrics.Counters{}
	}

	env := &Environment{
		ID:       uuid.New(),
		Name:     opts.Name,
		logger:   logger,
		limits:   limits,
		caps:     caps,
		compiled: compiled,
		hostReg:  hostabi.NewRegistry(),
		names:    registry.New(),
		table:    proc.NewTable(m),
		metrics:  m,
		dirs:     append([]string(nil), opts.Dirs...),
	}
	env.table.SetNames(env.names)

	for _, d := range hostns.Descriptors(hostns.Deps{
		Processes: env.table,
		Resolver:  env,
		Spawner:   env,
		Namer:     env,
		Metrics:   env.metrics,
	}) {
		env.hostReg.Register(d)
	}
	imported := compiled.ImportedFunctions()
	built, err := env.hostReg.Bind(ctx, compiled.Runtime(), imported, caps)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("environment: binding host modules: %w", err)
	}
	if err := hostabi.Instantiate(ctx, built); err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("environment: instantiating host modules: %w", err)
	}

	return env, nil
}

// Close releases the compiled module and its wazero runtime. Every
// process spawned from this Environment should already be terminated;
// Close does not do that itself.
func (e *Environment) Close(ctx context.Context) error {
	return e.compiled.Close(ctx)
}

// Metrics exposes the Environment's shared counters.
func (e *Environment) Metrics() *metrics.Counters { return e.metrics }

// Table exposes the Environment's process directory, mainly for
// internal/transport's remote-process dispatcher and for tests.
func (e *Environment) Table() *proc.Table { return e.table }

// Resolve implements hostns.Resolver by local lookup only; a node that
// wires internal/transport wraps this to also check remote pids.
func (e *Environment) Resolve(pid signal.PID) (proc.SignalTarget, bool) {
	p, ok := e.table.Lookup(pid)
	if !ok {
		return nil, false
	}
	return p, true
}

// Register implements hostns.Namer.
func (e *Environment) Register(name, version string, pid signal.PID) error {
	v, err := parseVersion(version)
	if err != nil {
		return fmt.Errorf("environment: register %q: %w", name, err)
	}
	e.names.Register(name, v, registry.PID(pid))
	return nil
}

// Lookup implements hostns.Namer.
func (e *Environment) Lookup(name, requirement string) (signal.PID, error) {
	pid, _, err := e.names.Lookup(name, requirement)
	if err != nil {
		return 0, err
	}
	return signal.PID(pid), nil
}

// Spawn instantiates a fresh copy of the compiled module against the
// host namespaces New already bound and instantiated, runs entry on a
// dedicated goroutine (per DESIGN.md's execution-model decision) and
// registers the resulting Process in the Environment's table.
// Spawn returns as soon as the process is registered; entry runs
// asynchronously.
func (e *Environment) Spawn(ctx context.Context, entry string) (signal.PID, error) {
	if e.limits.MaxProcesses > 0 && int(e.processCount.Load()) >= e.limits.MaxProcesses {
		return 0, fmt.Errorf("environment: process limit (%d) reached", e.limits.MaxProcesses)
	}

	instCtx, cancel := context.WithCancel(ctx)

	self := e.table.Spawn(nil, cancel)

	// The lunatic:: (and every other) host namespace was already bound
	// and instantiated once, in New: wazero refuses a second module
	// under the same name, so every process here imports from that one
	// shared instance rather than getting a namespace of its own.
	modCfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s%d", hostns.InstanceNamePrefix, self.PID()))
	if len(e.dirs) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, dir := range e.dirs {
			fsCfg = fsCfg.WithFSMount(readonly.New(os.DirFS(dir)), dir)
		}
		modCfg = modCfg.WithFSConfig(fsCfg)
	}
	inst, runCtx, err := wasmrt.Instantiate(instCtx, e.compiled, modCfg, e.logger)
	if err != nil {
		cancel()
		self.Terminate(signal.ExitReason{Err: err})
		return 0, fmt.Errorf("environment: instantiating process %d: %w", self.PID(), err)
	}

	e.processCount.Add(1)
	go e.run(runCtx, self, inst, entry)

	return self.PID(), nil
}

func (e *Environment) run(ctx context.Context, p *proc.Process, inst *wasmrt.Instance, entry string) {
	defer e.processCount.Add(-1)
	defer inst.Close(context.Background())

	_, err := inst.Call(ctx, entry)
	if p.Terminated() {
		// Kill (or a link cascade) already finalized this process; the
		// Call above returned because Abort cancelled its context, not
		// because the guest actually finished.
		return
	}
	if err != nil {
		p.Terminate(signal.ExitReason{Err: fmt.Errorf("process %d trapped: %w", p.PID(), err)})
		return
	}
	p.Terminate(signal.ExitReason{Normal: true})
}
