// Command lunatic is the runtime's CLI entrypoint: it loads a Wasm
// entry module into an Environment, optionally joins a distributed
// node mesh, and waits for the entry process (or the node listener, in
// --no-entry mode) to finish, per spec.md §6's external interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lunatic-solutions/lunatic/config"
	"github.com/lunatic-solutions/lunatic/environment"
	"github.com/lunatic-solutions/lunatic/internal/log"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/scheduler"
	lunaticsignal "github.com/lunatic-solutions/lunatic/internal/signal"
	"github.com/lunatic-solutions/lunatic/internal/transport"
	"github.com/lunatic-solutions/lunatic/process"
)

// Exit codes, per spec.md §6.
const (
	exitNormal    = 0
	exitRuntime   = 1
	exitCLIMisuse = 2
	exitKilled    = 137
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("lunatic", flag.ContinueOnError)
	rc, err := config.ParseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCLIMisuse
		}
		fmt.Fprintln(os.Stderr, "lunatic:", err)
		return exitCLIMisuse
	}

	// A missing file at the default path is fine; one named explicitly
	// with --config must exist.
	explicitConfig := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})
	var fc config.FileConfig
	if explicitConfig {
		fc, err = config.LoadFileConfig(rc.ConfigPath)
	} else {
		fc, err = loadOptionalFileConfig(rc.ConfigPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "lunatic:", err)
		return exitCLIMisuse
	}
	rc = rc.Merge(fc)

	logger := newLogger(rc.LogJSON)
	log.SetDefaultLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("lunatic: shutting down")
		cancel()
	}()

	code, err := runWithContext(ctx, rc, fc, logger)
	if err != nil {
		logger.Error("lunatic: fatal", "error", err)
	}
	return code
}

func runWithContext(ctx context.Context, rc config.RunConfig, fc config.FileConfig, logger *slog.Logger) (int, error) {
	m := &metrics.Counters{}

	sched := scheduler.New(ctx, scheduler.Options{Logger: logger})
	defer sched.Shutdown()
	startMetricsReporter(sched, m, logger)

	var node *transport.Node
	var rootTable *proc.Table
	if rc.NodeAddr != "" || len(rc.Peers) > 0 || rc.NoEntry {
		nodeID := uuid.New()
		rootTable = proc.NewTable(m)
		node = transport.New(nodeID, rootTable, m, logger)
		if rc.NodeAddr != "" {
			if err := node.Listen(ctx, rc.NodeAddr); err != nil {
				return exitRuntime, fmt.Errorf("listen %s: %w", rc.NodeAddr, err)
			}
			logger.Info("lunatic: node listening", "addr", rc.NodeAddr, "node_id", nodeID, "name", rc.NodeName)
		}
		for _, peer := range rc.Peers {
			if _, err := node.Dial(ctx, peer); err != nil {
				logger.Warn("lunatic: failed to dial initial peer", "peer", peer, "error", err)
			}
		}
		defer node.Close()
	}

	if len(rc.Plugins) > 0 {
		logger.Warn("lunatic: dynamic host-function plugins requested but plugin loading is not wired in this build", "plugins", rc.Plugins)
	}

	if rc.NoEntry {
		logger.Info("lunatic: --no-entry set, blocking as a node")
		<-ctx.Done()
		return exitNormal, nil
	}

	wasmBytes, err := os.ReadFile(rc.EntryModule)
	if err != nil {
		return exitCLIMisuse, fmt.Errorf("reading entry module %s: %w", rc.EntryModule, err)
	}

	env, err := environment.New(ctx, wasmBytes, true, environment.Options{
		Name:       rc.EnvironmentName,
		Namespaces: rc.Namespaces(fc),
		Logger:     logger,
		Metrics:    m,
		Dirs:       rc.Dirs,
		Limits: environment.ResourceLimits{
			MemoryPages:        rc.MemoryLimit,
			ReductionThreshold: rc.ReductionLimit,
			MaxProcesses:       rc.MaxProcesses,
		},
	})
	if err != nil {
		return exitRuntime, fmt.Errorf("building environment: %w", err)
	}
	defer env.Close(context.Background())

	handle, err := process.Spawn(ctx, env, "_start")
	if err != nil {
		return exitRuntime, fmt.Errorf("spawning entry module: %w", err)
	}

	return waitForExit(ctx, env, handle)
}

// waitForExit looks the entry process up once, then polls it until it
// terminates or the context is cancelled, translating its ExitReason
// into spec.md §6's exit codes. The lookup comes first because a
// terminated process is removed from the table.
func waitForExit(ctx context.Context, env *environment.Environment, handle *process.Handle) (int, error) {
	p, ok := env.Table().Lookup(handle.PID())
	if !ok {
		return exitRuntime, fmt.Errorf("entry process vanished from the table")
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return exitNormal, nil
		case <-ticker.C:
			if !p.Terminated() {
				continue
			}
			return exitCodeFor(p.Reason()), nil
		}
	}
}

func exitCodeFor(reason lunaticsignal.ExitReason) int {
	switch {
	case reason.Normal:
		return exitNormal
	case errors.Is(reason.Err, proc.ErrKilled):
		return exitKilled
	case reason.Err != nil:
		fmt.Fprintln(os.Stderr, "lunatic: trap:", reason.Err)
		return exitRuntime
	default:
		return exitNormal
	}
}

func loadOptionalFileConfig(path string) (config.FileConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.FileConfig{}, nil
		}
		return config.FileConfig{}, err
	}
	return config.LoadFileConfig(path)
}

func newLogger(jsonOutput bool) *slog.Logger {
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// startMetricsReporter submits a self-rescheduling scheduler.Task that
// periodically logs a metrics snapshot, the short non-blocking
// background work internal/scheduler's worker pool is for once process
// execution moved to a dedicated-goroutine-per-process model (see
// DESIGN.md's per-process execution model decision).
func startMetricsReporter(sched *scheduler.Scheduler, m *metrics.Counters, logger *slog.Logger) {
	var tick scheduler.TaskFunc
	tick = func(ctx context.Context) (bool, error) {
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(5 * time.Second):
		}
		snap := m.Snapshot()
		logger.Debug("lunatic: metrics",
			"processes_spawned", snap.ProcessesSpawned,
			"processes_terminated", snap.ProcessesTerminated,
			"signals_delivered", snap.SignalsDelivered,
			"yields_triggered", snap.YieldsTriggered,
			"transport_reconnects", snap.TransportReconnects,
		)
		return true, nil
	}
	_ = sched.Spawn(tick)
}
