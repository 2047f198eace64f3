// Package proc implements the process directory, lifecycle and
// supervision primitives: spec.md components C (Process) and H
// (Supervision/Links), which spec.md itself notes are naturally folded
// together since a process's termination path is where link and
// monitor propagation actually happens.
//
// A Process owns a mailbox (internal/mailbox), a wazero instance
// (internal/wasmrt) and the bookkeeping for links and monitors. Kill
// rides on wasmrt's context-cancellation-aborts-the-instance mechanism
// rather than a queued signal, which is what gives Kill its
// non-trappable, preempts-everything semantics (spec.md §4.C: Kill must
// interrupt a process blocked in Receive just as readily as one stuck
// in a guest loop).
package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lunatic-solutions/lunatic/internal/mailbox"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/registry"
	"github.com/lunatic-solutions/lunatic/internal/signal"
	"github.com/lunatic-solutions/lunatic/internal/wasmrt"
)

// ErrKilled is the Err carried by an ExitReason produced by Kill.
var ErrKilled = errors.New("proc: killed")

// ErrNotFound is returned by Table lookups for an unknown PID.
var ErrNotFound = errors.New("proc: no such process")

// Reserved tag range link/monitor death notifications are delivered
// under when a process traps exits, so they are receivable as ordinary
// tagged messages without colliding with any tag a guest would pick
// itself (guest-chosen tags are expected to stay well below this
// range, by convention rather than enforcement -- spec.md leaves tag
// allocation to the guest).
const (
	LinkExitTag    uint64 = 0xFFFE_0000_0000_0001
	MonitorExitTag uint64 = 0xFFFE_0000_0000_0002
)

// ExitNotification is the payload of a LinkExitTag/MonitorExitTag
// message: which process exited, and why.
type ExitNotification struct {
	From   signal.PID
	Reason signal.ExitReason
}

// SignalTarget is anything that can receive signals as if it were a
// local process: a local *Process, or internal/transport's RemoteHandle
// standing in for a process on another node. Everything in this package
// that delivers a signal goes through this interface so link/monitor
// propagation doesn't care whether the other end is local or remote.
type SignalTarget interface {
	PID() signal.PID
	DeliverMessage(from signal.PID, tag uint64, data any) error
	DeliverKill(from signal.PID) error
	DeliverLink(from signal.PID) error
	DeliverUnlink(from signal.PID) error
	DeliverMonitor(from signal.PID) error
	DeliverDemonitor(from signal.PID) error
}

// Table is the process directory for one node: every live Process, plus
// PID allocation.
type Table struct {
	mu      sync.RWMutex
	procs   map[signal.PID]*Process
	nextPID atomic.Uint64
	metrics *metrics.Counters

	// names is the Environment's name registry, if any. A terminating
	// process clears its own registrations here so a dead PID never
	// lingers behind a registered name (spec.md §4.C step 4).
	names *registry.Registry
}

// SetNames wires r in as the Table's name registry, so that a
// process's registrations are cleared when it terminates. Not a
// constructor argument: environment.New builds the Table and the
// Registry separately and only then ties them together, and several
// callers construct a Table with no registry at all.
func (t *Table) SetNames(r *registry.Registry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = r
}

// NewTable returns an empty Table reporting into m (which may be nil,
// in which case a private Counters is used -- Table never requires a
// caller to care about metrics to function).
func NewTable(m *metrics.Counters) *Table {
	if m == nil {
		m = &metrics.Counters{}
	}
	return &Table{procs: make(map[signal.PID]*Process), metrics: m}
}

// Spawn allocates a PID, builds a Process around inst (already
// instantiated by the caller -- Table doesn't know about compilation or
// capability binding, that's internal/wasmrt and internal/hostabi's
// job) and registers it in the table.
func (t *Table) Spawn(inst *wasmrt.Instance, abort context.CancelFunc) *Process {
	pid := signal.PID(t.nextPID.Add(1))
	p := &Process{
		pid:         pid,
		mailbox:     mailbox.New(),
		table:       t,
		inst:        inst,
		abort:       abort,
		links:       make(map[signal.PID]struct{}),
		monitoredBy: make(map[signal.PID]struct{}),
		resources:   NewResourceTable(),
	}

	t.mu.Lock()
	t.procs[pid] = p
	t.mu.Unlock()

	t.metrics.ProcessesSpawned.Add(1)
	return p
}

// Lookup returns the live process registered under pid.
func (t *Table) Lookup(pid signal.PID) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

func (t *Table) remove(pid signal.PID) {
	t.mu.Lock()
	delete(t.procs, pid)
	names := t.names
	t.mu.Unlock()
	if names != nil {
		names.UnregisterPID(registry.PID(pid))
	}
	t.metrics.ProcessesTerminated.Add(1)
}

// Process is one running (or recently terminated) instance.
type Process struct {
	pid     signal.PID
	mailbox *mailbox.Mailbox
	table   *Table
	inst    *wasmrt.Instance
	abort   context.CancelFunc

	trapExit atomic.Bool

	mu          sync.Mutex
	links       map[signal.PID]struct{}
	monitoredBy map[signal.PID]struct{} // processes monitoring this one

	terminated atomic.Bool
	exitOnce   sync.Once
	reason     signal.ExitReason

	resources *ResourceTable
}

// PID implements SignalTarget.
func (p *Process) PID() signal.PID { return p.pid }

// Mailbox exposes the process's inbox to its own run loop (the code
// executing the guest's Receive host-function call); other processes
// never touch it directly, only through the SignalTarget methods below.
func (p *Process) Mailbox() *mailbox.Mailbox { return p.mailbox }

// Resources exposes the process's resource table; Terminate releases
// whatever it still holds.
func (p *Process) Resources() *ResourceTable { return p.resources }

// SetTrapExit toggles whether this process converts link deaths into
// ordinary receivable messages (true) or lets them cascade as its own
// termination (false, the default -- matching Erlang's default).
func (p *Process) SetTrapExit(trap bool) { p.trapExit.Store(trap) }

// DeliverMessage implements SignalTarget.
func (p *Process) DeliverMessage(from signal.PID, tag uint64, data any) error {
	if p.terminated.Load() {
		return mailbox.ErrClosed
	}
	if err := p.mailbox.Push(signal.NewMessage(from, tag, data)); err != nil {
		return err
	}
	p.table.metrics.SignalsDelivered.Add(1)
	return nil
}

// DeliverKill implements SignalTarget. Kill is non-trappable: it always
// terminates the process, bypassing the mailbox entirely so a process
// parked in Receive is woken immediately by the instance abort rather
// than waiting for its next mailbox poll.
func (p *Process) DeliverKill(from signal.PID) error {
	p.Terminate(signal.ExitReason{Err: fmt.Errorf("%w (requested by pid %d)", ErrKilled, from)})
	return nil
}

// DeliverLink implements SignalTarget: establishes a link from from to
// p. The caller is responsible for calling DeliverLink on the other
// side too (internal/proc.Link below does both halves atomically from
// the initiator's perspective).
func (p *Process) DeliverLink(from signal.PID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated.Load() {
		return ErrNotFound
	}
	p.links[from] = struct{}{}
	return nil
}

// DeliverUnlink implements SignalTarget.
func (p *Process) DeliverUnlink(from signal.PID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, from)
	return nil
}

// DeliverMonitor implements SignalTarget: from starts monitoring p.
func (p *Process) DeliverMonitor(from signal.PID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated.Load() {
		return ErrNotFound
	}
	p.monitoredBy[from] = struct{}{}
	return nil
}

// DeliverDemonitor implements SignalTarget.
func (p *Process) DeliverDemonitor(from signal.PID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitoredBy, from)
	return nil
}

// Link establishes a bidirectional link between p and other, following
// the teacher-adjacent convention (see hostabi) that the caller already
// validated the target exists via Table.Lookup.
func Link(p *Process, other SignalTarget) error {
	if err := other.DeliverLink(p.pid); err != nil {
		return err
	}
	return p.DeliverLink(other.PID())
}

// Unlink removes a link in both directions.
func Unlink(p *Process, other SignalTarget) error {
	_ = other.DeliverUnlink(p.pid)
	return p.DeliverUnlink(other.PID())
}

// Monitor starts p monitoring target: only target.DeliverMonitor is
// called, since monitors (unlike links) are one-directional.
func Monitor(p *Process, target SignalTarget) error {
	return target.DeliverMonitor(p.pid)
}

// Demonitor cancels a previously-started monitor.
func Demonitor(p *Process, target SignalTarget) error {
	return target.DeliverDemonitor(p.pid)
}

// Terminate marks p terminated, aborts its Wasm instance, closes its
// mailbox, removes it from its Table, and propagates the exit to every
// linked and monitoring process (spec.md component H). Safe to call
// more than once; only the first call's reason sticks.
func (p *Process) Terminate(reason signal.ExitReason) {
	p.exitOnce.Do(func() {
		p.terminated.Store(true)
		p.reason = reason
		if p.abort != nil {
			p.abort()
		}
		p.mailbox.Close()
		_ = p.resources.ReleaseAll(context.Background())
		if p.table != nil {
			p.table.remove(p.pid)
		}
		p.propagate(reason)
	})
}

// Reason reports why p terminated. The zero ExitReason (not Normal, nil
// Err) is returned if p hasn't terminated yet.
func (p *Process) Reason() signal.ExitReason { return p.reason }

// Terminated reports whether Terminate has run.
func (p *Process) Terminated() bool { return p.terminated.Load() }

func (p *Process) propagate(reason signal.ExitReason) {
	p.mu.Lock()
	links := make([]signal.PID, 0, len(p.links))
	for pid := range p.links {
		links = append(links, pid)
	}
	monitors := make([]signal.PID, 0, len(p.monitoredBy))
	for pid := range p.monitoredBy {
		monitors = append(monitors, pid)
	}
	p.mu.Unlock()

	for _, pid := range links {
		other, ok := p.table.Lookup(pid)
		if !ok {
			continue
		}
		other.receiveLinkExit(p.pid, reason)
	}
	for _, pid := range monitors {
		other, ok := p.table.Lookup(pid)
		if !ok {
			continue
		}
		_ = other.DeliverMessage(p.pid, MonitorExitTag, ExitNotification{From: p.pid, Reason: reason})
	}
}

// NotifyPeerLinkDied lets a signal source outside this Table --
// internal/transport, when a remote node stops answering heartbeats --
// report that a link partner has died without that partner ever having
// been a local *Process. It runs the same trap-exit-or-cascade decision
// as a local peer's own termination.
func (p *Process) NotifyPeerLinkDied(from signal.PID, reason signal.ExitReason) {
	p.receiveLinkExit(from, reason)
}

// receiveLinkExit implements the Erlang link-propagation rule: a
// trapping process always gets a receivable message; a non-trapping
// process dies too unless the exit was normal.
func (p *Process) receiveLinkExit(from signal.PID, reason signal.ExitReason) {
	if p.trapExit.Load() {
		_ = p.DeliverMessage(from, LinkExitTag, ExitNotification{From: from, Reason: reason})
		return
	}
	if !reason.Normal {
		p.Terminate(signal.ExitReason{Err: fmt.Errorf("linked process %d exited: %v", from, reason)})
	}
}
