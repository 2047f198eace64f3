// Package process is the public, embedder-facing counterpart to
// internal/proc: a Handle wraps a PID plus the Environment it lives in,
// offering the same spawn/send/receive/link/kill operations a guest
// gets through the lunatic:: host namespace, but as plain Go method
// calls for a host-side caller -- the CLI's bootstrap process, an
// embedding application, or a test -- that never touches Wasm itself
// (spec.md §4.C, "exposed as a plain Go method on *process.Handle for
// host-side embedders").
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/signal"
)

// Env is the subset of *environment.Environment a Handle needs. Kept as
// an interface (rather than importing the environment package directly)
// so this package has no import-cycle risk if environment ever needs to
// hand out Handles itself.
type Env interface {
	Spawn(ctx context.Context, entry string) (signal.PID, error)
	Resolve(pid signal.PID) (proc.SignalTarget, bool)
}

// Handle is a live reference to one process within an Environment.
type Handle struct {
	env Env
	pid signal.PID
}

// Spawn starts a new process running entry in env and returns a Handle
// to it.
func Spawn(ctx context.Context, env Env, entry string) (*Handle, error) {
	pid, err := env.Spawn(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &Handle{env: env, pid: pid}, nil
}

// Wrap builds a Handle for a PID the caller already knows about (e.g.
// the CLI's own synthetic root process, registered directly against a
// proc.Table rather than spawned from a guest entry point).
func Wrap(env Env, pid signal.PID) *Handle {
	return &Handle{env: env, pid: pid}
}

// PID returns the wrapped process id.
func (h *Handle) PID() signal.PID { return h.pid }

func (h *Handle) target() (proc.SignalTarget, error) {
	t, ok := h.env.Resolve(h.pid)
	if !ok {
		return nil, fmt.Errorf("process: %d is no longer resolvable", h.pid)
	}
	return t, nil
}

// Send delivers data to h under tag, from the given sender pid (0 for a
// host-originated send with no process identity of its own).
func (h *Handle) Send(from signal.PID, tag uint64, data []byte) error {
	t, err := h.target()
	if err != nil {
		return err
	}
	return t.DeliverMessage(from, tag, data)
}

// Kill requests immediate, non-trappable termination of h.
func (h *Handle) Kill(from signal.PID) error {
	t, err := h.target()
	if err != nil {
		return err
	}
	return t.DeliverKill(from)
}

// Link establishes a bidirectional link between a and b.
func Link(a, b *Handle) error {
	ta, err := a.target()
	if err != nil {
		return err
	}
	tb, err := b.target()
	if err != nil {
		return err
	}
	if err := tb.DeliverLink(a.pid); err != nil {
		return err
	}
	return ta.DeliverLink(b.pid)
}

// CallWithDeadline implements the request/reply pattern: it sends data
// to h under tag, then blocks (bounded by deadline) for a reply
// targeted back at replyMailbox under the same tag -- the common
// pattern guest code uses lunatic::send + lunatic::receive(tag) for,
// exposed here for host-side callers that want the same round trip
// without writing their own wait loop.
func CallWithDeadline(ctx context.Context, h *Handle, from signal.PID, tag uint64, data []byte, replyMailbox *proc.Process, deadline time.Duration) (signal.Signal, error) {
	if err := h.Send(from, tag, data); err != nil {
		return signal.Signal{}, fmt.Errorf("process: CallWithDeadline: send: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	reply, err := replyMailbox.Mailbox().Receive(callCtx, tag)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("process: CallWithDeadline: %w", err)
	}
	return reply, nil
}
