// Package signal defines the taxonomy of messages that flow through a
// process's signal queue: ordinary mailbox messages, link/unlink/kill
// control signals, and their monitor-flavored counterparts. The
// scheduler and internal/proc treat every one of these uniformly as a
// Signal so a single priority queue can carry both guest-to-guest
// traffic and supervision events (spec.md components D and H).
package signal

import "fmt"

// Kind identifies what a Signal carries.
type Kind int

const (
	// Message is an ordinary mailbox delivery: a tagged payload sent by
	// another process or the host.
	Message Kind = iota
	// Link establishes a bidirectional link between the sender and the
	// addressed process.
	Link
	// Unlink removes a previously-established link, silently if none
	// exists.
	Unlink
	// Kill requests immediate, non-trappable termination.
	Kill
	// LinkDied is delivered to every linked process when one side of a
	// link terminates; if the recipient traps exits this becomes an
	// ordinary mailbox message instead of propagating as termination.
	LinkDied
	// Monitor starts one-way death notification, independent of links.
	Monitor
	// Demonitor cancels a previously-registered monitor.
	Demonitor
	// MonitorDied is delivered to every process monitoring the process
	// that just terminated. Monitors never propagate termination, unlike
	// LinkDied with trapping disabled.
	MonitorDied
)

func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Link:
		return "link"
	case Unlink:
		return "unlink"
	case Kill:
		return "kill"
	case LinkDied:
		return "link_died"
	case Monitor:
		return "monitor"
	case Demonitor:
		return "demonitor"
	case MonitorDied:
		return "monitor_died"
	default:
		return fmt.Sprintf("signal.Kind(%d)", int(k))
	}
}

// ExitReason describes why a process terminated, carried by LinkDied and
// MonitorDied signals.
type ExitReason struct {
	// Normal is true when the process returned from its entry point
	// without panicking or being killed.
	Normal bool
	// Err is non-nil when termination was caused by a trap (a guest-side
	// panic, an unsupported instruction, an out-of-bounds access) or an
	// explicit Kill.
	Err error
}

func (r ExitReason) String() string {
	if r.Normal {
		return "normal"
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return "killed"
}

// PID identifies a process within its hosting node. It is opaque outside
// this module tree; internal/proc is the only package that mints them.
type PID uint64

// Signal is one entry in a process's signal queue.
type Signal struct {
	Kind Kind

	// From is the sender's PID, zero for host-originated signals that
	// have no process sender (e.g. a supervisor issuing Kill).
	From PID

	// Tag groups related Message signals for selective receive (spec.md
	// component D); zero means untagged.
	Tag uint64

	// Data is the message payload for Message signals. Its concrete type
	// is whatever the guest ABI or host call produced: raw bytes for
	// guest-to-guest sends, or a Go value for host-originated signals
	// consumed only by Go code (never observed by guest bytecode).
	Data any

	// Reason is populated on LinkDied/MonitorDied.
	Reason ExitReason
}

// NewMessage builds a Message signal, the common case for SendMessage.
func NewMessage(from PID, tag uint64, data any) Signal {
	return Signal{Kind: Message, From: from, Tag: tag, Data: data}
}

// NewExit builds a LinkDied or MonitorDied signal reporting why from
// terminated.
func NewExit(kind Kind, from PID, reason ExitReason) Signal {
	return Signal{Kind: kind, From: from, Reason: reason}
}
