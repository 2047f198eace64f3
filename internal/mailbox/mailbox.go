// Package mailbox implements a process's signal queue: an ordered,
// tag-indexed inbox supporting both FIFO receive and Erlang-style
// selective receive by tag (spec.md component D). A tagged receive
// looks its tag up in a per-tag index instead of scanning the whole
// queue; there is no barrier, so messages already queued under that
// tag are still eligible to match.
//
// The teacher's internal/io/conn.ChannelConn moves bytes between two
// goroutines over a pair of unbuffered Go channels; a process mailbox
// has the same "wake up whoever is waiting when something arrives"
// shape but needs a queue a receiver can search and partially drain
// rather than a single-slot rendezvous, so it is built on
// container/list plus sync.Cond instead of a channel.
package mailbox

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/lunatic-solutions/lunatic/internal/signal"
)

// ErrClosed is returned by Push and PopMatching once the mailbox has
// been closed (the owning process has terminated).
var ErrClosed = errors.New("mailbox: closed")

// Mailbox is a single process's inbox. The zero value is not usable;
// construct with New.
type Mailbox struct {
	mu     sync.Mutex
	notEmpty *sync.Cond
	queue  *list.List // of signal.Signal, oldest first
	closed bool

	// tagIndex speeds up Receive(ctx, tag) with tag != 0 for processes that
	// predominantly use selective receive (RPC-style callers): it maps a
	// tag to the list elements currently queued under it, so a selective
	// receive need not walk signals meant for other tags.
	tagIndex map[uint64][]*list.Element
}

// New returns an empty Mailbox.
func New() *Mailbox {
	m := &Mailbox{
		queue:    list.New(),
		tagIndex: make(map[uint64][]*list.Element),
	}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

// Push enqueues sig, waking every blocked receiver so each can recheck
// its own match.
func (m *Mailbox) Push(sig signal.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	el := m.queue.PushBack(sig)
	if sig.Kind == signal.Message && sig.Tag != 0 {
		m.tagIndex[sig.Tag] = append(m.tagIndex[sig.Tag], el)
	}
	m.notEmpty.Broadcast()
	return nil
}

// Close marks the mailbox closed; pending signals are discarded and
// further Push/PopMatching calls fail with ErrClosed. Safe to call more
// than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue.Init()
	m.tagIndex = nil
	m.notEmpty.Broadcast()
}

// Matcher reports whether a queued signal satisfies a selective receive,
// used for control-signal lookups where there is no tag index to help.
type Matcher func(signal.Signal) bool

// Control matches any non-Message signal (link/unlink/kill/monitor
// traffic), which a process's run loop always services ahead of
// ordinary messages regardless of what the guest is selectively
// receiving for.
func Control(sig signal.Signal) bool { return sig.Kind != signal.Message }

// Receive blocks until a Message signal is available, ctx is cancelled,
// or the mailbox is closed. tag == 0 means plain FIFO receive (the first
// queued message, of any tag); tag != 0 uses the index-backed fast path
// described in spec.md §4.D so a process doing request/reply calls in a
// tight loop never pays for an O(n) scan of unrelated traffic. With
// tag != 0, pending control signals (link/unlink/kill/monitor) are
// returned ahead of the tagged message; with tag == 0 only Message
// signals are returned and control signals stay queued.
func (m *Mailbox) Receive(ctx context.Context, tag uint64) (signal.Signal, error) {
	if tag != 0 {
		return m.wait(ctx, func() (*list.Element, bool) {
			if el := m.firstControl(); el != nil {
				return el, true
			}
			if bucket := m.tagIndex[tag]; len(bucket) > 0 {
				el := bucket[0]
				m.tagIndex[tag] = bucket[1:]
				return el, true
			}
			return nil, false
		})
	}
	return m.PopMatching(ctx, func(sig signal.Signal) bool { return sig.Kind == signal.Message })
}

// PopMatching blocks until a signal satisfying match is available, ctx
// is cancelled, or the mailbox is closed. On success it removes and
// returns that signal; signals that don't match remain queued in their
// original order, which is what gives selective receive its "skip
// search" semantics (spec.md §4.D): later receives still see them. This
// always does a linear scan and is the path used for Control lookups,
// where there is no tag to index by.
func (m *Mailbox) PopMatching(ctx context.Context, match Matcher) (signal.Signal, error) {
	return m.wait(ctx, func() (*list.Element, bool) {
		for el := m.queue.Front(); el != nil; el = el.Next() {
			if match(el.Value.(signal.Signal)) {
				return el, true
			}
		}
		return nil, false
	})
}

// wait repeatedly invokes find under the mailbox lock until it returns a
// match, ctx is done, or the mailbox closes.
func (m *Mailbox) wait(ctx context.Context, find func() (*list.Element, bool)) (signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A goroutine to translate ctx cancellation into a Broadcast; cheap
	// relative to a process lifetime and avoids polling.
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.notEmpty.Broadcast()
				m.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if m.closed {
			return signal.Signal{}, ErrClosed
		}
		if el, ok := find(); ok {
			sig := el.Value.(signal.Signal)
			m.queue.Remove(el)
			// A tagged message may have been picked up here via the plain
			// FIFO/Control scan rather than popped off its own tagIndex
			// bucket; drop the now-stale pointer so a later tagged Receive
			// can't redeliver it.
			if sig.Kind == signal.Message && sig.Tag != 0 {
				m.removeFromIndex(sig.Tag, el)
			}
			return sig, nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return signal.Signal{}, ctx.Err()
			default:
			}
		}
		m.notEmpty.Wait()
	}
}

func (m *Mailbox) removeFromIndex(tag uint64, target *list.Element) {
	bucket := m.tagIndex[tag]
	for i, el := range bucket {
		if el == target {
			m.tagIndex[tag] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (m *Mailbox) firstControl() *list.Element {
	for el := m.queue.Front(); el != nil; el = el.Next() {
		if el.Value.(signal.Signal).Kind != signal.Message {
			return el
		}
	}
	return nil
}
