// Package scheduler implements the work-stealing executor (spec.md
// component E): a fixed pool of worker goroutines, sized to match the
// container's CPU quota via go.uber.org/automaxprocs, each draining a
// local run queue and stealing from siblings when idle. Runnable units
// are opaque Task closures. Processes do not run here: each runs on its
// own goroutine (environment.Spawn), and the pool carries short
// background tasks such as the CLI's metrics reporter.
//
// Grounded on the go-utilpkg example's use of automaxprocs to size a
// host program's worker count to its cgroup CPU quota rather than the
// (often wrong, in a container) value GOMAXPROCS defaults to, and on
// the errgroup-based supervised-goroutine-group pattern the auleOS
// example uses for its own background worker lifecycle.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/lunatic-solutions/lunatic/internal/log"
)

// Task is one schedulable unit of work: resume a process until it
// yields, blocks on its mailbox, or terminates. Returning (true, nil)
// tells the scheduler the task has more work and should be re-enqueued;
// (false, nil) means the task is done (blocked or terminated) and will
// be re-enqueued by whatever wakes it (a mailbox push, an I/O
// completion). A non-nil error stops the whole scheduler, as would an
// unrecoverable host-side fault.
type Task interface {
	Run(ctx context.Context) (runnable bool, err error)
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context) (bool, error)

func (f TaskFunc) Run(ctx context.Context) (bool, error) { return f(ctx) }

// ErrStopped is returned by Spawn once the scheduler has been shut down.
var ErrStopped = errors.New("scheduler: stopped")

// Options configures a Scheduler.
type Options struct {
	// Workers overrides the automatic worker count (0 means derive it
	// from automaxprocs/runtime.GOMAXPROCS).
	Workers int
	Logger  *log.Logger
}

// Scheduler owns a fixed pool of worker goroutines and their local run
// queues.
type Scheduler struct {
	logger *log.Logger

	workers []*worker
	rng     *rand.Rand
	rngMu   sync.Mutex

	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	nextWorker atomic.Uint64
}

type worker struct {
	id    int
	mu    sync.Mutex
	queue []Task
}

// New builds and starts a Scheduler. The returned Scheduler runs until
// Shutdown is called or a Task returns a non-nil error.
func New(ctx context.Context, opts Options) *Scheduler {
	// automaxprocs adjusts runtime.GOMAXPROCS to the container's CPU
	// quota as a side effect; the undo function is only needed if the
	// caller wants to reset GOMAXPROCS afterward, which a long-running
	// host process never does.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.LDebugf(opts.Logger, format, args...)
	})); err != nil {
		log.LWarnf(opts.Logger, "scheduler: automaxprocs.Set: %v", err)
	}

	n := opts.Workers
	if n <= 0 {
		n = workerCount()
	}

	sctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(sctx)

	s := &Scheduler{
		logger:  opts.Logger,
		rng:     rand.New(rand.NewSource(1)),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
		workers: make([]*worker, n),
	}
	for i := range s.workers {
		s.workers[i] = &worker{id: i}
	}
	for i := range s.workers {
		w := s.workers[i]
		s.group.Go(func() error { return s.runWorker(gctx, w) })
	}
	return s
}

// Spawn enqueues t on the least-loaded worker (approximated by
// round-robin, which spec.md §4.E leaves as an implementation detail: a
// fresh process has no history to load-balance on, so round robin is as
// good as any heuristic until it starts accumulating run time that
// stealing can rebalance).
func (s *Scheduler) Spawn(t Task) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	idx := int(s.nextWorker.Add(1)-1) % len(s.workers)
	s.workers[idx].push(t)
	return nil
}

// Wake re-enqueues a task that became runnable again (e.g. a mailbox
// push unblocked a selective receive). Semantically identical to Spawn;
// kept as a distinct name because the call sites read very differently
// (process creation vs. resumption).
func (s *Scheduler) Wake(t Task) error { return s.Spawn(t) }

// Shutdown stops every worker once their current task finishes and
// waits for them to exit.
func (s *Scheduler) Shutdown() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return s.group.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, w *worker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t, ok := w.pop()
		if !ok {
			t, ok = s.steal(w)
		}
		if !ok {
			// Nothing runnable anywhere right now; yield the OS thread
			// briefly rather than spinning. A production scheduler would
			// park on a condition variable signaled by Spawn/Wake; the
			// busy-poll here is the documented simplification (see
			// DESIGN.md) given this runtime's scale target.
			runtimeGosched()
			continue
		}

		runnable, err := t.Run(ctx)
		if err != nil {
			return err
		}
		if runnable {
			w.push(t)
		}
	}
}

// steal takes one task from the first sibling worker that has one,
// scanning in a random rotation so repeated steal failures don't all
// retry the same (likely also-empty) sibling first. Queue lengths are
// not compared.
func (s *Scheduler) steal(self *worker) (Task, bool) {
	s.rngMu.Lock()
	start := s.rng.Intn(len(s.workers))
	s.rngMu.Unlock()

	for i := 0; i < len(s.workers); i++ {
		idx := (start + i) % len(s.workers)
		victim := s.workers[idx]
		if victim == self {
			continue
		}
		if t, ok := victim.popBack(); ok {
			return t, true
		}
	}
	return nil, false
}

func (w *worker) push(t Task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()
}

// pop takes from the front, the worker's own preferred order (roughly
// FIFO fairness among a worker's own processes).
func (w *worker) pop() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	return t, true
}

// popBack takes from the back, so a thief and the queue's owner touch
// opposite ends and contend less than they would both popping the
// front.
func (w *worker) popBack() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	last := len(w.queue) - 1
	t := w.queue[last]
	w.queue = w.queue[:last]
	return t, true
}
