package proc

import (
	"context"
	"fmt"
	"sync"
)

// Resource is anything a process acquires that must be released when
// the process terminates, normally or not: an open file, a TCP
// connection, a TLS stream, a child timer. spec.md §4.C calls this out
// explicitly as the "scoped release" requirement.
type Resource interface {
	Release(ctx context.Context) error
}

// ResourceTable tracks every Resource a process currently holds, keyed
// by an opaque handle.
type ResourceTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]Resource
	order   []uint64 // acquisition order, for reverse-order release
}

// NewResourceTable returns an empty table.
func NewResourceTable() *ResourceTable {
	return &ResourceTable{entries: make(map[uint64]Resource)}
}

// Acquire stores r and returns the handle the guest should hold onto.
func (t *ResourceTable) Acquire(r Resource) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.entries[h] = r
	t.order = append(t.order, h)
	return h
}

// Get returns the resource for handle h.
func (t *ResourceTable) Get(h uint64) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[h]
	return r, ok
}

// Release releases and forgets the resource at handle h, if present.
func (t *ResourceTable) Release(ctx context.Context, h uint64) error {
	t.mu.Lock()
	r, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
		for i, oh := range t.order {
			if oh == h {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Release(ctx)
}

// ReleaseAll releases every held resource in reverse acquisition order,
// collecting (not stopping on) individual errors -- termination must
// not abandon later resources because an earlier one failed to close
// cleanly.
func (t *ResourceTable) ReleaseAll(ctx context.Context) error {
	t.mu.Lock()
	order := append([]uint64(nil), t.order...)
	t.order = nil
	entries := t.entries
	t.entries = make(map[uint64]Resource)
	t.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		h := order[i]
		r, ok := entries[h]
		if !ok {
			continue
		}
		if err := r.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resource %d: %w", h, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("proc: %d resource(s) failed to release: %w", len(errs), errs[0])
}
