// Package registry implements the name+semver process registry (spec.md
// component F): processes register themselves under a name and a
// version, and lookups are satisfied by the highest registered version
// matching a requirement string.
//
// Grounded on github.com/blang/semver/v4, the same semver library the
// kubo example repo in the corpus depends on for its own version
// negotiation. blang/semver's own range syntax (">=1.2.0 <2.0.0",
// "1.x", etc.) doesn't match the npm-style caret/exact syntax spec.md's
// registry examples use, so caret.go translates before calling
// semver.ParseRange.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver/v4"
)

// ErrNotFound is returned when no registered version of a name satisfies
// a lookup's requirement.
type ErrNotFound struct {
	Name        string
	Requirement string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: no version of %q satisfies %q", e.Name, e.Requirement)
}

// PID is an opaque process handle, matching internal/signal.PID's
// underlying representation without importing that package (the
// registry is deliberately ignorant of what a PID means beyond being a
// comparable value to hand back to a caller).
type PID uint64

type entry struct {
	version semver.Version
	pid     PID
}

// Registry maps names to the set of (version, PID) pairs currently
// registered under them.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string][]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string][]entry)}
}

// Register associates name@version with pid. Registering the same
// (name, version) again replaces the previous PID, matching the
// intuition that redeploying a process under the same version number
// takes over its registration (spec.md §4.F has no explicit rule here;
// this is the Open Question resolution recorded in DESIGN.md).
func (r *Registry) Register(name string, version semver.Version, pid PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byName[name]
	for i, e := range list {
		if e.version.EQ(version) {
			list[i].pid = pid
			return
		}
	}
	list = append(list, entry{version: version, pid: pid})
	sort.Slice(list, func(i, j int) bool { return list[i].version.LT(list[j].version) })
	r.byName[name] = list
}

// Unregister removes every version of name registered to pid (a
// process may have failed over across names; this scopes the removal
// to exactly the entries it owns).
func (r *Registry) Unregister(name string, pid PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byName[name]
	out := list[:0]
	for _, e := range list {
		if e.pid != pid {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(r.byName, name)
		return
	}
	r.byName[name] = out
}

// UnregisterPID removes pid from every name it is registered under,
// used when a process terminates (spec.md §4.F, §4.H interaction: a
// dead process's registrations do not linger).
func (r *Registry) UnregisterPID(pid PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, list := range r.byName {
		out := list[:0]
		for _, e := range list {
			if e.pid != pid {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			delete(r.byName, name)
		} else {
			r.byName[name] = out
		}
	}
}

// Lookup returns the PID of the highest registered version of name
// satisfying requirement. requirement may be empty (meaning "any
// version", returning the highest registered), an npm-style caret range
// ("^1.2", "^2"), or an exact pin ("=1.2.3"); see caret.go.
func (r *Registry) Lookup(name, requirement string) (PID, semver.Version, error) {
	rng, err := parseRequirement(requirement)
	if err != nil {
		return 0, semver.Version{}, fmt.Errorf("registry: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byName[name]
	for i := len(list) - 1; i >= 0; i-- { // highest version first
		if rng == nil || rng(list[i].version) {
			return list[i].pid, list[i].version, nil
		}
	}
	return 0, semver.Version{}, &ErrNotFound{Name: name, Requirement: requirement}
}

// Versions returns every version currently registered under name, in
// ascending order.
func (r *Registry) Versions(name string) []semver.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byName[name]
	out := make([]semver.Version, len(list))
	for i, e := range list {
		out[i] = e.version
	}
	return out
}
