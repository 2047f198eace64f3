package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

// parseRequirement translates spec.md's npm-style requirement syntax
// into a blang/semver/v4 Range:
//
//   - ""          -> nil (no constraint, matches anything)
//   - "=1.2.3"    -> exact pin
//   - "^1.2.3"    -> >=1.2.3, <2.0.0 (or the next nonzero leading
//     component, following npm's zero-major/zero-minor carve-outs)
//   - "^1.2"      -> >=1.2.0, <2.0.0
//   - "^1"        -> >=1.0.0, <2.0.0
//
// Anything else is passed straight to semver.ParseRange, so a caller who
// already knows blang's own comparator syntax (">=1.2.0 <2.0.0") can use
// it directly.
func parseRequirement(req string) (semver.Range, error) {
	req = strings.TrimSpace(req)
	if req == "" {
		return nil, nil
	}

	if rest, ok := strings.CutPrefix(req, "="); ok {
		v, err := parsePartialVersion(rest)
		if err != nil {
			return nil, fmt.Errorf("exact requirement %q: %w", req, err)
		}
		pinned := v
		return func(candidate semver.Version) bool { return candidate.EQ(pinned) }, nil
	}

	if rest, ok := strings.CutPrefix(req, "^"); ok {
		return caretRange(rest)
	}

	rng, err := semver.ParseRange(req)
	if err != nil {
		return nil, fmt.Errorf("requirement %q: %w", req, err)
	}
	return rng, nil
}

// caretRange builds the [floor, ceiling) range a caret requirement
// describes. partial may omit trailing components ("^1.2" and "^1" are
// both legal), which are treated as zero for the floor.
func caretRange(partial string) (semver.Range, error) {
	major, minor, patch, fieldsGiven, err := parsePartial(partial)
	if err != nil {
		return nil, fmt.Errorf("caret requirement %q: %w", partial, err)
	}

	floor := semver.Version{Major: major, Minor: minor, Patch: patch}

	// npm semantics: bump the leftmost nonzero component given; if
	// everything given is zero, bump the leftmost component actually
	// specified, so "^0.0.3" locks to patch-exact and "^0.0" locks to
	// the 0.0.x line -- this matters for pre-1.0 packages, which spec.md
	// treats as still wanting some flexibility, not a hard pin.
	var ceiling semver.Version
	switch {
	case major > 0 || fieldsGiven < 2:
		ceiling = semver.Version{Major: major + 1}
	case minor > 0 || fieldsGiven < 3:
		ceiling = semver.Version{Major: major, Minor: minor + 1}
	default:
		ceiling = semver.Version{Major: major, Minor: minor, Patch: patch + 1}
	}

	return func(candidate semver.Version) bool {
		return candidate.GTE(floor) && candidate.LT(ceiling)
	}, nil
}

// parsePartial parses a dotted version prefix ("1", "1.2", "1.2.3") into
// its numeric components, reporting how many were actually given.
func parsePartial(s string) (major, minor, patch uint64, fieldsGiven int, err error) {
	parts := strings.SplitN(s, ".", 3)
	vals := make([]uint64, 3)
	for i, p := range parts {
		n, convErr := strconv.ParseUint(p, 10, 64)
		if convErr != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid version component %q: %w", p, convErr)
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], len(parts), nil
}

// parsePartialVersion parses a possibly-partial version for exact pins,
// filling missing trailing components with zero ("=1.2" means "=1.2.0").
func parsePartialVersion(s string) (semver.Version, error) {
	major, minor, patch, _, err := parsePartial(s)
	if err != nil {
		return semver.Version{}, err
	}
	return semver.Version{Major: major, Minor: minor, Patch: patch}, nil
}
