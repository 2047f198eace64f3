package environment

import (
	"fmt"

	"github.com/blang/semver/v4"
)

// parseVersion accepts a bare "1.2.3" (what a guest's
// lunatic::register call supplies) as well as a "v"-prefixed form, for
// leniency with guests that borrow Go's own version convention.
func parseVersion(s string) (semver.Version, error) {
	v, err := semver.ParseTolerant(s)
	if err != nil {
		return semver.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}
