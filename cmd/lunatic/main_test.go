package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/signal"
)

func TestExitCodeForNormal(t *testing.T) {
	if got := exitCodeFor(signal.ExitReason{Normal: true}); got != exitNormal {
		t.Fatalf("exitCodeFor(Normal) = %d, want %d", got, exitNormal)
	}
}

func TestExitCodeForKilled(t *testing.T) {
	got := exitCodeFor(signal.ExitReason{Err: proc.ErrKilled})
	if got != exitKilled {
		t.Fatalf("exitCodeFor(Killed) = %d, want %d", got, exitKilled)
	}
}

func TestExitCodeForTrap(t *testing.T) {
	got := exitCodeFor(signal.ExitReason{Err: errors.New("trap: unreachable")})
	if got != exitRuntime {
		t.Fatalf("exitCodeFor(trap) = %d, want %d", got, exitRuntime)
	}
}

func TestLoadOptionalFileConfigMissingPathIsNotAnError(t *testing.T) {
	fc, err := loadOptionalFileConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("loadOptionalFileConfig: %v", err)
	}
	if len(fc.Environment) != 0 {
		t.Fatalf("expected zero FileConfig for a missing default path, got %+v", fc)
	}
}
