package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lunatic-solutions/lunatic/internal/mailbox"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/signal"
)

func spawnBare(t *testing.T, table *Table) *Process {
	t.Helper()
	_, cancel := context.WithCancel(context.Background())
	return table.Spawn(nil, cancel)
}

func TestDeliverMessageThenReceive(t *testing.T) {
	table := NewTable(nil)
	p := spawnBare(t, table)

	if err := p.DeliverMessage(99, 0, "hello"); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := p.Mailbox().Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if sig.Data.(string) != "hello" || sig.From != 99 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestKillTerminatesAndAbortsInstance(t *testing.T) {
	table := NewTable(nil)
	ctx, cancel := context.WithCancel(context.Background())
	p := table.Spawn(nil, cancel)

	if err := p.DeliverKill(1); err != nil {
		t.Fatalf("DeliverKill: %v", err)
	}
	if !p.Terminated() {
		t.Fatal("expected process to be terminated after Kill")
	}
	if !errors.Is(p.Reason().Err, ErrKilled) {
		t.Fatalf("expected ErrKilled, got %v", p.Reason().Err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected instance context to be cancelled by Kill")
	}
	if _, ok := table.Lookup(p.PID()); ok {
		t.Fatal("expected process removed from table after termination")
	}
}

func TestLinkPropagatesAbnormalExit(t *testing.T) {
	table := NewTable(nil)
	a := spawnBare(t, table)
	b := spawnBare(t, table)

	if err := Link(a, b); err != nil {
		t.Fatalf("Link: %v", err)
	}

	a.Terminate(signal.ExitReason{Err: errors.New("boom")})

	if !b.Terminated() {
		t.Fatal("expected linked non-trapping process to terminate")
	}
}

func TestLinkDoesNotPropagateNormalExit(t *testing.T) {
	table := NewTable(nil)
	a := spawnBare(t, table)
	b := spawnBare(t, table)
	if err := Link(a, b); err != nil {
		t.Fatalf("Link: %v", err)
	}

	a.Terminate(signal.ExitReason{Normal: true})

	if b.Terminated() {
		t.Fatal("normal exit must not kill a linked non-trapping process")
	}
}

func TestTrapExitDeliversMessageInsteadOfKilling(t *testing.T) {
	table := NewTable(nil)
	a := spawnBare(t, table)
	b := spawnBare(t, table)
	b.SetTrapExit(true)

	if err := Link(a, b); err != nil {
		t.Fatalf("Link: %v", err)
	}
	a.Terminate(signal.ExitReason{Err: errors.New("boom")})

	if b.Terminated() {
		t.Fatal("trapping process must not be killed by a linked exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := b.Mailbox().Receive(ctx, LinkExitTag)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	note, ok := sig.Data.(ExitNotification)
	if !ok || note.From != a.PID() {
		t.Fatalf("unexpected exit notification: %+v", sig)
	}
}

func TestMonitorNotifiesWithoutLinkingLifetimes(t *testing.T) {
	table := NewTable(nil)
	a := spawnBare(t, table)
	b := spawnBare(t, table)

	if err := Monitor(b, a); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	a.Terminate(signal.ExitReason{Err: errors.New("boom")})

	if b.Terminated() {
		t.Fatal("monitor must never kill the monitoring process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := b.Mailbox().Receive(ctx, MonitorExitTag)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	note := sig.Data.(ExitNotification)
	if note.From != a.PID() {
		t.Fatalf("expected notification from %d, got %d", a.PID(), note.From)
	}
}

func TestUnlinkStopsFuturePropagation(t *testing.T) {
	table := NewTable(nil)
	a := spawnBare(t, table)
	b := spawnBare(t, table)
	if err := Link(a, b); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := Unlink(a, b); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	a.Terminate(signal.ExitReason{Err: errors.New("boom")})
	if b.Terminated() {
		t.Fatal("unlinked process must not be affected by the other's exit")
	}
}

func TestTableSpawnIncrementsMetrics(t *testing.T) {
	m := &metrics.Counters{}
	table := NewTable(m)
	p := spawnBare(t, table)
	p.Terminate(signal.ExitReason{Normal: true})

	snap := m.Snapshot()
	if snap.ProcessesSpawned != 1 || snap.ProcessesTerminated != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestDeliverMessageAfterTerminationFails(t *testing.T) {
	table := NewTable(nil)
	p := spawnBare(t, table)
	p.Terminate(signal.ExitReason{Normal: true})

	if err := p.DeliverMessage(1, 0, "too late"); !errors.Is(err, mailbox.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
