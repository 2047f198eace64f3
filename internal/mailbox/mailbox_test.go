package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/lunatic-solutions/lunatic/internal/signal"
)

func TestFIFOReceiveOrder(t *testing.T) {
	m := New()
	m.Push(signal.NewMessage(1, 0, "a"))
	m.Push(signal.NewMessage(1, 0, "b"))

	ctx := context.Background()
	got1, err := m.Receive(ctx, 0)
	if err != nil || got1.Data != "a" {
		t.Fatalf("got %+v, %v", got1, err)
	}
	got2, err := m.Receive(ctx, 0)
	if err != nil || got2.Data != "b" {
		t.Fatalf("got %+v, %v", got2, err)
	}
}

func TestSelectiveReceiveSkipsNonMatching(t *testing.T) {
	m := New()
	m.Push(signal.NewMessage(1, 1, "wrong-tag"))
	m.Push(signal.NewMessage(1, 2, "right-tag"))

	ctx := context.Background()
	got, err := m.Receive(ctx, 2)
	if err != nil || got.Data != "right-tag" {
		t.Fatalf("got %+v, %v", got, err)
	}

	// The skipped message must still be there for a later FIFO receive.
	left, err := m.Receive(ctx, 0)
	if err != nil || left.Data != "wrong-tag" {
		t.Fatalf("expected leftover message, got %+v, %v", left, err)
	}
}

func TestControlSignalsJumpQueue(t *testing.T) {
	m := New()
	m.Push(signal.NewMessage(1, 5, "queued-first"))
	m.Push(signal.Signal{Kind: signal.Kill, From: 2})

	ctx := context.Background()
	got, err := m.Receive(ctx, 5)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Kind != signal.Kill {
		t.Fatalf("expected Kill to be delivered ahead of the tagged message, got %+v", got)
	}
}

func TestReceiveBlocksThenWakesOnPush(t *testing.T) {
	m := New()
	done := make(chan signal.Signal, 1)
	go func() {
		sig, err := m.Receive(context.Background(), 0)
		if err != nil {
			t.Errorf("Receive: %v", err)
			return
		}
		done <- sig
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine block on notEmpty.Wait
	m.Push(signal.NewMessage(1, 0, "late"))

	select {
	case got := <-done:
		if got.Data != "late" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive never woke up")
	}
}

func TestContextCancellationUnblocksReceive(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Receive(ctx, 0)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive never returned after cancellation")
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	m := New()
	errc := make(chan error, 1)
	go func() {
		_, err := m.Receive(context.Background(), 0)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-errc:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive never returned after Close")
	}

	if err := m.Push(signal.NewMessage(1, 0, "x")); err != ErrClosed {
		t.Fatalf("expected Push on closed mailbox to fail, got %v", err)
	}
}

func TestGenericScanPurgesStaleTagIndexEntry(t *testing.T) {
	m := New()
	// Only one message in the mailbox, but it carries a tag. A plain FIFO
	// receive (tag 0) must be able to pick it up, and doing so must not
	// leave a stale pointer behind for a later tagged receive to
	// re-deliver.
	m.Push(signal.NewMessage(1, 7, "once"))

	ctx := context.Background()
	got, err := m.Receive(ctx, 0)
	if err != nil || got.Data != "once" {
		t.Fatalf("got %+v, %v", got, err)
	}

	m.Push(signal.NewMessage(1, 7, "real-second"))
	got2, err := m.Receive(ctx, 7)
	if err != nil || got2.Data != "real-second" {
		t.Fatalf("expected only the fresh message to be delivered, got %+v, %v", got2, err)
	}
}
