package transport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lunatic-solutions/lunatic/internal/proc"
)

func spawnLocal(t *testing.T, table *proc.Table) *proc.Process {
	t.Helper()
	_, cancel := context.WithCancel(context.Background())
	return table.Spawn(nil, cancel)
}

func TestRemoteHandleDeliversMessageAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tableA := proc.NewTable(nil)
	tableB := proc.NewTable(nil)
	nodeA := New(uuid.New(), tableA, nil, nil)
	nodeB := New(uuid.New(), tableB, nil, nil)
	defer nodeA.Close()
	defer nodeB.Close()

	require.NoError(t, nodeB.Listen(ctx, "127.0.0.1:0"))
	addr := nodeB.listener.Addr().String()

	remoteNodeID, err := nodeA.Dial(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, nodeB.ID, remoteNodeID)

	receiver := spawnLocal(t, tableB)
	sender := spawnLocal(t, tableA)

	handle := NewRemoteHandle(nodeA, remoteNodeID, receiver.PID(), sender.PID())
	require.NoError(t, handle.DeliverMessage(sender.PID(), 42, []byte("hello across nodes")))

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	sig, err := receiver.Mailbox().Receive(rctx, 42)
	require.NoError(t, err)
	require.Equal(t, sender.PID(), sig.From)
	require.Equal(t, []byte("hello across nodes"), sig.Data)
}

func TestRemoteHandleKillTerminatesRemoteProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tableA := proc.NewTable(nil)
	tableB := proc.NewTable(nil)
	nodeA := New(uuid.New(), tableA, nil, nil)
	nodeB := New(uuid.New(), tableB, nil, nil)
	defer nodeA.Close()
	defer nodeB.Close()

	require.NoError(t, nodeB.Listen(ctx, "127.0.0.1:0"))
	addr := nodeB.listener.Addr().String()
	remoteNodeID, err := nodeA.Dial(ctx, addr)
	require.NoError(t, err)

	victim := spawnLocal(t, tableB)
	killer := spawnLocal(t, tableA)

	handle := NewRemoteHandle(nodeA, remoteNodeID, victim.PID(), killer.PID())
	require.NoError(t, handle.DeliverKill(killer.PID()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if victim.Terminated() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected remote kill to terminate victim process")
}

func TestOnPeerLostNotifiesTrackedLinks(t *testing.T) {
	table := proc.NewTable(nil)
	node := New(uuid.New(), table, nil, nil)
	p := spawnLocal(t, table)
	remoteNode := uuid.New()

	node.TrackLink(remoteNode, p.PID())
	node.onPeerLost(remoteNode)

	if !p.Terminated() {
		t.Fatal("expected non-trapping local process to terminate when its linked node is lost")
	}
	reason := p.Reason()
	if reason.Normal {
		t.Fatal("expected an abnormal termination reason")
	}
}
