// Package transport implements spec.md component G: node-to-node
// signal delivery so a process on one node can send/link/monitor/kill
// a process on another exactly as it would a local one.
//
// RemoteHandle implements internal/proc.SignalTarget, so none of
// internal/hostns's send/link/kill closures need to know whether the
// pid they were handed resolves locally or remotely -- that's decided
// once, when the pid is resolved, not on every delivery.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lunatic-solutions/lunatic/internal/log"
	"github.com/lunatic-solutions/lunatic/internal/metrics"
	"github.com/lunatic-solutions/lunatic/internal/proc"
	"github.com/lunatic-solutions/lunatic/internal/signal"
)

// maxConcurrentDials bounds how many outbound connection attempts (each
// potentially retrying for a while under backoff) a Node runs at once,
// so a peer list with many unreachable addresses can't pile up an
// unbounded number of goroutines stuck in backoff.Retry.
const maxConcurrentDials = 8

// HeartbeatInterval is how often a Node pings each connected peer;
// three consecutive missed heartbeats synthesize a local link-broken
// notification (spec.md §4.G, best-effort by design).
const HeartbeatInterval = 5 * time.Second

const maxMissedHeartbeats = 3

// Node is one node's end of the inter-node transport: it owns inbound
// and outbound connections to peers, keyed by their announced UUID, and
// dispatches inbound envelopes into the local proc.Table.
type Node struct {
	ID     uuid.UUID
	logger *log.Logger
	table  *proc.Table
	metrics *metrics.Counters

	mu    sync.Mutex
	peers map[uuid.UUID]*peerConn
	// linkedLocal tracks, per remote node, which local PIDs currently
	// hold a link to some process on that node -- populated by
	// RemoteHandle.DeliverLink/DeliverUnlink via TrackLink/UntrackLink,
	// consulted when a peer's heartbeat lapses.
	linkedLocal map[uuid.UUID]map[signal.PID]struct{}

	dialSem *semaphore.Weighted

	listener net.Listener
}

type peerConn struct {
	id      uuid.UUID
	conn    net.Conn
	writeMu sync.Mutex
	missed  int32
	missedMu sync.Mutex
}

// New returns a Node identified by id (generate with uuid.New() for a
// fresh node, or restore a persisted id to keep registrations stable
// across restarts).
func New(id uuid.UUID, table *proc.Table, m *metrics.Counters, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	if m == nil {
		m = &metrics.Counters{}
	}
	return &Node{
		ID:          id,
		logger:      logger,
		table:       table,
		metrics:     m,
		peers:       make(map[uuid.UUID]*peerConn),
		linkedLocal: make(map[uuid.UUID]map[signal.PID]struct{}),
		dialSem:     semaphore.NewWeighted(maxConcurrentDials),
	}
}

// Listen accepts inbound peer connections on addr until ctx is
// cancelled or Close is called.
func (n *Node) Listen(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	n.listener = l
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go n.acceptLoop(ctx, l)
	return nil
}

func (n *Node) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.LWarnf(n.logger, "transport: accept: %v", err)
			continue
		}
		go n.handshakeInbound(ctx, conn)
	}
}

// Dial connects to a peer at addr, retrying with exponential backoff
// (cenkalti/backoff/v4, as the kubo example repo uses for its own peer
// dialing) until ctx is cancelled.
func (n *Node) Dial(ctx context.Context, addr string) (uuid.UUID, error) {
	if err := n.dialSem.Acquire(ctx, 1); err != nil {
		return uuid.Nil, fmt.Errorf("transport: acquiring dial slot: %w", err)
	}
	defer n.dialSem.Release(1)

	var conn net.Conn
	op := func() error {
		c, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return uuid.Nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	if err := writeEnvelope(conn, envelope{Kind: kindHandshake, NodeID: n.ID}); err != nil {
		conn.Close()
		return uuid.Nil, err
	}
	r := bufio.NewReader(conn)
	hello, err := readEnvelope(r)
	if err != nil || hello.Kind != kindHandshake {
		conn.Close()
		return uuid.Nil, fmt.Errorf("transport: handshake with %s failed: %w", addr, err)
	}

	n.addPeer(hello.NodeID, conn, r)
	return hello.NodeID, nil
}

func (n *Node) handshakeInbound(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	hello, err := readEnvelope(r)
	if err != nil || hello.Kind != kindHandshake {
		log.LWarnf(n.logger, "transport: inbound handshake failed: %v", err)
		conn.Close()
		return
	}
	if err := writeEnvelope(conn, envelope{Kind: kindHandshake, NodeID: n.ID}); err != nil {
		conn.Close()
		return
	}
	n.addPeer(hello.NodeID, conn, r)
}

func (n *Node) addPeer(id uuid.UUID, conn net.Conn, r *bufio.Reader) {
	pc := &peerConn{id: id, conn: conn}
	n.mu.Lock()
	n.peers[id] = pc
	n.mu.Unlock()

	go n.readLoop(pc, r)
	go n.heartbeatLoop(pc)
}

func (n *Node) readLoop(pc *peerConn, r *bufio.Reader) {
	defer n.dropPeer(pc.id)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			return
		}
		if env.Kind == kindHeartbeat {
			pc.missedMu.Lock()
			pc.missed = 0
			pc.missedMu.Unlock()
			continue
		}
		n.dispatch(pc.id, env)
	}
}

func (n *Node) dispatch(from uuid.UUID, env envelope) {
	target, ok := n.table.Lookup(pidFrom(env.To))
	if !ok {
		return
	}
	sender := pidFrom(env.From)
	switch env.Kind {
	case kindMessage:
		_ = target.DeliverMessage(sender, env.Tag, env.Data)
		n.metrics.SignalsDelivered.Add(1)
	case kindKill:
		_ = target.DeliverKill(sender)
	case kindLink:
		_ = target.DeliverLink(sender)
	case kindUnlink:
		_ = target.DeliverUnlink(sender)
	case kindMonitor:
		_ = target.DeliverMonitor(sender)
	case kindDemonitor:
		_ = target.DeliverDemonitor(sender)
	}
}

func (n *Node) heartbeatLoop(pc *peerConn) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		n.mu.Lock()
		_, alive := n.peers[pc.id]
		n.mu.Unlock()
		if !alive {
			return
		}

		pc.missedMu.Lock()
		pc.missed++
		missed := pc.missed
		pc.missedMu.Unlock()

		if missed > maxMissedHeartbeats {
			n.onPeerLost(pc.id)
			return
		}

		if err := n.send(pc.id, envelope{Kind: kindHeartbeat, NodeID: n.ID}); err != nil {
			n.metrics.TransportReconnects.Add(1)
		}
	}
}

// onPeerLost synthesizes LinkDied for every local process linked to a
// pid on the now-silent node. Best-effort per spec.md §4.G: a peer that
// comes back before its connection is actually severed will simply
// reconnect and nothing here is undone, since there was nothing to
// undo locally -- only the dead peer's own processes were notified.
func (n *Node) onPeerLost(id uuid.UUID) {
	n.mu.Lock()
	pids := n.linkedLocal[id]
	delete(n.linkedLocal, id)
	n.mu.Unlock()

	reason := signal.ExitReason{Err: fmt.Errorf("transport: node %s unreachable", id)}
	for pid := range pids {
		if p, ok := n.table.Lookup(pid); ok {
			// from is reported as 0 (unknown): TrackLink records only
			// node-level link membership, not which specific remote pid
			// a link pointed at, so a whole-node loss can't attribute
			// the notification to one peer process. Acceptable for the
			// best-effort guarantee spec.md §4.G documents.
			p.NotifyPeerLinkDied(0, reason)
		}
	}
	n.dropPeer(id)
}

func (n *Node) dropPeer(id uuid.UUID) {
	n.mu.Lock()
	pc, ok := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

func (n *Node) send(id uuid.UUID, env envelope) error {
	n.mu.Lock()
	pc, ok := n.peers[id]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no connection to node %s", id)
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return writeEnvelope(pc.conn, env)
}

// TrackLink records that localPID now holds a link to some process on
// node id, so a later heartbeat loss on that node knows to notify it.
func (n *Node) TrackLink(id uuid.UUID, localPID signal.PID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.linkedLocal[id] == nil {
		n.linkedLocal[id] = make(map[signal.PID]struct{})
	}
	n.linkedLocal[id][localPID] = struct{}{}
}

// UntrackLink reverses TrackLink.
func (n *Node) UntrackLink(id uuid.UUID, localPID signal.PID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.linkedLocal[id], localPID)
}

// Close tears down every peer connection and stops accepting new ones.
func (n *Node) Close() error {
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	peers := n.peers
	n.peers = make(map[uuid.UUID]*peerConn)
	n.mu.Unlock()
	for _, pc := range peers {
		pc.conn.Close()
	}
	return nil
}

// RemoteHandle stands in for a process living on another node,
// implementing the same proc.SignalTarget interface a local *proc.Process
// does.
type RemoteHandle struct {
	NodeID    uuid.UUID
	ProcessID signal.PID
	node      *Node
	localPID  signal.PID // the local process that resolved this handle, for link tracking
}

// NewRemoteHandle builds a handle a local process (localPID) can use to
// address pid on the node identified by nodeID.
func NewRemoteHandle(node *Node, nodeID uuid.UUID, pid signal.PID, localPID signal.PID) *RemoteHandle {
	return &RemoteHandle{NodeID: nodeID, ProcessID: pid, node: node, localPID: localPID}
}

// PID implements proc.SignalTarget. Remote pids are only unique within
// their own node, so callers must pair this with NodeID to address a
// process unambiguously; SignalTarget's contract doesn't need global
// uniqueness; it only needs comparable delivery targets.
func (h *RemoteHandle) PID() signal.PID { return h.ProcessID }

func (h *RemoteHandle) DeliverMessage(from signal.PID, tag uint64, data any) error {
	payload, _ := data.([]byte)
	return h.node.send(h.NodeID, envelope{Kind: kindMessage, To: uint64(h.ProcessID), From: uint64(from), Tag: tag, Data: payload})
}

func (h *RemoteHandle) DeliverKill(from signal.PID) error {
	return h.node.send(h.NodeID, envelope{Kind: kindKill, To: uint64(h.ProcessID), From: uint64(from)})
}

func (h *RemoteHandle) DeliverLink(from signal.PID) error {
	h.node.TrackLink(h.NodeID, from)
	return h.node.send(h.NodeID, envelope{Kind: kindLink, To: uint64(h.ProcessID), From: uint64(from)})
}

func (h *RemoteHandle) DeliverUnlink(from signal.PID) error {
	h.node.UntrackLink(h.NodeID, from)
	return h.node.send(h.NodeID, envelope{Kind: kindUnlink, To: uint64(h.ProcessID), From: uint64(from)})
}

func (h *RemoteHandle) DeliverMonitor(from signal.PID) error {
	return h.node.send(h.NodeID, envelope{Kind: kindMonitor, To: uint64(h.ProcessID), From: uint64(from)})
}

func (h *RemoteHandle) DeliverDemonitor(from signal.PID) error {
	return h.node.send(h.NodeID, envelope{Kind: kindDemonitor, To: uint64(h.ProcessID), From: uint64(from)})
}
