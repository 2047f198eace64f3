package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/lunatic-solutions/lunatic/internal/signal"
)

// kind identifies what an envelope carries across the wire -- the same
// taxonomy internal/signal models locally, flattened to something
// gob-encodable (signal.Signal's Data field is `any`, which gob cannot
// round-trip without knowing the concrete type in advance, so envelope
// carries pre-serialized message bytes instead).
type kind uint8

const (
	kindMessage kind = iota
	kindKill
	kindLink
	kindUnlink
	kindMonitor
	kindDemonitor
	kindHeartbeat
	kindHandshake
)

// envelope is the wire representation of one signal crossing a node
// boundary. Framed as a 4-byte big-endian length prefix followed by a
// gob-encoded envelope, the same length-prefix-plus-payload shape the
// teacher's pipe transports use for their own framing, swapped from raw
// bytes to a structured gob value since a Signal needs more than an
// opaque blob to reconstruct on the other end.
//
// Why gob, not protobuf: SPEC_FULL.md's domain stack calls out
// google.golang.org/protobuf as the teacher's configbuilder dependency,
// but using it here would mean hand-writing .pb.go message structs
// without a protoc toolchain available to generate them -- exactly the
// "fabricated dependency" this corpus's own conventions rule out.
// encoding/gob is the standard library's own answer to the same
// problem (self-describing, typed, streaming wire encoding for Go
// structs); see DESIGN.md's Node Transport entry for the fuller
// justification.
type envelope struct {
	Kind kind
	To   uint64
	From uint64
	Tag  uint64
	Data []byte
	// NodeID is populated only on kindHandshake/kindHeartbeat, announcing
	// the sender's identity.
	NodeID uuid.UUID
}

func writeEnvelope(w io.Writer, env envelope) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(env); err != nil {
		return fmt.Errorf("transport: encoding envelope: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("transport: writing length prefix: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("transport: writing envelope body: %w", err)
	}
	return nil
}

func readEnvelope(r *bufio.Reader) (envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, fmt.Errorf("transport: reading envelope body: %w", err)
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("transport: decoding envelope: %w", err)
	}
	return env, nil
}

func pidFrom(p uint64) signal.PID { return signal.PID(p) }
