package wasmbin

import (
	"bytes"
	"errors"
	"fmt"
)

// Section ids, per the binary format spec.
const (
	SecCustom   byte = 0
	SecType     byte = 1
	SecImport   byte = 2
	SecFunction byte = 3
	SecTable    byte = 4
	SecMemory   byte = 5
	SecGlobal   byte = 6
	SecExport   byte = 7
	SecStart    byte = 8
	SecElement  byte = 9
	SecCode     byte = 10
	SecData     byte = 11
	SecDataCount byte = 12
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d}
var version = []byte{0x01, 0x00, 0x00, 0x00}

// ErrNotWasm is returned when the input lacks the \0asm magic header.
var ErrNotWasm = errors.New("wasmbin: not a WebAssembly binary module")

// Section is one raw section as it appears on the wire: an id and its
// undecoded body. Sections normalize.go needs to inspect get decoded
// on demand from Body; everything else is round-tripped untouched.
type Section struct {
	ID   byte
	Body []byte
}

// Module is a Wasm binary module decomposed into its section sequence.
// Order is preserved exactly (repeated custom sections are legal and
// common, e.g. "name" and producer sections).
type Module struct {
	Sections []Section
}

// Decode parses the section structure of a Wasm binary module without
// interpreting section contents beyond the module header.
func Decode(b []byte) (*Module, error) {
	if len(b) < 8 || !bytes.Equal(b[:4], magic) {
		return nil, ErrNotWasm
	}
	if !bytes.Equal(b[4:8], version) {
		return nil, fmt.Errorf("wasmbin: unsupported module version %x", b[4:8])
	}
	r := newReader(b[8:])
	m := &Module{}
	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: reading size of section %d: %w", id, err)
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("wasmbin: reading body of section %d: %w", id, err)
		}
		m.Sections = append(m.Sections, Section{ID: id, Body: body})
	}
	return m, nil
}

// Encode re-serializes the module's section sequence into a Wasm binary.
func (m *Module) Encode() []byte {
	var w writer
	w.bytes(magic)
	w.bytes(version)
	for _, s := range m.Sections {
		w.byte(s.ID)
		w.u32(uint32(len(s.Body)))
		w.bytes(s.Body)
	}
	return w.buf
}

// Find returns the index of the first section with the given id, or -1.
// Custom sections may repeat; callers matching by id alone always get the
// first occurrence, which is what every rewrite in normalize.go wants
// (the single Type/Import/Function/Global/Export/Code section — a module
// produced by a standard compiler toolchain has at most one of each).
func (m *Module) Find(id byte) int {
	for i, s := range m.Sections {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// FindCustom returns the index of a custom section with the given name,
// or -1. Used for the "lunatic-normalised" idempotence marker.
func (m *Module) FindCustom(name string) int {
	for i, s := range m.Sections {
		if s.ID != SecCustom {
			continue
		}
		r := newReader(s.Body)
		n, err := r.name()
		if err == nil && n == name {
			return i
		}
	}
	return -1
}

// InsertBefore inserts a new section immediately before the first existing
// section whose id is >= than. Per the module validity rules sections must
// appear in increasing id order (custom sections excepted, which may
// appear anywhere); this keeps a freshly-inserted Type/Import/.../Code
// section legally placed without the caller needing to track positions.
func (m *Module) InsertBefore(newSec Section, thanID byte) {
	for i, s := range m.Sections {
		if s.ID >= thanID && s.ID != SecCustom {
			m.Sections = append(m.Sections[:i], append([]Section{newSec}, m.Sections[i:]...)...)
			return
		}
	}
	m.Sections = append(m.Sections, newSec)
}

// Replace overwrites the body of the section at index i.
func (m *Module) Replace(i int, body []byte) {
	m.Sections[i].Body = body
}

// AppendCustom appends a new custom section at the end of the module,
// which is always a legal position for custom sections.
func (m *Module) AppendCustom(name string, payload []byte) {
	var w writer
	w.name(name)
	w.bytes(payload)
	m.Sections = append(m.Sections, Section{ID: SecCustom, Body: w.buf})
}
