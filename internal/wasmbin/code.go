package wasmbin

import "fmt"

// LocalDecl is one run-length-encoded local declaration ("N locals of type T").
type LocalDecl struct {
	Count uint32
	Type  ValType
}

// Func is a decoded entry of the code section: one function body.
type Func struct {
	Locals []LocalDecl
	// Body holds the instruction stream, including the trailing 0x0B
	// (function end), but excluding the locals declarations that precede
	// it on the wire.
	Body []byte
}

// DecodeCodeSection decodes the vector of function bodies.
func DecodeCodeSection(section []byte) ([]Func, error) {
	r := newReader(section)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Func, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		bodyBytes, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		f, err := decodeFunc(bodyBytes)
		if err != nil {
			return nil, fmt.Errorf("wasmbin: func %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeFunc(b []byte) (Func, error) {
	r := newReader(b)
	var f Func
	nDecls, err := r.u32()
	if err != nil {
		return f, err
	}
	for i := uint32(0); i < nDecls; i++ {
		cnt, err := r.u32()
		if err != nil {
			return f, err
		}
		vt, err := r.byte()
		if err != nil {
			return f, err
		}
		f.Locals = append(f.Locals, LocalDecl{Count: cnt, Type: ValType(vt)})
	}
	f.Body = append([]byte(nil), b[r.pos:]...)
	return f, nil
}

// EncodeCodeSection re-encodes the vector of function bodies.
func EncodeCodeSection(funcs []Func) []byte {
	var w writer
	w.u32(uint32(len(funcs)))
	for _, f := range funcs {
		var body writer
		body.u32(uint32(len(f.Locals)))
		for _, d := range f.Locals {
			body.u32(d.Count)
			body.byte(byte(d.Type))
		}
		body.bytes(f.Body)
		w.u32(uint32(len(body.buf)))
		w.bytes(body.buf)
	}
	return w.buf
}

// LoopOffset describes where a loop's body begins within a Func.Body, i.e.
// the byte offset immediately after the loop's blocktype immediate, which
// is where normalize.go splices the reduction-counter prologue.
type LoopOffset struct {
	// BodyStart is the offset (into Func.Body) right after the 0x03 loop
	// opcode and its blocktype immediate.
	BodyStart int
}

// FindLoops walks every instruction in a function body and returns the
// injection point for every `loop` it finds, at any nesting depth. It
// does not need to track matching `end`s for this purpose -- every loop
// opcode found is an independent injection site regardless of nesting.
func FindLoops(body []byte) ([]LoopOffset, error) {
	r := newReader(body)
	var out []LoopOffset
	for r.remaining() > 0 {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		if op == 0x03 { // loop
			if err := skipBlockType(r); err != nil {
				return nil, err
			}
			out = append(out, LoopOffset{BodyStart: r.pos})
			continue
		}
		if err := skipImmediate(op, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func skipBlockType(r *reader) error {
	// blocktype is either 0x40 (empty), a valtype byte, or a signed LEB128
	// s33 type index. We only need to consume the right number of bytes,
	// not interpret the value, so treat it uniformly as a signed varint
	// when the lead byte isn't 0x40 or a known valtype.
	pos := r.pos
	b, err := r.byte()
	if err != nil {
		return err
	}
	switch ValType(b) {
	case 0x40, ValI32, ValI64, ValF32, ValF64, ValFuncref, ValExternref:
		return nil
	default:
		// rewind and parse as s33 (type index)
		r.pos = pos
		_, err := r.svarint()
		return err
	}
}

// skipImmediate advances r past the immediate operand(s) of the
// instruction whose opcode has already been consumed. It covers the
// WebAssembly 1.0 (MVP) instruction set plus sign-extension ops and the
// 0xFC (truncation-saturation / bulk memory) prefix, which is what every
// mainstream compiler (LLVM/Clang, TinyGo, Rust) emits. SIMD (0xFD prefix)
// and the threads proposal are not supported and return an error rather
// than silently producing a corrupt rewrite.
func skipImmediate(op byte, r *reader) error {
	switch op {
	// --- control flow ---
	case 0x00, 0x01: // unreachable, nop
		return nil
	case 0x02, 0x03, 0x04: // block, loop, if
		return skipBlockType(r)
	case 0x05, 0x0B, 0x0F: // else, end, return
		return nil
	case 0x0C, 0x0D: // br, br_if
		_, err := r.u32()
		return err
	case 0x0E: // br_table
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ { // n targets + 1 default
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		return nil
	case 0x10: // call
		_, err := r.u32()
		return err
	case 0x11: // call_indirect
		if _, err := r.u32(); err != nil {
			return err
		}
		_, err := r.u32()
		return err
	case 0x1A, 0x1B: // drop, select
		return nil

	// --- table ops (reference-types proposal; used by externref wrapping) ---
	case 0x25, 0x26: // table.get, table.set: tableidx
		_, err := r.u32()
		return err
	case 0x1C: // select with types
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.bytes(int(n))
		return err

	// --- variable access ---
	case 0x20, 0x21, 0x22, 0x23, 0x24: // local.get/set/tee, global.get/set
		_, err := r.u32()
		return err

	// --- memory ---
	case 0x28, 0x29, 0x2A, 0x2B, 0x2C, 0x2D, 0x2E, 0x2F,
		0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
		0x36, 0x37, 0x38, 0x39,
		0x3A, 0x3B, 0x3C, 0x3D, 0x3E: // all load/store ops: memarg(align,offset)
		if _, err := r.u32(); err != nil {
			return err
		}
		_, err := r.u32()
		return err
	case 0x3F, 0x40: // memory.size, memory.grow
		_, err := r.byte() // reserved 0x00
		return err

	// --- numeric consts ---
	case 0x41: // i32.const
		_, err := r.svarint()
		return err
	case 0x42: // i64.const
		_, err := r.svarint()
		return err
	case 0x43: // f32.const
		_, err := r.bytes(4)
		return err
	case 0x44: // f64.const
		_, err := r.bytes(8)
		return err

	// --- sign extension (non-trapping, mvp-adjacent, widely emitted) ---
	case 0xC0, 0xC1, 0xC2, 0xC3, 0xC4:
		return nil

	// --- ref types (used by externref wrapping) ---
	case 0xD0: // ref.null
		_, err := r.byte()
		return err
	case 0xD1: // ref.is_null
		return nil
	case 0xD2: // ref.func
		_, err := r.u32()
		return err

	case 0xFC: // truncation-saturation / bulk memory, all sub-opcodes take a u32 selector
		sel, err := r.u32()
		if err != nil {
			return err
		}
		switch sel {
		case 0, 1, 2, 3, 4, 5, 6, 7: // trunc_sat variants take no further immediate
			return nil
		case 8: // memory.init: dataidx, memidx(reserved)
			if _, err := r.u32(); err != nil {
				return err
			}
			_, err := r.byte()
			return err
		case 9: // data.drop: dataidx
			_, err := r.u32()
			return err
		case 10: // memory.copy: two reserved bytes
			if _, err := r.byte(); err != nil {
				return err
			}
			_, err := r.byte()
			return err
		case 11: // memory.fill: reserved byte
			_, err := r.byte()
			return err
		case 12: // table.init: elemidx, tableidx
			if _, err := r.u32(); err != nil {
				return err
			}
			_, err := r.u32()
			return err
		case 13: // elem.drop: elemidx
			_, err := r.u32()
			return err
		case 14: // table.copy: dst tableidx, src tableidx
			if _, err := r.u32(); err != nil {
				return err
			}
			_, err := r.u32()
			return err
		case 15, 16, 17: // table.grow, table.size, table.fill: tableidx
			_, err := r.u32()
			return err
		default:
			return fmt.Errorf("wasmbin: unsupported 0xFC sub-opcode %d", sel)
		}

	default:
		// Every remaining opcode in 0x45-0xBF, the MVP numeric
		// instruction set (comparisons, arithmetic, conversions), takes
		// zero immediate bytes; 0xC5-0xCF are accepted the same way.
		// Anything else is rejected.
		if (op >= 0x45 && op <= 0xBF) || (op >= 0xC5 && op <= 0xCF) {
			return nil
		}
		return fmt.Errorf("wasmbin: unsupported opcode 0x%x", op)
	}
}
