package wasmbin

// RawWriter is the exported counterpart of writer, used by normalize.go to
// hand-assemble instruction sequences (the reduction-counter prologue,
// externref save/drop wrapper bodies) without reaching into this
// package's unexported encoder.
type RawWriter struct {
	w writer
}

func (rw *RawWriter) Byte(bs ...byte) {
	for _, b := range bs {
		rw.w.byte(b)
	}
}

func (rw *RawWriter) U32(v uint32)   { rw.w.u32(v) }
func (rw *RawWriter) S64(v int64)    { rw.w.svarint(v) }
func (rw *RawWriter) Bytes() []byte  { return rw.w.buf }
func (rw *RawWriter) Raw(b []byte)   { rw.w.bytes(b) }

// EncodeU32 varint-encodes v on its own, used for simple custom-section
// payloads such as the normalisation marker.
func EncodeU32(v uint32) []byte {
	var w writer
	w.u32(v)
	return w.buf
}

// DecodeCustomU32 reads a custom section's (name, u32-payload) pair and
// reports whether name matches want.
func DecodeCustomU32(body []byte, want string) (uint32, bool) {
	r := newReader(body)
	name, err := r.name()
	if err != nil || name != want {
		return 0, false
	}
	v, err := r.u32()
	if err != nil {
		return 0, false
	}
	return v, true
}

// ShiftStartSection re-encodes a start section's single funcidx, adding
// shift if it references a (now-renumbered) defined function.
func ShiftStartSection(body []byte, threshold, shift uint32) []byte {
	r := newReader(body)
	idx, err := r.u32()
	if err != nil {
		return body
	}
	if idx >= threshold {
		idx += shift
	}
	var w writer
	w.u32(idx)
	return w.buf
}

// RemapCallTarget rewrites every `call` (0x10) and `ref.func` (0xD2)
// immediate equal to from into to, leaving every other instruction (and
// every other call target) untouched. Used to redirect call sites at an
// externref-wrapped import onto its generated wrapper function.
func RemapCallTarget(body []byte, from, to uint32) []byte {
	r := newReader(body)
	var w writer
	for r.remaining() > 0 {
		start := r.pos
		op, err := r.byte()
		if err != nil {
			w.bytes(r.buf[start:])
			break
		}
		switch op {
		case 0x10, 0xD2: // call, ref.func
			idx, err := r.u32()
			if err != nil {
				w.bytes(r.buf[start:])
				return w.buf
			}
			if idx == from {
				idx = to
			}
			w.byte(op)
			w.u32(idx)
			continue
		}
		if err := skipImmediate(op, r); err != nil {
			w.bytes(r.buf[start:])
			return w.buf
		}
		w.bytes(r.buf[start:r.pos])
	}
	return w.buf
}

// ShiftCallTargets rewrites every `call` (0x10) and `ref.func` (0xD2)
// immediate in body that references a defined function (index >=
// threshold), adding shift, and copies every other instruction through
// unchanged. It rebuilds the byte stream rather than patching in place
// because a shifted index may need a wider LEB128 encoding.
func ShiftCallTargets(body []byte, threshold, shift uint32) []byte {
	r := newReader(body)
	var w writer
	for r.remaining() > 0 {
		start := r.pos
		op, err := r.byte()
		if err != nil {
			w.bytes(r.buf[start:])
			break
		}
		switch op {
		case 0x10, 0xD2: // call, ref.func
			idx, err := r.u32()
			if err != nil {
				w.bytes(r.buf[start:])
				return w.buf
			}
			if idx >= threshold {
				idx += shift
			}
			w.byte(op)
			w.u32(idx)
			continue
		}
		if err := skipImmediate(op, r); err != nil {
			// Fall back to copying the remainder verbatim: this only
			// happens for opcodes FindLoops would also have rejected
			// earlier in the pipeline, so in practice this branch is
			// unreachable by the time ShiftCallTargets runs.
			w.bytes(r.buf[start:])
			return w.buf
		}
		w.bytes(r.buf[start:r.pos])
	}
	return w.buf
}
