package wasmbin

import "fmt"

// ValType is a Wasm value type byte (i32=0x7f, i64=0x7e, f32=0x7d, f64=0x7c,
// funcref=0x70, externref=0x6f).
type ValType byte

const (
	ValI32       ValType = 0x7f
	ValI64       ValType = 0x7e
	ValF32       ValType = 0x7d
	ValF64       ValType = 0x7c
	ValFuncref   ValType = 0x70
	ValExternref ValType = 0x6f
)

// FuncType is a decoded entry of the type section.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// DecodeTypeSection decodes the full vector of function types.
func DecodeTypeSection(body []byte) ([]FuncType, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.byte()
		if err != nil {
			return nil, err
		}
		if form != 0x60 {
			return nil, fmt.Errorf("wasmbin: type %d: unsupported form 0x%x", i, form)
		}
		ft, err := decodeOneFuncType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, nil
}

func decodeOneFuncType(r *reader) (FuncType, error) {
	var ft FuncType
	np, err := r.u32()
	if err != nil {
		return ft, err
	}
	for i := uint32(0); i < np; i++ {
		b, err := r.byte()
		if err != nil {
			return ft, err
		}
		ft.Params = append(ft.Params, ValType(b))
	}
	nr, err := r.u32()
	if err != nil {
		return ft, err
	}
	for i := uint32(0); i < nr; i++ {
		b, err := r.byte()
		if err != nil {
			return ft, err
		}
		ft.Results = append(ft.Results, ValType(b))
	}
	return ft, nil
}

// EncodeTypeSection re-encodes a vector of function types.
func EncodeTypeSection(types []FuncType) []byte {
	var w writer
	w.u32(uint32(len(types)))
	for _, ft := range types {
		w.byte(0x60)
		w.u32(uint32(len(ft.Params)))
		for _, p := range ft.Params {
			w.byte(byte(p))
		}
		w.u32(uint32(len(ft.Results)))
		for _, rt := range ft.Results {
			w.byte(byte(rt))
		}
	}
	return w.buf
}

// Table is a decoded entry of the table section: an element type (only
// ValFuncref and ValExternref are legal) and its size limits.
type Table struct {
	RefType ValType
	Flags   byte // bit 0: Max is present
	Min     uint32
	Max     uint32
}

// DecodeTableSection decodes the vector of table entries.
func DecodeTableSection(body []byte) ([]Table, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Table, 0, count)
	for i := uint32(0); i < count; i++ {
		rt, err := r.byte()
		if err != nil {
			return nil, err
		}
		flags, err := r.byte()
		if err != nil {
			return nil, err
		}
		min, err := r.u32()
		if err != nil {
			return nil, err
		}
		t := Table{RefType: ValType(rt), Flags: flags, Min: min}
		if flags&0x01 != 0 {
			if t.Max, err = r.u32(); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// EncodeTableSection re-encodes the vector of table entries.
func EncodeTableSection(tables []Table) []byte {
	var w writer
	w.u32(uint32(len(tables)))
	for _, t := range tables {
		w.byte(byte(t.RefType))
		w.byte(t.Flags)
		w.u32(t.Min)
		if t.Flags&0x01 != 0 {
			w.u32(t.Max)
		}
	}
	return w.buf
}

// ImportKind identifies what an import entry refers to.
type ImportKind byte

const (
	ImportFunc   ImportKind = 0
	ImportTable  ImportKind = 1
	ImportMemory ImportKind = 2
	ImportGlobal ImportKind = 3
)

// Import is a decoded entry of the import section. Only the function-kind
// fields (TypeIdx) are populated for non-func imports' purposes; Raw holds
// the exact remaining descriptor bytes so table/memory/global imports
// round-trip untouched.
type Import struct {
	Module string
	Field  string
	Kind   ImportKind
	// TypeIdx is valid when Kind == ImportFunc.
	TypeIdx uint32
	// Raw holds the encoded descriptor bytes following Kind for
	// non-function imports (limits for table/memory, valtype+mut for
	// global), so they can be re-emitted without understanding them.
	Raw []byte
}

// DecodeImportSection decodes the full vector of import entries.
func DecodeImportSection(body []byte) ([]Import, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := r.name()
		if err != nil {
			return nil, err
		}
		field, err := r.name()
		if err != nil {
			return nil, err
		}
		kindByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		imp := Import{Module: mod, Field: field, Kind: ImportKind(kindByte)}
		switch imp.Kind {
		case ImportFunc:
			idx, err := r.u32()
			if err != nil {
				return nil, err
			}
			imp.TypeIdx = idx
		case ImportTable:
			// reftype(1) + limits(flags(1) + min(varu32) [+ max(varu32)])
			start := r.pos
			if _, err := r.byte(); err != nil { // reftype
				return nil, err
			}
			if err := skipLimits(r); err != nil {
				return nil, err
			}
			imp.Raw = append([]byte(nil), r.buf[start:r.pos]...)
		case ImportMemory:
			start := r.pos
			if err := skipLimits(r); err != nil {
				return nil, err
			}
			imp.Raw = append([]byte(nil), r.buf[start:r.pos]...)
		case ImportGlobal:
			start := r.pos
			if _, err := r.byte(); err != nil { // valtype
				return nil, err
			}
			if _, err := r.byte(); err != nil { // mutability
				return nil, err
			}
			imp.Raw = append([]byte(nil), r.buf[start:r.pos]...)
		default:
			return nil, fmt.Errorf("wasmbin: import %d: unknown kind %d", i, kindByte)
		}
		out = append(out, imp)
	}
	return out, nil
}

func skipLimits(r *reader) error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.u32(); err != nil { // min
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.u32(); err != nil { // max
			return err
		}
	}
	return nil
}

// EncodeImportSection re-encodes a vector of import entries.
func EncodeImportSection(imports []Import) []byte {
	var w writer
	w.u32(uint32(len(imports)))
	for _, imp := range imports {
		w.name(imp.Module)
		w.name(imp.Field)
		w.byte(byte(imp.Kind))
		switch imp.Kind {
		case ImportFunc:
			w.u32(imp.TypeIdx)
		default:
			w.bytes(imp.Raw)
		}
	}
	return w.buf
}

// DecodeFunctionSection decodes the vector of type indices for
// module-defined functions (one entry per function in the code section,
// in the same order).
func DecodeFunctionSection(body []byte) ([]uint32, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// EncodeFunctionSection re-encodes the vector of type indices.
func EncodeFunctionSection(typeIdxs []uint32) []byte {
	var w writer
	w.u32(uint32(len(typeIdxs)))
	for _, idx := range typeIdxs {
		w.u32(idx)
	}
	return w.buf
}

// Global is a decoded entry of the global section.
type Global struct {
	Type    ValType
	Mutable bool
	// InitExpr holds the constant init expression bytes, including the
	// trailing 0x0B end opcode.
	InitExpr []byte
}

// DecodeGlobalSection decodes the vector of global entries.
func DecodeGlobalSection(body []byte) ([]Global, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		vt, err := r.byte()
		if err != nil {
			return nil, err
		}
		mutByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		start := r.pos
		if err := skipConstExpr(r); err != nil {
			return nil, err
		}
		out = append(out, Global{
			Type:     ValType(vt),
			Mutable:  mutByte != 0,
			InitExpr: append([]byte(nil), r.buf[start:r.pos]...),
		})
	}
	return out, nil
}

// skipConstExpr advances r past a constant init expression (a handful of
// opcodes followed by 0x0B). Sufficient for the i32.const/i64.const/
// f32.const/f64.const/global.get forms every real-world compiler emits.
func skipConstExpr(r *reader) error {
	for {
		op, err := r.byte()
		if err != nil {
			return err
		}
		if op == 0x0B {
			return nil
		}
		switch op {
		case 0x41: // i32.const
			if _, err := r.svarint(); err != nil {
				return err
			}
		case 0x42: // i64.const
			if _, err := r.svarint(); err != nil {
				return err
			}
		case 0x43: // f32.const
			if _, err := r.bytes(4); err != nil {
				return err
			}
		case 0x44: // f64.const
			if _, err := r.bytes(8); err != nil {
				return err
			}
		case 0x23: // global.get
			if _, err := r.u32(); err != nil {
				return err
			}
		case 0xD0: // ref.null
			if _, err := r.byte(); err != nil {
				return err
			}
		case 0xD2: // ref.func
			if _, err := r.u32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("wasmbin: unsupported const-expr opcode 0x%x", op)
		}
	}
}

// EncodeGlobalSection re-encodes the vector of global entries.
func EncodeGlobalSection(globals []Global) []byte {
	var w writer
	w.u32(uint32(len(globals)))
	for _, g := range globals {
		w.byte(byte(g.Type))
		if g.Mutable {
			w.byte(1)
		} else {
			w.byte(0)
		}
		w.bytes(g.InitExpr)
	}
	return w.buf
}

// ExportKind mirrors ImportKind for the export section.
type ExportKind byte

const (
	ExportFunc   ExportKind = 0
	ExportTable  ExportKind = 1
	ExportMemory ExportKind = 2
	ExportGlobal ExportKind = 3
)

// Export is a decoded entry of the export section.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// DecodeExportSection decodes the vector of export entries.
func DecodeExportSection(body []byte) ([]Export, error) {
	r := newReader(body)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = append(out, Export{Name: name, Kind: ExportKind(kind), Index: idx})
	}
	return out, nil
}

// EncodeExportSection re-encodes the vector of export entries.
func EncodeExportSection(exports []Export) []byte {
	var w writer
	w.u32(uint32(len(exports)))
	for _, e := range exports {
		w.name(e.Name)
		w.byte(byte(e.Kind))
		w.u32(e.Index)
	}
	return w.buf
}
