package normalize

import (
	"fmt"

	"github.com/lunatic-solutions/lunatic/internal/wasmbin"
)

// Export names for the generated externref helpers, per spec.md §4.A.2.
const (
	externrefSaveExport = "_lunatic_externref_save"
	externrefDropExport = "_lunatic_externref_drop"
)

// wrapExternrefImports implements spec.md §4.A.2's externref plumbing.
// An externref is a Wasm value-type concept the guest module itself
// must carry a table for -- there is no host-function equivalent to
// hand a guest an opaque reference type it can hold onto across calls
// without the module declaring somewhere to put it. So unlike every
// other namespace this runtime exposes, externref support is entirely
// synthesized bytecode: a module-level externref table plus two
// generated, exported functions (_lunatic_externref_save/_drop), and,
// for every import named in ExternrefImports, a generated wrapper that
// translates between the guest's i32 slot handles and real externref
// values at the call boundary. Nothing in internal/hostabi or
// internal/hostns is involved.
func (n *normaliser) wrapExternrefImports() error {
	for _, ref := range n.opts.ExternrefImports {
		if err := n.wrapOneExternrefImport(ref); err != nil {
			return err
		}
	}
	return nil
}

func (n *normaliser) wrapOneExternrefImport(ref ImportRef) error {
	importIdx, originalFT, ok := n.findFuncImport(ref.Module, ref.Field)
	if !ok {
		return fmt.Errorf("normalize: externref import %s::%s not found", ref.Module, ref.Field)
	}
	if ref.ExternrefParam < 0 && !ref.ExternrefResult {
		return nil // declared but carries no externref slot: nothing to wrap
	}

	realFT := wasmbin.FuncType{
		Params:  append([]wasmbin.ValType(nil), originalFT.Params...),
		Results: append([]wasmbin.ValType(nil), originalFT.Results...),
	}
	if ref.ExternrefParam >= 0 {
		if ref.ExternrefParam >= len(realFT.Params) {
			return fmt.Errorf("normalize: externref import %s::%s: param %d out of range", ref.Module, ref.Field, ref.ExternrefParam)
		}
		realFT.Params[ref.ExternrefParam] = wasmbin.ValExternref
	}
	if ref.ExternrefResult {
		if len(realFT.Results) == 0 {
			return fmt.Errorf("normalize: externref import %s::%s: no result to mark as externref", ref.Module, ref.Field)
		}
		realFT.Results[0] = wasmbin.ValExternref
	}

	n.ensureExternrefHelpers()
	n.retypeFuncImport(importIdx, realFT)

	// Redirect every existing call site at the (now differently typed)
	// import onto the wrapper before the wrapper itself exists, so its
	// own call to the real import is never caught by the rewrite.
	wrapperIdx := n.funcImportCount() + uint32(len(n.funcs))
	n.remapCallsTo(importIdx, wrapperIdx)
	n.appendFunc(originalFT, nil, n.buildExternrefWrapper(importIdx, originalFT, ref))
	return nil
}

// ensureExternrefHelpers lazily creates the module-level externref
// table and its _lunatic_externref_save/_drop exports, shared by every
// wrapped import in this Normalise call.
func (n *normaliser) ensureExternrefHelpers() {
	if n.externrefTableIdx >= 0 {
		return
	}
	n.tables = append(n.tables, wasmbin.Table{RefType: wasmbin.ValExternref})
	n.externrefTableIdx = int(n.tableImportCount()) + len(n.tables) - 1
	tbl := uint32(n.externrefTableIdx)

	saveType := wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.ValExternref}, Results: []wasmbin.ValType{wasmbin.ValI32}}
	dropType := wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.ValI32}}

	n.externrefSaveFunc = n.appendFunc(saveType, []wasmbin.LocalDecl{{Count: 2, Type: wasmbin.ValI32}}, buildExternrefSave(tbl))
	n.externrefDropFunc = n.appendFunc(dropType, nil, buildExternrefDrop(tbl))

	n.exports = append(n.exports,
		wasmbin.Export{Name: externrefSaveExport, Kind: wasmbin.ExportFunc, Index: n.externrefSaveFunc},
		wasmbin.Export{Name: externrefDropExport, Kind: wasmbin.ExportFunc, Index: n.externrefDropFunc},
	)
}

// buildExternrefSave assembles:
//
//	(func (param $ref externref) (result i32)
//	  (local $i i32) (local $sz i32)
//	  $sz = table.size tbl
//	  loop scanning i in [0, sz) for a null (free) slot:
//	    found -> table.set tbl $i $ref; return $i
//	  none found -> table.grow tbl $ref by 1, returning the old size,
//	  which is exactly the newly appended slot's index.
func buildExternrefSave(tbl uint32) []byte {
	var w wasmbin.RawWriter

	w.Byte(0xFC)
	w.U32(16) // table.size
	w.U32(tbl)
	w.Byte(0x21) // local.set $sz (local 2)
	w.U32(2)

	w.Byte(0x02, 0x40) // block
	w.Byte(0x03, 0x40) // loop

	w.Byte(0x20) // local.get $i (local 1)
	w.U32(1)
	w.Byte(0x20) // local.get $sz
	w.U32(2)
	w.Byte(0x4E) // i32.ge_s
	w.Byte(0x0D) // br_if
	w.U32(1)     // out of slots to scan: exit to the grow path

	w.Byte(0x20) // local.get $i
	w.U32(1)
	w.Byte(0x25) // table.get
	w.U32(tbl)
	w.Byte(0xD1)       // ref.is_null
	w.Byte(0x04, 0x40) // if
	w.Byte(0x20)       // local.get $i
	w.U32(1)
	w.Byte(0x20) // local.get $ref (local 0)
	w.U32(0)
	w.Byte(0x26) // table.set
	w.U32(tbl)
	w.Byte(0x20) // local.get $i
	w.U32(1)
	w.Byte(0x0F) // return
	w.Byte(0x0B) // end if

	w.Byte(0x20) // local.get $i
	w.U32(1)
	w.Byte(0x41) // i32.const 1
	w.S64(1)
	w.Byte(0x6A) // i32.add
	w.Byte(0x21) // local.set $i
	w.U32(1)
	w.Byte(0x0C) // br
	w.U32(0)     // back to loop header
	w.Byte(0x0B) // end loop
	w.Byte(0x0B) // end block

	w.Byte(0x20) // local.get $ref
	w.U32(0)
	w.Byte(0x41) // i32.const 1 (grow delta)
	w.S64(1)
	w.Byte(0xFC)
	w.U32(15) // table.grow: pops (ref, delta), pushes old size
	w.U32(tbl)
	w.Byte(0x0B) // end func
	return w.Bytes()
}

// buildExternrefDrop nulls out slot $0, recycling it for the next
// buildExternrefSave scan: (func (param $slot i32) ref.null extern;
// table.set tbl $slot).
func buildExternrefDrop(tbl uint32) []byte {
	var w wasmbin.RawWriter
	w.Byte(0x20) // local.get $slot
	w.U32(0)
	w.Byte(0xD0) // ref.null
	w.Byte(byte(wasmbin.ValExternref))
	w.Byte(0x26) // table.set
	w.U32(tbl)
	w.Byte(0x0B) // end func
	return w.Bytes()
}

// buildExternrefWrapper assembles the guest-facing trampoline that
// replaces every call site previously aimed at realImportIdx: it keeps
// originalFT's all-i32 signature, converting the externref slot (if
// any) via table.get before forwarding to the now-externref-typed real
// import, and saving an externref result (if any) back into an i32
// slot via the shared save helper.
func (n *normaliser) buildExternrefWrapper(realImportIdx uint32, originalFT wasmbin.FuncType, ref ImportRef) []byte {
	var w wasmbin.RawWriter
	for i := range originalFT.Params {
		w.Byte(0x20) // local.get i
		w.U32(uint32(i))
		if i == ref.ExternrefParam {
			w.Byte(0x25) // table.get
			w.U32(uint32(n.externrefTableIdx))
		}
	}
	w.Byte(0x10) // call
	w.U32(realImportIdx)
	if ref.ExternrefResult {
		w.Byte(0x10) // call
		w.U32(n.externrefSaveFunc)
	}
	w.Byte(0x0B) // end func
	return w.Bytes()
}
