package normalize

import "github.com/lunatic-solutions/lunatic/internal/wasmbin"

// wrapHeapProfiler rewrites each of malloc/calloc/realloc/aligned_alloc/
// free (whichever the module actually exports) into a trampoline that
// forwards to the original implementation, then reports the call and its
// result to an imported heap_profiler::<fn>_profiler host function,
// before returning the original result to the caller. Spec.md §4.A.3.
func (n *normaliser) wrapHeapProfiler() error {
	threshold := n.opts.ReductionThreshold
	for _, name := range heapProfilerFuncs {
		expIdx := n.findFuncExport(name)
		if expIdx < 0 {
			continue
		}
		origFuncIdx := n.exports[expIdx].Index
		origType, ok := n.funcType(origFuncIdx)
		if !ok {
			continue
		}

		profilerParams := append(append([]wasmbin.ValType{}, origType.Params...), origType.Results...)
		profilerTypeIdx := n.internType(wasmbin.FuncType{Params: profilerParams})
		profilerImportIdx, shift := n.appendFuncImport("heap_profiler", name+"_profiler", profilerTypeIdx)
		if shift > 0 {
			n.shiftDefinedFuncIndices(shift)
			origFuncIdx += shift
		}

		reductionGlobal := uint32(len(n.globals) - 1) // appended once by ensureReductionGlobal
		yieldFuncIdx, yshift := n.ensureYieldImport()
		if yshift > 0 {
			n.shiftDefinedFuncIndices(yshift)
			origFuncIdx += yshift
		}

		wrapperTypeIdx := n.internType(origType)
		n.funcs = append(n.funcs, wrapperTypeIdx)
		body := buildYieldPrologue(reductionGlobal, yieldFuncIdx, threshold)
		body = append(body, buildHeapProfilerWrapper(origType, origFuncIdx, profilerImportIdx)...)
		n.code = append(n.code, wasmbin.Func{Locals: localsForResult(origType), Body: body})

		n.exports[expIdx].Index = n.firstDefinedFuncIndex() + uint32(len(n.funcs)) - 1
	}
	return nil
}

func (n *normaliser) findFuncExport(name string) int {
	for i, e := range n.exports {
		if e.Kind == wasmbin.ExportFunc && e.Name == name {
			return i
		}
	}
	return -1
}

func (n *normaliser) firstDefinedFuncIndex() uint32 {
	var count uint32
	for _, imp := range n.imports {
		if imp.Kind == wasmbin.ImportFunc {
			count++
		}
	}
	return count
}

// funcType resolves the signature of a function by its index in the
// combined import+defined function index space.
func (n *normaliser) funcType(idx uint32) (wasmbin.FuncType, bool) {
	var funcImportCount uint32
	for _, imp := range n.imports {
		if imp.Kind != wasmbin.ImportFunc {
			continue
		}
		if funcImportCount == idx {
			if int(imp.TypeIdx) < len(n.types) {
				return n.types[imp.TypeIdx], true
			}
			return wasmbin.FuncType{}, false
		}
		funcImportCount++
	}
	definedIdx := idx - funcImportCount
	if int(definedIdx) >= len(n.funcs) {
		return wasmbin.FuncType{}, false
	}
	typeIdx := n.funcs[definedIdx]
	if int(typeIdx) >= len(n.types) {
		return wasmbin.FuncType{}, false
	}
	return n.types[typeIdx], true
}

// appendFuncImport always appends a new function import (unlike
// ensureYieldImport, it never deduplicates against an existing entry,
// since heap_profiler::<fn>_profiler names are unique per call site) and
// reports the shift the caller must apply via shiftDefinedFuncIndices.
func (n *normaliser) appendFuncImport(module, field string, typeIdx uint32) (idx uint32, shift uint32) {
	idx = n.firstDefinedFuncIndex()
	n.imports = append(n.imports, wasmbin.Import{Module: module, Field: field, Kind: wasmbin.ImportFunc, TypeIdx: typeIdx})
	return idx, 1
}

func localsForResult(ft wasmbin.FuncType) []wasmbin.LocalDecl {
	if len(ft.Results) != 1 {
		return nil
	}
	return []wasmbin.LocalDecl{{Count: 1, Type: ft.Results[0]}}
}

// buildHeapProfilerWrapper encodes:
//
//	local.get 0..n-1; call orig
//	[local.set result]
//	local.get 0..n-1; [local.get result]; call profiler
//	[local.get result]
//	end
func buildHeapProfilerWrapper(ft wasmbin.FuncType, origFuncIdx, profilerImportIdx uint32) []byte {
	resultLocal := uint32(len(ft.Params)) // declared locals start right after the parameters
	hasResult := len(ft.Results) == 1

	var w wasmbin.RawWriter
	for i := range ft.Params {
		w.Byte(0x20) // local.get
		w.U32(uint32(i))
	}
	w.Byte(0x10) // call
	w.U32(origFuncIdx)
	if hasResult {
		w.Byte(0x21) // local.set
		w.U32(resultLocal)
	}
	for i := range ft.Params {
		w.Byte(0x20) // local.get
		w.U32(uint32(i))
	}
	if hasResult {
		w.Byte(0x20) // local.get
		w.U32(resultLocal)
	}
	w.Byte(0x10) // call
	w.U32(profilerImportIdx)
	if hasResult {
		w.Byte(0x20) // local.get
		w.U32(resultLocal)
	}
	w.Byte(0x0B) // end
	return w.Bytes()
}
