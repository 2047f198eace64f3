// Package normalize implements the Module Normaliser (spec component A):
// a bytecode-rewriting pass over a compiled-but-not-yet-instantiated Wasm
// binary that injects reduction-counter bookkeeping and conditional yield
// calls on every function prologue and loop back-edge, so that guest code
// compiled with no awareness of cooperative scheduling can still be
// preemptively multiplexed onto a fixed pool of host worker threads (see
// internal/scheduler).
//
// There is no library in this codebase's dependency surface that rewrites
// raw Wasm bytecode at this level -- wazero, which this runtime otherwise
// leans on for everything module/instance related, deliberately keeps its
// binary decoder internal and unexported. This package is therefore the
// one piece of the core built directly against the Wasm binary format
// (github.com/lunatic-solutions/lunatic/internal/wasmbin) rather than a
// third-party library; see DESIGN.md for the standard-library
// justification this project's conventions require for such pieces.
package normalize

import (
	"errors"
	"fmt"

	"github.com/lunatic-solutions/lunatic/internal/wasmbin"
)

// markerSection is the custom section name used to detect a module that
// has already been through Normalise with a given threshold, so repeated
// calls are a byte-for-byte no-op (spec.md §4.A idempotence invariant,
// Testable Property 6).
const markerSection = "lunatic-normalised"

// DefaultReductionThreshold is used when Options.ReductionThreshold is 0.
const DefaultReductionThreshold = 10000

// Options configures a single Normalise call. See spec.md §4.A.
type Options struct {
	// ReductionThreshold is the number of reductions (function entries +
	// loop back-edges) a process may accumulate before yield_ is called.
	// Zero means DefaultReductionThreshold.
	ReductionThreshold uint32

	// HeapProfiler wraps malloc/calloc/realloc/aligned_alloc/free exports
	// (if present) to also report to an imported heap_profiler namespace.
	HeapProfiler bool

	// ExternrefWrap generates i32-handle wrapper functions for imports
	// whose ABI signature declares an externref-typed parameter passed as
	// an i32 slot. ExternrefImports lists which (module, field) imports
	// to wrap; it is consulted only when ExternrefWrap is true, since the
	// binary format alone cannot distinguish an externref-shaped i32 from
	// an ordinary one.
	ExternrefWrap    bool
	ExternrefImports []ImportRef
}

// ImportRef names one import entry by (module, field) and which of its
// i32 slots, per Lunatic's host ABI, actually carries an externref
// rather than a plain integer. At most one slot of each kind is
// supported per import, matching every host function namespace
// SPEC_FULL.md defines (none declares more than one resource handle
// per call).
type ImportRef struct {
	Module string
	Field  string

	// ExternrefParam is the zero-based index of the parameter that
	// should be resolved from the guest's i32 slot to a real externref
	// before the wrapped import is called. -1 means no parameter slot
	// needs translation.
	ExternrefParam int

	// ExternrefResult marks that the import's result is a genuine
	// externref that the wrapper must save into the module's slot
	// table, handing the guest back an i32 index instead.
	ExternrefResult bool
}

var (
	// ErrInvalidBytes is returned when the input cannot be parsed as a
	// Wasm binary module at all.
	ErrInvalidBytes = errors.New("normalize: invalid wasm bytes")
	// ErrNormalisationFailed covers any failure past the initial parse,
	// e.g. an unsupported opcode encountered while scanning for loops.
	ErrNormalisationFailed = errors.New("normalize: normalisation failed")
)

// heapProfilerFuncs lists the allocator exports eligible for profiler
// wrapping, in the order spec.md §4.A.3 names them.
var heapProfilerFuncs = []string{"malloc", "calloc", "realloc", "aligned_alloc", "free"}

// Normalise rewrites wasmBytes per Options and returns the normalised
// module bytes. Calling Normalise twice with identical options on the
// output of the first call returns the input unchanged.
func Normalise(wasmBytes []byte, opts Options) ([]byte, error) {
	if opts.ReductionThreshold == 0 {
		opts.ReductionThreshold = DefaultReductionThreshold
	}

	mod, err := wasmbin.Decode(wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBytes, err)
	}

	if idx := mod.FindCustom(markerSection); idx >= 0 {
		if marker, ok := decodeMarker(mod.Sections[idx].Body); ok && marker == opts.ReductionThreshold {
			return wasmBytes, nil // already normalised with these options: no-op
		}
	}

	n := &normaliser{mod: mod, opts: opts, externrefTableIdx: -1}
	if err := n.run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalisationFailed, err)
	}

	mod.AppendCustom(markerSection, wasmbin.EncodeU32(opts.ReductionThreshold))
	return mod.Encode(), nil
}

func decodeMarker(body []byte) (uint32, bool) {
	// body is name-prefixed ("lunatic-normalised") followed by the u32
	// payload; wasmbin.FindCustom already matched the name, so body here
	// is the raw custom-section body including that name prefix.
	v, ok := wasmbin.DecodeCustomU32(body, markerSection)
	return v, ok
}

// normaliser carries the decoded, mutable pieces of a module through one
// Normalise call.
type normaliser struct {
	mod  *wasmbin.Module
	opts Options

	types   []wasmbin.FuncType
	imports []wasmbin.Import
	funcs   []uint32 // type indices of defined functions
	tables  []wasmbin.Table
	globals []wasmbin.Global
	exports []wasmbin.Export
	code    []wasmbin.Func

	typeIdx, importIdx, funcIdx, tableIdx, globalIdx, exportIdx, codeIdx int // section indices, -1 if absent

	// externrefTableIdx is the table index of the externref slot table,
	// set the first time wrapExternrefImports needs one. -1 means none
	// created yet.
	externrefTableIdx int
	// externrefSaveFunc/externrefDropFunc are the absolute function
	// indices of the generated _lunatic_externref_save/_drop exports,
	// valid once externrefTableIdx >= 0.
	externrefSaveFunc, externrefDropFunc uint32
}

func (n *normaliser) run() error {
	if err := n.decodeSections(); err != nil {
		return err
	}

	reductionGlobalIdx := n.ensureReductionGlobal()
	yieldFuncIdx, shift := n.ensureYieldImport()
	if shift > 0 {
		n.shiftDefinedFuncIndices(shift)
	}

	prologue := buildYieldPrologue(reductionGlobalIdx, yieldFuncIdx, n.opts.ReductionThreshold)
	for i := range n.code {
		if err := injectIntoFunc(&n.code[i], prologue); err != nil {
			return err
		}
	}

	if n.opts.ExternrefWrap {
		if err := n.wrapExternrefImports(); err != nil {
			return err
		}
	}
	if n.opts.HeapProfiler {
		if err := n.wrapHeapProfiler(); err != nil {
			return err
		}
	}

	n.encodeSections()
	return nil
}

func (n *normaliser) decodeSections() error {
	n.typeIdx = n.mod.Find(wasmbin.SecType)
	n.importIdx = n.mod.Find(wasmbin.SecImport)
	n.funcIdx = n.mod.Find(wasmbin.SecFunction)
	n.tableIdx = n.mod.Find(wasmbin.SecTable)
	n.globalIdx = n.mod.Find(wasmbin.SecGlobal)
	n.exportIdx = n.mod.Find(wasmbin.SecExport)
	n.codeIdx = n.mod.Find(wasmbin.SecCode)

	var err error
	if n.typeIdx >= 0 {
		if n.types, err = wasmbin.DecodeTypeSection(n.mod.Sections[n.typeIdx].Body); err != nil {
			return err
		}
	}
	if n.importIdx >= 0 {
		if n.imports, err = wasmbin.DecodeImportSection(n.mod.Sections[n.importIdx].Body); err != nil {
			return err
		}
	}
	if n.funcIdx >= 0 {
		if n.funcs, err = wasmbin.DecodeFunctionSection(n.mod.Sections[n.funcIdx].Body); err != nil {
			return err
		}
	}
	if n.tableIdx >= 0 {
		if n.tables, err = wasmbin.DecodeTableSection(n.mod.Sections[n.tableIdx].Body); err != nil {
			return err
		}
	}
	if n.globalIdx >= 0 {
		if n.globals, err = wasmbin.DecodeGlobalSection(n.mod.Sections[n.globalIdx].Body); err != nil {
			return err
		}
	}
	if n.exportIdx >= 0 {
		if n.exports, err = wasmbin.DecodeExportSection(n.mod.Sections[n.exportIdx].Body); err != nil {
			return err
		}
	}
	if n.codeIdx >= 0 {
		if n.code, err = wasmbin.DecodeCodeSection(n.mod.Sections[n.codeIdx].Body); err != nil {
			return err
		}
	}
	return nil
}

func (n *normaliser) encodeSections() {
	n.setOrInsert(wasmbin.SecType, wasmbin.EncodeTypeSection(n.types), &n.typeIdx)
	n.setOrInsert(wasmbin.SecImport, wasmbin.EncodeImportSection(n.imports), &n.importIdx)
	n.setOrInsert(wasmbin.SecFunction, wasmbin.EncodeFunctionSection(n.funcs), &n.funcIdx)
	if len(n.tables) > 0 {
		n.setOrInsert(wasmbin.SecTable, wasmbin.EncodeTableSection(n.tables), &n.tableIdx)
	}
	n.setOrInsert(wasmbin.SecGlobal, wasmbin.EncodeGlobalSection(n.globals), &n.globalIdx)
	n.setOrInsert(wasmbin.SecExport, wasmbin.EncodeExportSection(n.exports), &n.exportIdx)
	n.setOrInsert(wasmbin.SecCode, wasmbin.EncodeCodeSection(n.code), &n.codeIdx)
}

func (n *normaliser) setOrInsert(id byte, body []byte, idx *int) {
	// Re-find by id: an earlier insert in encodeSections may have moved
	// this section to a later position.
	*idx = n.mod.Find(id)
	if *idx >= 0 {
		n.mod.Replace(*idx, body)
		return
	}
	n.mod.InsertBefore(wasmbin.Section{ID: id, Body: body}, id)
	*idx = n.mod.Find(id)
}

// ensureReductionGlobal appends a fresh zero-initialised mutable i32
// reduction counter global "R" and returns its index. An existing
// global is never reused, so a module normalised again (with a new
// threshold) gains a second counter.
func (n *normaliser) ensureReductionGlobal() uint32 {
	n.globals = append(n.globals, wasmbin.Global{
		Type:     wasmbin.ValI32,
		Mutable:  true,
		InitExpr: []byte{0x41, 0x00, 0x0B}, // i32.const 0; end
	})
	return uint32(len(n.globals) - 1)
}

// ensureYieldImport returns the function index of the imported
// "lunatic::yield_" host call, and how many indices were inserted ahead
// of the module's defined functions (0 if the import already existed).
func (n *normaliser) ensureYieldImport() (idx uint32, shift uint32) {
	var funcImportCount uint32
	for _, imp := range n.imports {
		if imp.Kind != wasmbin.ImportFunc {
			continue
		}
		if imp.Module == "lunatic" && imp.Field == "yield_" {
			return funcImportCount, 0
		}
		funcImportCount++
	}

	typeIdx := n.internType(wasmbin.FuncType{})
	n.imports = append(n.imports, wasmbin.Import{
		Module: "lunatic", Field: "yield_", Kind: wasmbin.ImportFunc, TypeIdx: typeIdx,
	})
	return funcImportCount, 1
}

// internType returns the index of an existing type equal to ft, or
// appends it.
func (n *normaliser) internType(ft wasmbin.FuncType) uint32 {
	for i, t := range n.types {
		if funcTypeEqual(t, ft) {
			return uint32(i)
		}
	}
	n.types = append(n.types, ft)
	return uint32(len(n.types) - 1)
}

// funcImportCount returns how many of n.imports are function imports,
// i.e. the size of the function index space occupied by imports (every
// function import numbers ahead of every defined function).
func (n *normaliser) funcImportCount() uint32 {
	var c uint32
	for _, imp := range n.imports {
		if imp.Kind == wasmbin.ImportFunc {
			c++
		}
	}
	return c
}

// tableImportCount is funcImportCount's table-index-space counterpart.
func (n *normaliser) tableImportCount() uint32 {
	var c uint32
	for _, imp := range n.imports {
		if imp.Kind == wasmbin.ImportTable {
			c++
		}
	}
	return c
}

// findFuncImport returns the absolute function index and decoded
// signature of the function import matching module/field, and whether
// one was found.
func (n *normaliser) findFuncImport(module, field string) (idx uint32, ft wasmbin.FuncType, ok bool) {
	var funcIdx uint32
	for _, imp := range n.imports {
		if imp.Kind != wasmbin.ImportFunc {
			continue
		}
		if imp.Module == module && imp.Field == field {
			return funcIdx, n.types[imp.TypeIdx], true
		}
		funcIdx++
	}
	return 0, wasmbin.FuncType{}, false
}

// retypeFuncImport changes the type index of the function import at
// absolute function index idx to ft (interning it if needed).
func (n *normaliser) retypeFuncImport(idx uint32, ft wasmbin.FuncType) {
	newType := n.internType(ft)
	var funcIdx uint32
	for i, imp := range n.imports {
		if imp.Kind != wasmbin.ImportFunc {
			continue
		}
		if funcIdx == idx {
			n.imports[i].TypeIdx = newType
			return
		}
		funcIdx++
	}
}

// appendFunc defines a new function with signature ft, local declarations
// locals, and body, returning its absolute function index.
func (n *normaliser) appendFunc(ft wasmbin.FuncType, locals []wasmbin.LocalDecl, body []byte) uint32 {
	n.funcs = append(n.funcs, n.internType(ft))
	n.code = append(n.code, wasmbin.Func{Locals: locals, Body: body})
	return n.funcImportCount() + uint32(len(n.funcs)) - 1
}

// remapCallsTo redirects every existing call site targeting from onto
// to, across every defined function's body.
func (n *normaliser) remapCallsTo(from, to uint32) {
	for i := range n.code {
		n.code[i].Body = wasmbin.RemapCallTarget(n.code[i].Body, from, to)
	}
}

func funcTypeEqual(a, b wasmbin.FuncType) bool {
	if len(a.Params) != len(b.Params) || len(a.Results) != len(b.Results) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	for i := range a.Results {
		if a.Results[i] != b.Results[i] {
			return false
		}
	}
	return true
}

// shiftDefinedFuncIndices adds shift to every reference to a
// module-defined function: code-section call targets, ref.func operands,
// export indices and (if present) the start section. Function indices
// inside element segments are not shifted.
func (n *normaliser) shiftDefinedFuncIndices(shift uint32) {
	oldFirstDefined := n.firstDefinedFuncIndexBeforeShift(shift)

	for i := range n.exports {
		if n.exports[i].Kind == wasmbin.ExportFunc && n.exports[i].Index >= oldFirstDefined {
			n.exports[i].Index += shift
		}
	}
	for i := range n.code {
		shiftCallTargets(&n.code[i], oldFirstDefined, shift)
	}
	if startIdx := n.mod.Find(wasmbin.SecStart); startIdx >= 0 {
		n.mod.Sections[startIdx].Body = wasmbin.ShiftStartSection(n.mod.Sections[startIdx].Body, oldFirstDefined, shift)
	}
}

func (n *normaliser) firstDefinedFuncIndexBeforeShift(shift uint32) uint32 {
	var funcImportCount uint32
	for _, imp := range n.imports {
		if imp.Kind == wasmbin.ImportFunc {
			funcImportCount++
		}
	}
	// n.imports already has the new yield_ import appended, so subtract
	// shift to recover the pre-insertion import count.
	return funcImportCount - shift
}

func shiftCallTargets(f *wasmbin.Func, threshold, shift uint32) {
	f.Body = wasmbin.ShiftCallTargets(f.Body, threshold, shift)
}

// buildYieldPrologue encodes:
//
//	global.get R; i32.const 1; i32.add; global.set R
//	global.get R; i32.const threshold; i32.gt_s
//	if
//	  call yield_
//	  i32.const 0; global.set R
//	end
func buildYieldPrologue(reductionGlobal, yieldFunc uint32, threshold uint32) []byte {
	var w wasmbin.RawWriter
	w.Byte(0x23) // global.get
	w.U32(reductionGlobal)
	w.Byte(0x41) // i32.const
	w.S64(1)
	w.Byte(0x6A) // i32.add
	w.Byte(0x24) // global.set
	w.U32(reductionGlobal)
	w.Byte(0x23) // global.get
	w.U32(reductionGlobal)
	w.Byte(0x41) // i32.const
	w.S64(int64(threshold))
	w.Byte(0x4A)       // i32.gt_s
	w.Byte(0x04, 0x40) // if (empty blocktype)
	w.Byte(0x10)       // call
	w.U32(yieldFunc)
	w.Byte(0x41) // i32.const
	w.S64(0)
	w.Byte(0x24) // global.set
	w.U32(reductionGlobal)
	w.Byte(0x0B) // end (if)
	return w.Bytes()
}

// injectIntoFunc prepends prologue to the function entry and to every
// loop body, independent of nesting (spec.md §4.A tie-break rule).
func injectIntoFunc(f *wasmbin.Func, prologue []byte) error {
	loops, err := wasmbin.FindLoops(f.Body)
	if err != nil {
		return err
	}
	body := f.Body
	for i := len(loops) - 1; i >= 0; i-- {
		off := loops[i].BodyStart
		body = append(append(append([]byte(nil), body[:off]...), prologue...), body[off:]...)
	}
	f.Body = append(append([]byte(nil), prologue...), body...)
	return nil
}
