package normalize

import (
	"bytes"
	"testing"

	"github.com/lunatic-solutions/lunatic/internal/wasmbin"
)

// helloModule builds:
//
//	(module
//	  (func (export "hello") (result i32) i32.const 45))
func helloModule(t *testing.T) []byte {
	t.Helper()
	m := &wasmbin.Module{Sections: []wasmbin.Section{
		{ID: wasmbin.SecType, Body: wasmbin.EncodeTypeSection([]wasmbin.FuncType{{Results: []wasmbin.ValType{wasmbin.ValI32}}})},
		{ID: wasmbin.SecFunction, Body: wasmbin.EncodeFunctionSection([]uint32{0})},
		{ID: wasmbin.SecExport, Body: wasmbin.EncodeExportSection([]wasmbin.Export{{Name: "hello", Kind: wasmbin.ExportFunc, Index: 0}})},
		{ID: wasmbin.SecCode, Body: wasmbin.EncodeCodeSection([]wasmbin.Func{{Body: []byte{0x41, 45, 0x0B}}})},
	}}
	return m.Encode()
}

// loopyModule builds a function containing one loop, so the injection
// driver has both a function-entry and a loop-body site to hit:
//
//	(func (export "spin") (param i32)
//	  (loop
//	    local.get 0
//	    br_if 0))
func loopyModule(t *testing.T) []byte {
	t.Helper()
	body := []byte{
		0x03, 0x40, // loop
		0x20, 0x00, // local.get 0
		0x0D, 0x00, // br_if 0
		0x0B, // end loop
		0x0B, // end func
	}
	m := &wasmbin.Module{Sections: []wasmbin.Section{
		{ID: wasmbin.SecType, Body: wasmbin.EncodeTypeSection([]wasmbin.FuncType{{Params: []wasmbin.ValType{wasmbin.ValI32}}})},
		{ID: wasmbin.SecFunction, Body: wasmbin.EncodeFunctionSection([]uint32{0})},
		{ID: wasmbin.SecExport, Body: wasmbin.EncodeExportSection([]wasmbin.Export{{Name: "spin", Kind: wasmbin.ExportFunc, Index: 0}})},
		{ID: wasmbin.SecCode, Body: wasmbin.EncodeCodeSection([]wasmbin.Func{{Body: body}})},
	}}
	return m.Encode()
}

func mustDecode(t *testing.T, raw []byte) *wasmbin.Module {
	t.Helper()
	mod, err := wasmbin.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return mod
}

func TestNormaliseInjectsGlobalAndImport(t *testing.T) {
	out, err := Normalise(helloModule(t), Options{})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	mod := mustDecode(t, out)

	globalIdx := mod.Find(wasmbin.SecGlobal)
	if globalIdx < 0 {
		t.Fatal("expected a global section to be inserted")
	}
	globals, err := wasmbin.DecodeGlobalSection(mod.Sections[globalIdx].Body)
	if err != nil {
		t.Fatalf("DecodeGlobalSection: %v", err)
	}
	if len(globals) != 1 || globals[0].Type != wasmbin.ValI32 || !globals[0].Mutable {
		t.Fatalf("unexpected globals: %+v", globals)
	}

	importIdx := mod.Find(wasmbin.SecImport)
	if importIdx < 0 {
		t.Fatal("expected an import section to be inserted")
	}
	imports, err := wasmbin.DecodeImportSection(mod.Sections[importIdx].Body)
	if err != nil {
		t.Fatalf("DecodeImportSection: %v", err)
	}
	if len(imports) != 1 || imports[0].Module != "lunatic" || imports[0].Field != "yield_" {
		t.Fatalf("expected lunatic::yield_ import, got %+v", imports)
	}

	// The original export must now point past the inserted import.
	exportIdx := mod.Find(wasmbin.SecExport)
	exports, err := wasmbin.DecodeExportSection(mod.Sections[exportIdx].Body)
	if err != nil {
		t.Fatalf("DecodeExportSection: %v", err)
	}
	if exports[0].Index != 1 {
		t.Fatalf("expected export index shifted to 1, got %d", exports[0].Index)
	}

	codeIdx := mod.Find(wasmbin.SecCode)
	code, err := wasmbin.DecodeCodeSection(mod.Sections[codeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeCodeSection: %v", err)
	}
	// The original body's i32.const 45 follows the prologue.
	if !bytes.Contains(code[0].Body, []byte{0x41, 45}) {
		t.Fatalf("expected original instruction preserved in body: %x", code[0].Body)
	}
	if !bytes.Contains(code[0].Body, []byte{0x10, 0x00}) { // call 0 (yield_)
		t.Fatalf("expected a call to the yield import in prologue: %x", code[0].Body)
	}
}

func TestNormaliseIsIdempotent(t *testing.T) {
	opts := Options{ReductionThreshold: 5000}
	once, err := Normalise(helloModule(t), opts)
	if err != nil {
		t.Fatalf("first Normalise: %v", err)
	}
	twice, err := Normalise(once, opts)
	if err != nil {
		t.Fatalf("second Normalise: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatalf("normalising twice with the same options should be a no-op")
	}
}

func TestNormaliseDifferentThresholdReRewrites(t *testing.T) {
	once, err := Normalise(helloModule(t), Options{ReductionThreshold: 1000})
	if err != nil {
		t.Fatalf("first Normalise: %v", err)
	}
	twice, err := Normalise(once, Options{ReductionThreshold: 2000})
	if err != nil {
		t.Fatalf("second Normalise: %v", err)
	}
	if bytes.Equal(once, twice) {
		t.Fatalf("normalising with a different threshold must not be a no-op")
	}
}

func TestNormaliseInjectsAtLoopAndEntry(t *testing.T) {
	out, err := Normalise(loopyModule(t), Options{})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	mod := mustDecode(t, out)
	codeIdx := mod.Find(wasmbin.SecCode)
	code, err := wasmbin.DecodeCodeSection(mod.Sections[codeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeCodeSection: %v", err)
	}

	loops, err := wasmbin.FindLoops(code[0].Body)
	if err != nil {
		t.Fatalf("FindLoops: %v", err)
	}
	if len(loops) != 1 {
		t.Fatalf("expected exactly one loop after injection, got %d", len(loops))
	}

	// Two call sites to the yield import (func idx 0): one for the
	// function-entry prologue, one for the loop-body prologue.
	n := bytes.Count(code[0].Body, []byte{0x10, 0x00})
	if n != 2 {
		t.Fatalf("expected 2 calls to yield_, got %d in %x", n, code[0].Body)
	}
}

func TestNormaliseRejectsGarbage(t *testing.T) {
	if _, err := Normalise([]byte("garbage"), Options{}); err == nil {
		t.Fatal("expected an error for non-wasm input")
	}
}

func TestNormaliseHeapProfilerWrapsExport(t *testing.T) {
	// (func (export "malloc") (param i32) (result i32) local.get 0)
	m := &wasmbin.Module{Sections: []wasmbin.Section{
		{ID: wasmbin.SecType, Body: wasmbin.EncodeTypeSection([]wasmbin.FuncType{
			{Params: []wasmbin.ValType{wasmbin.ValI32}, Results: []wasmbin.ValType{wasmbin.ValI32}},
		})},
		{ID: wasmbin.SecFunction, Body: wasmbin.EncodeFunctionSection([]uint32{0})},
		{ID: wasmbin.SecExport, Body: wasmbin.EncodeExportSection([]wasmbin.Export{{Name: "malloc", Kind: wasmbin.ExportFunc, Index: 0}})},
		{ID: wasmbin.SecCode, Body: wasmbin.EncodeCodeSection([]wasmbin.Func{{Body: []byte{0x20, 0x00, 0x0B}}})},
	}}
	raw := m.Encode()

	out, err := Normalise(raw, Options{HeapProfiler: true})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	mod := mustDecode(t, out)

	importIdx := mod.Find(wasmbin.SecImport)
	imports, err := wasmbin.DecodeImportSection(mod.Sections[importIdx].Body)
	if err != nil {
		t.Fatalf("DecodeImportSection: %v", err)
	}
	found := false
	for _, imp := range imports {
		if imp.Module == "heap_profiler" && imp.Field == "malloc_profiler" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected heap_profiler::malloc_profiler import, got %+v", imports)
	}

	exportIdx := mod.Find(wasmbin.SecExport)
	exports, err := wasmbin.DecodeExportSection(mod.Sections[exportIdx].Body)
	if err != nil {
		t.Fatalf("DecodeExportSection: %v", err)
	}
	codeIdx := mod.Find(wasmbin.SecCode)
	code, err := wasmbin.DecodeCodeSection(mod.Sections[codeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeCodeSection: %v", err)
	}
	// "malloc" must now point at the trampoline: the last defined function,
	// i.e. (func import count) + (len(code) - 1) in the absolute funcidx
	// space exports live in. The original malloc body is still present in
	// the code section, just no longer exported directly.
	funcImportCount := 0
	for _, imp := range imports {
		if imp.Kind == wasmbin.ImportFunc {
			funcImportCount++
		}
	}
	wantIdx := uint32(funcImportCount + len(code) - 1)
	if exports[0].Index != wantIdx {
		t.Fatalf("expected malloc export redirected to trampoline funcidx %d, got %d", wantIdx, exports[0].Index)
	}
}

func TestNormaliseExternrefValidatesImport(t *testing.T) {
	_, err := Normalise(helloModule(t), Options{
		ExternrefWrap:    true,
		ExternrefImports: []ImportRef{{Module: "missing", Field: "does_not_exist"}},
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent externref import")
	}
}

// resourceResultModule builds:
//
//	(import "resource" "open" (func (result i32)))
//	(func (export "use") (result i32) call 0)
//
// "use" forwards whatever resource::open hands back, exercising the
// ExternrefResult wrapping path: the import's result slot is a handle
// the guest treats as i32 but that Normalise must redirect through the
// generated save helper.
func resourceResultModule(t *testing.T) []byte {
	t.Helper()
	ft := wasmbin.FuncType{Results: []wasmbin.ValType{wasmbin.ValI32}}
	m := &wasmbin.Module{Sections: []wasmbin.Section{
		{ID: wasmbin.SecType, Body: wasmbin.EncodeTypeSection([]wasmbin.FuncType{ft})},
		{ID: wasmbin.SecImport, Body: wasmbin.EncodeImportSection([]wasmbin.Import{
			{Module: "resource", Field: "open", Kind: wasmbin.ImportFunc, TypeIdx: 0},
		})},
		{ID: wasmbin.SecFunction, Body: wasmbin.EncodeFunctionSection([]uint32{0})},
		{ID: wasmbin.SecExport, Body: wasmbin.EncodeExportSection([]wasmbin.Export{{Name: "use", Kind: wasmbin.ExportFunc, Index: 1}})},
		{ID: wasmbin.SecCode, Body: wasmbin.EncodeCodeSection([]wasmbin.Func{{Body: []byte{0x10, 0x00, 0x0B}}})},
	}}
	return m.Encode()
}

func TestNormaliseExternrefWrapsResult(t *testing.T) {
	out, err := Normalise(resourceResultModule(t), Options{
		ExternrefWrap: true,
		ExternrefImports: []ImportRef{
			{Module: "resource", Field: "open", ExternrefParam: -1, ExternrefResult: true},
		},
	})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	mod := mustDecode(t, out)

	tableIdx := mod.Find(wasmbin.SecTable)
	if tableIdx < 0 {
		t.Fatal("expected a table section for the externref slot table")
	}
	tables, err := wasmbin.DecodeTableSection(mod.Sections[tableIdx].Body)
	if err != nil {
		t.Fatalf("DecodeTableSection: %v", err)
	}
	if len(tables) != 1 || tables[0].RefType != wasmbin.ValExternref {
		t.Fatalf("expected one externref table, got %+v", tables)
	}

	exportIdx := mod.Find(wasmbin.SecExport)
	exports, err := wasmbin.DecodeExportSection(mod.Sections[exportIdx].Body)
	if err != nil {
		t.Fatalf("DecodeExportSection: %v", err)
	}
	var haveSave, haveDrop bool
	for _, e := range exports {
		switch e.Name {
		case externrefSaveExport:
			haveSave = true
		case externrefDropExport:
			haveDrop = true
		}
	}
	if !haveSave || !haveDrop {
		t.Fatalf("expected %s and %s exports, got %+v", externrefSaveExport, externrefDropExport, exports)
	}

	typeIdx := mod.Find(wasmbin.SecType)
	types, err := wasmbin.DecodeTypeSection(mod.Sections[typeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeTypeSection: %v", err)
	}
	importIdx := mod.Find(wasmbin.SecImport)
	imports, err := wasmbin.DecodeImportSection(mod.Sections[importIdx].Body)
	if err != nil {
		t.Fatalf("DecodeImportSection: %v", err)
	}
	var resourceOpen *wasmbin.Import
	for i := range imports {
		if imports[i].Module == "resource" && imports[i].Field == "open" {
			resourceOpen = &imports[i]
		}
	}
	if resourceOpen == nil {
		t.Fatal("resource::open import missing after normalisation")
	}
	openFT := types[resourceOpen.TypeIdx]
	if len(openFT.Results) != 1 || openFT.Results[0] != wasmbin.ValExternref {
		t.Fatalf("expected resource::open retyped to return externref, got %+v", openFT)
	}

	codeIdx := mod.Find(wasmbin.SecCode)
	code, err := wasmbin.DecodeCodeSection(mod.Sections[codeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeCodeSection: %v", err)
	}
	var useFuncIdx uint32 = ^uint32(0)
	for _, e := range exports {
		if e.Name == "use" {
			useFuncIdx = e.Index
		}
	}
	var funcImportCount uint32
	for _, imp := range imports {
		if imp.Kind == wasmbin.ImportFunc {
			funcImportCount++
		}
	}
	useBody := code[useFuncIdx-funcImportCount].Body
	if bytes.Contains(useBody, []byte{0x10, 0x00}) {
		t.Fatalf("expected use's call site redirected away from the original import index 0, got %x", useBody)
	}
}

// resourceParamModule builds:
//
//	(import "resource" "close" (func (param i32)))
//	(func (export "use") (param i32) local.get 0 call 0)
func resourceParamModule(t *testing.T) []byte {
	t.Helper()
	ft := wasmbin.FuncType{Params: []wasmbin.ValType{wasmbin.ValI32}}
	m := &wasmbin.Module{Sections: []wasmbin.Section{
		{ID: wasmbin.SecType, Body: wasmbin.EncodeTypeSection([]wasmbin.FuncType{ft})},
		{ID: wasmbin.SecImport, Body: wasmbin.EncodeImportSection([]wasmbin.Import{
			{Module: "resource", Field: "close", Kind: wasmbin.ImportFunc, TypeIdx: 0},
		})},
		{ID: wasmbin.SecFunction, Body: wasmbin.EncodeFunctionSection([]uint32{0})},
		{ID: wasmbin.SecExport, Body: wasmbin.EncodeExportSection([]wasmbin.Export{{Name: "use", Kind: wasmbin.ExportFunc, Index: 1}})},
		{ID: wasmbin.SecCode, Body: wasmbin.EncodeCodeSection([]wasmbin.Func{{Body: []byte{0x20, 0x00, 0x10, 0x00, 0x0B}}})},
	}}
	return m.Encode()
}

func TestNormaliseExternrefWrapsParam(t *testing.T) {
	out, err := Normalise(resourceParamModule(t), Options{
		ExternrefWrap: true,
		ExternrefImports: []ImportRef{
			{Module: "resource", Field: "close", ExternrefParam: 0},
		},
	})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	mod := mustDecode(t, out)

	typeIdx := mod.Find(wasmbin.SecType)
	types, err := wasmbin.DecodeTypeSection(mod.Sections[typeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeTypeSection: %v", err)
	}
	importIdx := mod.Find(wasmbin.SecImport)
	imports, err := wasmbin.DecodeImportSection(mod.Sections[importIdx].Body)
	if err != nil {
		t.Fatalf("DecodeImportSection: %v", err)
	}
	var resourceClose *wasmbin.Import
	for i := range imports {
		if imports[i].Module == "resource" && imports[i].Field == "close" {
			resourceClose = &imports[i]
		}
	}
	if resourceClose == nil {
		t.Fatal("resource::close import missing after normalisation")
	}
	closeFT := types[resourceClose.TypeIdx]
	if len(closeFT.Params) != 1 || closeFT.Params[0] != wasmbin.ValExternref {
		t.Fatalf("expected resource::close retyped to take externref, got %+v", closeFT)
	}

	tableIdx := mod.Find(wasmbin.SecTable)
	if tableIdx < 0 {
		t.Fatal("expected a table section for the externref slot table")
	}

	codeIdx := mod.Find(wasmbin.SecCode)
	code, err := wasmbin.DecodeCodeSection(mod.Sections[codeIdx].Body)
	if err != nil {
		t.Fatalf("DecodeCodeSection: %v", err)
	}
	var haveTableGet bool
	for _, f := range code {
		if bytes.Contains(f.Body, []byte{0x25}) { // table.get
			haveTableGet = true
		}
	}
	if !haveTableGet {
		t.Fatal("expected a table.get in the generated wrapper translating the i32 slot to an externref")
	}
}
