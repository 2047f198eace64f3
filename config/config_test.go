package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlagsRequiresEntryUnlessNoEntry(t *testing.T) {
	fs := flag.NewFlagSet("lunatic", flag.ContinueOnError)
	if _, err := ParseFlags(fs, nil); err == nil {
		t.Fatal("expected error when no entry module and no --no-entry given")
	}

	fs2 := flag.NewFlagSet("lunatic", flag.ContinueOnError)
	rc, err := ParseFlags(fs2, []string{"--no-entry"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !rc.NoEntry {
		t.Fatal("expected NoEntry true")
	}
}

func TestParseFlagsSplitsCommaLists(t *testing.T) {
	fs := flag.NewFlagSet("lunatic", flag.ContinueOnError)
	rc, err := ParseFlags(fs, []string{
		"--peer", "10.0.0.1:1234,10.0.0.2:1234",
		"--dir", "/tmp , /var/data",
		"entry.wasm",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if rc.EntryModule != "entry.wasm" {
		t.Fatalf("unexpected entry module: %q", rc.EntryModule)
	}
	if len(rc.Peers) != 2 || rc.Peers[0] != "10.0.0.1:1234" || rc.Peers[1] != "10.0.0.2:1234" {
		t.Fatalf("unexpected peers: %v", rc.Peers)
	}
	if len(rc.Dirs) != 2 || rc.Dirs[0] != "/tmp" || rc.Dirs[1] != "/var/data" {
		t.Fatalf("unexpected dirs: %v", rc.Dirs)
	}
}

func TestLoadFileConfigEmptyPath(t *testing.T) {
	fc, err := LoadFileConfig("")
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if len(fc.Environment) != 0 || fc.Node.Name != "" {
		t.Fatalf("expected zero FileConfig, got %+v", fc)
	}
}

func TestLoadFileConfigDecodesToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lunatic.toml")
	contents := `
plugins = ["/opt/lunatic/plugins/net-ext.so"]

[node]
name = "alpha"
listen = "0.0.0.0:9000"
peers = ["10.0.0.5:9000"]

[[environment]]
name = "sandboxed"
namespaces = ["lunatic::*", "wasi_snapshot_preview1::*"]
memory_limit = 64
reduction_limit = 100000
max_processes = 256
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if fc.Node.Name != "alpha" || fc.Node.Listen != "0.0.0.0:9000" {
		t.Fatalf("unexpected node spec: %+v", fc.Node)
	}
	if len(fc.Node.Peers) != 1 || fc.Node.Peers[0] != "10.0.0.5:9000" {
		t.Fatalf("unexpected peers: %v", fc.Node.Peers)
	}
	if len(fc.Plugins) != 1 || fc.Plugins[0] != "/opt/lunatic/plugins/net-ext.so" {
		t.Fatalf("unexpected plugins: %v", fc.Plugins)
	}
	if len(fc.Environment) != 1 || fc.Environment[0].MemoryLimit != 64 {
		t.Fatalf("unexpected environment entries: %+v", fc.Environment)
	}
}

func TestEnvironmentByName(t *testing.T) {
	fc := FileConfig{
		Environment: []EnvironmentSpec{
			{Name: "a", MemoryLimit: 1},
			{Name: "b", MemoryLimit: 2},
		},
	}
	spec, ok := fc.EnvironmentByName("b")
	if !ok || spec.MemoryLimit != 2 {
		t.Fatalf("unexpected lookup result: %+v ok=%v", spec, ok)
	}
	if _, ok := fc.EnvironmentByName("missing"); ok {
		t.Fatal("expected missing environment to report ok=false")
	}
}

func TestRunConfigMergePrefersCLIOverFile(t *testing.T) {
	rc := RunConfig{
		NodeName:        "",
		EnvironmentName: "sandboxed",
		MemoryLimit:     0, // unset by CLI, should come from file
	}
	fc := FileConfig{
		Node: NodeSpec{Name: "from-file", Listen: "1.2.3.4:5"},
		Environment: []EnvironmentSpec{
			{Name: "sandboxed", MemoryLimit: 64, ReductionLimit: 100000, MaxProcesses: 256},
		},
	}

	merged := rc.Merge(fc)
	if merged.NodeName != "from-file" {
		t.Fatalf("expected file NodeName to fill unset CLI value, got %q", merged.NodeName)
	}
	if merged.MemoryLimit != 64 || merged.ReductionLimit != 100000 || merged.MaxProcesses != 256 {
		t.Fatalf("expected environment spec limits to be merged in, got %+v", merged)
	}

	rcWithFlag := RunConfig{NodeName: "from-cli", EnvironmentName: "sandboxed", MemoryLimit: 32}
	mergedWithFlag := rcWithFlag.Merge(fc)
	if mergedWithFlag.NodeName != "from-cli" {
		t.Fatal("CLI-set NodeName must not be overwritten by file config")
	}
	if mergedWithFlag.MemoryLimit != 32 {
		t.Fatal("CLI-set MemoryLimit must not be overwritten by file config")
	}
}

func TestRunConfigNamespaces(t *testing.T) {
	fc := FileConfig{
		Environment: []EnvironmentSpec{
			{Name: "sandboxed", Namespaces: []string{"lunatic::*"}},
		},
	}
	rc := RunConfig{EnvironmentName: "sandboxed"}
	ns := rc.Namespaces(fc)
	if len(ns) != 1 || ns[0] != "lunatic::*" {
		t.Fatalf("unexpected namespaces: %v", ns)
	}

	if ns2 := (RunConfig{}).Namespaces(fc); ns2 != nil {
		t.Fatal("expected nil namespaces when no environment selected")
	}
}
