// Package config is the two-layer configuration surface the CLI builds
// Environments and a transport Node from: RunConfig (populated from CLI
// flags) and FileConfig (parsed from lunatic.toml), mirroring the
// teacher's own Config/ModuleConfigFactory split between what a caller
// passes directly and what a longer-lived settings object carries.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvironmentSpec describes one [[environment]] table in lunatic.toml.
type EnvironmentSpec struct {
	Name           string   `toml:"name"`
	Namespaces     []string `toml:"namespaces"`
	MemoryLimit    uint32   `toml:"memory_limit"`
	ReductionLimit uint32   `toml:"reduction_limit"`
	MaxProcesses   int      `toml:"max_processes"`
}

// NodeSpec describes the [node] table in lunatic.toml.
type NodeSpec struct {
	Name   string   `toml:"name"`
	Listen string   `toml:"listen"`
	Peers  []string `toml:"peers"`
}

// FileConfig is the decoded shape of lunatic.toml: environment
// definitions, node identity, and plugin paths. Zero value is a valid
// "no file given" config -- every field is optional.
type FileConfig struct {
	Environment []EnvironmentSpec `toml:"environment"`
	Node        NodeSpec          `toml:"node"`
	Plugins     []string          `toml:"plugins"`
}

// LoadFileConfig decodes path as TOML into a FileConfig. An empty path
// is not an error -- it yields the zero FileConfig, so callers can
// unconditionally merge CLI flags on top. A path that does not exist is
// reported as a decode error.
func LoadFileConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, nil
	}
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return fc, nil
}

// EnvironmentByName returns the named [[environment]] entry, or the
// zero EnvironmentSpec with ok=false if fc defines none by that name.
func (fc FileConfig) EnvironmentByName(name string) (EnvironmentSpec, bool) {
	for _, e := range fc.Environment {
		if e.Name == name {
			return e, true
		}
	}
	return EnvironmentSpec{}, false
}

// RunConfig is the flag-derived configuration for a single `lunatic`
// invocation, per spec.md §6's CLI surface. Fields left at their zero
// value were not set on the command line; Merge applies FileConfig
// values for anything RunConfig left unset, since CLI flags always
// take precedence over the file per spec.md §1.3.
type RunConfig struct {
	EntryModule string
	ConfigPath  string
	NoEntry     bool
	NodeAddr    string
	NodeName    string
	Peers       []string
	Plugins     []string
	Dirs        []string
	LogJSON     bool

	EnvironmentName string
	MemoryLimit     uint32
	ReductionLimit  uint32
	MaxProcesses    int
}

// ParseFlags builds a RunConfig from args (normally os.Args[1:]), in
// the style of the teacher's own CLI entrypoints in this corpus
// (manthysbr-auleOS/cmd/aule-kernel, pkg/watchdog/cmd) which both use
// the stdlib flag package directly rather than a third-party CLI
// framework -- none appears anywhere in the retrieved corpus.
func ParseFlags(fs *flag.FlagSet, args []string) (RunConfig, error) {
	var rc RunConfig
	var peers, plugins, dirs string

	fs.BoolVar(&rc.NoEntry, "no-entry", false, "do not call the entry export; block forever (node mode)")
	fs.StringVar(&rc.NodeAddr, "node", "", "bind as a distributed node at addr")
	fs.StringVar(&rc.NodeName, "node-name", "", "identifier advertised to peers")
	fs.StringVar(&peers, "peer", "", "comma-separated list of initial peer addrs")
	fs.StringVar(&plugins, "plugins", "", "comma-separated list of dynamic host-function extension paths")
	fs.StringVar(&dirs, "dir", "", "comma-separated list of directories to preopen for WASI")
	fs.StringVar(&rc.EnvironmentName, "environment", "", "named [[environment]] entry from the config file to apply")
	fs.BoolVar(&rc.LogJSON, "log-json", false, "emit structured JSON logs instead of text")
	fs.StringVar(&rc.ConfigPath, "config", "lunatic.toml", "path to a lunatic.toml deployment config file")

	if err := fs.Parse(args); err != nil {
		return RunConfig{}, err
	}

	rc.Peers = splitNonEmpty(peers)
	rc.Plugins = splitNonEmpty(plugins)
	rc.Dirs = splitNonEmpty(dirs)

	if fs.NArg() > 0 {
		rc.EntryModule = fs.Arg(0)
	}
	if rc.EntryModule == "" && !rc.NoEntry {
		return RunConfig{}, fmt.Errorf("config: an entry module path is required unless --no-entry is set")
	}
	return rc, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Merge fills any RunConfig field left at its zero value from fc,
// without ever overwriting a value the CLI flags already set --
// spec.md §1.3's "CLI flags always override file config" rule applied
// field by field.
func (rc RunConfig) Merge(fc FileConfig) RunConfig {
	out := rc

	if out.NodeName == "" {
		out.NodeName = fc.Node.Name
	}
	if out.NodeAddr == "" {
		out.NodeAddr = fc.Node.Listen
	}
	if len(out.Peers) == 0 {
		out.Peers = fc.Node.Peers
	}
	if len(out.Plugins) == 0 {
		out.Plugins = fc.Plugins
	}

	if out.EnvironmentName != "" {
		if spec, ok := fc.EnvironmentByName(out.EnvironmentName); ok {
			if out.MemoryLimit == 0 {
				out.MemoryLimit = spec.MemoryLimit
			}
			if out.ReductionLimit == 0 {
				out.ReductionLimit = spec.ReductionLimit
			}
			if out.MaxProcesses == 0 {
				out.MaxProcesses = spec.MaxProcesses
			}
		}
	}

	return out
}

// Namespaces returns the host-function namespaces the selected
// environment entry restricts spawned processes to, or nil (meaning
// "allow all") if no matching [[environment]] entry was found.
func (rc RunConfig) Namespaces(fc FileConfig) []string {
	if rc.EnvironmentName == "" {
		return nil
	}
	spec, ok := fc.EnvironmentByName(rc.EnvironmentName)
	if !ok {
		return nil
	}
	return spec.Namespaces
}
