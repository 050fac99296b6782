package resource

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Kind tells readers how a backing file is laid out.
type Kind int

const (
	KindSnapshot Kind = iota // one JSON document, overwritten in full
	KindLog                  // JSON Lines, appended by the producer
)

func (k Kind) String() string {
	if k == KindLog {
		return "jsonl"
	}
	return "snapshot"
}

// Logical resource names.
const (
	Status         = "status"
	AccountSummary = "account_summary"
	Capital        = "capital"
	Runtime        = "runtime_state"
	ChartSPY       = "chart_spy"
	EntryModel     = "entry_model"
	Mesh           = "mesh"
	OpenTrades     = "open_trades"
	TradeFlow      = "trade_flow"
	Reinforcement  = "reinforcement"
)

// Resource binds a logical name to its backing file.
type Resource struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Kind     Kind   `json:"-"`
	Writable bool   `json:"writable"`
}

type base int

const (
	logsBase base = iota
	assistantsBase
)

type definition struct {
	file     string
	base     base
	kind     Kind
	writable bool
}

var definitions = map[string]definition{
	Status:         {"status.json", logsBase, KindSnapshot, true},
	AccountSummary: {"account_summary.json", logsBase, KindSnapshot, false},
	Capital:        {"capital_tracker.json", logsBase, KindSnapshot, false},
	Runtime:        {"runtime_state.json", logsBase, KindSnapshot, false},
	ChartSPY:       {"chart_data.json", logsBase, KindSnapshot, false},
	EntryModel:     {"qthink_score_breakdown.jsonl", logsBase, KindLog, false},
	Mesh:           {"mesh_logger.jsonl", logsBase, KindLog, false},
	OpenTrades:     {"open_trades.jsonl", logsBase, KindLog, false},
	TradeFlow:      {filepath.Join("trade_flow", "trades.jsonl"), logsBase, KindLog, false},
	Reinforcement:  {"reinforcement_profile.json", assistantsBase, KindSnapshot, false},
}

// Registry resolves logical names to files.
type Registry struct {
	entries map[string]Resource
}

// NewRegistry lays the default files out under logsDir and assistantsDir.
// overrides replaces individual paths; relative overrides are taken from the
// resource's base directory. An override for an unknown name is an error.
func NewRegistry(logsDir, assistantsDir string, overrides map[string]string) (*Registry, error) {
	for name := range overrides {
		if _, ok := definitions[name]; !ok {
			return nil, fmt.Errorf("unknown resource %q in overrides", name)
		}
	}

	r := &Registry{entries: make(map[string]Resource, len(definitions))}
	for name, def := range definitions {
		dir := logsDir
		if def.base == assistantsBase {
			dir = assistantsDir
		}

		file := def.file
		if o, ok := overrides[name]; ok && o != "" {
			file = o
		}
		path := file
		if !filepath.IsAbs(file) {
			path = filepath.Join(dir, file)
		}

		r.entries[name] = Resource{Name: name, Path: path, Kind: def.kind, Writable: def.writable}
	}
	return r, nil
}

// Lookup returns the resource registered under name.
func (r *Registry) Lookup(name string) (Resource, bool) {
	res, ok := r.entries[name]
	return res, ok
}

// MustLookup is Lookup for names defined in this package.
func (r *Registry) MustLookup(name string) Resource {
	res, ok := r.entries[name]
	if !ok {
		panic(fmt.Sprintf("resource %q not registered", name))
	}
	return res
}

// All returns every resource sorted by name.
func (r *Registry) All() []Resource {
	out := make([]Resource, 0, len(r.entries))
	for _, res := range r.entries {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
