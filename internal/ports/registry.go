package ports

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds named contracts and the declared coercion table. It is
// populated during process startup and read-only afterwards; reads are safe
// for concurrent use. Tests construct a fresh Registry rather than mutating
// a shared one.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*jsonschema.Schema
	// coercions[target] is the set of source primitives a target input
	// declares it accepts. Asymmetric: declared per-target.
	coercions map[Primitive]map[Primitive]bool
}

func NewRegistry() *Registry {
	r := &Registry{
		contracts: map[string]*jsonschema.Schema{},
		coercions: map[Primitive]map[Primitive]bool{},
	}
	// Default coercion table: text accepts file (content read), json accepts
	// text (parsed), number/boolean accept text (lexical), text accepts
	// number/boolean (formatting), json accepts file.
	r.DeclareCoercion(Text, File, Number, Boolean)
	r.DeclareCoercion(JSON, Text, File)
	r.DeclareCoercion(Number, Text)
	r.DeclareCoercion(Boolean, Text)
	return r
}

// DeclareCoercion records that inputs of type target accept values of the
// given source primitives.
func (r *Registry) DeclareCoercion(target Primitive, from ...Primitive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.coercions[target]
	if set == nil {
		set = map[Primitive]bool{}
		r.coercions[target] = set
	}
	for _, f := range from {
		set[f] = true
	}
}

// RegisterContract binds a contract name to a JSON Schema. Contract names are
// versioned by convention (e.g. "llm.provider.v1"); re-registering a name is
// rejected.
func (r *Registry) RegisterContract(name string, schema map[string]any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("contract name is required")
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("contract %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[name]; exists {
		return fmt.Errorf("contract %s already registered", name)
	}
	r.contracts[name] = compiled
	return nil
}

// HasContract reports whether the contract name is registered.
func (r *Registry) HasContract(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[strings.TrimSpace(name)]
	return ok
}

// ContractNames returns the registered contract names, sorted.
func (r *Registry) ContractNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for n := range r.contracts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateContract checks v against the named contract's schema.
func (r *Registry) ValidateContract(name string, v any) error {
	r.mu.RLock()
	schema := r.contracts[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if schema == nil {
		return fmt.Errorf("unknown contract: %s", name)
	}
	return schema.Validate(normalizeForSchema(v))
}

// coercible consults the declared from-set for a target primitive.
func (r *Registry) coercible(from, to Primitive) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.coercions[to]
	return set != nil && set[from]
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		doc = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalizeForSchema round-trips v through JSON so the validator sees the
// generic shapes it expects (map[string]any, []any, float64).
func normalizeForSchema(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
