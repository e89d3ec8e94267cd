package component

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shipsec/shipsec/internal/ports"
)

// Registry is the process-global component catalog. It is populated by the
// component-loader pass at startup and read-only afterwards. Tests build a
// fresh Registry instead of mutating a singleton.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		defs:    map[string]*Definition{},
		schemas: map[string]*jsonschema.Schema{},
	}
}

// Register inserts a definition. Duplicate ids are rejected.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("nil definition")
	}
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return fmt.Errorf("component id is required")
	}
	switch def.Runner {
	case RunnerInline, RunnerContainer, RunnerRemote:
	default:
		return fmt.Errorf("component %s: unknown runner kind %q", id, def.Runner)
	}
	if def.Runner == RunnerContainer && (def.Container == nil || strings.TrimSpace(def.Container.Image) == "") {
		return fmt.Errorf("component %s: container runner requires an image", id)
	}
	if def.Runner == RunnerRemote && (def.Remote == nil || strings.TrimSpace(def.Remote.Endpoint) == "") {
		return fmt.Errorf("component %s: remote runner requires an endpoint", id)
	}
	if err := checkFieldIDs(def.Inputs); err != nil {
		return fmt.Errorf("component %s inputs: %w", id, err)
	}
	if err := checkFieldIDs(def.Outputs); err != nil {
		return fmt.Errorf("component %s outputs: %w", id, err)
	}

	var schema *jsonschema.Schema
	if def.ParamSchema != nil {
		var err error
		schema, err = compileSchema(def.ParamSchema)
		if err != nil {
			return fmt.Errorf("component %s param schema: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[id]; exists {
		return fmt.Errorf("component %s already registered", id)
	}
	r.defs[id] = def
	if schema != nil {
		r.schemas[id] = schema
	}
	return nil
}

// Get looks up a definition by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(id)]
	return def, ok
}

// IDs returns the registered component ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateParams checks a node's params block against the component's
// parameter schema. Violations are returned per field path.
func (r *Registry) ValidateParams(id string, params map[string]any) []ParamError {
	r.mu.RLock()
	schema := r.schemas[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	err := schema.Validate(normalizeForSchema(params))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		return flattenValidationError(ve)
	}
	return []ParamError{{Field: "", Message: err.Error()}}
}

// ParamError is one per-field parameter rejection.
type ParamError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func flattenValidationError(ve *jsonschema.ValidationError) []ParamError {
	if ve == nil {
		return nil
	}
	if len(ve.Causes) == 0 {
		return []ParamError{{
			Field:   strings.TrimPrefix(ve.InstanceLocation, "/"),
			Message: ve.Message,
		}}
	}
	var out []ParamError
	for _, c := range ve.Causes {
		out = append(out, flattenValidationError(c)...)
	}
	return out
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

// PortTable is a node's effective input or output table in declaration order.
type PortTable struct {
	Fields []Field
}

func (t PortTable) Get(id string) (Field, bool) { return findField(t.Fields, id) }

func (t PortTable) IDs() []string {
	ids := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		ids = append(ids, f.ID)
	}
	return ids
}

// ResolveDynamicPorts merges the definition's static ports with the result of
// its ResolvePorts hook for the given params. The hook may only extend the
// static shape: redeclaring a static port with a different type is an error,
// and redeclaring it with the same type is ignored.
func (r *Registry) ResolveDynamicPorts(def *Definition, params map[string]any) (inputs, outputs PortTable, err error) {
	if def == nil {
		return PortTable{}, PortTable{}, fmt.Errorf("nil definition")
	}
	inputs = PortTable{Fields: append([]Field{}, def.Inputs...)}
	outputs = PortTable{Fields: append([]Field{}, def.Outputs...)}
	if def.ResolvePorts == nil {
		return inputs, outputs, nil
	}
	dynIn, dynOut, err := def.ResolvePorts(params)
	if err != nil {
		return PortTable{}, PortTable{}, fmt.Errorf("component %s resolvePorts: %w", def.ID, err)
	}
	if inputs.Fields, err = mergePorts(def.ID, inputs.Fields, dynIn); err != nil {
		return PortTable{}, PortTable{}, err
	}
	if outputs.Fields, err = mergePorts(def.ID, outputs.Fields, dynOut); err != nil {
		return PortTable{}, PortTable{}, err
	}
	return inputs, outputs, nil
}

func mergePorts(componentID string, static, dynamic []Field) ([]Field, error) {
	out := static
	for _, f := range dynamic {
		if existing, ok := findField(static, f.ID); ok {
			if !ports.Equals(existing.Type, f.Type) {
				return nil, fmt.Errorf(
					"component %s resolvePorts: port %s redeclared as %s (static %s)",
					componentID, f.ID, ports.Describe(f.Type), ports.Describe(existing.Type),
				)
			}
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func checkFieldIDs(fields []Field) error {
	seen := map[string]bool{}
	for _, f := range fields {
		id := strings.TrimSpace(f.ID)
		if id == "" {
			return fmt.Errorf("field with empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate field id %s", id)
		}
		seen[id] = true
	}
	return nil
}
