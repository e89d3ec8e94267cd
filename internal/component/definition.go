// Package component holds the catalog of component definitions: declared
// inputs, outputs, parameters, retry policy, runner kind, and the optional
// dynamic-port hook. Definitions are registered at process start and are
// immutable at runtime.
package component

import (
	"math"
	"time"

	"github.com/shipsec/shipsec/internal/fault"
	"github.com/shipsec/shipsec/internal/ports"
)

type RunnerKind string

const (
	RunnerInline    RunnerKind = "inline"
	RunnerContainer RunnerKind = "container"
	RunnerRemote    RunnerKind = "remote"
)

type ValuePriority string

const (
	// PriorityConnectionFirst: a delivered edge value wins over a manual
	// override; a missing delivery falls back to the override. This is the
	// default.
	PriorityConnectionFirst ValuePriority = "connection-first"
	// PriorityManualFirst: a manually supplied parameter value overrides an
	// inbound edge.
	PriorityManualFirst ValuePriority = "manual-first"
)

// Field is one named, typed input, output, or parameter of a component.
type Field struct {
	ID       string     `json:"id"`
	Label    string     `json:"label,omitempty"`
	Type     ports.Type `json:"type"`
	Required bool       `json:"required,omitempty"`

	// MultiArity permits more than one inbound edge on an input.
	MultiArity bool `json:"multiArity,omitempty"`

	// ValuePriority applies to inputs; empty means connection-first.
	ValuePriority ValuePriority `json:"valuePriority,omitempty"`

	// Branching marks an output as a branch arm (e.g. approved/rejected).
	// At runtime exactly one branching output of a node fires; descendants
	// of the others are skipped.
	Branching bool `json:"isBranching,omitempty"`
}

// ContainerConfig configures the container runner for a definition.
type ContainerConfig struct {
	Image      string   `json:"image"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	Command    []string `json:"command,omitempty"`
	// Env is forwarded verbatim; the serialized input payload is additionally
	// provided as SHIPSEC_INPUT for images that expect stdin-less delivery.
	Env map[string]string `json:"env,omitempty"`
	// ReadOnly mounts the invocation volume read-only.
	ReadOnly bool `json:"readOnly,omitempty"`
	// TimeoutSeconds bounds a single invocation; 0 means the runner default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	// UseResultEnvelope expects stdout to carry a delimited result envelope
	// (---RESULT_START--- ... ---RESULT_END---); otherwise stdout is the
	// result string.
	UseResultEnvelope bool `json:"useResultEnvelope,omitempty"`
	// OutputGlobs are doublestar patterns collected from the volume work dir
	// and uploaded as artifacts after the container exits.
	OutputGlobs []string `json:"outputGlobs,omitempty"`
}

// RemoteConfig configures the remote runner for a definition.
type RemoteConfig struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// RetryPolicy declares how the engine retries a failing node.
type RetryPolicy struct {
	MaxAttempts            int          `json:"maxAttempts"`
	InitialIntervalSeconds float64      `json:"initialIntervalSeconds"`
	MaximumIntervalSeconds float64      `json:"maximumIntervalSeconds"`
	BackoffCoefficient     float64      `json:"backoffCoefficient"`
	NonRetryableErrorKinds []fault.Kind `json:"nonRetryableErrorKinds,omitempty"`
}

// DefaultRetryPolicy executes once with no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:            1,
		InitialIntervalSeconds: 1,
		MaximumIntervalSeconds: 60,
		BackoffCoefficient:     2.0,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialIntervalSeconds <= 0 {
		p.InitialIntervalSeconds = 1
	}
	if p.MaximumIntervalSeconds <= 0 {
		p.MaximumIntervalSeconds = 60
	}
	if p.BackoffCoefficient <= 0 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// Delay returns the backoff before the given retry. attempt is 1-indexed:
// the delay before attempt N is initial * coeff^(N-2), capped at maximum.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 2 {
		return 0
	}
	secs := p.InitialIntervalSeconds * math.Pow(p.BackoffCoefficient, float64(attempt-2))
	secs = math.Min(secs, p.MaximumIntervalSeconds)
	return time.Duration(secs * float64(time.Second))
}

// Retryable reports whether err's kind is retryable under this policy.
func (p RetryPolicy) Retryable(kind fault.Kind) bool {
	for _, k := range p.NonRetryableErrorKinds {
		if k == kind {
			return false
		}
	}
	return kind.Retryable()
}

// ResolvePortsFunc extends a definition's static inputs/outputs based on
// parameter values. It must be pure and deterministic for a given params
// value, and may only add ports: removing or retyping a statically declared
// port is rejected by ResolveDynamicPorts.
type ResolvePortsFunc func(params map[string]any) (inputs, outputs []Field, err error)

// Definition describes one component.
type Definition struct {
	ID       string
	Label    string
	Category string

	Runner    RunnerKind
	Container *ContainerConfig
	Remote    *RemoteConfig

	Inputs  []Field
	Outputs []Field
	Params  []Field

	// ParamSchema is a JSON Schema for the node's params block; nil means
	// any params are accepted.
	ParamSchema map[string]any

	Retry RetryPolicy

	ResolvePorts ResolvePortsFunc
}

func (d *Definition) RetryPolicy() RetryPolicy {
	return d.Retry.normalized()
}

// Input returns the static input field with the given id.
func (d *Definition) Input(id string) (Field, bool) { return findField(d.Inputs, id) }

// Output returns the static output field with the given id.
func (d *Definition) Output(id string) (Field, bool) { return findField(d.Outputs, id) }

func findField(fields []Field, id string) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
