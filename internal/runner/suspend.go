package runner

import (
	"fmt"
	"time"
)

// Suspend is returned by a component implementation to park its invocation
// until an external party resolves it. It travels as an error so the runner
// interface stays a plain (outputs, error) pair; the engine recognizes it
// before the failure path does.
type Suspend struct {
	// Kind labels the interaction, e.g. "approval" or "form".
	Kind string
	// Payload is shown to the resolving party: the question, form schema,
	// summary text.
	Payload map[string]any
	// Timeout bounds how long the suspension may stay pending. Zero means
	// wait forever; past the deadline the suspension expires and the node
	// fails as timed out.
	Timeout time.Duration
}

func (s *Suspend) Error() string {
	return fmt.Sprintf("suspended awaiting %s", s.Kind)
}
