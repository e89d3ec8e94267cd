package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/fault"
)

// Handler is an in-process component implementation.
type Handler func(ctx context.Context, inv *Invocation, cap *Capability) (map[string]any, error)

// Inline runs components registered as Go functions. Handlers are keyed by
// component id and registered at startup next to their definitions.
type Inline struct {
	handlers map[string]Handler
}

func NewInline() *Inline {
	return &Inline{handlers: map[string]Handler{}}
}

func (r *Inline) Kind() component.RunnerKind { return component.RunnerInline }

// Register binds a handler to a component id. Later registrations for the
// same id are rejected so a typo cannot silently shadow a builtin.
func (r *Inline) Register(componentID string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", componentID)
	}
	if _, exists := r.handlers[componentID]; exists {
		return fmt.Errorf("handler for %s already registered", componentID)
	}
	r.handlers[componentID] = h
	return nil
}

// Invoke runs the handler for the invocation's component. A handler panic is
// captured as an InternalError failure instead of taking down the engine.
func (r *Inline) Invoke(ctx context.Context, inv *Invocation, cap *Capability) (outputs map[string]any, err error) {
	h, ok := r.handlers[inv.Def.ID]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "no inline handler for component %s", inv.Def.ID)
	}
	defer func() {
		if rec := recover(); rec != nil {
			cap.Logger().Error("inline handler panicked",
				"component", inv.Def.ID, "panic", rec, "stack", string(debug.Stack()))
			outputs = nil
			err = fault.New(fault.KindInternal, "handler panic: %v", rec)
		}
	}()
	out, err := h(ctx, inv, cap)
	if err != nil {
		// Suspensions travel the error path but are not failures.
		var s *Suspend
		if errors.As(err, &s) {
			return nil, s
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	return out, nil
}
