package io

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dashlink/dashlink/pkg/codec"
	"github.com/dashlink/dashlink/pkg/wire"
)

// Validator checks one parsed return value. A non-empty message marks the
// value invalid; an error counts as invalid with a generic message. Async
// validators simply block inside the function.
type Validator func(ctx context.Context, value any) (string, error)

// GroupValidator checks a whole render batch's parsed values.
type GroupValidator func(ctx context.Context, values []any) (string, error)

// StateChangeHandler derives new props from client-driven state. oldProps is
// the props value the state change was rendered against.
type StateChangeHandler func(ctx context.Context, newState any, oldProps any) (newProps any, err error)

// Component is one typed UI element of a render batch. Its method definition
// (and therefore its schema triple) is fixed at construction.
type Component struct {
	def   MethodDef
	Label string

	// Props must serialize through the payload codec.
	Props any

	// State is the last client-driven state for stateful methods.
	State any

	IsOptional bool

	IsMultiple           bool
	MultipleDefaultValue any

	// Validator, if set, runs on the parsed return value before the group
	// may complete.
	Validator Validator

	// StateChangeHandler, if set, reacts to SET_STATE responses.
	StateChangeHandler StateChangeHandler

	// ReturnResolver overrides the method's default parser; used by
	// search-style components that resolve an index key against their own
	// result set.
	ReturnResolver ParseFunc

	validationErrorMessage string

	retOnce sync.Once
	ret     chan returnOutcome
}

type returnOutcome struct {
	value any
	err   error
}

// NewComponent builds a component for one of the closed method set. Unknown
// method names are rejected.
func NewComponent(methodName, label string, props any) (*Component, error) {
	def, ok := MethodByName(methodName)
	if !ok {
		return nil, fmt.Errorf("io: unknown method %q", methodName)
	}
	return &Component{
		def:   def,
		Label: label,
		Props: props,
		ret:   make(chan returnOutcome, 1),
	}, nil
}

// MustComponent is NewComponent for statically known method names.
func MustComponent(methodName, label string, props any) *Component {
	c, err := NewComponent(methodName, label, props)
	if err != nil {
		panic(err)
	}
	return c
}

// Method returns the fixed method definition.
func (c *Component) Method() MethodDef { return c.def }

// SetMultiple marks the component as accepting a list of values. Only
// multiple-able methods allow it.
func (c *Component) SetMultiple(defaultValue any) error {
	if !c.def.SupportsMultiple {
		return fmt.Errorf("io: method %s does not support multiple values", c.def.Name)
	}
	c.IsMultiple = true
	c.MultipleDefaultValue = defaultValue
	return nil
}

// ReturnValue blocks until the engine resolves this component, the engine
// fails it, or ctx is done. The completion slot fires exactly once.
func (c *Component) ReturnValue(ctx context.Context) (any, error) {
	select {
	case outcome := <-c.ret:
		// Re-buffer so later awaiters observe the same outcome.
		c.ret <- outcome
		return outcome.value, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Component) resolve(value any) {
	c.retOnce.Do(func() { c.ret <- returnOutcome{value: value} })
}

func (c *Component) fail(err error) {
	c.retOnce.Do(func() { c.ret <- returnOutcome{err: err} })
}

// renderInfo serializes the component's share of a render batch, lowering
// props through the payload codec.
func (c *Component) renderInfo() (wire.ComponentRenderInfo, error) {
	info := wire.ComponentRenderInfo{
		MethodName:             c.def.Name,
		Label:                  c.Label,
		IsStateful:             c.def.Stateful,
		IsOptional:             c.IsOptional,
		IsMultiple:             c.IsMultiple,
		ValidationErrorMessage: c.validationErrorMessage,
	}
	if c.Props != nil {
		lowered, meta := codec.Encode(c.Props)
		props, err := json.Marshal(lowered)
		if err != nil {
			return info, fmt.Errorf("io: marshal props for %s %q: %w", c.def.Name, c.Label, err)
		}
		info.Props = props
		info.PropsMeta = meta
	}
	if c.IsMultiple && c.MultipleDefaultValue != nil {
		lowered, _ := codec.Encode(c.MultipleDefaultValue)
		defaultValue, err := json.Marshal(lowered)
		if err != nil {
			return info, fmt.Errorf("io: marshal multiple default for %s %q: %w", c.def.Name, c.Label, err)
		}
		info.MultipleProps = &wire.MultipleProps{DefaultValue: defaultValue}
	}
	return info, nil
}

// parseReturn maps one wire return value to the component's domain value,
// honoring optional/multiple/display rules.
func (c *Component) parseReturn(raw any) (any, error) {
	if raw == nil {
		if c.IsOptional || c.def.Immediate {
			return nil, nil
		}
		return nil, fmt.Errorf("io: %s %q received null for a required value", c.def.Name, c.Label)
	}

	parse := c.ReturnResolver
	if parse == nil {
		parse = c.def.Parse
	}
	if parse == nil {
		return raw, nil
	}

	if c.IsMultiple {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("io: %s %q expected a list, got %T", c.def.Name, c.Label, raw)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			parsed, err := parse(elem)
			if err != nil {
				return nil, fmt.Errorf("io: %s %q element %d: %w", c.def.Name, c.Label, i, err)
			}
			out[i] = parsed
		}
		return out, nil
	}

	parsed, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("io: %s %q: %w", c.def.Name, c.Label, err)
	}
	return parsed, nil
}
