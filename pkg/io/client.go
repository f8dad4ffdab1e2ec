package io

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/dashlink/dashlink/pkg/codec"
	"github.com/dashlink/dashlink/pkg/wire"
)

// Sender transmits one render batch. Wired to the host controller's
// SEND_IO_CALL path, which also records the serialized payload for replay.
type Sender func(ctx context.Context, instruction wire.RenderInstruction) error

// Client drives the render/response loop for one transaction (or one page's
// children). Responses are injected via HandleResponse from the RPC layer.
type Client struct {
	send   Sender
	logger *slog.Logger

	mu       sync.Mutex
	canceled bool
	active   *renderGroup
}

// renderGroup is the state of one RenderComponents call. A fresh input group
// key scopes responses; anything carrying another key is stale.
type renderGroup struct {
	key    string
	respCh chan wire.IOResponse
}

// NewClient builds an IO client over the given sender.
func NewClient(send Sender, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "io-client")
	}
	return &Client{send: send, logger: logger}
}

// Canceled reports whether the server canceled this client.
func (c *Client) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// HandleResponse routes one IO_RESPONSE into the active render group.
// Responses arriving with no group in flight (after return, after cancel,
// or before any render) are ignored.
func (c *Client) HandleResponse(resp wire.IOResponse) {
	c.mu.Lock()
	group := c.active
	c.mu.Unlock()
	if group == nil {
		c.logger.Debug("Ignoring response with no render in flight",
			"input_group_key", resp.InputGroupKey, "kind", resp.Kind)
		return
	}
	select {
	case group.respCh <- resp:
	default:
		c.logger.Warn("Dropping response, group buffer full",
			"input_group_key", resp.InputGroupKey, "kind", resp.Kind)
	}
}

// RenderComponents renders a batch and blocks until the operator submits
// values that pass every validator, the server cancels, or ctx is done.
// Returns the parsed values in component order.
func (c *Client) RenderComponents(
	ctx context.Context,
	components []*Component,
	groupValidator GroupValidator,
	continueButton *wire.ContinueButtonConfig,
) ([]any, error) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return nil, ErrTransactionClosed
	}
	group := &renderGroup{
		key:    uuid.New().String(),
		respCh: make(chan wire.IOResponse, 32),
	}
	c.active = group
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active == group {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	groupMessage := ""
	render := func() error {
		instruction := wire.RenderInstruction{
			ID:                     uuid.New().String(),
			InputGroupKey:          group.key,
			Kind:                   wire.IOKindRender,
			ValidationErrorMessage: groupMessage,
			ContinueButton:         continueButton,
		}
		for _, comp := range components {
			info, err := comp.renderInfo()
			if err != nil {
				return err
			}
			instruction.ToRender = append(instruction.ToRender, info)
		}
		return c.send(ctx, instruction)
	}

	if err := render(); err != nil {
		return nil, err
	}

	// Display-only components do not block on a reply.
	for _, comp := range components {
		if comp.def.Immediate {
			comp.resolve(nil)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case resp := <-group.respCh:
			if resp.InputGroupKey != group.key {
				c.logger.Debug("Ignoring response with stale input group key",
					"got", resp.InputGroupKey, "want", group.key)
				continue
			}

			switch resp.Kind {
			case wire.IOKindCanceled:
				c.mu.Lock()
				c.canceled = true
				c.mu.Unlock()
				for _, comp := range components {
					comp.fail(ErrCanceled)
				}
				return nil, ErrCanceled

			case wire.IOKindSetState:
				if err := c.applySetState(ctx, components, resp); err != nil {
					// Protocol error: logged, transaction left active.
					c.logger.Warn("Rejecting SET_STATE", "error", err)
					continue
				}
				if err := render(); err != nil {
					return nil, err
				}

			case wire.IOKindReturn:
				values, done, err := c.applyReturn(ctx, components, resp, groupValidator, &groupMessage)
				if err != nil {
					return nil, err
				}
				if done {
					return values, nil
				}
				if err := render(); err != nil {
					return nil, err
				}

			default:
				c.logger.Warn("Ignoring response with unknown kind", "kind", resp.Kind)
			}
		}
	}
}

// applySetState diffs incoming state against each component and re-derives
// props through the component's state-change handler.
func (c *Client) applySetState(ctx context.Context, components []*Component, resp wire.IOResponse) error {
	values, err := decodeValues(resp)
	if err != nil {
		return err
	}
	if len(values) != len(components) {
		return fmt.Errorf("io: SET_STATE carried %d values for %d components", len(values), len(components))
	}
	for i, comp := range components {
		newState := values[i]
		if reflect.DeepEqual(newState, comp.State) {
			continue
		}
		oldProps := comp.Props
		comp.State = newState
		if comp.StateChangeHandler == nil {
			continue
		}
		newProps, err := comp.StateChangeHandler(ctx, newState, oldProps)
		if err != nil {
			c.logger.Warn("State change handler failed",
				"method", comp.def.Name, "label", comp.Label, "error", err)
			continue
		}
		comp.Props = newProps
	}
	return nil
}

// applyReturn parses and validates a RETURN. done is true when every
// validator passed and the group completed; false means validation messages
// were installed and the caller should re-render.
func (c *Client) applyReturn(
	ctx context.Context,
	components []*Component,
	resp wire.IOResponse,
	groupValidator GroupValidator,
	groupMessage *string,
) ([]any, bool, error) {
	rawValues, err := decodeValues(resp)
	if err != nil {
		return nil, false, err
	}
	if len(rawValues) != len(components) {
		c.logger.Warn("Rejecting RETURN with wrong arity",
			"got", len(rawValues), "want", len(components))
		return nil, false, nil
	}

	// Parse everything first; a parse failure fails that component's future
	// and then the group aggregates into a handler-visible error.
	parsed := make([]any, len(components))
	var firstParseErr error
	for i, comp := range components {
		value, err := comp.parseReturn(rawValues[i])
		if err != nil {
			c.logger.Error("Return value parse failed",
				"method", comp.def.Name, "label", comp.Label, "error", err)
			comp.fail(err)
			if firstParseErr == nil {
				firstParseErr = err
			}
			continue
		}
		parsed[i] = value
	}
	if firstParseErr != nil {
		return nil, false, firstParseErr
	}

	// Per-component validation runs in parallel; validators may block.
	messages := make([]string, len(components))
	var wg sync.WaitGroup
	for i, comp := range components {
		if comp.Validator == nil {
			continue
		}
		wg.Add(1)
		go func(i int, comp *Component) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("Validator panicked",
						"method", comp.def.Name, "label", comp.Label, "panic", r)
					messages[i] = genericValidationMessage
				}
			}()
			msg, err := comp.Validator(ctx, parsed[i])
			if err != nil {
				c.logger.Warn("Validator failed",
					"method", comp.def.Name, "label", comp.Label, "error", err)
				msg = genericValidationMessage
			}
			messages[i] = msg
		}(i, comp)
	}
	wg.Wait()

	anyInvalid := false
	for i, comp := range components {
		comp.validationErrorMessage = messages[i]
		if messages[i] != "" {
			anyInvalid = true
		}
	}
	if anyInvalid {
		return nil, false, nil
	}

	if groupValidator != nil {
		msg, err := groupValidator(ctx, parsed)
		if err != nil {
			c.logger.Warn("Group validator failed", "error", err)
			msg = genericValidationMessage
		}
		if msg != "" {
			*groupMessage = msg
			return nil, false, nil
		}
	}
	*groupMessage = ""

	for i, comp := range components {
		comp.resolve(parsed[i])
	}
	return parsed, true, nil
}

// decodeValues restores the response's values through the payload codec.
func decodeValues(resp wire.IOResponse) ([]any, error) {
	values := make([]any, len(resp.Values))
	for i, raw := range resp.Values {
		if len(raw) == 0 {
			values[i] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("io: decode response value %d: %w", i, err)
		}
		values[i] = v
	}
	if resp.ValuesMeta != nil {
		restored, err := codec.Decode(values, resp.ValuesMeta)
		if err != nil {
			return nil, fmt.Errorf("io: restore response values: %w", err)
		}
		// A root annotation can change the container's type; only list shapes
		// are a legal values envelope.
		switch typed := restored.(type) {
		case []any:
			values = typed
		case codec.Set:
			values = []any(typed)
		default:
			return nil, fmt.Errorf("io: response values restored to %T, expected list", restored)
		}
	}
	return values, nil
}
