// Package rpc implements the duplex request/response layer above the framed
// socket. Either peer may CALL the other; responses are correlated by id.
// The transport can be swapped on reconnect without losing pending calls.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dashlink/dashlink/pkg/wire"
)

// Transport is the slice of the framed socket the RPC client uses.
type Transport interface {
	Send(ctx context.Context, payload string) error
}

// HandlerFunc serves one inbound method. The returned value is marshaled into
// the RESPONSE body; a nil value responds with null.
type HandlerFunc func(ctx context.Context, inputs json.RawMessage) (any, error)

// Client is one side of the duplex RPC conversation.
type Client struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger

	transportMu sync.RWMutex
	transport   Transport

	// Pending outbound calls: id → buffered reply channel. Survives
	// transport rebinding; a response arriving on the new connection
	// completes a call made on the old one.
	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	nextID atomic.Int64
}

// New builds a client over the given transport with the host's inbound
// method handlers.
func New(transport Transport, handlers map[string]HandlerFunc) *Client {
	if handlers == nil {
		handlers = make(map[string]HandlerFunc)
	}
	return &Client{
		transport: transport,
		handlers:  handlers,
		pending:   make(map[string]chan json.RawMessage),
		logger:    slog.Default().With("component", "rpc-client"),
	}
}

// SetTransport rebinds the client to a new framed socket. The pending-calls
// table is the only cross-connection state and is deliberately preserved.
func (c *Client) SetTransport(t Transport) {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	c.transport = t
}

func (c *Client) currentTransport() Transport {
	c.transportMu.RLock()
	defer c.transportMu.RUnlock()
	return c.transport
}

// Send invokes a method on the peer and blocks until the correlated RESPONSE
// arrives or ctx is done. The caller bounds the wait via ctx.
func (c *Client) Send(ctx context.Context, methodName string, inputs any) (json.RawMessage, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %s inputs: %w", methodName, err)
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	envelope, err := json.Marshal(wire.RPCMessage{
		ID:         id,
		MethodName: methodName,
		Data:       data,
		Kind:       wire.RPCKindCall,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %s envelope: %w", methodName, err)
	}

	replyCh := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.currentTransport().Send(ctx, string(envelope)); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", methodName, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends a method and decodes the RESPONSE body into T, validating the
// return shape by typed unmarshal.
func Call[T any](ctx context.Context, c *Client, methodName string, inputs any) (T, error) {
	var out T
	reply, err := c.Send(ctx, methodName, inputs)
	if err != nil {
		return out, err
	}
	if len(reply) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return out, fmt.Errorf("rpc: decode %s return: %w", methodName, err)
	}
	return out, nil
}

// HandleMessage is wired as the framed socket's OnMessage callback. It
// dispatches RESPONSEs to their pending calls and CALLs to their handlers.
// Failures are logged and dropped; the connection stays up.
func (c *Client) HandleMessage(payload string) {
	var msg wire.RPCMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.logger.Warn("Dropping undecodable RPC message", "error", err)
		return
	}

	switch msg.Kind {
	case wire.RPCKindResponse:
		c.pendingMu.Lock()
		replyCh, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Warn("Dropping response with no pending call", "rpc_id", msg.ID)
			return
		}
		replyCh <- msg.Data

	case wire.RPCKindCall:
		c.handleCall(msg)

	default:
		c.logger.Warn("Dropping RPC message with unknown kind", "kind", msg.Kind)
	}
}

func (c *Client) handleCall(msg wire.RPCMessage) {
	handler, ok := c.handlers[msg.MethodName]
	if !ok {
		c.logger.Warn("Dropping call for unknown method", "method", msg.MethodName, "rpc_id", msg.ID)
		return
	}

	if err := wire.ValidateInbound(msg.MethodName, msg.Data); err != nil {
		c.logger.Warn("Dropping call with invalid inputs",
			"method", msg.MethodName, "rpc_id", msg.ID, "error", err)
		return
	}

	result, err := handler(context.Background(), msg.Data)
	if err != nil {
		c.logger.Warn("Handler failed",
			"method", msg.MethodName, "rpc_id", msg.ID, "error", err)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Could not marshal handler result",
			"method", msg.MethodName, "rpc_id", msg.ID, "error", err)
		return
	}
	envelope, err := json.Marshal(wire.RPCMessage{
		ID:         msg.ID,
		MethodName: msg.MethodName,
		Data:       data,
		Kind:       wire.RPCKindResponse,
	})
	if err != nil {
		c.logger.Warn("Could not marshal response envelope",
			"method", msg.MethodName, "rpc_id", msg.ID, "error", err)
		return
	}

	if err := c.currentTransport().Send(context.Background(), string(envelope)); err != nil {
		c.logger.Warn("Could not send response",
			"method", msg.MethodName, "rpc_id", msg.ID, "error", err)
	}
}
