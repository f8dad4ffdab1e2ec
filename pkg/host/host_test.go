package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashlink/dashlink/pkg/config"
	"github.com/dashlink/dashlink/pkg/framed"
	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/loading"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/routes"
	"github.com/dashlink/dashlink/pkg/wire"
)

// fakeDashboard accepts framed websocket connections and speaks the RPC
// protocol from the server side.
type fakeDashboard struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	conns         []*dashConn
	headers       []http.Header
	calls         []wire.RPCMessage
	responders    map[string]func(msg wire.RPCMessage) any
	acksSuspended bool
}

type dashConn struct {
	dash *fakeDashboard
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
}

func newFakeDashboard(t *testing.T) *fakeDashboard {
	t.Helper()
	d := &fakeDashboard{
		t:          t,
		responders: make(map[string]func(wire.RPCMessage) any),
	}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		dc := &dashConn{
			dash:    d,
			conn:    conn,
			pending: make(map[string]chan json.RawMessage),
		}
		d.mu.Lock()
		d.conns = append(d.conns, dc)
		d.headers = append(d.headers, r.Header.Clone())
		d.mu.Unlock()
		dc.run()
	}))
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDashboard) endpoint() string {
	return "ws" + strings.TrimPrefix(d.server.URL, "http")
}

// suspendAcks makes inbound frames vanish: no ACK, no processing. Simulates
// a dashboard that stopped responding without dropping the socket.
func (d *fakeDashboard) suspendAcks(suspended bool) {
	d.mu.Lock()
	d.acksSuspended = suspended
	d.mu.Unlock()
}

func (d *fakeDashboard) acksPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acksSuspended
}

// respondWith overrides the default reply for one method.
func (d *fakeDashboard) respondWith(method string, fn func(wire.RPCMessage) any) {
	d.mu.Lock()
	d.responders[method] = fn
	d.mu.Unlock()
}

func (d *fakeDashboard) respond(msg wire.RPCMessage) any {
	d.mu.Lock()
	fn := d.responders[msg.MethodName]
	d.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	if msg.MethodName == wire.MethodInitializeHost {
		return wire.InitializeHostReturns{
			Type:         "success",
			Environment:  "production",
			DashboardURL: "https://dash.example.com/acme",
		}
	}
	return true
}

func (d *fakeDashboard) record(msg wire.RPCMessage) {
	d.mu.Lock()
	d.calls = append(d.calls, msg)
	d.mu.Unlock()
}

// callsOf returns every host-originated CALL of one method, in arrival order.
func (d *fakeDashboard) callsOf(method string) []wire.RPCMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []wire.RPCMessage
	for _, msg := range d.calls {
		if msg.MethodName == method {
			out = append(out, msg)
		}
	}
	return out
}

// waitCall blocks until at least n CALLs of method arrived, returning the nth.
func (d *fakeDashboard) waitCall(method string, n int) wire.RPCMessage {
	d.t.Helper()
	var msg wire.RPCMessage
	require.Eventually(d.t, func() bool {
		calls := d.callsOf(method)
		if len(calls) < n {
			return false
		}
		msg = calls[n-1]
		return true
	}, 3*time.Second, 10*time.Millisecond, "waiting for %s call %d", method, n)
	return msg
}

// waitConn blocks until the nth physical connection exists.
func (d *fakeDashboard) waitConn(n int) *dashConn {
	d.t.Helper()
	var dc *dashConn
	require.Eventually(d.t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) < n {
			return false
		}
		dc = d.conns[n-1]
		return true
	}, 3*time.Second, 10*time.Millisecond, "waiting for connection %d", n)
	return dc
}

func (c *dashConn) run() {
	ctx := context.Background()
	c.sendPayload("authenticated")
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame framed.Frame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		switch frame.Type {
		case framed.TypeACK:
			continue
		case framed.TypeMessage:
			if c.dash.acksPaused() {
				continue
			}
			c.writeFrame(framed.Frame{ID: frame.ID, Type: framed.TypeACK})
			payload := ""
			if frame.Data != nil {
				payload = *frame.Data
			}
			if payload == "ping" {
				continue
			}
			var msg wire.RPCMessage
			if json.Unmarshal([]byte(payload), &msg) != nil {
				continue
			}
			if msg.Kind == wire.RPCKindResponse {
				c.pendingMu.Lock()
				ch := c.pending[msg.ID]
				delete(c.pending, msg.ID)
				c.pendingMu.Unlock()
				if ch != nil {
					ch <- msg.Data
				}
				continue
			}
			c.dash.record(msg)
			result := c.dash.respond(msg)
			data, err := json.Marshal(result)
			if err != nil {
				continue
			}
			envelope, _ := json.Marshal(wire.RPCMessage{
				ID:         msg.ID,
				MethodName: msg.MethodName,
				Data:       data,
				Kind:       wire.RPCKindResponse,
			})
			c.sendPayload(string(envelope))
		}
	}
}

func (c *dashConn) sendPayload(payload string) {
	c.writeFrame(framed.Frame{ID: uuid.New().String(), Type: framed.TypeMessage, Data: &payload})
}

func (c *dashConn) writeFrame(frame framed.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.Write(context.Background(), websocket.MessageText, data)
}

// call invokes a method on the host and blocks for its response.
func (c *dashConn) call(t *testing.T, method string, inputs any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(inputs)
	require.NoError(t, err)
	id := uuid.New().String()
	envelope, err := json.Marshal(wire.RPCMessage{
		ID:         id,
		MethodName: method,
		Data:       data,
		Kind:       wire.RPCKindCall,
	})
	require.NoError(t, err)

	replyCh := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	c.sendPayload(string(envelope))
	select {
	case reply := <-replyCh:
		return reply
	case <-time.After(3 * time.Second):
		t.Fatalf("no response to %s", method)
		return nil
	}
}

func (c *dashConn) drop() {
	_ = c.conn.Close(websocket.StatusGoingAway, "dropped by test")
}

func testConfig(d *fakeDashboard) *config.Config {
	cfg := config.Default()
	cfg.APIKey = "test_key"
	cfg.Endpoint = d.endpoint()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SendTimeout = 2 * time.Second
	cfg.PingTimeout = time.Second
	cfg.PingInterval = time.Hour
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.ReinitializeBatchTimeout = 30 * time.Millisecond
	return cfg
}

func newListeningHost(t *testing.T, d *fakeDashboard, register func(*routes.Registry)) *Host {
	t.Helper()
	h, err := New(testConfig(d))
	require.NoError(t, err)
	if register != nil {
		register(h.Routes())
	}
	require.NoError(t, h.Listen(context.Background()))
	t.Cleanup(h.Close)
	return h
}

func operator() wire.UserInfo {
	return wire.UserInfo{Email: "op@example.com", FirstName: "Ada"}
}

func TestListenAnnouncesCatalogue(t *testing.T) {
	d := newFakeDashboard(t)
	h := newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("refund", &routes.Action{
			Name:    "Refund order",
			Handler: func(context.Context, *io.ActionContext) (any, error) { return nil, nil },
		}))
	})

	d.mu.Lock()
	header := d.headers[0]
	d.mu.Unlock()
	assert.Equal(t, "test_key", header.Get("x-api-key"))
	assert.NotEmpty(t, header.Get("x-instance-id"))

	init := d.waitCall(wire.MethodInitializeHost, 1)
	var inputs wire.InitializeHostInputs
	require.NoError(t, json.Unmarshal(init.Data, &inputs))
	assert.Equal(t, "dashlink-go", inputs.SDKName)
	require.Len(t, inputs.Actions, 1)
	assert.Equal(t, "refund", inputs.Actions[0].Slug)

	assert.Equal(t, "production", h.Environment())
	assert.Equal(t, "https://dash.example.com/acme", h.DashboardURL())
	assert.True(t, h.Connected())
}

func TestTransactionRendersAndCompletes(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("greet", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				values, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				if err != nil {
					return nil, err
				}
				return "Hello " + values[0].(string), nil
			},
		}))
	})
	dc := d.waitConn(1)

	reply := dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "greet"},
		User:          operator(),
	})
	assert.Equal(t, "null", string(reply))

	ioCall := d.waitCall(wire.MethodSendIOCall, 1)
	var sendInputs wire.SendIOCallInputs
	require.NoError(t, json.Unmarshal(ioCall.Data, &sendInputs))
	assert.Equal(t, "t1", sendInputs.TransactionID)
	var instruction wire.RenderInstruction
	require.NoError(t, json.Unmarshal([]byte(sendInputs.IOCall), &instruction))
	require.Len(t, instruction.ToRender, 1)
	assert.Equal(t, io.MethodInputText, instruction.ToRender[0].MethodName)

	response, err := json.Marshal(wire.IOResponse{
		ID:            instruction.ID,
		InputGroupKey: instruction.InputGroupKey,
		TransactionID: "t1",
		Kind:          wire.IOKindReturn,
		Values:        []json.RawMessage{json.RawMessage(`"World"`)},
	})
	require.NoError(t, err)
	dc.call(t, wire.MethodIOResponse, wire.IOResponseInputs{
		TransactionID: "t1",
		Value:         string(response),
	})

	complete := d.waitCall(wire.MethodMarkTransactionComplete, 1)
	var completeInputs wire.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(complete.Data, &completeInputs))
	assert.Equal(t, "t1", completeInputs.TransactionID)
	assert.Equal(t, wire.StatusSuccess, completeInputs.Result.Status)
	assert.JSONEq(t, `"Hello World"`, string(completeInputs.Result.Data))
}

func TestDuplicateStartTransactionRunsOnce(t *testing.T) {
	d := newFakeDashboard(t)
	release := make(chan struct{})
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("slow", &routes.Action{
			Handler: func(context.Context, *io.ActionContext) (any, error) {
				<-release
				return "done", nil
			},
		}))
	})
	dc := d.waitConn(1)

	start := wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "slow"},
		User:          operator(),
	}
	dc.call(t, wire.MethodStartTransaction, start)
	dc.call(t, wire.MethodStartTransaction, start)
	close(release)

	d.waitCall(wire.MethodMarkTransactionComplete, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, d.callsOf(wire.MethodMarkTransactionComplete), 1)
}

func TestFailedHandlerReportsFailure(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("explode", &routes.Action{
			Handler: func(context.Context, *io.ActionContext) (any, error) {
				panic("unexpected nil order")
			},
		}))
	})
	dc := d.waitConn(1)

	dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "explode"},
		User:          operator(),
	})

	complete := d.waitCall(wire.MethodMarkTransactionComplete, 1)
	var completeInputs wire.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(complete.Data, &completeInputs))
	assert.Equal(t, wire.StatusFailure, completeInputs.Result.Status)

	var failure map[string]string
	require.NoError(t, json.Unmarshal(completeInputs.Result.Data, &failure))
	assert.NotEmpty(t, failure["error"], "failure data must carry the error class")
	assert.Contains(t, failure["message"], "unexpected nil order")
}

func TestServerCancelSkipsCompletion(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("ask", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				_, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				return nil, err
			},
		}))
	})
	dc := d.waitConn(1)

	dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "ask"},
		User:          operator(),
	})

	ioCall := d.waitCall(wire.MethodSendIOCall, 1)
	var sendInputs wire.SendIOCallInputs
	require.NoError(t, json.Unmarshal(ioCall.Data, &sendInputs))
	var instruction wire.RenderInstruction
	require.NoError(t, json.Unmarshal([]byte(sendInputs.IOCall), &instruction))

	canceled, err := json.Marshal(wire.IOResponse{
		InputGroupKey: instruction.InputGroupKey,
		TransactionID: "t1",
		Kind:          wire.IOKindCanceled,
	})
	require.NoError(t, err)
	dc.call(t, wire.MethodIOResponse, wire.IOResponseInputs{
		TransactionID: "t1",
		Value:         string(canceled),
	})

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, d.callsOf(wire.MethodMarkTransactionComplete),
		"server-canceled transactions must not be marked complete")
}

func TestReconnectReplaysPendingRender(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("ask", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				values, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				if err != nil {
					return nil, err
				}
				return values[0], nil
			},
		}))
	})
	first := d.waitConn(1)

	first.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "ask"},
		User:          operator(),
	})
	firstSend := d.waitCall(wire.MethodSendIOCall, 1)

	first.drop()
	second := d.waitConn(2)

	d.mu.Lock()
	instanceBefore := d.headers[0].Get("x-instance-id")
	instanceAfter := d.headers[1].Get("x-instance-id")
	d.mu.Unlock()
	assert.Equal(t, instanceBefore, instanceAfter, "reconnects must reuse the instance id")

	d.waitCall(wire.MethodInitializeHost, 2)
	replayed := d.waitCall(wire.MethodSendIOCall, 2)
	assert.JSONEq(t, string(firstSend.Data), string(replayed.Data),
		"the pending render must be replayed unchanged")

	var sendInputs wire.SendIOCallInputs
	require.NoError(t, json.Unmarshal(replayed.Data, &sendInputs))
	var instruction wire.RenderInstruction
	require.NoError(t, json.Unmarshal([]byte(sendInputs.IOCall), &instruction))

	response, err := json.Marshal(wire.IOResponse{
		InputGroupKey: instruction.InputGroupKey,
		TransactionID: "t1",
		Kind:          wire.IOKindReturn,
		Values:        []json.RawMessage{json.RawMessage(`"still here"`)},
	})
	require.NoError(t, err)
	second.call(t, wire.MethodIOResponse, wire.IOResponseInputs{
		TransactionID: "t1",
		Value:         string(response),
	})

	complete := d.waitCall(wire.MethodMarkTransactionComplete, 1)
	var completeInputs wire.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(complete.Data, &completeInputs))
	assert.JSONEq(t, `"still here"`, string(completeInputs.Result.Data))
}

func TestRenderRefusalClosesTransaction(t *testing.T) {
	d := newFakeDashboard(t)
	d.respondWith(wire.MethodSendIOCall, func(wire.RPCMessage) any { return false })
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("ask", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				_, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				return nil, err
			},
		}))
	})
	dc := d.waitConn(1)

	dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "ask"},
		User:          operator(),
	})

	complete := d.waitCall(wire.MethodMarkTransactionComplete, 1)
	var completeInputs wire.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(complete.Data, &completeInputs))
	assert.Equal(t, wire.StatusFailure, completeInputs.Result.Status)

	var failure map[string]string
	require.NoError(t, json.Unmarshal(completeInputs.Result.Data, &failure))
	assert.Equal(t, "TRANSACTION_CLOSED", failure["error"])
}

func TestTimedOutSendIsRetried(t *testing.T) {
	d := newFakeDashboard(t)
	d.respondWith(wire.MethodNotify, func(wire.RPCMessage) any {
		return wire.NotifyReturns{Type: "success"}
	})
	cfg := testConfig(d)
	cfg.SendTimeout = 100 * time.Millisecond
	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Listen(context.Background()))
	t.Cleanup(h.Close)
	d.waitCall(wire.MethodInitializeHost, 1)

	d.suspendAcks(true)
	done := make(chan error, 1)
	go func() {
		done <- h.Notify(context.Background(), wire.NotifyInputs{Message: "deploy finished"})
	}()

	// Leave time for at least one attempt to hit the ack timeout.
	time.Sleep(250 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("notify finished while the dashboard was unresponsive: %v", err)
	default:
	}
	d.suspendAcks(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("notify was not retried after the dashboard resumed")
	}
	d.waitCall(wire.MethodNotify, 1)
}

func TestReconnectReplaysLoadingState(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("import", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				title := "Importing"
				actx.Loading.Start(ctx, loading.Options{Title: &title})
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				_, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				return nil, err
			},
		}))
	})
	first := d.waitConn(1)

	first.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "import"},
		User:          operator(),
	})
	firstLoading := d.waitCall(wire.MethodSendLoadingCall, 1)
	d.waitCall(wire.MethodSendIOCall, 1)

	first.drop()
	d.waitConn(2)
	d.waitCall(wire.MethodInitializeHost, 2)

	replayed := d.waitCall(wire.MethodSendLoadingCall, 2)
	assert.JSONEq(t, string(firstLoading.Data), string(replayed.Data),
		"the loading snapshot must be replayed unchanged")
}

func TestReplayDropsRefusedEntries(t *testing.T) {
	d := newFakeDashboard(t)
	h := newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("import", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				queue := 2
				actx.Loading.Start(ctx, loading.Options{ItemsInQueue: &queue})
				name := io.MustComponent(io.MethodInputText, "Name", nil)
				_, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
				return nil, err
			},
		}))
	})
	first := d.waitConn(1)

	first.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "import"},
		User:          operator(),
	})
	d.waitCall(wire.MethodSendIOCall, 1)
	d.waitCall(wire.MethodSendLoadingCall, 1)

	d.respondWith(wire.MethodSendIOCall, func(wire.RPCMessage) any { return false })
	d.respondWith(wire.MethodSendLoadingCall, func(wire.RPCMessage) any { return "TRANSACTION_CLOSED" })
	first.drop()
	d.waitConn(2)
	d.waitCall(wire.MethodSendIOCall, 2)
	d.waitCall(wire.MethodSendLoadingCall, 2)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pendingIO) == 0 && len(h.loadingStates) == 0
	}, 3*time.Second, 10*time.Millisecond,
		"refused replays must drop their pending entries")
}

func TestConfirmIdentityRoundTrip(t *testing.T) {
	d := newFakeDashboard(t)
	d.respondWith(wire.MethodConfirmIdentity, func(wire.RPCMessage) any {
		return wire.ConfirmIdentityReturns{Type: "success"}
	})
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("sensitive", &routes.Action{
			Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
				return actx.ConfirmIdentity(ctx, nil)
			},
		}))
	})
	dc := d.waitConn(1)

	dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t1",
		Action:        wire.ActionInfo{Slug: "sensitive"},
		User:          operator(),
	})

	confirm := d.waitCall(wire.MethodConfirmIdentity, 1)
	var confirmInputs wire.ConfirmIdentityInputs
	require.NoError(t, json.Unmarshal(confirm.Data, &confirmInputs))
	assert.Equal(t, "t1", confirmInputs.TransactionID)

	complete := d.waitCall(wire.MethodMarkTransactionComplete, 1)
	var completeInputs wire.MarkTransactionCompleteInputs
	require.NoError(t, json.Unmarshal(complete.Data, &completeInputs))
	assert.Equal(t, wire.StatusSuccess, completeInputs.Result.Status)
	assert.JSONEq(t, `true`, string(completeInputs.Result.Data))

	d.respondWith(wire.MethodConfirmIdentity, func(wire.RPCMessage) any {
		return wire.ConfirmIdentityReturns{Type: "failure", Message: "declined"}
	})
	dc.call(t, wire.MethodStartTransaction, wire.StartTransactionInputs{
		TransactionID: "t2",
		Action:        wire.ActionInfo{Slug: "sensitive"},
		User:          operator(),
	})
	declined := d.waitCall(wire.MethodMarkTransactionComplete, 2)
	require.NoError(t, json.Unmarshal(declined.Data, &completeInputs))
	assert.Equal(t, wire.StatusSuccess, completeInputs.Result.Status)
	assert.JSONEq(t, `false`, string(completeInputs.Result.Data))
}

func TestOpenAndClosePage(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, func(r *routes.Registry) {
		require.NoError(t, r.Add("users", &routes.Page{
			Name: "Users",
			Handler: func(context.Context, *page.Context) (*page.Layout, error) {
				return &page.Layout{Title: "Users"}, nil
			},
		}))
	})
	dc := d.waitConn(1)

	reply := dc.call(t, wire.MethodOpenPage, wire.OpenPageInputs{
		PageKey: "pk1",
		Page:    wire.PageInfo{Slug: "users"},
		User:    operator(),
	})
	var opened wire.OpenPageReturns
	require.NoError(t, json.Unmarshal(reply, &opened))
	assert.Equal(t, "success", opened.Type)
	assert.Equal(t, "pk1", opened.PageKey)

	sendPage := d.waitCall(wire.MethodSendPage, 1)
	var pageInputs wire.SendPageInputs
	require.NoError(t, json.Unmarshal(sendPage.Data, &pageInputs))
	assert.Equal(t, "pk1", pageInputs.PageKey)
	var layout wire.BasicLayout
	require.NoError(t, json.Unmarshal([]byte(pageInputs.Page), &layout))
	assert.Equal(t, "Users", layout.Title)

	dc.call(t, wire.MethodClosePage, wire.ClosePageInputs{PageKey: "pk1"})
	// A second close of the same key is a no-op.
	dc.call(t, wire.MethodClosePage, wire.ClosePageInputs{PageKey: "pk1"})
}

func TestOpenUnknownPageRefused(t *testing.T) {
	d := newFakeDashboard(t)
	newListeningHost(t, d, nil)
	dc := d.waitConn(1)

	reply := dc.call(t, wire.MethodOpenPage, wire.OpenPageInputs{
		PageKey: "pk1",
		Page:    wire.PageInfo{Slug: "missing"},
		User:    operator(),
	})
	var opened wire.OpenPageReturns
	require.NoError(t, json.Unmarshal(reply, &opened))
	assert.Equal(t, "error", opened.Type)
	assert.Contains(t, opened.Message, "missing")
}

func TestRouteMutationsReannounceCoalesced(t *testing.T) {
	d := newFakeDashboard(t)
	h := newListeningHost(t, d, nil)
	d.waitCall(wire.MethodInitializeHost, 1)

	noop := func(context.Context, *io.ActionContext) (any, error) { return nil, nil }
	require.NoError(t, h.Routes().Add("one", &routes.Action{Handler: noop}))
	require.NoError(t, h.Routes().Add("two", &routes.Action{Handler: noop}))
	require.NoError(t, h.Routes().Add("three", &routes.Action{Handler: noop}))

	require.Eventually(t, func() bool {
		for _, call := range d.callsOf(wire.MethodInitializeHost) {
			var inputs wire.InitializeHostInputs
			if json.Unmarshal(call.Data, &inputs) != nil {
				continue
			}
			if len(inputs.Actions) == 3 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "expected a re-announcement with all routes")

	inits := len(d.callsOf(wire.MethodInitializeHost))
	assert.Less(t, inits, 4, "mutations in one batch window must coalesce")
}

func TestInitializeRefusalFailsListen(t *testing.T) {
	d := newFakeDashboard(t)
	d.respondWith(wire.MethodInitializeHost, func(wire.RPCMessage) any {
		return wire.InitializeHostReturns{Type: "error", Message: "invalid API key"}
	})

	h, err := New(testConfig(d))
	require.NoError(t, err)
	err = h.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
}
