// Package host implements the connection controller: it dials the dashboard,
// announces the route catalogue, keeps the connection alive, reconnects with
// replay, and dispatches inbound calls into transactions and page sessions.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dashlink/dashlink/pkg/apiclient"
	"github.com/dashlink/dashlink/pkg/config"
	"github.com/dashlink/dashlink/pkg/framed"
	"github.com/dashlink/dashlink/pkg/loading"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/routes"
	"github.com/dashlink/dashlink/pkg/rpc"
	"github.com/dashlink/dashlink/pkg/version"
	"github.com/dashlink/dashlink/pkg/wire"
)

// completionTimeout bounds MARK_TRANSACTION_COMPLETE and replay calls, which
// run on the host's own context rather than a caller's.
const completionTimeout = 30 * time.Second

// Host owns one logical dashboard connection across any number of physical
// websockets. Instantiate with New, register routes, then Listen.
type Host struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *routes.Registry
	rpc      *rpc.Client
	api      *apiclient.Client

	// instanceID is fixed for the host's lifetime; the dashboard uses it to
	// recognize reconnects of the same process.
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	socket       *framed.Socket
	connected    bool
	connectedCh  chan struct{} // closed while connected, fresh while not
	environment  string
	organization *wire.Organization
	dashboardURL string
	catalogue    *routes.Catalogue

	transactions  map[string]*transaction
	pages         map[string]*page.Session
	pendingIO     map[string]string
	loadingStates map[string]*loading.State

	reconnectCh chan struct{}

	reinitMu    sync.Mutex
	reinitTimer *time.Timer
}

// New builds a host for the given configuration. Routes are registered on
// Routes(); nothing connects until Listen.
func New(cfg *config.Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	api, err := apiclient.New(cfg)
	if err != nil {
		return nil, err
	}
	h := &Host{
		cfg:           cfg,
		logger:        slog.Default().With("component", "host"),
		api:           api,
		instanceID:    uuid.New().String(),
		connectedCh:   make(chan struct{}),
		transactions:  make(map[string]*transaction),
		pages:         make(map[string]*page.Session),
		pendingIO:     make(map[string]string),
		loadingStates: make(map[string]*loading.State),
		reconnectCh:   make(chan struct{}, 1),
	}
	h.registry = routes.NewRegistry()
	h.registry.OnChange(h.scheduleReinitialize)
	h.rpc = rpc.New(nil, map[string]rpc.HandlerFunc{
		wire.MethodStartTransaction: h.handleStartTransaction,
		wire.MethodIOResponse:       h.handleIOResponse,
		wire.MethodOpenPage:         h.handleOpenPage,
		wire.MethodClosePage:        h.handleClosePage,
	})
	return h, nil
}

// Routes is the mutable route catalogue. Mutations after Listen re-announce
// the catalogue, coalesced over the reinitialize batch timeout.
func (h *Host) Routes() *routes.Registry { return h.registry }

// API is the REST counterpart for operations that work without a connection.
func (h *Host) API() *apiclient.Client { return h.api }

// Environment reports the environment the dashboard assigned at initialize.
func (h *Host) Environment() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.environment
}

// Organization reports the organization owning the API key.
func (h *Host) Organization() *wire.Organization {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.organization
}

// DashboardURL reports where operators reach this host's catalogue.
func (h *Host) DashboardURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dashboardURL
}

// Connected reports whether a live, initialized connection exists right now.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Listen dials, authenticates, and announces the catalogue, then keeps the
// connection alive in the background until Close. It returns once the first
// INITIALIZE_HOST round-trip succeeds.
func (h *Host) Listen(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(context.Background())
	if err := h.connect(ctx); err != nil {
		h.cancel()
		return err
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.supervise()
	}()
	return nil
}

// Close tears down the connection, cancels running transactions and page
// sessions, and waits for background work to stop. Safe to call repeatedly.
func (h *Host) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	socket := h.socket
	pages := h.pages
	transactions := h.transactions
	h.pages = make(map[string]*page.Session)
	h.transactions = make(map[string]*transaction)
	h.mu.Unlock()

	for _, txn := range transactions {
		txn.cancel()
	}
	for _, session := range pages {
		session.Close()
	}
	if socket != nil {
		socket.Close()
	}
	h.wg.Wait()
}

// connect dials one physical websocket, completes the auth handshake, rebinds
// the RPC transport, and runs INITIALIZE_HOST.
func (h *Host) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("x-api-key", h.cfg.APIKey)
	header.Set("x-instance-id", h.instanceID)
	conn, _, err := websocket.Dial(dialCtx, h.cfg.Endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("host: dial %s: %w", h.cfg.Endpoint, err)
	}

	socket := framed.New(conn, framed.Options{
		ConnectTimeout: h.cfg.ConnectTimeout,
		SendTimeout:    h.cfg.SendTimeout,
		PingTimeout:    h.cfg.PingTimeout,
		ProducerCount:  h.cfg.ProducerCount,
		QueueSize:      h.cfg.SendQueueSize,
		OnMessage:      h.rpc.HandleMessage,
		OnClose:        h.handleSocketClose,
	})
	if err := socket.Connect(dialCtx); err != nil {
		return fmt.Errorf("host: authenticate: %w", err)
	}

	h.rpc.SetTransport(socket)
	h.mu.Lock()
	h.socket = socket
	if !h.connected {
		h.connected = true
		close(h.connectedCh)
	}
	h.mu.Unlock()

	if err := h.initialize(ctx); err != nil {
		socket.Close()
		return err
	}
	return nil
}

// initialize announces the flattened catalogue and records the environment
// the dashboard assigned. Also used to re-announce after route mutations.
func (h *Host) initialize(ctx context.Context) error {
	catalogue, err := h.registry.Flatten()
	if err != nil {
		return fmt.Errorf("host: flatten routes: %w", err)
	}
	inputs := wire.InitializeHostInputs{
		APIKey:     h.cfg.APIKey,
		SDKName:    version.SDKName,
		SDKVersion: version.SDKVersion,
		Actions:    catalogue.Actions,
		Groups:     catalogue.Groups,
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()
	returns, err := rpc.Call[wire.InitializeHostReturns](callCtx, h.rpc, wire.MethodInitializeHost, inputs)
	if err != nil {
		return fmt.Errorf("host: initialize: %w", err)
	}
	if returns.Type != "success" {
		return fmt.Errorf("host: initialization refused: %s", returns.Message)
	}

	for _, slug := range returns.InvalidSlugs {
		h.logger.Warn("Dashboard rejected route slug", "slug", slug)
	}
	for _, warning := range returns.Warnings {
		h.logger.Warn(warning)
	}
	if alert := returns.SDKAlert; alert != nil {
		switch alert.Severity {
		case wire.SeverityError:
			h.logger.Error("SDK version alert",
				"min_sdk_version", alert.MinSDKVersion, "message", alert.Message)
		case wire.SeverityWarning:
			h.logger.Warn("SDK version alert",
				"min_sdk_version", alert.MinSDKVersion, "message", alert.Message)
		default:
			h.logger.Info("SDK version alert",
				"min_sdk_version", alert.MinSDKVersion, "message", alert.Message)
		}
	}

	h.mu.Lock()
	h.environment = returns.Environment
	h.organization = returns.Organization
	h.dashboardURL = returns.DashboardURL
	h.catalogue = catalogue
	h.mu.Unlock()

	h.logger.Info("Connected to dashboard",
		"environment", returns.Environment,
		"dashboard_url", returns.DashboardURL,
		"actions", len(catalogue.Actions),
		"pages", len(catalogue.Groups))
	return nil
}

// handleSocketClose is the framed socket's close callback: mark disconnected
// and nudge the supervisor.
func (h *Host) handleSocketClose(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	if h.connected {
		h.connected = false
		h.connectedCh = make(chan struct{})
	}
	h.mu.Unlock()
	h.logger.Warn("Connection closed", "code", code, "reason", reason)
	select {
	case h.reconnectCh <- struct{}{}:
	default:
	}
}

// supervise runs the ping watchdog and the reconnect loop until Close.
func (h *Host) supervise() {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	lastPong := time.Now()

	for {
		select {
		case <-h.ctx.Done():
			return

		case <-h.reconnectCh:
			if h.Connected() {
				continue
			}
			if err := h.reconnect(); err != nil {
				// Only a canceled host context ends the retry loop.
				return
			}
			lastPong = time.Now()

		case <-ticker.C:
			h.mu.Lock()
			socket := h.socket
			connected := h.connected
			h.mu.Unlock()
			if !connected || socket == nil {
				continue
			}
			err := socket.Ping(h.ctx)
			if err == nil {
				lastPong = time.Now()
				continue
			}
			h.logger.Warn("Ping went unanswered", "error", err)
			if time.Since(lastPong) >= h.cfg.CloseUnresponsiveTimeout {
				h.logger.Error("Connection unresponsive, closing for reconnect")
				socket.Close()
			}
		}
	}
}

// reconnect retries the full connect sequence with the same instance id until
// it succeeds or the host closes, then replays in-flight state.
func (h *Host) reconnect() error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(h.cfg.RetryInterval), h.ctx)
	return backoff.Retry(func() error {
		if err := h.connect(h.ctx); err != nil {
			h.logger.Warn("Reconnect attempt failed", "error", err)
			return err
		}
		h.replay()
		return nil
	}, policy)
}

// replay re-sends every pending render instruction and started loading
// snapshot on the new connection, in parallel. Each entry retries until
// delivered; a refusal drops it, because the dashboard no longer knows the
// transaction.
func (h *Host) replay() {
	h.mu.Lock()
	pending := make(map[string]string, len(h.pendingIO))
	for id, call := range h.pendingIO {
		pending[id] = call
	}
	states := make(map[string]*loading.State, len(h.loadingStates))
	for id, state := range h.loadingStates {
		if state.Started() {
			states[id] = state
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for transactionID, ioCall := range pending {
		wg.Add(1)
		go func(transactionID, ioCall string) {
			defer wg.Done()
			refused, delivered := h.replayCall(wire.MethodSendIOCall, wire.SendIOCallInputs{
				TransactionID: transactionID,
				IOCall:        ioCall,
			})
			if delivered && refused {
				h.logger.Info("Dropping pending render, transaction gone",
					"transaction_id", transactionID)
				h.mu.Lock()
				delete(h.pendingIO, transactionID)
				h.mu.Unlock()
			}
		}(transactionID, ioCall)
	}
	for transactionID, state := range states {
		wg.Add(1)
		go func(transactionID string, state *loading.State) {
			defer wg.Done()
			refused, delivered := h.replayCall(wire.MethodSendLoadingCall, state.Snapshot())
			if delivered && refused {
				h.logger.Info("Dropping loading state, transaction gone",
					"transaction_id", transactionID)
				h.mu.Lock()
				delete(h.loadingStates, transactionID)
				h.mu.Unlock()
			}
		}(transactionID, state)
	}
	wg.Wait()
}

// replayCall delivers one replayed snapshot, retrying failed attempts after
// the retry interval. It gives up only when the host closes or the
// connection drops again, in which case the next reconnect replays afresh.
func (h *Host) replayCall(methodName string, inputs any) (refused, delivered bool) {
	for {
		ctx, cancel := context.WithTimeout(h.ctx, completionTimeout)
		reply, err := h.rpc.Send(ctx, methodName, inputs)
		cancel()
		if err == nil {
			return replayRefused(reply), true
		}
		h.logger.Warn("Replay attempt failed", "method", methodName, "error", err)
		if h.ctx.Err() != nil || !h.Connected() {
			return false, false
		}
		select {
		case <-time.After(h.cfg.RetryInterval):
		case <-h.ctx.Done():
			return false, false
		}
	}
}

// replayRefused interprets the dashboard's reply to a replayed call:
// boolean false, "CANCELED", and "TRANSACTION_CLOSED" all mean the
// transaction is gone on the server side.
func replayRefused(reply json.RawMessage) bool {
	var accepted bool
	if err := json.Unmarshal(reply, &accepted); err == nil {
		return !accepted
	}
	var verdict string
	if err := json.Unmarshal(reply, &verdict); err == nil {
		return verdict == "CANCELED" || verdict == "TRANSACTION_CLOSED"
	}
	return false
}

// awaitConnection blocks until a live connection exists, ctx is done, or the
// host closes.
func (h *Host) awaitConnection(ctx context.Context) error {
	for {
		h.mu.Lock()
		connected := h.connected
		ch := h.connectedCh
		h.mu.Unlock()
		if connected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.ctx.Done():
			return fmt.Errorf("host: closed")
		}
	}
}

// call is the awaiting-connection send wrapper every outbound method other
// than the connect sequence goes through. Transport-level failures (ack
// timeout, socket gone mid-send) are retried after the retry interval; only
// the caller's ctx bounds the total wait.
func (h *Host) call(ctx context.Context, methodName string, inputs any) (json.RawMessage, error) {
	for {
		if err := h.awaitConnection(ctx); err != nil {
			return nil, err
		}
		reply, err := h.rpc.Send(ctx, methodName, inputs)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, framed.ErrSendTimeout) && !errors.Is(err, framed.ErrNotConnected) {
			return nil, err
		}
		h.logger.Warn("Send failed, retrying", "method", methodName, "error", err)
		select {
		case <-time.After(h.cfg.RetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.ctx.Done():
			return nil, fmt.Errorf("host: closed")
		}
	}
}

// errRefused marks a boolean method reply of false: the dashboard processed
// the call and said no, as opposed to a transport failure.
var errRefused = errors.New("refused by dashboard")

// callAccepted invokes a boolean-returning method and converts a refusal
// into an errRefused-wrapping error.
func (h *Host) callAccepted(ctx context.Context, methodName string, inputs any) error {
	reply, err := h.call(ctx, methodName, inputs)
	if err != nil {
		return err
	}
	var accepted bool
	if err := json.Unmarshal(reply, &accepted); err != nil {
		return fmt.Errorf("host: decode %s return: %w", methodName, err)
	}
	if !accepted {
		return fmt.Errorf("host: %s: %w", methodName, errRefused)
	}
	return nil
}

// scheduleReinitialize coalesces bursts of route mutations into one
// re-announcement.
func (h *Host) scheduleReinitialize() {
	h.reinitMu.Lock()
	defer h.reinitMu.Unlock()
	if h.reinitTimer != nil {
		return
	}
	h.reinitTimer = time.AfterFunc(h.cfg.ReinitializeBatchTimeout, func() {
		h.reinitMu.Lock()
		h.reinitTimer = nil
		h.reinitMu.Unlock()
		if h.ctx == nil || h.ctx.Err() != nil || !h.Connected() {
			return
		}
		if err := h.initialize(h.ctx); err != nil {
			h.logger.Warn("Could not re-announce routes", "error", err)
		}
	})
}

// Notify delivers a notification over the live connection. CreatedAt is
// stamped when the caller left it empty.
func (h *Host) Notify(ctx context.Context, inputs wire.NotifyInputs) error {
	if inputs.CreatedAt == "" {
		inputs.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	reply, err := h.call(ctx, wire.MethodNotify, inputs)
	if err != nil {
		return err
	}
	var returns wire.NotifyReturns
	if err := json.Unmarshal(reply, &returns); err != nil {
		return fmt.Errorf("host: decode NOTIFY return: %w", err)
	}
	if returns.Type != "success" {
		return fmt.Errorf("host: notify refused: %s", returns.Message)
	}
	return nil
}

// confirmIdentity asks the dashboard to re-verify the operator. true means
// confirmed, false means they declined or timed out; an "error" return (the
// organization has no identity confirmation configured, say) is an error.
func (h *Host) confirmIdentity(ctx context.Context, inputs wire.ConfirmIdentityInputs) (bool, error) {
	reply, err := h.call(ctx, wire.MethodConfirmIdentity, inputs)
	if err != nil {
		return false, err
	}
	var returns wire.ConfirmIdentityReturns
	if err := json.Unmarshal(reply, &returns); err != nil {
		return false, fmt.Errorf("host: decode CONFIRM_IDENTITY return: %w", err)
	}
	switch returns.Type {
	case "success":
		return true, nil
	case "failure":
		return false, nil
	default:
		return false, fmt.Errorf("host: confirm identity: %s", returns.Message)
	}
}

// EnqueueAction queues an invocation of one of this host's actions.
func (h *Host) EnqueueAction(ctx context.Context, inputs wire.EnqueueActionInputs) (string, error) {
	reply, err := h.call(ctx, wire.MethodEnqueueAction, inputs)
	if err != nil {
		return "", err
	}
	var returns wire.EnqueueActionReturns
	if err := json.Unmarshal(reply, &returns); err != nil {
		return "", fmt.Errorf("host: decode ENQUEUE_ACTION return: %w", err)
	}
	if returns.Type != "success" {
		return "", fmt.Errorf("host: enqueue refused: %s", returns.Message)
	}
	return returns.ID, nil
}

// DequeueAction claims a previously queued invocation.
func (h *Host) DequeueAction(ctx context.Context, id string) (*wire.DequeueActionReturns, error) {
	reply, err := h.call(ctx, wire.MethodDequeueAction, wire.DequeueActionInputs{ID: id})
	if err != nil {
		return nil, err
	}
	var returns wire.DequeueActionReturns
	if err := json.Unmarshal(reply, &returns); err != nil {
		return nil, fmt.Errorf("host: decode DEQUEUE_ACTION return: %w", err)
	}
	if returns.Type != "success" {
		return nil, fmt.Errorf("host: dequeue refused: %s", returns.Message)
	}
	return &returns, nil
}

// AttachToTransaction registers this connection as a client observer of a
// transaction owned by another instance.
func (h *Host) AttachToTransaction(ctx context.Context, transactionID string) error {
	return h.callAccepted(ctx, wire.MethodConnectToTransactionAsClient,
		wire.ConnectToTransactionAsClientInputs{
			TransactionID: transactionID,
			InstanceID:    h.instanceID,
		})
}

// RespondToIOCall submits an IO response on behalf of a client observer.
func (h *Host) RespondToIOCall(ctx context.Context, transactionID string, response wire.IOResponse) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("host: marshal io response: %w", err)
	}
	return h.callAccepted(ctx, wire.MethodRespondToIOCall, wire.RespondToIOCallInputs{
		TransactionID: transactionID,
		IOResponse:    string(payload),
	})
}
