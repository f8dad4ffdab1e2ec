package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dashlink/dashlink/pkg/codec"
	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/loading"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/routes"
	"github.com/dashlink/dashlink/pkg/wire"
)

// transaction is one running action invocation.
type transaction struct {
	id       string
	io       *io.Client
	cancel   context.CancelFunc
	logIndex atomic.Int64
}

// handleStartTransaction begins one action invocation. A duplicate
// transaction id is acknowledged without starting a second run.
func (h *Host) handleStartTransaction(_ context.Context, raw json.RawMessage) (any, error) {
	var inputs wire.StartTransactionInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("host: decode START_TRANSACTION: %w", err)
	}

	h.mu.Lock()
	if _, running := h.transactions[inputs.TransactionID]; running {
		h.mu.Unlock()
		h.logger.Debug("Ignoring duplicate START_TRANSACTION",
			"transaction_id", inputs.TransactionID)
		return nil, nil
	}
	catalogue := h.catalogue
	h.mu.Unlock()

	var action *routes.Action
	if catalogue != nil {
		action = catalogue.ActionBySlug[inputs.Action.Slug]
	}
	if action == nil || action.Handler == nil {
		h.logger.Warn("START_TRANSACTION for unknown action",
			"slug", inputs.Action.Slug, "transaction_id", inputs.TransactionID)
		return nil, nil
	}

	params, err := decodeParams(inputs.Params, inputs.ParamsMeta)
	if err != nil {
		h.logger.Warn("Could not decode transaction params",
			"transaction_id", inputs.TransactionID, "error", err)
		params = nil
	}

	txnCtx, cancel := context.WithCancel(h.ctx)
	txn := &transaction{
		id:     inputs.TransactionID,
		cancel: cancel,
	}
	txn.io = io.NewClient(h.renderSender(inputs.TransactionID), nil)
	loadingState := loading.New(inputs.TransactionID, h.loadingSender())

	h.mu.Lock()
	environment := h.environment
	organization := h.organization
	h.transactions[inputs.TransactionID] = txn
	h.loadingStates[inputs.TransactionID] = loadingState
	h.mu.Unlock()

	if inputs.Environment != "" {
		environment = inputs.Environment
	}
	actx := &io.ActionContext{
		TransactionID: inputs.TransactionID,
		User:          inputs.User,
		Params:        params,
		Environment:   environment,
		Organization:  organization,
		Action:        inputs.Action,
		IO:            txn.io,
		Loading:       loadingState,
		LogFunc:       h.logSender(txn),
		RedirectFunc: func(ctx context.Context, inputs wire.SendRedirectInputs) error {
			return h.callAccepted(ctx, wire.MethodSendRedirect, inputs)
		},
		NotifyFunc: func(ctx context.Context, inputs wire.NotifyInputs) error {
			return h.Notify(ctx, inputs)
		},
		ConfirmIdentityFunc: h.confirmIdentity,
	}

	go h.runTransaction(txnCtx, txn, action, actx)
	return nil, nil
}

// runTransaction executes the handler and reports its outcome. The server
// canceling the transaction suppresses the completion call: the dashboard
// already considers it finished.
func (h *Host) runTransaction(ctx context.Context, txn *transaction, action *routes.Action, actx *io.ActionContext) {
	defer h.cleanupTransaction(txn.id)

	value, err := runHandler(ctx, action.Handler, actx)

	result := wire.ActionResult{SchemaVersion: 1}
	if err != nil {
		result.Status = wire.StatusFailure
		data, merr := json.Marshal(map[string]string{
			"error":   errorKind(err),
			"message": err.Error(),
		})
		if merr == nil {
			result.Data = data
		}
		h.logger.Warn("Transaction failed",
			"transaction_id", txn.id, "slug", actx.Action.Slug, "error", err)
	} else {
		result.Status = wire.StatusSuccess
		if value != nil {
			lowered, meta := codec.Encode(value)
			data, merr := json.Marshal(lowered)
			if merr != nil {
				h.logger.Warn("Could not serialize transaction result",
					"transaction_id", txn.id, "error", merr)
			} else {
				result.Data = data
				result.Meta = meta
			}
		}
	}

	if txn.io.Canceled() {
		h.logger.Debug("Transaction canceled by server, skipping completion",
			"transaction_id", txn.id)
		return
	}

	callCtx, cancel := context.WithTimeout(h.ctx, completionTimeout)
	defer cancel()
	if _, err := h.call(callCtx, wire.MethodMarkTransactionComplete, wire.MarkTransactionCompleteInputs{
		TransactionID: txn.id,
		Result:        result,
	}); err != nil {
		h.logger.Warn("Could not mark transaction complete",
			"transaction_id", txn.id, "error", err)
	}
}

// errorKind names the error class reported in a failed result: the protocol
// sentinels by their wire names, anything else by its Go type.
func errorKind(err error) string {
	switch {
	case errors.Is(err, io.ErrCanceled):
		return "CANCELED"
	case errors.Is(err, io.ErrTransactionClosed):
		return "TRANSACTION_CLOSED"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// runHandler converts a panicking handler into a failed transaction.
func runHandler(ctx context.Context, handler routes.ActionHandler, actx *io.ActionContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host: handler panicked: %v", r)
		}
	}()
	return handler(ctx, actx)
}

func (h *Host) cleanupTransaction(transactionID string) {
	h.mu.Lock()
	txn := h.transactions[transactionID]
	delete(h.transactions, transactionID)
	delete(h.pendingIO, transactionID)
	delete(h.loadingStates, transactionID)
	h.mu.Unlock()
	if txn != nil {
		txn.cancel()
	}
}

// renderSender serializes each render instruction, records it for replay,
// and sends it. A boolean refusal means the transaction is gone.
func (h *Host) renderSender(transactionID string) io.Sender {
	return func(ctx context.Context, instruction wire.RenderInstruction) error {
		payload, err := json.Marshal(instruction)
		if err != nil {
			return fmt.Errorf("host: marshal render instruction: %w", err)
		}
		h.mu.Lock()
		h.pendingIO[transactionID] = string(payload)
		h.mu.Unlock()

		err = h.callAccepted(ctx, wire.MethodSendIOCall, wire.SendIOCallInputs{
			TransactionID: transactionID,
			IOCall:        string(payload),
		})
		// Only an explicit refusal means the transaction is gone; transport
		// failures were already retried inside call and surface as-is.
		if errors.Is(err, errRefused) {
			return io.ErrTransactionClosed
		}
		return err
	}
}

func (h *Host) loadingSender() loading.Sender {
	return func(ctx context.Context, inputs wire.SendLoadingCallInputs) error {
		return h.callAccepted(ctx, wire.MethodSendLoadingCall, inputs)
	}
}

// logSender stamps each line with a per-transaction index and a millisecond
// timestamp so the dashboard can order lines across reconnects.
func (h *Host) logSender(txn *transaction) func(ctx context.Context, line string) error {
	return func(ctx context.Context, line string) error {
		index := int(txn.logIndex.Add(1) - 1)
		timestamp := time.Now().UnixMilli()
		return h.callAccepted(ctx, wire.MethodSendLog, wire.SendLogInputs{
			TransactionID: txn.id,
			Data:          line,
			Index:         &index,
			Timestamp:     &timestamp,
		})
	}
}

// handleIOResponse routes an operator reply to the transaction or page
// session it belongs to. Responses with no receiver are dropped.
func (h *Host) handleIOResponse(_ context.Context, raw json.RawMessage) (any, error) {
	var inputs wire.IOResponseInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("host: decode IO_RESPONSE: %w", err)
	}
	var response wire.IOResponse
	if err := json.Unmarshal([]byte(inputs.Value), &response); err != nil {
		return nil, fmt.Errorf("host: decode IO_RESPONSE value: %w", err)
	}
	if response.TransactionID == "" {
		response.TransactionID = inputs.TransactionID
	}

	h.mu.Lock()
	txn := h.transactions[inputs.TransactionID]
	session := h.pages[inputs.TransactionID]
	h.mu.Unlock()

	switch {
	case txn != nil:
		txn.io.HandleResponse(response)
	case session != nil:
		session.HandleResponse(response)
	default:
		h.logger.Debug("IO_RESPONSE with no receiver",
			"transaction_id", inputs.TransactionID, "kind", response.Kind)
	}
	return nil, nil
}

// handleOpenPage starts one page session. Unknown slugs and handler-less
// pages are refused with a typed error return.
func (h *Host) handleOpenPage(_ context.Context, raw json.RawMessage) (any, error) {
	var inputs wire.OpenPageInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("host: decode OPEN_PAGE: %w", err)
	}

	h.mu.Lock()
	catalogue := h.catalogue
	environment := h.environment
	organization := h.organization
	h.mu.Unlock()

	var pg *routes.Page
	if catalogue != nil {
		pg = catalogue.PageBySlug[inputs.Page.Slug]
	}
	if pg == nil {
		h.logger.Warn("OPEN_PAGE for unknown page", "slug", inputs.Page.Slug)
		return wire.OpenPageReturns{Type: "error", Message: "page not found: " + inputs.Page.Slug}, nil
	}
	if pg.Handler == nil {
		return wire.OpenPageReturns{Type: "error", Message: "page has no handler: " + inputs.Page.Slug}, nil
	}

	params, err := decodeParams(inputs.Params, inputs.ParamsMeta)
	if err != nil {
		h.logger.Warn("Could not decode page params",
			"page_key", inputs.PageKey, "error", err)
		params = nil
	}
	if inputs.Environment != "" {
		environment = inputs.Environment
	}

	session := page.NewSession(inputs.PageKey, pg.Handler, &page.Context{
		PageKey:      inputs.PageKey,
		Page:         inputs.Page,
		User:         inputs.User,
		Params:       params,
		Environment:  environment,
		Organization: organization,
	}, h.pageSender(inputs.PageKey), h.cfg.RetryInterval)

	h.mu.Lock()
	h.pages[inputs.PageKey] = session
	h.mu.Unlock()
	session.Start(h.ctx)

	return wire.OpenPageReturns{Type: "success", PageKey: inputs.PageKey}, nil
}

func (h *Host) pageSender(pageKey string) page.Sender {
	return func(ctx context.Context, inputs wire.SendPageInputs) error {
		return h.callAccepted(ctx, wire.MethodSendPage, inputs)
	}
}

// handleClosePage tears down one page session. Closing an unknown key is a
// no-op, which also makes a duplicate CLOSE_PAGE harmless.
func (h *Host) handleClosePage(_ context.Context, raw json.RawMessage) (any, error) {
	var inputs wire.ClosePageInputs
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("host: decode CLOSE_PAGE: %w", err)
	}

	h.mu.Lock()
	session := h.pages[inputs.PageKey]
	delete(h.pages, inputs.PageKey)
	h.mu.Unlock()

	if session != nil {
		session.Close()
	}
	return nil, nil
}

// decodeParams restores invocation params through the payload codec.
func decodeParams(raw json.RawMessage, meta *codec.Meta) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("host: decode params: %w", err)
	}
	if meta == nil {
		return params, nil
	}
	restored, err := codec.Decode(params, meta)
	if err != nil {
		return nil, fmt.Errorf("host: restore params: %w", err)
	}
	typed, ok := restored.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("host: params restored to %T, expected object", restored)
	}
	return typed, nil
}
