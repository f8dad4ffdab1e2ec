package io

import (
	"context"
	"log/slog"

	"github.com/dashlink/dashlink/pkg/loading"
	"github.com/dashlink/dashlink/pkg/wire"
)

// ActionContext carries everything a handler may need about the invocation:
// who triggered it, with which params, in which environment, plus the
// side-channel helpers. The host controller wires the function fields.
type ActionContext struct {
	TransactionID string
	User          wire.UserInfo
	Params        map[string]any
	Environment   string
	Organization  *wire.Organization
	Action        wire.ActionInfo

	IO      *Client
	Loading *loading.State

	LogFunc             func(ctx context.Context, line string) error
	RedirectFunc        func(ctx context.Context, inputs wire.SendRedirectInputs) error
	NotifyFunc          func(ctx context.Context, inputs wire.NotifyInputs) error
	ConfirmIdentityFunc func(ctx context.Context, inputs wire.ConfirmIdentityInputs) (bool, error)
}

// Log appends a line to the transaction's log on the dashboard. Failures are
// logged locally, never raised.
func (a *ActionContext) Log(ctx context.Context, line string) {
	if a.LogFunc == nil {
		return
	}
	if err := a.LogFunc(ctx, line); err != nil {
		slog.Warn("Could not send transaction log line",
			"transaction_id", a.TransactionID, "error", err)
	}
}

// Redirect navigates the operator to a URL or another route.
func (a *ActionContext) Redirect(ctx context.Context, inputs wire.SendRedirectInputs) error {
	if a.RedirectFunc == nil {
		return nil
	}
	inputs.TransactionID = a.TransactionID
	return a.RedirectFunc(ctx, inputs)
}

// ConfirmIdentity asks the dashboard to re-verify the acting operator and
// reports whether they confirmed. A non-nil gracePeriodMs accepts a
// confirmation no older than that many milliseconds without prompting.
func (a *ActionContext) ConfirmIdentity(ctx context.Context, gracePeriodMs *int) (bool, error) {
	if a.ConfirmIdentityFunc == nil {
		return false, nil
	}
	return a.ConfirmIdentityFunc(ctx, wire.ConfirmIdentityInputs{
		TransactionID: a.TransactionID,
		GracePeriodMs: gracePeriodMs,
	})
}

// Notify delivers a notification associated with this transaction.
func (a *ActionContext) Notify(ctx context.Context, inputs wire.NotifyInputs) error {
	if a.NotifyFunc == nil {
		return nil
	}
	inputs.TransactionID = a.TransactionID
	return a.NotifyFunc(ctx, inputs)
}
