package io

import "errors"

var (
	// ErrCanceled reports that the dashboard canceled the interaction
	// (IO_RESPONSE kind CANCELED). The dashboard owns finalization; the host
	// only cleans up local state.
	ErrCanceled = errors.New("io: transaction canceled by server")

	// ErrTransactionClosed reports an IO attempt after the transaction
	// reached a terminal state.
	ErrTransactionClosed = errors.New("io: transaction closed")
)

// genericValidationMessage is shown when a validator itself fails.
const genericValidationMessage = "Received invalid response."
