// Package loading implements the per-transaction progress side-channel.
// Every mutation transmits one SEND_LOADING_CALL snapshot; transmission
// failures are logged, never raised into handler code.
package loading

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dashlink/dashlink/pkg/wire"
)

// Sender transmits one loading snapshot. Wired to the host controller's
// SEND_LOADING_CALL path.
type Sender func(ctx context.Context, inputs wire.SendLoadingCallInputs) error

// Options are the caller-settable fields of a loading state. Nil fields are
// left unset (Start) or unchanged (Update).
type Options struct {
	Title        *string
	Description  *string
	ItemsInQueue *int
}

// State is one transaction's loading state.
type State struct {
	transactionID string
	send          Sender
	logger        *slog.Logger

	mu             sync.Mutex
	started        bool
	title          *string
	description    *string
	itemsInQueue   *int
	itemsCompleted *int
}

// New creates the loading state for a transaction.
func New(transactionID string, send Sender) *State {
	return &State{
		transactionID: transactionID,
		send:          send,
		logger: slog.Default().With(
			"component", "loading-state",
			"transaction_id", transactionID),
	}
}

// Start resets the state to the given fields. Supplying ItemsInQueue resets
// ItemsCompleted to zero.
func (s *State) Start(ctx context.Context, opts Options) {
	s.mu.Lock()
	s.started = true
	s.title = opts.Title
	s.description = opts.Description
	s.itemsInQueue = opts.ItemsInQueue
	s.itemsCompleted = nil
	if opts.ItemsInQueue != nil {
		zero := 0
		s.itemsCompleted = &zero
	}
	s.mu.Unlock()
	s.transmit(ctx)
}

// Update merges the given fields into the current state. Called before Start,
// it promotes to Start.
func (s *State) Update(ctx context.Context, opts Options) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.Start(ctx, opts)
		return
	}
	if opts.Title != nil {
		s.title = opts.Title
	}
	if opts.Description != nil {
		s.description = opts.Description
	}
	if opts.ItemsInQueue != nil {
		s.itemsInQueue = opts.ItemsInQueue
		if s.itemsCompleted == nil {
			zero := 0
			s.itemsCompleted = &zero
		}
	}
	s.mu.Unlock()
	s.transmit(ctx)
}

// CompleteOne increments ItemsCompleted. Without a prior ItemsInQueue the
// call is a warned no-op.
func (s *State) CompleteOne(ctx context.Context) {
	s.mu.Lock()
	if s.itemsInQueue == nil {
		s.mu.Unlock()
		s.logger.Warn("CompleteOne called without itemsInQueue; ignoring")
		return
	}
	if s.itemsCompleted == nil {
		zero := 0
		s.itemsCompleted = &zero
	}
	next := *s.itemsCompleted + 1
	s.itemsCompleted = &next
	s.mu.Unlock()
	s.transmit(ctx)
}

// Started reports whether the handler ever started this state. Unstarted
// states have nothing worth replaying.
func (s *State) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Snapshot returns the current wire form; used for replay after reconnect.
func (s *State) Snapshot() wire.SendLoadingCallInputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() wire.SendLoadingCallInputs {
	inputs := wire.SendLoadingCallInputs{TransactionID: s.transactionID}
	if s.title != nil {
		inputs.Label = *s.title
	}
	if s.description != nil {
		inputs.Description = *s.description
	}
	inputs.ItemsInQueue = s.itemsInQueue
	inputs.ItemsCompleted = s.itemsCompleted
	return inputs
}

func (s *State) transmit(ctx context.Context) {
	s.mu.Lock()
	inputs := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.send(ctx, inputs); err != nil {
		s.logger.Warn("Could not transmit loading state", "error", err)
	}
}
