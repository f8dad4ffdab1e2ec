// Package page implements the page engine: one session per OPEN_PAGE that
// concurrently evaluates a layout's title, description, menu, and children,
// coalescing partial results into SEND_PAGE snapshots.
package page

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/wire"
)

// sendPageAttempts bounds retries of one snapshot before the page is failed.
const sendPageAttempts = 5

// Context carries the invocation details handed to a page handler.
type Context struct {
	PageKey      string
	Page         wire.PageInfo
	User         wire.UserInfo
	Params       map[string]any
	Environment  string
	Organization *wire.Organization
}

// Layout is what a page handler returns. Title and Description each accept a
// literal string, a func() (string, error), or a
// func(context.Context) (string, error); failures are captured per layout
// key and do not abort the page.
type Layout struct {
	Title       any
	Description any
	MenuItems   []wire.MenuItem
	Children    []*io.Component
}

// Handler produces the layout for one page view.
type Handler func(ctx context.Context, pctx *Context) (*Layout, error)

// Sender transmits one serialized snapshot (a single SEND_PAGE attempt).
type Sender func(ctx context.Context, inputs wire.SendPageInputs) error

// Session is one open view of a page.
type Session struct {
	key           string
	handler       Handler
	pctx          *Context
	sendPage      Sender
	retryInterval time.Duration
	logger        *slog.Logger

	ioClient *io.Client

	mu          sync.Mutex
	title       string
	description string
	menuItems   []wire.MenuItem
	children    *wire.RenderInstruction
	errors      []wire.PageError
	inFlight    bool
	dirty       bool
	failed      bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession builds a session; Start launches it.
func NewSession(key string, handler Handler, pctx *Context, sendPage Sender, retryInterval time.Duration) *Session {
	s := &Session{
		key:           key,
		handler:       handler,
		pctx:          pctx,
		sendPage:      sendPage,
		retryInterval: retryInterval,
		logger:        slog.Default().With("component", "page-session", "page_key", key),
		done:          make(chan struct{}),
	}
	s.ioClient = io.NewClient(s.handleSend, s.logger)
	return s
}

// HandleResponse forwards an IO_RESPONSE to the children's render loop.
func (s *Session) HandleResponse(resp wire.IOResponse) {
	s.ioClient.HandleResponse(resp)
}

// Start runs the layout handler and fans out the independent evaluations.
// It returns immediately; evaluation continues until Close.
func (s *Session) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	go func() {
		defer close(s.done)
		s.run()
	}()
}

// Close cancels the root task and all child evaluations.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) run() {
	layout, err := s.handler(s.ctx, s.pctx)
	if err != nil {
		s.recordError("layout", err)
		s.markDirty()
		return
	}

	s.mu.Lock()
	s.menuItems = layout.MenuItems
	s.mu.Unlock()
	s.markDirty()

	group, ctx := errgroup.WithContext(s.ctx)
	group.Go(func() error {
		s.evaluateText(ctx, "title", layout.Title)
		return nil
	})
	group.Go(func() error {
		s.evaluateText(ctx, "description", layout.Description)
		return nil
	})
	group.Go(func() error {
		s.evaluateChildren(ctx, layout.Children)
		return nil
	})
	_ = group.Wait()
}

// evaluateText resolves a literal, function, or context-function value into
// the snapshot field named by key.
func (s *Session) evaluateText(ctx context.Context, key string, value any) {
	if value == nil {
		return
	}
	var text string
	var err error
	switch v := value.(type) {
	case string:
		text = v
	case func() (string, error):
		text, err = callGuarded(func() (string, error) { return v() })
	case func(context.Context) (string, error):
		text, err = callGuarded(func() (string, error) { return v(ctx) })
	default:
		err = fmt.Errorf("page: %s must be a string or a string-returning function, got %T", key, value)
	}
	if err != nil {
		s.recordError(key, err)
		s.markDirty()
		return
	}

	s.mu.Lock()
	switch key {
	case "title":
		s.title = text
	case "description":
		s.description = text
	}
	s.mu.Unlock()
	s.markDirty()
}

// callGuarded converts a panicking producer into an error.
func callGuarded(fn func() (string, error)) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page: %v", r)
		}
	}()
	return fn()
}

// evaluateChildren runs a transaction-style render loop with no group
// validator and no continue button. On a page the loop persists until Close;
// errors land under the "children" layout key.
func (s *Session) evaluateChildren(ctx context.Context, children []*io.Component) {
	if len(children) == 0 {
		return
	}
	_, err := s.ioClient.RenderComponents(ctx, children, nil, nil)
	if err != nil && ctx.Err() == nil {
		s.recordError("children", err)
		s.markDirty()
	}
}

// handleSend is the IO client's sender: it stores the latest children batch
// and triggers a snapshot.
func (s *Session) handleSend(_ context.Context, instruction wire.RenderInstruction) error {
	s.mu.Lock()
	s.children = &instruction
	s.mu.Unlock()
	s.markDirty()
	return nil
}

func (s *Session) recordError(layoutKey string, err error) {
	s.logger.Warn("Page layout evaluation failed", "layout_key", layoutKey, "error", err)
	s.mu.Lock()
	s.errors = append(s.errors, wire.PageError{
		LayoutKey: layoutKey,
		Error:     fmt.Sprintf("%T", err),
		Message:   err.Error(),
	})
	s.mu.Unlock()
}

// markDirty requests a snapshot. While one send_page is in flight further
// changes only set the dirty flag; the single sender loop coalesces them.
func (s *Session) markDirty() {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	go s.sendLoop()
}

func (s *Session) sendLoop() {
	for {
		if s.ctx.Err() != nil {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		if err := s.transmitSnapshot(); err != nil {
			s.logger.Error("Giving up on page after repeated send failures", "error", err)
			s.mu.Lock()
			s.failed = true
			s.inFlight = false
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.dirty {
			s.dirty = false
			s.mu.Unlock()
			continue
		}
		s.inFlight = false
		s.mu.Unlock()
		return
	}
}

// transmitSnapshot serializes the current layout and sends it, retrying a
// bounded number of times.
func (s *Session) transmitSnapshot() error {
	s.mu.Lock()
	layout := wire.BasicLayout{
		Kind:        "BASIC",
		Title:       s.title,
		Description: s.description,
		MenuItems:   s.menuItems,
		Errors:      append([]wire.PageError(nil), s.errors...),
	}
	if s.children != nil {
		data, err := json.Marshal(s.children)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("page: marshal children: %w", err)
		}
		layout.Children = data
	}
	s.mu.Unlock()
	if layout.Errors == nil {
		layout.Errors = []wire.PageError{}
	}

	serialized, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("page: marshal layout: %w", err)
	}
	inputs := wire.SendPageInputs{PageKey: s.key, Page: string(serialized)}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryInterval), sendPageAttempts-1),
		s.ctx)
	return backoff.Retry(func() error {
		return s.sendPage(s.ctx, inputs)
	}, policy)
}
