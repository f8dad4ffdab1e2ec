package framed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by Send and Ping after the socket closed.
	ErrNotConnected = errors.New("framed: not connected")

	// ErrSendTimeout is returned when the peer's ACK does not arrive within
	// the send timeout. The frame may still have been delivered; retry policy
	// belongs to the caller.
	ErrSendTimeout = errors.New("framed: timed out waiting for ack")

	// ErrAuthTimeout is returned by Connect when the "authenticated" message
	// does not arrive within the connect timeout.
	ErrAuthTimeout = errors.New("framed: timed out waiting for authentication")
)

// Options configures a Socket.
type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	PingTimeout    time.Duration
	ProducerCount  int
	QueueSize      int

	// OnMessage is dispatched as a detached goroutine per inbound MESSAGE so
	// handler work cannot block the reader.
	OnMessage func(data string)

	// OnClose fires exactly once, whether the peer closed, the transport
	// failed, or Close was called.
	OnClose func(code websocket.StatusCode, reason string)
}

// Socket owns one websocket connection and its ack bookkeeping.
type Socket struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	sendCh chan Frame

	// Pending ack futures: frame id → buffered chan completed on ACK (nil)
	// or connection failure.
	pending   map[string]chan error
	pendingMu sync.Mutex

	authCh   chan struct{}
	authOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New wraps an already-dialed websocket connection. Connect must be called
// before Send.
func New(conn *websocket.Conn, opts Options) *Socket {
	if opts.ProducerCount < 1 {
		opts.ProducerCount = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		conn:    conn,
		opts:    opts,
		logger:  slog.Default().With("component", "framed-socket"),
		sendCh:  make(chan Frame, opts.QueueSize),
		pending: make(map[string]chan error),
		authCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
}

// Connect starts the consumer and producer loops, then blocks until the
// dashboard's "authenticated" message arrives or the connect timeout fires.
func (s *Socket) Connect(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeLoop()
	}()
	for i := 0; i < s.opts.ProducerCount; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.produceLoop()
		}()
	}

	timer := time.NewTimer(s.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-s.authCh:
		return nil
	case <-timer.C:
		s.close(websocket.StatusPolicyViolation, "authentication timeout")
		return ErrAuthTimeout
	case <-ctx.Done():
		s.close(websocket.StatusNormalClosure, "connect canceled")
		return ctx.Err()
	case <-s.closed:
		return ErrNotConnected
	}
}

// Send enqueues one MESSAGE and blocks until the peer ACKs it, the send
// timeout fires, or the socket closes.
func (s *Socket) Send(ctx context.Context, payload string) error {
	return s.send(ctx, payload, s.opts.SendTimeout)
}

// Ping sends the ping payload and awaits its ACK within the ping timeout.
func (s *Socket) Ping(ctx context.Context) error {
	return s.send(ctx, pingPayload, s.opts.PingTimeout)
}

func (s *Socket) send(ctx context.Context, payload string, timeout time.Duration) error {
	select {
	case <-s.closed:
		return ErrNotConnected
	default:
	}

	id := uuid.New().String()
	ackCh := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[id] = ackCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	select {
	case s.sendCh <- messageFrame(id, payload):
	case <-s.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ackCh:
		return err
	case <-timer.C:
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the loops, closes the websocket, and reports
// "Closed by client" through OnClose. Safe to call more than once.
func (s *Socket) Close() {
	s.close(websocket.StatusNormalClosure, "Closed by client")
}

func (s *Socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		_ = s.conn.Close(code, reason)
		s.failPending(ErrNotConnected)
		if s.opts.OnClose != nil {
			s.opts.OnClose(code, reason)
		}
	})
}

// failPending completes every in-flight send future with err.
func (s *Socket) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- err:
		default:
		}
		delete(s.pending, id)
	}
}

// consumeLoop is the single reader. It synthesizes an ACK for each inbound
// MESSAGE before dispatching it, completes ack futures for inbound ACKs, and
// resolves the authentication future.
func (s *Socket) consumeLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			s.close(code, "connection lost")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are skipped; the socket stays up.
			s.logger.Warn("Skipping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case TypeACK:
			s.pendingMu.Lock()
			ch, ok := s.pending[frame.ID]
			if ok {
				delete(s.pending, frame.ID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- nil
			}

		case TypeMessage:
			// ACK first, then dispatch: the peer's send must complete even if
			// the handler is slow.
			select {
			case s.sendCh <- ackFrame(frame.ID):
			case <-s.ctx.Done():
				return
			}
			payload := ""
			if frame.Data != nil {
				payload = *frame.Data
			}
			if payload == authenticatedPayload {
				s.authOnce.Do(func() { close(s.authCh) })
				continue
			}
			if s.opts.OnMessage != nil {
				go s.opts.OnMessage(payload)
			}

		default:
			s.logger.Warn("Skipping frame with unknown type", "type", frame.Type)
		}
	}
}

// produceLoop drains the outbound queue onto the websocket. Within one
// producer, frames are written in enqueue order. coder/websocket serializes
// concurrent writers internally, so multiple producers are safe.
func (s *Socket) produceLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			data, err := frame.encode()
			if err != nil {
				s.logger.Warn("Dropping unencodable frame", "frame_id", frame.ID, "error", err)
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("Websocket write failed", "frame_id", frame.ID, "error", err)
				}
				// The consumer observes the same failure and closes the socket.
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Wait blocks until the consumer and producer loops exit. Used in tests and
// by the host controller during teardown.
func (s *Socket) Wait() {
	s.wg.Wait()
}

// String identifies the socket in logs.
func (s *Socket) String() string {
	return fmt.Sprintf("framed.Socket(producers=%d)", s.opts.ProducerCount)
}
