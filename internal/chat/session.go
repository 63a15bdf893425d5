package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Conn is a duplex message connection. Read returns io.EOF once the peer closed the connection
// cleanly; any other error is treated as a connection failure.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections to a chat endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Session is a streaming chat session: it supervises one connection at a time, reconnects with a
// fixed delay up to a fixed number of attempts, and feeds every inbound frame to an Assembler.
//
// All mutable state is owned by a single event loop goroutine started by Open. Public methods only
// post work to that loop, so they never block on network I/O and never return connection errors;
// those are reported as status text through the Renderer.
type Session struct {
	cfg      Config
	dialer   Dialer
	renderer Renderer
	asm      *Assembler
	clock    Clock
	logger   *slog.Logger
	onStatus func(Status)

	events  chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	stop    sync.Once
	state   atomic.Int32

	// Owned by the event loop.
	conn         Conn
	connGen      int
	attempts     int
	reconnect    scheduled
	reconnectSeq int
	closing      bool
}

const eventQueueSize = 64

var (
	errAlreadyOpen = errors.New("session already opened")
	errDisposed    = errors.New("session disposed")
)

// NewSession creates a session. It does not connect until Open is called.
func NewSession(cfg Config, dialer Dialer, renderer Renderer, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		renderer: renderer,
		asm:      NewAssembler(cfg, renderer, opts...),
		clock:    o.clock,
		logger:   o.logger.With(slog.String("module", "session"), slog.String("url", cfg.URL)),
		onStatus: o.onStatus,
		events:   make(chan func(), eventQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.asm.dispatch = func(f func()) { s.post(f) }
	return s
}

// Open starts the event loop and the first connection attempt. The session lives until ctx is
// cancelled or Dispose is called.
func (s *Session) Open(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return errDisposed
	}
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyOpen
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Dispose()
		case <-s.done:
		}
	}()
	go s.run()

	s.post(s.connect)
	return nil
}

// Send transmits a user message as a raw text frame and starts a new reply turn. Blank messages are
// ignored. When the connection is not open, a notice is rendered instead.
func (s *Session) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.post(func() { s.send(text) })
}

// Close closes the current connection and stops automatic reconnects. The session stays usable:
// Reconnect opens a new connection.
func (s *Session) Close() error {
	if !s.started.Load() {
		return nil
	}
	if !s.post(s.closeConn) {
		return errDisposed
	}
	return nil
}

// Reconnect re-initiates the connection after the reconnect policy gave up or after Close. It resets
// the attempt counter. It does nothing while a connection is open or being dialed, unless that
// connection is being closed.
func (s *Session) Reconnect() {
	s.post(func() {
		if s.closing && s.conn != nil {
			// The read error of the closed connection is still on its way; it is dropped as stale.
			s.connGen++
			s.onClosed()
		}
		if s.State() != ConnClosed {
			return
		}
		s.closing = false
		s.attempts = 0
		s.reconnect.cancel()
		s.connect()
	})
}

// Dispose closes the connection, cancels every scheduled task and stops the event loop. It blocks
// until the loop has exited. Calling it more than once is safe.
func (s *Session) Dispose() {
	s.stop.Do(func() {
		s.cancel()
		if s.started.CompareAndSwap(false, true) {
			// Never opened: there is no loop to close done.
			close(s.done)
			return
		}
		<-s.done
	})
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the state of the current connection.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post queues fn on the event loop. It reports false once the loop has stopped.
func (s *Session) post(fn func()) bool {
	if !s.started.Load() {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) teardown() {
	s.reconnect.cancel()
	s.asm.Stop()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connGen++
	s.setState(ConnClosed)
	s.logger.Debug("Session disposed")
}

func (s *Session) connect() {
	s.connGen++
	gen := s.connGen
	s.setState(ConnConnecting)
	s.logger.Info("Connecting", slog.Int("attempt", s.attempts))

	go func() {
		conn, err := s.dialer.Dial(s.ctx, s.cfg.URL)
		if !s.post(func() { s.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onDialed(gen int, conn Conn, err error) {
	if gen != s.connGen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: dial: %w", ErrConnection, err)
		s.logger.Warn("Dial failed", slog.String(errLoggerKey, err.Error()))
		s.status(errorStatus(err))
		s.onClosed()
		return
	}

	s.conn = conn
	s.attempts = 0
	s.setState(ConnOpen)
	s.logger.Info("Connected")
	s.status(connectedStatus())

	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			s.post(func() { s.onReadError(gen, err) })
			return
		}
		if !s.post(func() { s.onFrame(gen, data) }) {
			return
		}
	}
}

func (s *Session) onFrame(gen int, data []byte) {
	if gen != s.connGen {
		return
	}
	f := Decode(data)
	if f.Err != nil {
		s.logger.Debug("Frame taken as plain text", slog.String(errLoggerKey, f.Err.Error()))
	}
	s.asm.Handle(f)
}

func (s *Session) onReadError(gen int, err error) {
	if gen != s.connGen {
		return
	}
	if !errors.Is(err, io.EOF) && !s.closing {
		err = fmt.Errorf("%w: read: %w", ErrConnection, err)
		s.logger.Warn("Connection lost", slog.String(errLoggerKey, err.Error()))
		s.status(errorStatus(err))
	}
	s.onClosed()
}

// onClosed applies the reconnect policy after the current connection ended or failed to open.
func (s *Session) onClosed() {
	s.asm.abort()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setState(ConnClosed)
	s.status(disconnectedStatus())

	if s.closing {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("Giving up reconnecting", slog.Int("attempts", s.attempts))
		s.status(failedStatus(s.cfg.MaxReconnectAttempts))
		return
	}

	s.attempts++
	s.reconnectSeq++
	attempt, seq := s.attempts, s.reconnectSeq
	s.reconnect.set(s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.post(func() { s.onReconnectDue(seq, attempt) })
	}))
}

func (s *Session) onReconnectDue(seq, attempt int) {
	if seq != s.reconnectSeq || !s.reconnect.pending() || s.closing {
		return
	}
	s.reconnect.task = nil
	s.status(reconnectingStatus(attempt, s.cfg.MaxReconnectAttempts))
	s.connect()
}

func (s *Session) closeConn() {
	s.closing = true
	s.reconnect.cancel()
	if s.conn != nil {
		// The read loop observes the close and finishes through onReadError.
		_ = s.conn.Close()
		return
	}
	if s.State() == ConnConnecting {
		s.connGen++
		s.setState(ConnClosed)
		s.status(disconnectedStatus())
	}
}

func (s *Session) send(text string) {
	if s.conn == nil || s.State() != ConnOpen {
		s.asm.Notice(notConnectedText)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, []byte(text)); err != nil {
		err = fmt.Errorf("%w: write: %w", ErrConnection, err)
		s.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		s.asm.Notice(sendFailedText)
		return
	}
	s.asm.BeginTurn(text)
}

func (s *Session) status(st Status) {
	s.renderer.ShowStatus(st.Text)
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *Session) setState(st ConnState) {
	s.state.Store(int32(st))
}
