package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/gobwas/pool/pbufio"
)

const (
	defaultReadLimit    = 32768
	defaultCloseTimeout = time.Second * 5
	defaultBufferSize   = 4096
)

// ConnOptions configures a Conn.
// The zero value is ready to use.
type ConnOptions struct {
	// ReadLimit is the maximum size of a message read by ReadMessage.
	// Defaults to 32768 bytes. See SetReadLimit.
	ReadLimit int64

	// DeliverPongs makes ReadMessage return received pongs as
	// MessagePong messages. By default pongs are only used to
	// complete Ping calls.
	DeliverPongs bool

	// CloseTimeout bounds the close handshake performed by Close.
	// Defaults to 5 seconds.
	CloseTimeout time.Duration

	// Logger receives debug logs about the connection.
	// The zero value discards them.
	Logger slog.Logger
}

// State is the protocol state of a Conn.
type State int

// State constants.
const (
	// StateOpen is the initial state.
	StateOpen State = iota
	// StateClosingLocal means a close frame was sent and the
	// peer's close frame is awaited.
	StateClosingLocal
	// StateClosingRemote means the peer's close frame was received
	// and the local close frame has not been sent yet.
	StateClosingRemote
	// StateClosed is terminal. The stream has been released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing-local"
	case StateClosingRemote:
		return "closing-remote"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn represents a WebSocket connection.
//
// ReadMessage must only be called by one goroutine at a time.
// WriteMessage, Ping and Close may be called concurrently with it and
// with each other; writes, including automatic pongs, are serialized.
//
// The connection performs I/O only while one of its methods is
// running. Keep reading so that pings and close frames from the
// peer are answered.
type Conn struct {
	role Role
	rwc  io.ReadWriteCloser
	log  slog.Logger

	deliverPongs bool
	closeTimeout time.Duration
	readLimit    atomic.Int64

	readMu    mu
	br        *bufio.Reader
	putReader func(*bufio.Reader)

	// Frame being read, kept across calls so a timed out read resumes.
	rh      header
	rhValid bool
	rframe  []byte
	rgot    int

	controlBuf [maxControlPayload]byte

	// Fragmentation accumulator.
	msgActive bool
	msgOp     Opcode
	msg       []byte

	writeMu mu
	wbuf    []byte

	stateMu  sync.Mutex
	state    State
	closeErr error
	closed   chan struct{}
	g        *Grace

	pingCounter   atomic.Int64
	activePingsMu sync.Mutex
	activePings   map[string]chan<- struct{}
}

// NewConn returns a Conn in StateOpen speaking WebSocket over rwc,
// which must already have completed the opening handshake.
//
// Accept and Dial call it for you. NewConn is for streams obtained
// some other way.
func NewConn(rwc io.ReadWriteCloser, role Role, opts *ConnOptions) *Conn {
	return newConn(rwc, nil, role, opts)
}

// newConn creates the Conn. If br is nil, a pooled reader
// is used and returned once the connection is closed.
func newConn(rwc io.ReadWriteCloser, br *bufio.Reader, role Role, opts *ConnOptions) *Conn {
	if opts == nil {
		opts = &ConnOptions{}
	}

	c := &Conn{
		role:         role,
		rwc:          rwc,
		log:          opts.Logger.Named(role.String()),
		deliverPongs: opts.DeliverPongs,
		closeTimeout: opts.CloseTimeout,
		br:           br,
		closed:       make(chan struct{}),
		activePings:  make(map[string]chan<- struct{}),
	}
	if c.closeTimeout <= 0 {
		c.closeTimeout = defaultCloseTimeout
	}
	if opts.ReadLimit > 0 {
		c.readLimit.Store(opts.ReadLimit)
	} else {
		c.readLimit.Store(defaultReadLimit)
	}
	if c.br == nil {
		c.br = pbufio.GetReader(rwc, defaultBufferSize)
		c.putReader = pbufio.PutReader
	}
	return c
}

// Role returns whether c is the server or the client side.
func (c *Conn) Role() Role {
	return c.role
}

// State returns the current protocol state of c.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetReadLimit sets the max number of bytes to read for a single message.
//
// When the limit is hit, the connection is closed with StatusMessageTooBig.
func (c *Conn) SetReadLimit(n int64) {
	c.readLimit.Store(n)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// closedErr is returned by calls made once c is no longer open.
func (c *Conn) closedErr() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closeErr == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.closeErr)
}

func (c *Conn) setCloseErrLocked(err error) {
	if c.closeErr == nil && err != nil {
		c.closeErr = err
	}
}

// setClosed moves c to StateClosed and releases the stream.
// The first error recorded stays the close error.
func (c *Conn) setClosed(err error) {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.state = StateClosed
	c.setCloseErrLocked(err)
	close(c.closed)
	g := c.g
	c.stateMu.Unlock()

	cerr := c.rwc.Close()
	if cerr != nil {
		c.log.Debug(context.Background(), "failed to close stream", slog.Error(cerr))
	}
	if g != nil {
		g.delConn(c)
	}
}

// releaseReader returns a pooled reader once c is closed.
// Must be called with readMu held.
func (c *Conn) releaseReader() {
	if c.putReader == nil || !c.isClosed() {
		return
	}
	c.putReader(c.br)
	c.putReader = nil
	c.br = nil
}

// watch bounds a blocking stream call by ctx. The deadline of ctx is
// applied with set and cancellation moves it into the past. Streams
// that cannot take deadlines are closed when ctx expires instead.
// The returned func must be called once the stream call returns.
func (c *Conn) watch(ctx context.Context, set func(time.Time) error) (stop func()) {
	if set == nil {
		stopf := context.AfterFunc(ctx, func() {
			c.setClosed(ctxErr(ctx))
		})
		return func() { stopf() }
	}

	if deadline, ok := ctx.Deadline(); ok {
		set(deadline)
	}

	var mu sync.Mutex
	done := false
	stopf := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			set(time.Unix(1, 0))
		}
	})
	return func() {
		stopf()
		mu.Lock()
		done = true
		set(time.Time{})
		mu.Unlock()
	}
}

func (c *Conn) readDeadliner() func(time.Time) error {
	if d, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline
	}
	return nil
}

func (c *Conn) writeDeadliner() func(time.Time) error {
	if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline
	}
	return nil
}

// Ping sends a ping to the peer and waits for a pong.
// Use this to measure latency or ensure the peer is responsive.
// Ping must be called concurrently with ReadMessage as it does
// not read from the connection but instead waits for a ReadMessage
// call to read the pong.
//
// An expired ctx leaves the connection open.
func (c *Conn) Ping(ctx context.Context) error {
	p := c.pingCounter.Add(1)

	err := c.ping(ctx, strconv.FormatInt(p, 10))
	if err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	return nil
}

func (c *Conn) ping(ctx context.Context, p string) error {
	pong := make(chan struct{}, 1)

	c.activePingsMu.Lock()
	c.activePings[p] = pong
	c.activePingsMu.Unlock()

	defer func() {
		c.activePingsMu.Lock()
		delete(c.activePings, p)
		c.activePingsMu.Unlock()
	}()

	err := c.writeFrame(ctx, OpPing, []byte(p))
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return c.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for pong: %w", ctxErr(ctx))
	case <-pong:
		return nil
	}
}

// mu is a mutex that can be acquired with a context.
type mu struct {
	once sync.Once
	ch   chan struct{}
}

func (m *mu) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
	})
}

func (m *mu) Lock(ctx context.Context) error {
	m.init()
	select {
	case <-ctx.Done():
		return ctxErr(ctx)
	case m.ch <- struct{}{}:
		return nil
	}
}

func (m *mu) Unlock() {
	<-m.ch
}
