package ws

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/wirekit/ws/internal/test/assert"
	"github.com/wirekit/ws/internal/test/xrand"
	"github.com/wirekit/ws/internal/xsync"
)

// fakeStream replays in and records everything written to it.
type fakeStream struct {
	in *bytes.Reader

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if s.in == nil {
		return 0, io.EOF
	}
	return s.in.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.out.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// written decodes the frames written to s.
func (s *fakeStream) written(t testing.TB) []Frame {
	t.Helper()

	s.mu.Lock()
	b := append([]byte(nil), s.out.Bytes()...)
	s.mu.Unlock()

	var frames []Frame
	for len(b) > 0 {
		f, n, err := DecodeFrame(b)
		assert.Success(t, err)
		frames = append(frames, f)
		b = b[n:]
	}
	return frames
}

func encodeFrames(t testing.TB, role Role, frames ...Frame) []byte {
	t.Helper()

	var b []byte
	for _, f := range frames {
		if role == RoleClient {
			f.Masked = true
			f.MaskKey = xrand.MaskKey()
		}
		var err error
		b, err = AppendFrame(b, role, f)
		assert.Success(t, err)
	}
	return b
}

func closePayload(code StatusCode, reason string) []byte {
	p := binary.BigEndian.AppendUint16(nil, uint16(code))
	return append(p, reason...)
}

type connTest struct {
	t   testing.TB
	ctx context.Context
	s   *fakeStream
	c   *Conn
}

// newConnTest creates a Conn that reads frames written with the
// peer role of role.
func newConnTest(t testing.TB, role Role, opts *ConnOptions, frames ...Frame) *connTest {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	peer := RoleClient
	if role == RoleClient {
		peer = RoleServer
	}
	s := &fakeStream{
		in: bytes.NewReader(encodeFrames(t, peer, frames...)),
	}

	if opts == nil {
		opts = &ConnOptions{}
	}
	opts.Logger = slogtest.Make(t, nil)

	return &connTest{
		t:   t,
		ctx: ctx,
		s:   s,
		c:   NewConn(s, role, opts),
	}
}

func (tt *connTest) expectProtocolError() {
	tt.t.Helper()

	_, _, err := tt.c.ReadMessage(tt.ctx)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		tt.t.Fatalf("expected *ProtocolError but got %v", err)
	}
	assert.Equal(tt.t, "state", StateClosed, tt.c.State())
	assert.Equal(tt.t, "stream closed", true, tt.s.isClosed())
	assert.Equal(tt.t, "frames written", 0, len(tt.s.written(tt.t)))
}

func TestConn(t *testing.T) {
	t.Parallel()

	t.Run("fragmented", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Opcode: OpText, Payload: []byte("Hel")},
			Frame{Opcode: OpContinuation, Payload: []byte("lo ")},
			Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("World")},
		)

		typ, p, err := tt.c.ReadMessage(tt.ctx)
		assert.Success(t, err)
		assert.Equal(t, "type", MessageText, typ)
		assert.Equal(t, "message", "Hello World", string(p))
		assert.Equal(t, "state", StateOpen, tt.c.State())
	})

	t.Run("pingMidFragment", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Opcode: OpText, Payload: []byte("AB")},
			Frame{Fin: true, Opcode: OpPing, Payload: []byte("ping-payload")},
			Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("CD")},
		)

		typ, p, err := tt.c.ReadMessage(tt.ctx)
		assert.Success(t, err)
		assert.Equal(t, "type", MessageText, typ)
		assert.Equal(t, "message", "ABCD", string(p))

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "opcode", OpPong, frames[0].Opcode)
		assert.Equal(t, "masked", false, frames[0].Masked)
		assert.Equal(t, "pong payload", "ping-payload", string(frames[0].Payload))
	})

	t.Run("consecutiveMessages", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleClient, nil,
			Frame{Fin: true, Opcode: OpText, Payload: []byte("one")},
			Frame{Opcode: OpBinary, Payload: []byte("tw")},
			Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("o")},
			Frame{Fin: true, Opcode: OpBinary},
		)

		exp := []struct {
			typ MessageType
			p   string
		}{
			{MessageText, "one"},
			{MessageBinary, "two"},
			{MessageBinary, ""},
		}
		for _, e := range exp {
			typ, p, err := tt.c.ReadMessage(tt.ctx)
			assert.Success(t, err)
			assert.Equal(t, "type", e.typ, typ)
			assert.Equal(t, "message", e.p, string(p))
		}
	})

	t.Run("remoteClose", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpClose, Payload: closePayload(StatusNormalClosure, "bye")},
		)

		_, _, err := tt.c.ReadMessage(tt.ctx)
		var ce CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CloseError but got %v", err)
		}
		assert.Equal(t, "close error", CloseError{Code: StatusNormalClosure, Reason: "bye"}, ce)
		assert.Equal(t, "state", StateClosingRemote, tt.c.State())

		err = tt.c.WriteMessage(tt.ctx, MessageText, []byte("late"))
		assert.ErrorIs(t, ErrClosed, err)
		assert.Equal(t, "close status", StatusNormalClosure, CloseStatus(err))

		_, _, err = tt.c.ReadMessage(tt.ctx)
		assert.ErrorIs(t, ErrClosed, err)

		err = tt.c.Close(StatusNormalClosure, "")
		assert.Success(t, err)
		assert.Equal(t, "state", StateClosed, tt.c.State())
		assert.Equal(t, "stream closed", true, tt.s.isClosed())

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "opcode", OpClose, frames[0].Opcode)
		assert.Equal(t, "close payload", closePayload(StatusNormalClosure, ""), frames[0].Payload)

		err = tt.c.Close(StatusNormalClosure, "")
		assert.Success(t, err)
	})

	t.Run("remoteCloseEmpty", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleClient, nil,
			Frame{Fin: true, Opcode: OpClose},
		)

		_, _, err := tt.c.ReadMessage(tt.ctx)
		assert.Equal(t, "close status", StatusNoStatusRcvd, CloseStatus(err))

		err = tt.c.Close(StatusNoStatusRcvd, "")
		assert.Success(t, err)

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "masked", true, frames[0].Masked)
		assert.Equal(t, "close payload length", 0, len(frames[0].Payload))
	})

	t.Run("localClose", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpText, Payload: []byte("discarded")},
			Frame{Fin: true, Opcode: OpClose, Payload: closePayload(StatusNormalClosure, "")},
		)

		err := tt.c.CloseContext(tt.ctx, StatusGoingAway, "done")
		assert.Success(t, err)
		assert.Equal(t, "state", StateClosed, tt.c.State())
		assert.Equal(t, "stream closed", true, tt.s.isClosed())

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "close payload", closePayload(StatusGoingAway, "done"), frames[0].Payload)

		_, _, err = tt.c.ReadMessage(tt.ctx)
		assert.ErrorIs(t, ErrClosed, err)
		assert.Contains(t, err, "sent close frame")
	})

	t.Run("localCloseEOF", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)

		err := tt.c.CloseContext(tt.ctx, StatusNormalClosure, "")
		assert.ErrorIs(t, io.EOF, err)
		assert.Equal(t, "state", StateClosed, tt.c.State())
	})

	t.Run("badClose", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpClose},
		)

		err := tt.c.Close(-1, "")
		assert.Contains(t, err, "failed to marshal close frame: status code -1 cannot be set")

		frames := tt.s.written(t)
		assert.Equal(t, "close payload", closePayload(StatusInternalError, ""), frames[0].Payload)
	})

	t.Run("eof", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)

		_, _, err := tt.c.ReadMessage(tt.ctx)
		assert.ErrorIs(t, io.EOF, err)
		assert.Equal(t, "state", StateClosed, tt.c.State())

		err = tt.c.WriteMessage(tt.ctx, MessageBinary, nil)
		assert.ErrorIs(t, ErrClosed, err)
	})

	t.Run("unmaskedFromClient", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)
		tt.s.in = bytes.NewReader(encodeFrames(t, RoleServer, Frame{Fin: true, Opcode: OpText}))
		tt.expectProtocolError()
	})

	t.Run("maskedFromServer", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleClient, nil)
		tt.s.in = bytes.NewReader(encodeFrames(t, RoleClient, Frame{Fin: true, Opcode: OpText}))
		tt.expectProtocolError()
	})

	t.Run("continuationWithoutStart", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("x")},
		)
		tt.expectProtocolError()
	})

	t.Run("interleavedMessages", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Opcode: OpText, Payload: []byte("a")},
			Frame{Fin: true, Opcode: OpBinary, Payload: []byte("b")},
		)
		tt.expectProtocolError()
	})

	t.Run("reservedOpcode", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)
		tt.s.in = bytes.NewReader([]byte{0x83, 0x80, 1, 2, 3, 4})
		tt.expectProtocolError()
	})

	t.Run("fragmentedControl", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)
		tt.s.in = bytes.NewReader([]byte{byte(OpPing), 0x80, 1, 2, 3, 4})
		tt.expectProtocolError()
	})

	t.Run("invalidClosePayload", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpClose, Payload: []byte{0x03}},
		)
		tt.expectProtocolError()
	})

	t.Run("readLimit", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, &ConnOptions{ReadLimit: 4},
			Frame{Opcode: OpBinary, Payload: []byte("abc")},
			Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("de")},
		)

		_, _, err := tt.c.ReadMessage(tt.ctx)
		assert.Contains(t, err, "read limited at 4 bytes")
		assert.Equal(t, "close status", StatusMessageTooBig, CloseStatus(err))
		assert.Equal(t, "state", StateClosed, tt.c.State())

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "opcode", OpClose, frames[0].Opcode)
		ce, err := parseClosePayload(frames[0].Payload)
		assert.Success(t, err)
		assert.Equal(t, "close code", StatusMessageTooBig, ce.Code)
	})

	t.Run("hugeContinuation", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)
		b := encodeFrames(t, RoleClient, Frame{Opcode: OpText, Payload: []byte("ab")})
		b = append(b, byte(OpContinuation)|0x80, 0x80|127)
		b = binary.BigEndian.AppendUint64(b, math.MaxInt64-1)
		b = append(b, 1, 2, 3, 4)
		tt.s.in = bytes.NewReader(b)

		_, _, err := tt.c.ReadMessage(tt.ctx)
		assert.Contains(t, err, "read limited at 32768 bytes")
		assert.Equal(t, "close status", StatusMessageTooBig, CloseStatus(err))
		assert.Equal(t, "state", StateClosed, tt.c.State())

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 1, len(frames))
		assert.Equal(t, "opcode", OpClose, frames[0].Opcode)
	})

	t.Run("setReadLimit", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpBinary, Payload: make([]byte, defaultReadLimit+1)},
		)
		tt.c.SetReadLimit(defaultReadLimit + 1)

		_, p, err := tt.c.ReadMessage(tt.ctx)
		assert.Success(t, err)
		assert.Equal(t, "message length", defaultReadLimit+1, len(p))
	})

	t.Run("pongs", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil,
			Frame{Fin: true, Opcode: OpPong, Payload: []byte("x")},
			Frame{Fin: true, Opcode: OpText, Payload: []byte("hi")},
		)

		typ, p, err := tt.c.ReadMessage(tt.ctx)
		assert.Success(t, err)
		assert.Equal(t, "type", MessageText, typ)
		assert.Equal(t, "message", "hi", string(p))
	})

	t.Run("deliverPongs", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, &ConnOptions{DeliverPongs: true},
			Frame{Fin: true, Opcode: OpPong, Payload: []byte("x")},
		)

		typ, p, err := tt.c.ReadMessage(tt.ctx)
		assert.Success(t, err)
		assert.Equal(t, "type", MessagePong, typ)
		assert.Equal(t, "pong payload", "x", string(p))
	})

	t.Run("clientMasks", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleClient, nil)

		err := tt.c.WriteMessage(tt.ctx, MessageText, []byte("hi"))
		assert.Success(t, err)
		err = tt.c.WriteMessage(tt.ctx, MessageBinary, []byte("there"))
		assert.Success(t, err)

		frames := tt.s.written(t)
		assert.Equal(t, "frames written", 2, len(frames))
		for _, f := range frames {
			assert.Equal(t, "masked", true, f.Masked)
			assert.Equal(t, "fin", true, f.Fin)
		}
		assert.Equal(t, "payload", "hi", string(frames[0].Payload))
		assert.Equal(t, "opcode", OpBinary, frames[1].Opcode)
	})

	t.Run("writeBadType", func(t *testing.T) {
		t.Parallel()

		tt := newConnTest(t, RoleServer, nil)

		err := tt.c.WriteMessage(tt.ctx, MessagePong, nil)
		assert.Contains(t, err, "cannot write message of type MessagePong")
		assert.Equal(t, "state", StateOpen, tt.c.State())
	})
}

func TestConnTimeout(t *testing.T) {
	t.Parallel()

	t.Run("closeHandshake", func(t *testing.T) {
		t.Parallel()

		c1, c2 := net.Pipe()
		c := NewConn(c1, RoleServer, &ConnOptions{
			CloseTimeout: time.Millisecond * 100,
		})

		seen := goAwaitClose(c2, c)

		err := c.Close(StatusNormalClosure, "")
		assert.ErrorIs(t, ErrTimeout, err)
		assert.ErrorIs(t, context.DeadlineExceeded, err)
		assert.Equal(t, "state", StateClosed, c.State())

		c2.Close()
		seen.check(t, c)
	})

	t.Run("closeHandshakeNoDeadlines", func(t *testing.T) {
		t.Parallel()

		s, peer := newPipeStream()
		c := NewConn(s, RoleServer, &ConnOptions{
			CloseTimeout: time.Millisecond * 100,
		})

		seen := goAwaitClose(peer, c)

		err := c.Close(StatusNormalClosure, "")
		assert.ErrorIs(t, ErrTimeout, err)
		assert.ErrorIs(t, context.DeadlineExceeded, err)
		assert.Contains(t, err, "peer did not answer close frame")
		assert.Equal(t, "state", StateClosed, c.State())

		peer.Close()
		seen.check(t, c)
	})

	t.Run("resumableRead", func(t *testing.T) {
		t.Parallel()

		c1, c2 := net.Pipe()
		defer c2.Close()
		c := NewConn(c1, RoleServer, nil)
		defer c.CloseContext(canceledContext(), StatusNormalClosure, "")

		b := encodeFrames(t, RoleClient, Frame{Fin: true, Opcode: OpText, Payload: []byte("resumed message")})

		for _, part := range [][]byte{b[:1], b[1:4], b[4:10]} {
			part := part
			write := xsync.Go(func() error {
				_, err := c2.Write(part)
				return err
			})
			readUntilWritten(t, c, write)
			assert.Equal(t, "state", StateOpen, c.State())
		}

		write := xsync.Go(func() error {
			_, err := c2.Write(b[10:])
			return err
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		typ, p, err := c.ReadMessage(ctx)
		assert.Success(t, err)
		assert.Success(t, <-write)
		assert.Equal(t, "type", MessageText, typ)
		assert.Equal(t, "message", "resumed message", string(p))
	})

	t.Run("write", func(t *testing.T) {
		t.Parallel()

		c1, c2 := net.Pipe()
		defer c2.Close()
		c := NewConn(c1, RoleServer, nil)
		defer c.CloseContext(canceledContext(), StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		defer cancel()

		err := c.WriteMessage(ctx, MessageText, []byte("nobody reads"))
		assert.ErrorIs(t, ErrTimeout, err)
		assert.Equal(t, "state", StateOpen, c.State())
	})

	t.Run("canceledLock", func(t *testing.T) {
		t.Parallel()

		c := NewConn(&fakeStream{}, RoleServer, nil)

		_, _, err := c.ReadMessage(canceledContext())
		assert.ErrorIs(t, ErrTimeout, err)
		assert.ErrorIs(t, context.Canceled, err)
		assert.Equal(t, "state", StateOpen, c.State())
	})
}

// readUntilWritten reads with short timeouts until the partial
// frame write has been consumed.
func readUntilWritten(t testing.TB, c *Conn, write <-chan error) {
	t.Helper()

	for {
		select {
		case err := <-write:
			assert.Success(t, err)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		_, _, err := c.ReadMessage(ctx)
		cancel()
		assert.ErrorIs(t, ErrTimeout, err)
	}
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "open", "open", StateOpen.String())
	assert.Equal(t, "closing local", "closing-local", StateClosingLocal.String())
	assert.Equal(t, "closing remote", "closing-remote", StateClosingRemote.String())
	assert.Equal(t, "closed", "closed", StateClosed.String())
	assert.Equal(t, "unknown", "State(9)", State(9).String())
}

// pipeStream is a stream without deadline support.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// newPipeStream returns a stream and the reader of what is written to it.
// Nothing is ever written towards the stream.
func newPipeStream() (*pipeStream, *io.PipeReader) {
	r, _ := io.Pipe()
	peer, w := io.Pipe()
	return &pipeStream{r: r, w: w}, peer
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *pipeStream) Close() error {
	s.r.Close()
	return s.w.Close()
}

type closeSeen struct {
	ch chan closeSeenResult
}

type closeSeenResult struct {
	f     Frame
	state State
	err   error
}

// goAwaitClose reads the close frame c writes with StatusNormalClosure,
// records the state c is in once it has been written and discards the
// rest of r.
func goAwaitClose(r io.Reader, c *Conn) closeSeen {
	seen := closeSeen{ch: make(chan closeSeenResult, 1)}
	go func() {
		var res closeSeenResult
		b := make([]byte, 4)
		_, res.err = io.ReadFull(r, b)
		if res.err == nil {
			res.state = c.State()
			res.f, _, res.err = DecodeFrame(b)
		}
		io.Copy(io.Discard, r)
		seen.ch <- res
	}()
	return seen
}

func (s closeSeen) check(t *testing.T, c *Conn) {
	t.Helper()

	res := <-s.ch
	assert.Success(t, res.err)
	assert.Equal(t, "state after close frame", StateClosingLocal, res.state)
	assert.Equal(t, "opcode", OpClose, res.f.Opcode)
	assert.Equal(t, "masked", c.Role() == RoleClient, res.f.Masked)
	assert.Equal(t, "close payload", closePayload(StatusNormalClosure, ""), res.f.Payload)
}
