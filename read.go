package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"cdr.dev/slog"

	"github.com/wirekit/ws/internal/errd"
)

// ReadMessage reads frames until a complete data message has been
// assembled and returns it.
//
// Control frames are handled as they arrive, including in the middle of
// a fragmented message: pings are answered with a pong carrying the same
// payload and pongs complete pending Ping calls. Pongs are returned as
// MessagePong when ConnOptions.DeliverPongs is set.
//
// When the peer's close frame arrives the returned error is the
// CloseError it carries. Use CloseStatus or errors.As to check for it.
//
// A *ProtocolError closes the connection immediately. An error matching
// ErrTimeout leaves the connection as it was and the read may be retried.
func (c *Conn) ReadMessage(ctx context.Context) (_ MessageType, _ []byte, err error) {
	defer errd.Wrap(&err, "failed to read message")

	err = c.readMu.Lock(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer c.readMu.Unlock()
	defer c.releaseReader()

	for {
		switch c.State() {
		case StateClosingRemote, StateClosed:
			return 0, nil, c.closedErr()
		}

		h, payload, err := c.readFrame(ctx)
		if err != nil {
			return 0, nil, err
		}

		if h.opcode.Control() {
			typ, p, err := c.handleControl(ctx, h, payload)
			if err != nil || typ != 0 {
				return typ, p, err
			}
			continue
		}

		if h.fin {
			typ, p := c.finishMessage()
			return typ, p, nil
		}
	}
}

// finishMessage hands out the accumulated message and
// resets the accumulator.
func (c *Conn) finishMessage() (MessageType, []byte) {
	typ, p := MessageType(c.msgOp), c.msg
	c.msgActive = false
	c.msgOp = OpContinuation
	c.msg = nil
	return typ, p
}

// readFrame reads the next frame. Data frame payloads are appended to
// the accumulator and control frame payloads go into controlBuf.
// A read that times out keeps what it has read so far for the next call.
func (c *Conn) readFrame(ctx context.Context) (header, []byte, error) {
	if !c.rhValid {
		h, err := c.readFrameHeader(ctx)
		if err != nil {
			return header{}, nil, err
		}

		err = c.checkFrame(ctx, h)
		if err != nil {
			return header{}, nil, err
		}

		if h.opcode.Control() {
			c.rframe = c.controlBuf[:h.payloadLength]
		} else {
			if h.opcode.Data() {
				c.msgActive = true
				c.msgOp = h.opcode
			}
			i := len(c.msg)
			n := int(h.payloadLength)
			c.msg = slices.Grow(c.msg, n)[:i+n]
			c.rframe = c.msg[i:]
		}
		c.rh = h
		c.rhValid = true
		c.rgot = 0
	}

	if c.rgot < len(c.rframe) {
		stop := c.watch(ctx, c.readDeadliner())
		n, err := io.ReadFull(c.br, c.rframe[c.rgot:])
		stop()
		c.rgot += n
		if err != nil {
			return header{}, nil, c.readFailed(ctx, fmt.Errorf("failed to read frame payload: %w", err))
		}
	}

	c.rhValid = false
	if c.rh.masked {
		mask(maskKey32(c.rh.maskKey), c.rframe)
	}
	return c.rh, c.rframe, nil
}

func (c *Conn) readFrameHeader(ctx context.Context) (header, error) {
	if ctx.Err() != nil {
		return header{}, ctxErr(ctx)
	}

	stop := c.watch(ctx, c.readDeadliner())
	defer stop()

	b, err := c.br.Peek(2)
	if err == nil {
		b, err = c.br.Peek(headerSize(b[1]))
	}
	if err != nil {
		return header{}, c.readFailed(ctx, fmt.Errorf("failed to read frame header: %w", err))
	}

	h, n, err := parseHeader(b)
	if err != nil {
		return header{}, c.fail(ctx, err)
	}
	c.br.Discard(n)
	return h, nil
}

// readFailed classifies an error from the stream. Expired contexts
// become timeouts and leave the connection open, anything else
// closes it.
func (c *Conn) readFailed(ctx context.Context, err error) error {
	if c.isClosed() {
		return c.closedErr()
	}
	if ctx.Err() != nil || isTimeout(err) {
		return ctxErr(ctx)
	}
	c.setClosed(err)
	return err
}

// fail closes the connection without a close handshake.
func (c *Conn) fail(ctx context.Context, err error) error {
	c.log.Debug(ctx, "closing connection", slog.Error(err))
	c.setClosed(err)
	return err
}

func (c *Conn) checkFrame(ctx context.Context, h header) error {
	switch {
	case c.role == RoleServer && !h.masked:
		return c.fail(ctx, protocolErrorf("received unmasked frame from client"))
	case c.role == RoleClient && h.masked:
		return c.fail(ctx, protocolErrorf("received masked frame from server"))
	case h.opcode == OpContinuation && !c.msgActive:
		return c.fail(ctx, protocolErrorf("received continuation frame without text or binary frame"))
	case h.opcode.Data() && c.msgActive:
		return c.fail(ctx, protocolErrorf("received new %v frame before finishing the previous %v message", h.opcode, c.msgOp))
	}

	if !h.opcode.Control() {
		limit := c.readLimit.Load()
		if h.payloadLength > limit-int64(len(c.msg)) {
			err := fmt.Errorf("read limited at %v bytes: %w", limit, CloseError{Code: StatusMessageTooBig})
			c.writeError(ctx, StatusMessageTooBig, err)
			return err
		}
	}
	return nil
}

// writeError sends a close frame with code on a best effort
// basis and then closes the connection.
func (c *Conn) writeError(ctx context.Context, code StatusCode, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	ce := CloseError{Code: code, Reason: err.Error()}
	if len(ce.Reason) > maxCloseReason {
		ce.Reason = ce.Reason[:maxCloseReason]
	}
	p, _ := ce.bytes()
	werr := c.writeFrame(ctx, OpClose, p)
	if werr != nil {
		c.log.Debug(ctx, "failed to write close frame", slog.Error(werr))
	}
	c.fail(ctx, err)
}

// handleControl processes a control frame. A non zero MessageType
// means the frame is returned to the ReadMessage caller.
func (c *Conn) handleControl(ctx context.Context, h header, p []byte) (MessageType, []byte, error) {
	switch h.opcode {
	case OpPing:
		err := c.writeFrame(ctx, OpPong, p)
		if err != nil {
			c.log.Debug(ctx, "failed to answer ping", slog.Error(err))
			return 0, nil, fmt.Errorf("failed to write pong: %w", err)
		}
		return 0, nil, nil
	case OpPong:
		c.activePingsMu.Lock()
		pong, ok := c.activePings[string(p)]
		c.activePingsMu.Unlock()
		if ok {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
		if c.deliverPongs {
			return MessagePong, append([]byte(nil), p...), nil
		}
		return 0, nil, nil
	}

	ce, err := parseClosePayload(p)
	if err != nil {
		return 0, nil, c.fail(ctx, protocolErrorf("received invalid close payload: %v", err))
	}

	c.stateMu.Lock()
	st := c.state
	if st == StateOpen {
		c.state = StateClosingRemote
		c.setCloseErrLocked(ce)
	}
	c.stateMu.Unlock()

	if st == StateClosingLocal {
		c.setClosed(ce)
	}
	return 0, nil, ce
}

// isCloseFrameErr reports whether err is the CloseError
// handleControl returns for a received close frame.
func isCloseFrameErr(err error) bool {
	var ce CloseError
	return errors.As(err, &ce) && !errors.Is(err, ErrClosed)
}
