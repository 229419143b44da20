package ws

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog"

	"github.com/wirekit/ws/internal/errd"
)

// Close performs the WebSocket close handshake with the given status code and reason.
// It is bounded by ConnOptions.CloseTimeout. See CloseContext.
func (c *Conn) Close(code StatusCode, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()

	return c.CloseContext(ctx, code, reason)
}

// CloseContext performs the WebSocket close handshake with the given
// status code and reason.
//
// If the connection is open, it writes a close frame and waits for the
// peer's close frame until ctx expires. Data messages received in the
// meantime are discarded. The stream is closed either way; when the peer
// did not answer in time the returned error matches ErrTimeout.
//
// If the peer closed first, it answers with the close frame and
// releases the stream right away.
//
// The connection can only be closed once. Additional calls
// are no-ops.
//
// The maximum length of reason is 123 bytes. Pass StatusNoStatusRcvd
// to send a close frame without a payload.
func (c *Conn) CloseContext(ctx context.Context, code StatusCode, reason string) (err error) {
	defer errd.Wrap(&err, "failed to close WebSocket")

	c.stateMu.Lock()
	st := c.state
	switch st {
	case StateOpen:
		c.state = StateClosingLocal
	case StateClosingRemote:
	default:
		c.stateMu.Unlock()
		return nil
	}
	c.stateMu.Unlock()

	ce := CloseError{
		Code:   code,
		Reason: reason,
	}

	var p []byte
	if ce.Code != StatusNoStatusRcvd {
		p, err = ce.bytes()
		if err != nil {
			c.log.Debug(ctx, "sending internal error close frame instead", slog.Error(err))
		}
	}

	if st == StateOpen {
		c.stateMu.Lock()
		c.setCloseErrLocked(fmt.Errorf("sent close frame: %w", ce))
		c.stateMu.Unlock()
	}

	werr := c.writeFrame(ctx, OpClose, p)
	if st == StateClosingRemote || werr != nil {
		c.setClosed(werr)
		if werr != nil {
			return werr
		}
		return err
	}

	werr = c.waitCloseHandshake(ctx)
	if werr != nil {
		return werr
	}
	return err
}

// waitCloseHandshake reads until the peer's close frame arrives or ctx
// expires. If another goroutine is reading, it waits for that reader to
// receive the close frame instead.
func (c *Conn) waitCloseHandshake(ctx context.Context) error {
	c.readMu.init()
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return c.forceClose(ctx, ctxErr(ctx))
	case c.readMu.ch <- struct{}{}:
	}
	defer c.readMu.Unlock()
	defer c.releaseReader()

	for !c.isClosed() {
		h, payload, err := c.readFrame(ctx)
		if err != nil {
			// A stream without deadlines is closed on expiry and the
			// read fails with ErrClosed rather than ErrTimeout.
			if ctx.Err() != nil || errors.Is(err, ErrTimeout) {
				return c.forceClose(ctx, ctxErr(ctx))
			}
			return err
		}

		if h.opcode.Control() {
			_, _, err = c.handleControl(ctx, h, payload)
			if h.opcode == OpClose && isCloseFrameErr(err) {
				return nil
			}
			if err != nil {
				return err
			}
			continue
		}

		if h.fin {
			c.finishMessage()
		}
	}
	return nil
}

func (c *Conn) forceClose(ctx context.Context, err error) error {
	err = fmt.Errorf("peer did not answer close frame: %w", err)
	c.log.Debug(ctx, "forcing connection closed", slog.Error(err))
	c.setClosed(err)
	return err
}
