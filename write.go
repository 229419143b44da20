package ws

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/wirekit/ws/internal/errd"
)

// WriteMessage writes p as a single unfragmented message of type typ.
//
// It fails with an error matching ErrClosed once the connection has
// left StateOpen. An error matching ErrTimeout means ctx expired; if no
// byte of the frame had been written the connection is left open,
// otherwise it is closed as the stream can no longer be framed.
func (c *Conn) WriteMessage(ctx context.Context, typ MessageType, p []byte) (err error) {
	defer errd.Wrap(&err, "failed to write message")

	if typ != MessageText && typ != MessageBinary {
		return fmt.Errorf("cannot write message of type %v", typ)
	}
	return c.writeFrame(ctx, Opcode(typ), p)
}

// writeFrame handles all writes to the connection.
// Data frames are only written in StateOpen, control frames
// until the connection is closed.
func (c *Conn) writeFrame(ctx context.Context, opcode Opcode, p []byte) error {
	err := c.writeMu.Lock(ctx)
	if err != nil {
		return err
	}
	defer c.writeMu.Unlock()

	switch st := c.State(); {
	case st == StateClosed:
		return c.closedErr()
	case opcode.Data() && st != StateOpen:
		return c.closedErr()
	}

	f := Frame{
		Fin:     true,
		Opcode:  opcode,
		Payload: p,
	}
	if c.role == RoleClient {
		f.Masked = true
		_, err = io.ReadFull(rand.Reader, f.MaskKey[:])
		if err != nil {
			return fmt.Errorf("failed to generate masking key: %w", err)
		}
	}

	c.wbuf, err = AppendFrame(c.wbuf[:0], c.role, f)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctxErr(ctx)
	}

	stop := c.watch(ctx, c.writeDeadliner())
	n, err := c.rwc.Write(c.wbuf)
	stop()
	if err == nil {
		return nil
	}

	if c.isClosed() {
		return c.closedErr()
	}
	if ctx.Err() != nil || isTimeout(err) {
		if n == 0 {
			return ctxErr(ctx)
		}
		err = fmt.Errorf("%w after writing %v of %v bytes of %v frame", ctxErr(ctx), n, len(c.wbuf), opcode)
	} else {
		err = fmt.Errorf("failed to write %v frame: %w", opcode, err)
	}
	c.setClosed(err)
	return err
}
