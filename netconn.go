package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// NetConn converts a *Conn into a net.Conn.
//
// It's for tunneling arbitrary protocols over WebSockets.
// Few users of the library will need this but it's tricky to implement
// correctly and so provided in the library.
//
// Every Write to the net.Conn will correspond to a binary message
// write on *Conn.
//
// Close will close the *Conn with StatusNormalClosure.
//
// When a deadline is hit, the pending call returns an error matching
// os.ErrDeadlineExceeded and the connection is kept alive, as with
// other net.Conn implementations.
//
// If the underlying stream is a net.Conn, the Addr methods return its
// addresses. Otherwise they return a mock net.Addr that returns
// "websocket" for Network and "websocket/unknown-addr" for String.
//
// A received StatusNormalClosure close frame will be translated to EOF when reading.
func NetConn(c *Conn) net.Conn {
	return &netConn{
		c:             c,
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
	}
}

type netConn struct {
	c *Conn

	readDeadline  *deadline
	writeDeadline *deadline

	readMu sync.Mutex
	eofed  bool
	buf    []byte
}

var _ net.Conn = &netConn{}

func (nc *netConn) Close() error {
	return nc.c.Close(StatusNormalClosure, "")
}

func (nc *netConn) Write(p []byte) (int, error) {
	err := nc.c.WriteMessage(nc.writeDeadline.context(), MessageBinary, p)
	if err != nil {
		return 0, netConnErr(err)
	}
	return len(p), nil
}

func (nc *netConn) Read(p []byte) (int, error) {
	nc.readMu.Lock()
	defer nc.readMu.Unlock()

	for len(nc.buf) == 0 {
		if nc.eofed {
			return 0, io.EOF
		}

		typ, b, err := nc.c.ReadMessage(nc.readDeadline.context())
		if err != nil {
			if CloseStatus(err) == StatusNormalClosure {
				nc.eofed = true
				return 0, io.EOF
			}
			return 0, netConnErr(err)
		}
		switch typ {
		case MessageBinary:
			nc.buf = b
		case MessagePong:
		default:
			nc.c.Close(StatusUnsupportedData, "can only accept binary messages")
			return 0, fmt.Errorf("unexpected frame type read for net conn adapter (expected %v): %v", MessageBinary, typ)
		}
	}

	n := copy(p, nc.buf)
	nc.buf = nc.buf[n:]
	return n, nil
}

// netConnErr makes expired deadlines look like those of a net.Conn.
func netConnErr(err error) error {
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", os.ErrDeadlineExceeded, err)
	}
	return err
}

type websocketAddr struct {
}

func (a websocketAddr) Network() string {
	return "websocket"
}

func (a websocketAddr) String() string {
	return "websocket/unknown-addr"
}

func (nc *netConn) RemoteAddr() net.Addr {
	if unc, ok := nc.c.rwc.(net.Conn); ok {
		return unc.RemoteAddr()
	}
	return websocketAddr{}
}

func (nc *netConn) LocalAddr() net.Addr {
	if unc, ok := nc.c.rwc.(net.Conn); ok {
		return unc.LocalAddr()
	}
	return websocketAddr{}
}

func (nc *netConn) SetDeadline(t time.Time) error {
	nc.SetWriteDeadline(t)
	nc.SetReadDeadline(t)
	return nil
}

func (nc *netConn) SetWriteDeadline(t time.Time) error {
	nc.writeDeadline.set(t)
	return nil
}

func (nc *netConn) SetReadDeadline(t time.Time) error {
	nc.readDeadline.set(t)
	return nil
}

// deadline hands out a context that is cancelled once the
// configured time passes.
type deadline struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

func newDeadline() *deadline {
	d := &deadline{}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

func (d *deadline) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.ctx.Err() != nil {
		d.ctx, d.cancel = context.WithCancel(context.Background())
	}
	if t.IsZero() {
		return
	}

	dur := time.Until(t)
	if dur <= 0 {
		d.cancel()
		return
	}
	d.timer = time.AfterFunc(dur, d.cancel)
}
