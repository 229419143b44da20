package wstest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/wirekit/ws"
	"github.com/wirekit/ws/internal/test/xrand"
	"github.com/wirekit/ws/internal/xsync"
)

// EchoLoop echos every msg received from c until an error
// occurs or the context expires.
// The read limit is set to 1 << 30.
func EchoLoop(ctx context.Context, c *ws.Conn) error {
	defer c.Close(ws.StatusInternalError, "")

	c.SetReadLimit(1 << 30)

	ctx, cancel := context.WithTimeout(ctx, time.Minute*5)
	defer cancel()

	for {
		typ, b, err := c.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if typ == ws.MessagePong {
			continue
		}

		err = c.WriteMessage(ctx, typ, b)
		if err != nil {
			return err
		}
	}
}

// Echo writes a message and ensures the same is sent back on c.
func Echo(ctx context.Context, c *ws.Conn, max int) error {
	expType := ws.MessageBinary
	if xrand.Bool() {
		expType = ws.MessageText
	}

	msg := randMessage(expType, xrand.Int(max))

	writeErr := xsync.Go(func() error {
		return c.WriteMessage(ctx, expType, msg)
	})

	actType, act, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}

	err = <-writeErr
	if err != nil {
		return err
	}

	if expType != actType {
		return fmt.Errorf("unexpected message typ (%v): %v", expType, actType)
	}

	if !bytes.Equal(msg, act) {
		return fmt.Errorf("unexpected msg read: %#v", act)
	}

	return nil
}

func randMessage(typ ws.MessageType, n int) []byte {
	if typ == ws.MessageBinary {
		return xrand.Bytes(n)
	}
	return []byte(xrand.String(n))
}
