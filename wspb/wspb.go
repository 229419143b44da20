// Package wspb provides helpers for reading and writing protobuf messages.
package wspb

import (
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"

	"github.com/wirekit/ws"
	"github.com/wirekit/ws/internal/errd"
)

// Read reads a protobuf message from c into v.
// It will read a message up to the read limit of c.
func Read(ctx context.Context, c *ws.Conn, v proto.Message) error {
	return read(ctx, c, v)
}

func read(ctx context.Context, c *ws.Conn, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to read protobuf message")

	typ, b, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}

	if typ != ws.MessageBinary {
		c.Close(ws.StatusUnsupportedData, "expected binary message")
		return fmt.Errorf("expected binary message for protobuf but got: %v", typ)
	}

	err = proto.Unmarshal(b, v)
	if err != nil {
		c.Close(ws.StatusInvalidFramePayloadData, "failed to unmarshal protobuf")
		return fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	return nil
}

// Write writes the protobuf message v to c.
func Write(ctx context.Context, c *ws.Conn, v proto.Message) error {
	return write(ctx, c, v)
}

func write(ctx context.Context, c *ws.Conn, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to write protobuf message")

	b, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	return c.WriteMessage(ctx, ws.MessageBinary, b)
}
