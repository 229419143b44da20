// Package wsjson provides helpers for JSON messages.
package wsjson

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wirekit/ws"
	"github.com/wirekit/ws/internal/errd"
)

// Read reads a JSON message from c into v.
// It will read a message up to the read limit of c.
func Read(ctx context.Context, c *ws.Conn, v interface{}) error {
	return read(ctx, c, v)
}

func read(ctx context.Context, c *ws.Conn, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to read JSON message")

	typ, b, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}

	if typ != ws.MessageText {
		c.Close(ws.StatusUnsupportedData, "expected text message")
		return fmt.Errorf("expected text message for JSON but got: %v", typ)
	}

	err = json.Unmarshal(b, v)
	if err != nil {
		c.Close(ws.StatusInvalidFramePayloadData, "failed to unmarshal JSON")
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Write writes the JSON message v to c.
func Write(ctx context.Context, c *ws.Conn, v interface{}) error {
	return write(ctx, c, v)
}

func write(ctx context.Context, c *ws.Conn, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to write JSON message")

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return c.WriteMessage(ctx, ws.MessageText, b)
}
