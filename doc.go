// Package ws implements the WebSocket protocol defined in RFC 6455.
//
// It covers the opening handshake on the server side, the frame wire
// format and the per connection state machine that turns frames into
// messages and drives the close handshake.
//
// Use Accept to upgrade a net/http request and Dial to connect to a
// server. Both return a *Conn on which ReadMessage and WriteMessage
// exchange whole messages. Every blocking call takes a
// context.Context; an expired context yields an error matching
// ErrTimeout and, unless documented otherwise, leaves the connection
// usable.
//
// DecodeFrame, EncodeFrame and WriteFrame expose the frame codec for
// callers that want to drive the protocol themselves.
//
// See https://tools.ietf.org/html/rfc6455
package ws
