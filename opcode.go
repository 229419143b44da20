package ws

import "fmt"

// Opcode represents a WebSocket opcode.
// See https://tools.ietf.org/html/rfc6455#section-11.8.
type Opcode int

// Opcode constants.
const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	OpClose
	OpPing
	OpPong
	// 11-15 are reserved for further control frames.
)

// Control reports whether o is a control opcode.
func (o Opcode) Control() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Data reports whether o begins a data message.
func (o Opcode) Data() bool {
	switch o {
	case OpText, OpBinary:
		return true
	}
	return false
}

func (o Opcode) valid() bool {
	return o == OpContinuation || o.Data() || o.Control()
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// MessageType represents the type of a WebSocket message.
// See https://tools.ietf.org/html/rfc6455#section-5.6
type MessageType int

// MessageType constants.
const (
	// MessageText is for UTF-8 encoded text messages like JSON.
	MessageText = MessageType(OpText)
	// MessageBinary is for binary messages like protobufs.
	MessageBinary = MessageType(OpBinary)
	// MessagePong is only returned by ReadMessage when
	// ConnOptions.DeliverPongs is set.
	MessagePong = MessageType(OpPong)
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "MessageText"
	case MessageBinary:
		return "MessageBinary"
	case MessagePong:
		return "MessagePong"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Role is the side of the connection a Conn plays.
// It decides the masking direction.
type Role int

// Role constants.
const (
	// RoleServer never masks outgoing frames and
	// requires incoming frames to be masked.
	RoleServer Role = iota
	// RoleClient masks every outgoing frame with a
	// fresh key and requires incoming frames to be unmasked.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}
