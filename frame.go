package ws

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/gobwas/pool/pbytes"
)

// Frame represents a single WebSocket frame.
// The payload length on the wire is len(Payload).
// See https://tools.ietf.org/html/rfc6455#section-5.2
type Frame struct {
	Fin    bool
	Opcode Opcode

	Masked  bool
	MaskKey [4]byte

	Payload []byte
}

// First byte contains fin, rsv1, rsv2, rsv3 and the opcode.
// Second byte contains the mask flag and the 7 bit payload length.
// Next 8 bytes are the maximum extended payload length.
// Last 4 bytes are the mask key.
const maxHeaderSize = 1 + 1 + 8 + 4

// maxControlPayload is the maximum length of a control frame payload.
// See https://tools.ietf.org/html/rfc6455#section-5.5.
const maxControlPayload = 125

// header is the part of a frame before the payload.
type header struct {
	fin    bool
	rsv1   bool
	rsv2   bool
	rsv3   bool
	opcode Opcode

	masked  bool
	maskKey [4]byte

	payloadLength int64
}

// headerSize returns the size of the header announced by
// the second header byte.
func headerSize(b1 byte) int {
	n := 2
	switch b1 &^ (1 << 7) {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if b1&(1<<7) != 0 {
		n += 4
	}
	return n
}

// parseHeader decodes the header at the front of b and returns
// it along with its size.
// The extended length forms are not checked for minimal width.
func parseHeader(b []byte) (header, int, error) {
	if len(b) < 2 {
		return header{}, 0, ErrNeedMoreData
	}
	n := headerSize(b[1])
	if len(b) < n {
		return header{}, 0, ErrNeedMoreData
	}

	var h header
	h.fin = b[0]&(1<<7) != 0
	h.rsv1 = b[0]&(1<<6) != 0
	h.rsv2 = b[0]&(1<<5) != 0
	h.rsv3 = b[0]&(1<<4) != 0
	h.opcode = Opcode(b[0] & 0xf)

	h.masked = b[1]&(1<<7) != 0

	payloadLength := b[1] &^ (1 << 7)
	switch {
	case payloadLength < 126:
		h.payloadLength = int64(payloadLength)
	case payloadLength == 126:
		h.payloadLength = int64(binary.BigEndian.Uint16(b[2:]))
	case payloadLength == 127:
		l := binary.BigEndian.Uint64(b[2:])
		if l > math.MaxInt64 {
			return header{}, 0, protocolErrorf("64 bit payload length %#x has its most significant bit set", l)
		}
		h.payloadLength = int64(l)
	}

	if h.masked {
		copy(h.maskKey[:], b[n-4:n])
	}

	err := h.validate()
	if err != nil {
		return header{}, 0, err
	}
	return h, n, nil
}

func (h header) validate() error {
	if h.rsv1 || h.rsv2 || h.rsv3 {
		return protocolErrorf("frame has reserved bits set: %v:%v:%v", h.rsv1, h.rsv2, h.rsv3)
	}
	if !h.opcode.valid() {
		return protocolErrorf("frame has reserved opcode %v", h.opcode)
	}
	if h.opcode.Control() {
		if !h.fin {
			return protocolErrorf("fragmented %v frame", h.opcode)
		}
		if h.payloadLength > maxControlPayload {
			return protocolErrorf("%v frame payload length %v exceeds %v", h.opcode, h.payloadLength, maxControlPayload)
		}
	}
	return nil
}

// appendHeader appends the wire form of h to b using the
// minimal width length encoding.
func appendHeader(b []byte, h header) []byte {
	var b0 byte
	if h.fin {
		b0 |= 1 << 7
	}
	if h.rsv1 {
		b0 |= 1 << 6
	}
	if h.rsv2 {
		b0 |= 1 << 5
	}
	if h.rsv3 {
		b0 |= 1 << 4
	}
	b0 |= byte(h.opcode)

	var b1 byte
	if h.masked {
		b1 |= 1 << 7
	}

	switch {
	case h.payloadLength <= 125:
		b = append(b, b0, b1|byte(h.payloadLength))
	case h.payloadLength <= math.MaxUint16:
		b = append(b, b0, b1|126)
		b = binary.BigEndian.AppendUint16(b, uint16(h.payloadLength))
	default:
		b = append(b, b0, b1|127)
		b = binary.BigEndian.AppendUint64(b, uint64(h.payloadLength))
	}

	if h.masked {
		b = append(b, h.maskKey[:]...)
	}
	return b
}

// DecodeFrame decodes the frame at the front of b and returns it along
// with the number of bytes it occupied.
//
// ErrNeedMoreData is returned if b does not hold the entire frame yet.
// A *ProtocolError is returned for malformed frames.
//
// A masked payload is unmasked in place and f.Payload aliases b.
func DecodeFrame(b []byte) (f Frame, n int, err error) {
	h, n, err := parseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if int64(len(b)-n) < h.payloadLength {
		return Frame{}, 0, ErrNeedMoreData
	}

	end := n + int(h.payloadLength)
	f = Frame{
		Fin:     h.fin,
		Opcode:  h.opcode,
		Masked:  h.masked,
		MaskKey: h.maskKey,
		Payload: b[n:end:end],
	}
	if f.Masked {
		mask(maskKey32(f.MaskKey), f.Payload)
	}
	return f, end, nil
}

// AppendFrame appends the wire form of f to dst.
//
// ErrInvalidRole is returned if the masking of f does not match role.
// The mask key is taken from f.MaskKey; clients must supply an
// unpredictable key for every frame.
func AppendFrame(dst []byte, role Role, f Frame) ([]byte, error) {
	err := checkRole(role, f.Masked)
	if err != nil {
		return dst, err
	}

	h := header{
		fin:           f.Fin,
		opcode:        f.Opcode,
		masked:        f.Masked,
		maskKey:       f.MaskKey,
		payloadLength: int64(len(f.Payload)),
	}
	err = h.validate()
	if err != nil {
		return dst, err
	}

	dst = appendHeader(dst, h)
	i := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		mask(maskKey32(f.MaskKey), dst[i:])
	}
	return dst, nil
}

// EncodeFrame returns the wire form of f.
// See AppendFrame.
func EncodeFrame(role Role, f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, maxHeaderSize+len(f.Payload)), role, f)
}

// WriteFrame writes the wire form of f to w in a single Write.
// See AppendFrame.
func WriteFrame(w io.Writer, role Role, f Frame) error {
	b := pbytes.GetCap(maxHeaderSize + len(f.Payload))
	defer pbytes.Put(b)

	b, err := AppendFrame(b[:0], role, f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	if err != nil {
		return fmt.Errorf("failed to write %v frame: %w", f.Opcode, err)
	}
	return nil
}

func checkRole(role Role, masked bool) error {
	if role == RoleServer && masked {
		return fmt.Errorf("%w: server frames must not be masked", ErrInvalidRole)
	}
	if role == RoleClient && !masked {
		return fmt.Errorf("%w: client frames must be masked", ErrInvalidRole)
	}
	return nil
}
