// Package wire contains the framing used to carry exchanges over a single
// duplex byte stream.
//
// Every frame is self-delimiting:
//
//	+--------+------+----------+-------------+----------+---------+
//	| LENGTH | TYPE | STREAMID | METADATALEN | METADATA | PAYLOAD |
//	+--------+------+----------+-------------+----------+---------+
//	|   4    |  1   |    4     |      2      | Var      | Var     |
//	+--------+------+----------+-------------+----------+---------+
//
// LENGTH counts every byte that follows it. All integers are big-endian.
// Metadata is only present on SETUP and REQUEST frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// StreamID identifies an exchange within one connection. Stream zero refers to
// the connection itself.
type StreamID uint32

// MaxStreamID is the largest stream ID that may appear on the wire.
const MaxStreamID StreamID = math.MaxInt32

// Type is the kind of a frame.
type Type uint8

const (
	TypeSetup    Type = 0x01
	TypeRequest  Type = 0x02
	TypePayload  Type = 0x03
	TypeComplete Type = 0x04
	TypeCancel   Type = 0x05
	TypeError    Type = 0x06
	// TypeRequestN carries a demand signal: the payload is a 4-byte count of
	// additional items the sender is willing to receive.
	TypeRequestN Type = 0x07
)

var typeNames = map[Type]string{
	TypeSetup:    "SETUP",
	TypeRequest:  "REQUEST",
	TypePayload:  "PAYLOAD",
	TypeComplete: "COMPLETE",
	TypeCancel:   "CANCEL",
	TypeError:    "ERROR",
	TypeRequestN: "REQUEST_N",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// HasMetadata reports whether frames of this type may carry metadata.
func (t Type) HasMetadata() bool {
	return t == TypeSetup || t == TypeRequest
}

const (
	lengthSize = 4
	// type + stream ID + metadata length
	headerSize = 1 + 4 + 2

	// MaxMetadataSize is the largest metadata block a frame can carry.
	MaxMetadataSize = math.MaxUint16
	// DefaultMaxFrameSize bounds the LENGTH field accepted by decoders.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// ErrMalformedFrame is returned when bytes read from the transport cannot be
// decoded into a frame. It is fatal to the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one unit of transmission. Frames are treated as immutable once
// constructed.
type Frame struct {
	StreamID StreamID
	Type     Type
	Metadata []byte
	Payload  []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[stream=%d metadata=%d payload=%d]", f.Type, f.StreamID, len(f.Metadata), len(f.Payload))
}

// Size returns the number of bytes the encoded frame occupies.
func (f Frame) Size() int {
	return lengthSize + headerSize + len(f.Metadata) + len(f.Payload)
}

func (f Frame) validate() error {
	if !f.Type.Valid() {
		return fmt.Errorf("invalid frame type %s", f.Type)
	}
	if f.StreamID > MaxStreamID {
		return fmt.Errorf("stream ID %d out of range", f.StreamID)
	}
	if len(f.Metadata) > 0 && !f.Type.HasMetadata() {
		return fmt.Errorf("%s frame cannot carry metadata", f.Type)
	}
	if len(f.Metadata) > MaxMetadataSize {
		return fmt.Errorf("metadata is too large: %d bytes > maximum %d bytes", len(f.Metadata), MaxMetadataSize)
	}
	if int64(f.Size())-lengthSize > math.MaxUint32 {
		return fmt.Errorf("frame is too large: %d bytes", f.Size())
	}
	return nil
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Size()-lengthSize))
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.StreamID))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Metadata)))
	dst = append(dst, f.Metadata...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// Encode returns the wire representation of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// Decode parses exactly one frame from b. The returned frame does not alias b.
func Decode(b []byte) (Frame, error) {
	if len(b) < lengthSize {
		return Frame{}, fmt.Errorf("%w: truncated length prefix (%d bytes)", ErrMalformedFrame, len(b))
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) != uint64(len(b)-lengthSize) {
		return Frame{}, fmt.Errorf("%w: length prefix %d does not match %d available bytes", ErrMalformedFrame, n, len(b)-lengthSize)
	}
	return decodeBody(b[lengthSize:])
}

// decodeBody parses everything that follows the length prefix.
func decodeBody(body []byte) (Frame, error) {
	if len(body) < headerSize {
		return Frame{}, fmt.Errorf("%w: frame body of %d bytes is shorter than header", ErrMalformedFrame, len(body))
	}
	f := Frame{
		Type:     Type(body[0]),
		StreamID: StreamID(binary.BigEndian.Uint32(body[1:5])),
	}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown frame type %s", ErrMalformedFrame, f.Type)
	}
	if f.StreamID > MaxStreamID {
		return Frame{}, fmt.Errorf("%w: stream ID %d out of range", ErrMalformedFrame, f.StreamID)
	}
	mdLen := int(binary.BigEndian.Uint16(body[5:7]))
	rest := body[headerSize:]
	if mdLen > len(rest) {
		return Frame{}, fmt.Errorf("%w: metadata length %d exceeds remaining %d bytes", ErrMalformedFrame, mdLen, len(rest))
	}
	if mdLen > 0 && !f.Type.HasMetadata() {
		return Frame{}, fmt.Errorf("%w: %s frame carries metadata", ErrMalformedFrame, f.Type)
	}
	if mdLen > 0 {
		f.Metadata = append([]byte(nil), rest[:mdLen]...)
	}
	if len(rest) > mdLen {
		f.Payload = append([]byte(nil), rest[mdLen:]...)
	}
	return f, nil
}
