// Package frame implements the binary wire unit used for bulk stream data.
//
// Layout of one frame (one websocket binary message):
//
//	+--------+----------------------+-----------+
//	| 1 byte |      36 bytes        |  N bytes  |
//	|  type  | stream id (UTF-8)    |  payload  |
//	+--------+----------------------+-----------+
//
// The stream id is the canonical dashed UUID text, never repacked into raw
// bytes. There is no length field: the transport delimits frames.
package frame

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type identifies what a frame carries.
type Type byte

const (
	TypeData  Type = 0x01
	TypeClose Type = 0x02
)

const (
	StreamIDLen = 36
	HeaderLen   = 1 + StreamIDLen
	// MaxChunk is the largest payload the outbound read loop puts in one frame.
	MaxChunk = 256 * 1024
)

var (
	ErrStreamIDLength   = errors.New("frame: stream id must be 36 characters")
	ErrStreamIDEncoding = errors.New("frame: stream id must encode to 36 bytes")
)

// Frame is one decoded wire unit. Data aliases the decoded input.
type Frame struct {
	Type     Type
	StreamID string
	Data     []byte
}

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// CheckStreamID reports whether id fits the fixed-width header.
func CheckStreamID(id string) error {
	if n := utf8.RuneCountInString(id); n != StreamIDLen {
		return fmt.Errorf("%w: got %d", ErrStreamIDLength, n)
	}
	if len(id) != StreamIDLen {
		return fmt.Errorf("%w: got %d", ErrStreamIDEncoding, len(id))
	}
	return nil
}

// Encode builds a frame. data may be nil (close frames carry no payload).
func Encode(t Type, streamID string, data []byte) ([]byte, error) {
	if err := CheckStreamID(streamID); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(data))
	buf[0] = byte(t)
	copy(buf[1:HeaderLen], streamID)
	copy(buf[HeaderLen:], data)
	return buf, nil
}

// Decode parses b. ok is false when b is shorter than the header or the id
// region is not exactly 36 valid UTF-8 characters; no partial result is returned.
func Decode(b []byte) (f Frame, ok bool) {
	if len(b) < HeaderLen {
		return Frame{}, false
	}
	id := b[1:HeaderLen]
	if !utf8.Valid(id) || utf8.RuneCount(id) != StreamIDLen {
		return Frame{}, false
	}
	return Frame{Type: Type(b[0]), StreamID: string(id), Data: b[HeaderLen:]}, true
}
