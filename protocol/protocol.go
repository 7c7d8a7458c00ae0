// Package protocol implements the length-prefixed frame used on every connection.
//
// A 4-byte big-endian length prefix lets the receiver reassemble frames from a byte
// stream. The length counts everything after the prefix: a fixed 6-byte header followed
// by the codec-encoded body.
//
// Frame format:
//
//	0         4      7  8  9  10
//	┌─────────┬──────┬──┬──┬──┬───────────────┐
//	│ length  │magic │v │ct│mt│    body ...    │
//	│ uint32  │ edo  │01│  │  │ length-6 bytes │
//	└─────────┴──────┴──┴──┴──┴───────────────┘
//
// Any inconsistency is reported as a MalformedFrame error, which the caller must treat
// as fatal to the connection: once a length field is wrong the stream cannot be resynced.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"edo/codec"
	"edo/edoerr"
)

// Magic bytes "edo". Used to reject connections that do not speak this protocol.
const (
	MagicNumber byte = 0x65 // 'e'
	MagicByte2  byte = 0x64 // 'd'
	MagicByte3  byte = 0x6f // 'o'
	Version     byte = 0x01

	LengthSize   = 4
	HeaderSize   = 6        // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType)
	MaxFrameSize = 64 << 20 // upper bound on the length field
)

// MsgType says which message the body holds.
type MsgType byte

const (
	MsgTypeHello     MsgType = 0 // handshake
	MsgTypeRequest   MsgType = 1 // InvocationRequest
	MsgTypeResponse  MsgType = 2 // InvocationResponse
	MsgTypeRoot      MsgType = 3 // RootRequest
	MsgTypeRelease   MsgType = 4 // ReleaseRequest
	MsgTypeHeartbeat MsgType = 5 // keep-alive probe (no body)
	MsgTypeGoodbye   MsgType = 6 // sender is closing on purpose
)

var msgTypeNames = [...]string{"hello", "request", "response", "root", "release", "heartbeat", "goodbye"}

func (t MsgType) String() string {
	if t.Valid() {
		return msgTypeNames[t]
	}
	return "unknown"
}

// Valid reports whether t is a known message type.
func (t MsgType) Valid() bool {
	return int(t) < len(msgTypeNames)
}

// Header is the fixed part of a frame.
type Header struct {
	CodecType codec.CodecType
	MsgType   MsgType
	BodyLen   uint32
}

// Marshal builds a complete frame (prefix + header + body) in one buffer.
func Marshal(h *Header, body []byte) ([]byte, error) {
	if HeaderSize+len(body) > MaxFrameSize {
		return nil, edoerr.MalformedFrame("body of %d bytes exceeds maximum frame size", len(body))
	}
	buf := make([]byte, LengthSize+HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(body)))
	buf[4], buf[5], buf[6] = MagicNumber, MagicByte2, MagicByte3
	buf[7] = Version
	buf[8] = byte(h.CodecType)
	buf[9] = byte(h.MsgType)
	copy(buf[10:], body)
	return buf, nil
}

// Encode writes a complete frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	frame, err := Marshal(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads one complete frame from r.
//
// io.EOF is returned unchanged when the stream ends cleanly between frames. A stream
// ending inside a frame, or any invalid field, yields a MalformedFrame error. Other read
// errors are returned as they are.
func Decode(r io.Reader) (*Header, []byte, error) {
	prefix := make([]byte, LengthSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, edoerr.MalformedFrame("truncated length prefix")
		}
		return nil, nil, err
	}

	length := binary.BigEndian.Uint32(prefix)
	if err := checkLength(length); err != nil {
		return nil, nil, err
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, nil, edoerr.MalformedFrame("truncated frame: want %d bytes", length)
		}
		return nil, nil, err
	}
	return parse(frame)
}

// Unmarshal parses a complete frame held in data. The length prefix must account for
// every byte of data.
func Unmarshal(data []byte) (*Header, []byte, error) {
	if len(data) < LengthSize {
		return nil, nil, edoerr.MalformedFrame("truncated length prefix")
	}
	length := binary.BigEndian.Uint32(data[:LengthSize])
	if err := checkLength(length); err != nil {
		return nil, nil, err
	}
	if rest := len(data) - LengthSize; uint32(rest) != length {
		return nil, nil, edoerr.MalformedFrame("length prefix says %d bytes, frame has %d", length, rest)
	}
	return parse(data[LengthSize:])
}

func checkLength(length uint32) error {
	if length < HeaderSize {
		return edoerr.MalformedFrame("length %d shorter than header", length)
	}
	if length > MaxFrameSize {
		return edoerr.MalformedFrame("length %d exceeds maximum frame size", length)
	}
	return nil
}

// parse validates the header of a frame stripped of its length prefix.
func parse(frame []byte) (*Header, []byte, error) {
	if frame[0] != MagicNumber || frame[1] != MagicByte2 || frame[2] != MagicByte3 {
		return nil, nil, edoerr.MalformedFrame("invalid magic number: %x", frame[0:3])
	}
	if frame[3] != Version {
		return nil, nil, edoerr.MalformedFrame("unsupported version: %d", frame[3])
	}
	ct := codec.CodecType(frame[4])
	if !ct.Valid() {
		return nil, nil, edoerr.MalformedFrame("unsupported codec type: %d", frame[4])
	}
	mt := MsgType(frame[5])
	if !mt.Valid() {
		return nil, nil, edoerr.MalformedFrame("unsupported message type: %d", frame[5])
	}
	body := frame[HeaderSize:]
	return &Header{CodecType: ct, MsgType: mt, BodyLen: uint32(len(body))}, body, nil
}
