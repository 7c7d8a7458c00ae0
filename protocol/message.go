package protocol

import (
	"fmt"
	"io"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
)

// Heartbeat is the body-less message written by keep-alive loops.
type Heartbeat struct{}

// TypeOf returns the frame type used to carry msg.
func TypeOf(msg any) (MsgType, error) {
	switch msg.(type) {
	case *message.Hello:
		return MsgTypeHello, nil
	case *message.InvocationRequest:
		return MsgTypeRequest, nil
	case *message.InvocationResponse:
		return MsgTypeResponse, nil
	case *message.RootRequest:
		return MsgTypeRoot, nil
	case *message.ReleaseRequest:
		return MsgTypeRelease, nil
	case Heartbeat, *Heartbeat:
		return MsgTypeHeartbeat, nil
	case *message.Goodbye:
		return MsgTypeGoodbye, nil
	}
	return 0, fmt.Errorf("protocol: no frame type for %T", msg)
}

// EncodeMessage serializes msg with c into a complete frame.
func EncodeMessage(c codec.Codec, msg any) ([]byte, error) {
	mt, err := TypeOf(msg)
	if err != nil {
		return nil, err
	}
	var body []byte
	if mt != MsgTypeHeartbeat {
		if body, err = c.Encode(msg); err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", mt, err)
		}
	}
	return Marshal(&Header{CodecType: c.Type(), MsgType: mt, BodyLen: uint32(len(body))}, body)
}

// DecodeMessage parses a complete frame into the message it carries.
func DecodeMessage(data []byte) (*Header, any, error) {
	h, body, err := Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	msg, err := decodeBody(h, body)
	if err != nil {
		return nil, nil, err
	}
	return h, msg, nil
}

// WriteMessage writes msg to w as one frame.
func WriteMessage(w io.Writer, c codec.Codec, msg any) error {
	frame, err := EncodeMessage(c, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame from r and decodes its body.
func ReadMessage(r io.Reader) (*Header, any, error) {
	h, body, err := Decode(r)
	if err != nil {
		return nil, nil, err
	}
	msg, err := decodeBody(h, body)
	if err != nil {
		return nil, nil, err
	}
	return h, msg, nil
}

func decodeBody(h *Header, body []byte) (any, error) {
	var msg any
	switch h.MsgType {
	case MsgTypeHello:
		msg = &message.Hello{}
	case MsgTypeRequest:
		msg = &message.InvocationRequest{}
	case MsgTypeResponse:
		msg = &message.InvocationResponse{}
	case MsgTypeRoot:
		msg = &message.RootRequest{}
	case MsgTypeRelease:
		msg = &message.ReleaseRequest{}
	case MsgTypeGoodbye:
		msg = &message.Goodbye{}
	case MsgTypeHeartbeat:
		if len(body) != 0 {
			return nil, edoerr.MalformedFrame("heartbeat with %d byte body", len(body))
		}
		return Heartbeat{}, nil
	default:
		return nil, edoerr.MalformedFrame("unsupported message type: %d", byte(h.MsgType))
	}

	c, err := codec.GetCodec(h.CodecType)
	if err != nil {
		return nil, edoerr.New(edoerr.KindMalformedFrame).Cause(err).Build()
	}
	if err := c.Decode(body, msg); err != nil {
		return nil, edoerr.New(edoerr.KindMalformedFrame).Detail("undecodable %s body", h.MsgType).Cause(err).Build()
	}
	return msg, nil
}
