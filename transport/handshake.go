package transport

import (
	"context"
	"net"
	"time"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
	"edo/protocol"
)

// ClientHandshake sends hello with c and waits for the peer's Hello.
func ClientHandshake(ctx context.Context, nc net.Conn, c codec.Codec, hello message.Hello) (message.Hello, error) {
	defer deadline(ctx, nc)()

	if err := protocol.WriteMessage(nc, c, &hello); err != nil {
		return message.Hello{}, edoerr.Unreachable(err, "send hello")
	}
	return readHello(nc)
}

// ServerHandshake waits for the client's Hello and answers with hello, encoded with
// the codec the client chose. It returns that codec and the client's Hello.
func ServerHandshake(ctx context.Context, nc net.Conn, hello message.Hello) (codec.Codec, message.Hello, error) {
	defer deadline(ctx, nc)()

	h, msg, err := protocol.ReadMessage(nc)
	if err != nil {
		return nil, message.Hello{}, handshakeError(err)
	}
	peer, ok := msg.(*message.Hello)
	if !ok {
		return nil, message.Hello{}, edoerr.MalformedFrame("expected hello, got %s", h.MsgType)
	}

	c, err := codec.GetCodec(h.CodecType)
	if err != nil {
		return nil, message.Hello{}, err
	}
	if err := protocol.WriteMessage(nc, c, &hello); err != nil {
		return nil, message.Hello{}, edoerr.Unreachable(err, "send hello")
	}
	return c, *peer, nil
}

func readHello(nc net.Conn) (message.Hello, error) {
	h, msg, err := protocol.ReadMessage(nc)
	if err != nil {
		return message.Hello{}, handshakeError(err)
	}
	peer, ok := msg.(*message.Hello)
	if !ok {
		return message.Hello{}, edoerr.MalformedFrame("expected hello, got %s", h.MsgType)
	}
	return *peer, nil
}

func handshakeError(err error) error {
	if edoerr.KindOf(err) != "" {
		return err
	}
	return edoerr.Unreachable(err, "handshake")
}

// deadline applies ctx's deadline to nc and returns the func that clears it.
func deadline(ctx context.Context, nc net.Conn) func() {
	d, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = nc.SetDeadline(d)
	return func() { _ = nc.SetDeadline(time.Time{}) }
}
