package codec

import (
	"bytes"
	"testing"

	"edo/message"

	"github.com/stretchr/testify/require"
)

func sampleRequest() *message.InvocationRequest {
	return &message.InvocationRequest{
		CorrelationID: 42,
		Target:        message.ObjectHandle{ProcessOriginID: 0xfeedface, LocalID: 7, TypeDescriptor: "*app.Calculator"},
		Selector:      "add",
		Arguments: []message.Value{
			message.Int(-2),
			message.Uint(1 << 63),
			message.Float(0.5),
			message.String("x"),
			message.Bytes([]byte{0, 1, 2}),
			message.Bool(true),
			message.Handle(message.ObjectHandle{ProcessOriginID: 9, LocalID: 3}),
			message.Inline("app.Point", []byte{0xa2, 0x61, 0x78}),
			message.Nil(),
		},
	}
}

func TestCodecsRoundTripRequest(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			c, err := GetCodec(ct)
			require.NoError(t, err)
			require.Equal(t, ct, c.Type())

			original := sampleRequest()
			data, err := c.Encode(original)
			require.NoError(t, err)

			var decoded message.InvocationRequest
			require.NoError(t, c.Decode(data, &decoded))
			require.Equal(t, *original, decoded)

			// Re-encoding the decoded body must reproduce the same bytes.
			again, err := c.Encode(&decoded)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, again))
		})
	}
}

func TestCodecsRoundTripResponse(t *testing.T) {
	result := message.String("5")
	responses := []*message.InvocationResponse{
		{CorrelationID: 1, Result: &result},
		{CorrelationID: 2, Error: &message.RemoteError{Kind: "invocation_failed", Message: "boom", Trace: []string{"a", "b"}}},
	}
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		c := MustGetCodec(ct)
		for _, resp := range responses {
			data, err := c.Encode(resp)
			require.NoError(t, err)

			var decoded message.InvocationResponse
			require.NoError(t, c.Decode(data, &decoded))
			require.Equal(t, *resp, decoded)
		}
	}
}

func TestGetCodecUnknown(t *testing.T) {
	_, err := GetCodec(CodecType(9))
	require.Error(t, err)
	require.False(t, CodecType(9).Valid())
}

func TestInlineMarshal(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	data, err := Marshal(point{X: 1, Y: 2})
	require.NoError(t, err)

	var p point
	require.NoError(t, Unmarshal(data, &p))
	require.Equal(t, point{X: 1, Y: 2}, p)
}

// RootRequest{CorrelationID: 5, Name: "a"} in canonical form is
// a2 63 "cid" 05 64 "name" 61 "a".
var (
	cid  = []byte{0x63, 'c', 'i', 'd'}
	name = []byte{0x64, 'n', 'a', 'm', 'e', 0x61, 'a'}
)

func cborBody(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestCBORDecodeCanonical(t *testing.T) {
	c := MustGetCodec(CodecTypeCBOR)
	body := cborBody([]byte{0xa2}, cid, []byte{0x05}, name)

	var req message.RootRequest
	require.NoError(t, c.Decode(body, &req))
	require.Equal(t, message.RootRequest{CorrelationID: 5, Name: "a"}, req)

	again, err := c.Encode(&req)
	require.NoError(t, err)
	require.Equal(t, body, again)
}

func TestCBORDecodeRejectsNonCanonical(t *testing.T) {
	c := MustGetCodec(CodecTypeCBOR)
	cases := map[string][]byte{
		"unsorted keys":     cborBody([]byte{0xa2}, name, cid, []byte{0x05}),
		"long integer":      cborBody([]byte{0xa2}, cid, []byte{0x18, 0x05}, name),
		"duplicate key":     cborBody([]byte{0xa3}, cid, []byte{0x05}, cid, []byte{0x06}, name),
		"indefinite length": cborBody([]byte{0xbf}, cid, []byte{0x05}, name, []byte{0xff}),
		"tagged value":      cborBody([]byte{0xa2}, cid, []byte{0xc1, 0x05}, name),
	}
	for desc, body := range cases {
		t.Run(desc, func(t *testing.T) {
			var req message.RootRequest
			require.Error(t, c.Decode(body, &req))
		})
	}
}

func TestInlineUnmarshalIsLenient(t *testing.T) {
	var req message.RootRequest
	require.NoError(t, Unmarshal(cborBody([]byte{0xa2}, name, cid, []byte{0x18, 0x05}), &req))
	require.Equal(t, message.RootRequest{CorrelationID: 5, Name: "a"}, req)
}

func benchmarkCodec(b *testing.B, t CodecType) {
	cdc := MustGetCodec(t)
	msg := sampleRequest()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.InvocationRequest
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) { benchmarkCodec(b, CodecTypeJSON) }

func BenchmarkCodecCBOR(b *testing.B) { benchmarkCodec(b, CodecTypeCBOR) }
