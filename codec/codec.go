// Package codec turns message structures into frame bodies and back.
//
// The codec byte travels in every frame header, so each side can decode what the other
// wrote. A host adopts the codec chosen by the client during the handshake.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

// Default is the codec used when none is configured.
const Default = CodecTypeCBOR

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t == CodecTypeJSON || t == CodecTypeCBOR
}

func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeCBOR:
		return cborCodec, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", byte(codecType))
}

// MustGetCodec is GetCodec for codec types known to be valid.
func MustGetCodec(codecType CodecType) Codec {
	c, err := GetCodec(codecType)
	if err != nil {
		panic(err)
	}
	return c
}
