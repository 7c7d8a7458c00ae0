package codec

import (
	"bytes"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotCanonical is returned by CBORCodec.Decode for a body that decodes but is not
// the deterministic encoding of what it decodes to.
var ErrNotCanonical = errors.New("cbor: body is not in canonical form")

// CBORCodec encodes with the core deterministic CBOR profile (RFC 8949 §4.2.1).
// Decode accepts only bodies in that form, so encoding a decoded body reproduces
// the original bytes. Struct fields are keyed by their json tags.
type CBORCodec struct {
	enc    cbor.EncMode
	dec    cbor.DecMode
	inline cbor.DecMode
}

var cborCodec = newCBORCodec()

func newCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	inline, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec, inline: inline}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return err
	}
	again, err := c.enc.Marshal(v)
	if err != nil {
		return err
	}
	if !bytes.Equal(again, data) {
		return ErrNotCanonical
	}
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

// Marshal encodes v with the shared CBOR codec. Inline pass-by-value objects use it
// regardless of the frame codec.
func Marshal(v any) ([]byte, error) {
	return cborCodec.Encode(v)
}

// Unmarshal decodes data produced by Marshal. Unlike Decode it does not insist on
// canonical form, since the target type may drop fields the sender had.
func Unmarshal(data []byte, v any) error {
	return cborCodec.inline.Unmarshal(data, v)
}
