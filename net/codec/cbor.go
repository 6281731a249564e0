package codec

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const NameCBOR = "cbor"

type cborEnvelope struct {
	Method string          `cbor:"1,keyasint,omitempty"`
	Params cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// CBOR encodes envelopes as a keyasint map, the same layout the rest of the project uses for stored values.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Name() string {
	return NameCBOR
}

func (c *CBOR) Encode(method string, params any) ([]byte, error) {
	if method == "" {
		return nil, ErrNoMethod
	}

	env := cborEnvelope{Method: method}
	if params != nil {
		raw, err := c.enc.Marshal(params)
		if err != nil {
			return nil, err
		}
		env.Params = raw
	}
	return c.enc.Marshal(&env)
}

func (c *CBOR) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Codec: NameCBOR, Err: ErrEmptyEnvelope}
	}

	var env cborEnvelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Codec: NameCBOR, Err: err}
	}
	if env.Method == "" {
		return nil, &DecodeError{Codec: NameCBOR, Err: ErrNoMethod}
	}
	if bytes.Equal(env.Params, []byte{0xf6}) { // CBOR null
		env.Params = nil
	}
	return &Envelope{Method: env.Method, Params: env.Params}, nil
}

func (c *CBOR) Unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return ErrParamsNotBound
	}
	if err := c.dec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("cbor params: %w", err)
	}
	return nil
}
