// Package codec marshals a (method, params) pair to and from a single wire message.
//
// Two codecs are provided: JSON (the structured-text form, default) and CBOR.
// Params stay raw after Decode; a handler binds them into its own type with Unmarshal.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoMethod       = errors.New("envelope has no method")
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrEmptyEnvelope  = errors.New("empty envelope")
	ErrParamsNotBound = errors.New("envelope has no params")
)

// Envelope is a decoded wire message. Params holds the codec-specific raw encoding of the parameters.
type Envelope struct {
	Method string
	Params []byte
}

// DecodeError reports a frame that could not be decoded into an envelope.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s codec: decode envelope: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec converts envelopes to and from bytes.
type Codec interface {
	// Name identifies the codec in configuration and logs.
	Name() string

	// Encode marshals method and params into a single message.
	Encode(method string, params any) ([]byte, error)

	// Decode parses a message. The returned error is always a *DecodeError.
	Decode(data []byte) (*Envelope, error)

	// Unmarshal binds raw params produced by Decode into v.
	Unmarshal(raw []byte, v any) error
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return NewCBOR()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
