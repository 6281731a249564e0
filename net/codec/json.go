package codec

import (
	"bytes"
	"encoding/json"
)

const NameJSON = "json"

var jsonNull = []byte("null")

type jsonEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSON encodes envelopes as {"method": ..., "params": ...}.
type JSON struct{}

func (JSON) Name() string {
	return NameJSON
}

func (JSON) Encode(method string, params any) ([]byte, error) {
	if method == "" {
		return nil, ErrNoMethod
	}

	env := jsonEnvelope{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		env.Params = raw
	}
	return json.Marshal(&env)
}

func (JSON) Decode(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DecodeError{Codec: NameJSON, Err: ErrEmptyEnvelope}
	}

	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Codec: NameJSON, Err: err}
	}
	if env.Method == "" {
		return nil, &DecodeError{Codec: NameJSON, Err: ErrNoMethod}
	}
	if bytes.Equal(env.Params, jsonNull) {
		env.Params = nil
	}
	return &Envelope{Method: env.Method, Params: env.Params}, nil
}

func (JSON) Unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return ErrParamsNotBound
	}
	return json.Unmarshal(raw, v)
}
