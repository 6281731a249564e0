// Package oid implements the opaque identity tokens used on the wire: peer ids, hub ids and liveness epochs.
package oid

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypePeer  = 0x01 // Identity of a peer process. Generated once at startup.
	OidTypeHub   = 0x02 // Identity of a hub process. Generated once at startup.
	OidTypeEpoch = 0x03 // Liveness epoch. Regenerated by the hub on every probe cycle.

	OidPaddingByte = 0xAA

	oidLength = 35
)

var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")

// Byte structure of an OID is as follows <version:1><padding:1><type:1><random:32>
// Raw bytes are encoded by Base32

// Oid holds the string representation of a token together with its cached type and binary form.
// The zero Oid is a valid value meaning "no token"; it compares equal only to itself.
// Oid is comparable and can be used as a map key.
type Oid struct {
	b [oidLength]byte
	t OidType
	s string
}

func (o Oid) String() string {
	return o.s
}

func (o Oid) Type() OidType {
	return o.t
}

func (o Oid) IsZero() bool {
	return o.s == ""
}

// Short returns an abbreviated form for log output.
func (o Oid) Short() string {
	if len(o.s) <= 12 {
		return o.s
	}
	return o.s[len(o.s)-12:]
}

func (o Oid) MarshalBinary() ([]byte, error) {
	if o.IsZero() {
		return []byte{}, nil
	}
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*o = Oid{}
		return nil
	}

	switch data[0] {
	case OidVersionV01:
		if len(data) != oidLength {
			return ErrorInvalidOidString
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidString
		}
		o.t = OidType(data[2])
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.s)
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func Encode(t OidType, random [32]byte) Oid {
	oidbytes := make([]byte, 0, oidLength)

	// Add version and type
	oidbytes = append(oidbytes, byte(OidVersionV01))
	oidbytes = append(oidbytes, OidPaddingByte)
	oidbytes = append(oidbytes, byte(t))
	oidbytes = append(oidbytes, random[:]...)

	o := Oid{
		t: t,
		s: base32.StdEncoding.EncodeToString(oidbytes),
	}
	copy(o.b[:], oidbytes)
	return o
}

// FromString parses the textual form. An empty string yields the zero Oid.
func FromString(s string) (Oid, error) {
	if s == "" {
		return Oid{}, nil
	}

	oidBytes, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return Oid{}, ErrorInvalidOidString
	}

	var o Oid
	if err := o.UnmarshalBinary(oidBytes); err != nil {
		return Oid{}, err
	}
	return o, nil
}

func FromStringMustParse(s string) Oid {
	o, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse OID: %v", err)
	}
	return o
}

func Random(t OidType) (Oid, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Oid{}, err
	}
	return Encode(t, buf), nil
}

// Generator produces fresh tokens of a given type.
type Generator interface {
	New(t OidType) (Oid, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(t OidType) (Oid, error)

func (f GeneratorFunc) New(t OidType) (Oid, error) {
	return f(t)
}

// RandomGenerator draws tokens from crypto/rand.
var RandomGenerator Generator = GeneratorFunc(Random)
