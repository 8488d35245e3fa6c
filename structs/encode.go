package structs

import (
	"bytes"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zond/e3"

	goccy "github.com/goccy/go-json"
)

// The binary object encoding is canonical CBOR: map keys sorted, integers in
// their shortest widths, definite lengths only. Identical logical objects
// therefore produce identical bytes and identical hashes across releases.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		log.Panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}).DecMode(); err != nil {
		log.Panic(err)
	}
}

// Marshal encodes v into canonical binary form.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, e3.WithStack(err)
	}
	return b, nil
}

// Unmarshal decodes canonical binary bytes into v.
func Unmarshal(b []byte, v any) error {
	return e3.WithStack(decMode.Unmarshal(b, v))
}

// Canonical reports whether b is the canonical encoding of the value it
// decodes into, by re-encoding and comparing. Verifying decoders reject
// non-canonical bytes, since they would silently alias another hash.
func Canonical[T any](b []byte) (*T, bool, error) {
	v := new(T)
	if err := Unmarshal(b, v); err != nil {
		return nil, false, err
	}
	again, err := Marshal(v)
	if err != nil {
		return nil, false, err
	}
	return v, bytes.Equal(b, again), nil
}

// MarshalText encodes v into the human-readable text object form.
func MarshalText(v any) ([]byte, error) {
	b, err := goccy.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, e3.WithStack(err)
	}
	return append(b, '\n'), nil
}

// UnmarshalText decodes the text object form into v.
func UnmarshalText(b []byte, v any) error {
	return e3.WithStack(goccy.Unmarshal(b, v))
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", e3.WithStack(err)
	}
	return id.String(), nil
}
