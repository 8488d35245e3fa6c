package digest

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zond/e3"

	goccy "github.com/goccy/go-json"
)

// Hashes travel as byte strings in the binary encoding and as hex strings in
// the text encoding, independently of how the codec would render a byte
// array.

func (h Hash) MarshalCBOR() ([]byte, error) {
	b, err := cbor.Marshal(h[:])
	return b, e3.WithStack(err)
}

func (h *Hash) UnmarshalCBOR(b []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return e3.WithStack(err)
	}
	if len(raw) != Size {
		return e3.Errf(e3.ObjectCorrupt, "hash of %d bytes", len(raw))
	}
	copy(h[:], raw)
	return nil
}

func (h Hash) MarshalJSON() ([]byte, error) {
	b, err := goccy.Marshal(h.String())
	return b, e3.WithStack(err)
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := goccy.Unmarshal(b, &s); err != nil {
		return e3.WithStack(err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
