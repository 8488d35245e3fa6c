package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"regexp"

	"github.com/zond/e3"
)

const (
	// Size is the byte length of a digest.
	Size = sha256.Size
	// HexLen is the length of the hex rendering of a digest.
	HexLen = 2 * Size
	// DirLen is the number of leading hex characters used as the object
	// directory name.
	DirLen = 2
)

// Hash is a SHA-256 digest over raw object bytes. Equality of Hash implies
// equality of bytes.
type Hash [Size]byte

// Empty is the digest of the zero-length input.
var Empty = Sum(nil)

var hexPattern = regexp.MustCompile(`[0-9a-f]{64}`)

func Sum(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Dir returns the leading hex characters naming the object directory.
func (h Hash) Dir() string {
	return h.String()[:DirLen]
}

// Rest returns the hex characters naming the object file inside its directory.
func (h Hash) Rest() string {
	return h.String()[DirLen:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Parse decodes a full 64-character lowercase hex digest.
func Parse(s string) (Hash, error) {
	if len(s) != HexLen {
		return Hash{}, e3.Errf(e3.ObjectNotFound, "%q is not a %d character hash", s, HexLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, e3.Errf(e3.ObjectNotFound, "%q is not valid hex", s)
	}
	return Hash(b), nil
}

// IsHex reports whether s consists solely of lowercase hex characters.
func IsHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return len(s) > 0
}

// Scan returns every 64-hex-character substring of b, decoded. Used by the
// conservative garbage collector marker: false positives retain garbage,
// never delete live objects.
func Scan(b []byte) []Hash {
	var result []Hash
	for _, m := range hexPattern.FindAll(b, -1) {
		h, err := Parse(string(m))
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result
}

// Hasher incrementally digests streamed bytes.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(b []byte) (int, error) {
	return h.h.Write(b)
}

func (h *Hasher) Sum() Hash {
	return Hash(h.h.Sum(nil))
}

// SumReader digests everything readable from r.
func SumReader(r io.Reader) (Hash, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, e3.WithStack(err)
	}
	return h.Sum(), nil
}

// InputsHash fingerprints an ordered input set: the hex renderings joined by
// NUL bytes, digested. The NUL separator is injection safe only because every
// element is a fixed-length hex string; Hash values guarantee that by
// construction, and the length is asserted again here to prevent drift.
func InputsHash(inputs []Hash) Hash {
	h := NewHasher()
	for i, in := range inputs {
		s := in.String()
		if len(s) != HexLen {
			panic("input hash with non-canonical rendering")
		}
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(s))
	}
	return h.Sum()
}
