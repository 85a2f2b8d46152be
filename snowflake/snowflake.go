// Package snowflake generates time-ordered 8-byte identifiers.
//
// An ID packs a 44-bit millisecond Unix timestamp into its high bits and a
// 20-bit random salt into its low bits, big-endian. IDs minted in strictly
// increasing milliseconds compare as strictly increasing unsigned integers.
// Two IDs minted in the same millisecond are ordered only by their salt and
// collide with probability 2^-20; callers that need hard uniqueness must
// enforce it at the storage layer.
package snowflake

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/trickstertwo/xclock"
)

const (
	// Size is the encoded length of an ID in bytes.
	Size = 8

	saltBits      = 20
	timestampBits = 64 - saltBits
	saltMask      = 1<<saltBits - 1
	timestampMask = 1<<timestampBits - 1
)

// ErrInvalidToken is returned when a public token is not a base64url encoded ID.
var ErrInvalidToken = errors.New("snowflake: invalid token")

// ID is a snowflake identifier. The array form keeps it comparable so it can key maps.
type ID [Size]byte

// Entropy supplies the random salt. Implementations must be safe for concurrent use.
type Entropy interface {
	Uint32() uint32
}

// EntropyFunc adapts a plain function to Entropy.
type EntropyFunc func() uint32

func (f EntropyFunc) Uint32() uint32 { return f() }

// ProcessEntropy draws from the process-wide math/rand/v2 source.
var ProcessEntropy Entropy = EntropyFunc(rand.Uint32)

// Generator mints IDs. The zero value is not usable; use NewGenerator.
type Generator struct {
	entropy Entropy
	clock   xclock.Clock
}

// NewGenerator returns a Generator. Nil arguments select the process entropy and default clock.
func NewGenerator(e Entropy, c xclock.Clock) *Generator {
	if e == nil {
		e = ProcessEntropy
	}
	if c == nil {
		c = xclock.Default()
	}
	return &Generator{entropy: e, clock: c}
}

// Generate mints an ID for t, flooring t to the millisecond.
func (g *Generator) Generate(t time.Time) ID {
	ms := uint64(t.UnixMilli()) & timestampMask
	salt := uint64(g.entropy.Uint32()) & saltMask

	var id ID
	binary.BigEndian.PutUint64(id[:], ms<<saltBits|salt)
	return id
}

// Now mints an ID for the generator clock's current time.
func (g *Generator) Now() ID {
	return g.Generate(g.clock.Now())
}

// Generate mints an ID with the process entropy.
func Generate(t time.Time) ID {
	return defaultGenerator.Generate(t)
}

var defaultGenerator = &Generator{entropy: ProcessEntropy}

// FromBytes copies an 8-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("snowflake: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseToken decodes the public base64url (unpadded) form of an ID.
func ParseToken(s string) (ID, error) {
	var id ID
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("%w: decoded %d bytes", ErrInvalidToken, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) Uint64() uint64 { return binary.BigEndian.Uint64(id[:]) }

// Millis returns the embedded millisecond timestamp.
func (id ID) Millis() uint64 { return id.Uint64() >> saltBits }

// Time returns the embedded timestamp in UTC.
func (id ID) Time() time.Time { return time.UnixMilli(int64(id.Millis())).UTC() }

func (id ID) Salt() uint32 { return uint32(id.Uint64() & saltMask) }

// Bytes returns a copy of the raw identifier.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// Token renders the ID as unpadded base64url.
func (id ID) Token() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

func (id ID) String() string { return id.Token() }

func (id ID) IsZero() bool { return id == ID{} }

// Compare orders IDs as unsigned big-endian integers.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }
