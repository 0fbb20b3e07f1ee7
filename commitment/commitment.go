package commitment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Size is the byte length of both a digest and a preimage.
const Size = 32

// Digest is the hash commitment an escrow is bound to.
type Digest [Size]byte

// Preimage is the secret whose digest equals a commitment.
type Preimage [Size]byte

// Hasher computes the commitment of a preimage. A deployment uses a single
// Hasher for create, claim and refund.
type Hasher interface {
	Sum(p Preimage) Digest
	Name() string
}

const (
	NameSHA256    = "sha256"
	NameKeccak256 = "keccak256"
)

type sha256Hasher struct{}

func (sha256Hasher) Sum(p Preimage) Digest { return Digest(sha256.Sum256(p[:])) }
func (sha256Hasher) Name() string          { return NameSHA256 }

type keccak256Hasher struct{}

func (keccak256Hasher) Sum(p Preimage) Digest {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(p[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

func (keccak256Hasher) Name() string { return NameKeccak256 }

var (
	// SHA256 is the default hasher.
	SHA256 Hasher = sha256Hasher{}
	// Keccak256 matches the EVM keccak256 opcode.
	Keccak256 Hasher = keccak256Hasher{}
)

// HasherByName resolves a hasher from its configured name. An empty name
// selects SHA256.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameSHA256:
		return SHA256, nil
	case NameKeccak256:
		return Keccak256, nil
	default:
		return nil, fmt.Errorf("unknown digest function %q", name)
	}
}

// Verify reports whether p hashes to d under h.
func Verify(h Hasher, p Preimage, d Digest) bool {
	sum := h.Sum(p)
	return subtle.ConstantTimeCompare(sum[:], d[:]) == 1
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d[:])), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	return decodeFixed(d[:], string(text), "digest")
}

func (p Preimage) String() string { return hex.EncodeToString(p[:]) }

func (p Preimage) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

func (p *Preimage) UnmarshalText(text []byte) error {
	return decodeFixed(p[:], string(text), "preimage")
}

// ParseDigest decodes a hex digest, with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := decodeFixed(d[:], s, "digest")
	return d, err
}

// ParsePreimage decodes a hex preimage, with or without a 0x prefix.
func ParsePreimage(s string) (Preimage, error) {
	var p Preimage
	err := decodeFixed(p[:], s, "preimage")
	return p, err
}

func decodeFixed(dst []byte, s, what string) error {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*len(dst) {
		return fmt.Errorf("%s must be %d hex characters, got %d", what, 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("invalid %s hex: %w", what, err)
	}
	return nil
}
