package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AddressSize is the fixed width of a protocol address on the wire.
const AddressSize = 32

// Address identifies a node. It is the routing key for datagrams and the value
// signed during session-key exchange, so it has a protocol-fixed width.
type Address [AddressSize]byte

// NewAddress returns a random address.
func NewAddress() (Address, error) {
	var a Address
	if _, err := rand.Read(a[:]); err != nil {
		return Address{}, fmt.Errorf("generate address: %w", err)
	}
	return a, nil
}

// DeriveAddress hashes seed into an address.
func DeriveAddress(seed []byte) Address {
	return Address(sha256.Sum256(seed))
}

// ParseAddress decodes the hex form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != AddressSize {
		return Address{}, fmt.Errorf("parse address: got %d bytes, want %d", len(raw), AddressSize)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// AddressFromBytes copies b into an Address. b must be AddressSize long.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("%w: address is %d bytes", ErrMalformedPacket, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// String returns the full hex encoding.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns an 8-character prefix suitable for logs.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
