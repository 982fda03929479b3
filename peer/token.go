package peer

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/transport"
)

// BundleSize is the length of an encoded token bundle:
// key id(8) ‖ peer address(32) ‖ secret(32) ‖ expiration(8, big-endian unix).
const BundleSize = transport.KeyIDSize + transport.AddressSize + crypto.KeySize + 8

// Token is a one-time bootstrap credential shared out of band. Both sides
// hold a copy: the initiator encrypts its HANDSHAKE with Secret and the
// responder uses KeyID to find the secret again.
type Token struct {
	KeyID       transport.KeyID   `json:"key_id"`
	PeerAddress transport.Address `json:"peer_address"`
	Secret      []byte            `json:"secret"`
	Expiration  time.Time         `json:"expiration"`
}

// NewToken creates a token with a random key id and secret, destined for
// addr and valid for ttl from now.
func NewToken(addr transport.Address, ttl time.Duration, now time.Time) (*Token, error) {
	t := &Token{
		PeerAddress: addr,
		Secret:      make([]byte, crypto.KeySize),
		Expiration:  now.Add(ttl).Truncate(time.Second),
	}
	if _, err := rand.Read(t.KeyID[:]); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	if _, err := rand.Read(t.Secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return t, nil
}

// TokenFromPassphrase derives the token secret from a passphrase, salted
// with the key id, so two users can pair by agreeing on a phrase.
func TokenFromPassphrase(keyID transport.KeyID, addr transport.Address, passphrase string, exp time.Time, params crypto.KDFParams) (*Token, error) {
	secret, err := crypto.DeriveKey([]byte(passphrase), keyID[:], params)
	if err != nil {
		return nil, fmt.Errorf("derive token secret: %w", err)
	}
	return &Token{
		KeyID:       keyID,
		PeerAddress: addr,
		Secret:      secret,
		Expiration:  exp.Truncate(time.Second),
	}, nil
}

// ValidAt reports whether the token can still be used at now.
func (t *Token) ValidAt(now time.Time) bool {
	return now.Before(t.Expiration)
}

// Bundle encodes the token for out-of-band transfer.
func (t *Token) Bundle() []byte {
	out := make([]byte, 0, BundleSize)
	out = append(out, t.KeyID[:]...)
	out = append(out, t.PeerAddress[:]...)
	out = append(out, t.Secret...)
	return binary.BigEndian.AppendUint64(out, uint64(t.Expiration.Unix()))
}

// String returns the hex form of the bundle.
func (t *Token) String() string {
	return hex.EncodeToString(t.Bundle())
}

// ParseBundle decodes a bundle produced by Bundle.
func ParseBundle(b []byte) (*Token, error) {
	if len(b) != BundleSize {
		return nil, fmt.Errorf("%w: bundle is %d bytes, want %d", ErrInvalidToken, len(b), BundleSize)
	}

	addrEnd := transport.KeyIDSize + transport.AddressSize
	secretEnd := addrEnd + crypto.KeySize

	t := &Token{
		Secret:     append([]byte(nil), b[addrEnd:secretEnd]...),
		Expiration: time.Unix(int64(binary.BigEndian.Uint64(b[secretEnd:])), 0),
	}
	copy(t.KeyID[:], b[:transport.KeyIDSize])
	copy(t.PeerAddress[:], b[transport.KeyIDSize:addrEnd])
	return t, nil
}

// ParseBundleString decodes the hex form produced by String.
func ParseBundleString(s string) (*Token, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return ParseBundle(raw)
}
