package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDFParams tunes Argon2id.
type KDFParams struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultKDFParams returns interactive-strength Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 4, MemoryKiB: 64 * 1024, Threads: 2}
}

// Validate checks that the parameters are usable.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.MemoryKiB < 8*uint32(p.Threads) || p.Threads == 0 {
		return fmt.Errorf("invalid argon2id parameters: time=%d memory=%d threads=%d", p.Time, p.MemoryKiB, p.Threads)
	}
	return nil
}

// DeriveKey stretches passphrase into a KeySize key. It is deterministic for a
// given (passphrase, salt, params).
func DeriveKey(passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) == 0 {
		return nil, errors.New("empty salt")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Threads, KeySize), nil
}

const sessionKeyInfo = "peerchat session v1"

// DeriveSessionKey turns a raw ECDH output into an AEAD key with HKDF-SHA256.
func DeriveSessionKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("empty shared secret")
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
