package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// PrivateKeySize is the size of a P-256 private scalar in bytes.
	PrivateKeySize = 32
	// PublicKeySize is the size of a compressed P-256 point in bytes.
	PublicKeySize = 33
)

// ErrInvalidKey is returned when key material cannot be decoded.
var ErrInvalidKey = errors.New("invalid key")

// PrivateKey is a P-256 private scalar in big-endian form.
type PrivateKey []byte

// PublicKey is a compressed P-256 point.
type PublicKey []byte

// KeyPair holds a P-256 key pair in wire encoding.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// GenerateKeyPair creates a new random P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	priv := key.D.FillBytes(make([]byte, PrivateKeySize))
	pub := elliptic.MarshalCompressed(elliptic.P256(), key.X, key.Y)

	return &KeyPair{Private: priv, Public: pub}, nil
}

// PublicKey recomputes the compressed public key for a private scalar.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	sk, err := k.ecdsa()
	if err != nil {
		return nil, err
	}
	return elliptic.MarshalCompressed(elliptic.P256(), sk.X, sk.Y), nil
}

// ecdh converts the scalar into a crypto/ecdh key, validating its range.
func (k PrivateKey) ecdh() (*ecdh.PrivateKey, error) {
	if len(k) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(k), PrivateKeySize)
	}
	sk, err := ecdh.P256().NewPrivateKey(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return sk, nil
}

func (k PrivateKey) ecdsa() (*ecdsa.PrivateKey, error) {
	sk, err := k.ecdh()
	if err != nil {
		return nil, err
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), sk.PublicKey().Bytes())
	if x == nil {
		return nil, fmt.Errorf("%w: cannot derive public point", ErrInvalidKey)
	}

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         new(big.Int).SetBytes(k),
	}, nil
}

func (p PublicKey) point() (*big.Int, *big.Int, error) {
	if len(p) != PublicKeySize {
		return nil, nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(p), PublicKeySize)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), p)
	if x == nil {
		return nil, nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
	}
	return x, y, nil
}

func (p PublicKey) ecdsa() (*ecdsa.PublicKey, error) {
	x, y, err := p.point()
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func (p PublicKey) ecdh() (*ecdh.PublicKey, error) {
	x, y, err := p.point()
	if err != nil {
		return nil, err
	}
	pk, err := ecdh.P256().NewPublicKey(elliptic.Marshal(elliptic.P256(), x, y))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

// ValidatePublicKey reports whether p decodes to a point on P-256.
func ValidatePublicKey(p PublicKey) error {
	_, _, err := p.point()
	return err
}
