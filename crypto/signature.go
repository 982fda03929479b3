package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// SignatureSize is the size of a raw r‖s P-256 signature.
const SignatureSize = 64

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// Sign produces a 64-byte ECDSA P-256/SHA-256 signature over message.
func Sign(privateKey PrivateKey, message []byte) ([]byte, error) {
	sk, err := privateKey.ecdsa()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, sk, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Malformed keys or signatures yield false.
func Verify(publicKey PublicKey, signature, message []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	pk, err := publicKey.ecdsa()
	if err != nil {
		return false
	}

	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	digest := sha256.Sum256(message)
	return ecdsa.Verify(pk, digest[:], r, s)
}
