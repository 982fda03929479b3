package crypto

import (
	"errors"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
)

const (
	// KeySize is the symmetric key size used for every AEAD operation.
	KeySize = 32
	// NonceSize is the size of the random nonce prepended to each ciphertext.
	NonceSize = 12
	// TagSize is the authentication tag appended by AES-GCM-SIV.
	TagSize = 16
	// Overhead is the total expansion of Encrypt over its input.
	Overhead = NonceSize + TagSize
)

// ErrDecryptionFailed is returned for any ciphertext that does not authenticate.
var ErrDecryptionFailed = errors.New("decryption failed")

// Encrypt seals plaintext under key with AES-GCM-SIV and no associated data.
// The result is nonce‖ciphertext‖tag with a fresh random nonce per call.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	aead, err := subtle.NewAESGCMSIV(key)
	if err != nil {
		return nil, err
	}
	return aead.Encrypt(plaintext, nil)
}

// Decrypt opens data produced by Encrypt. On failure no plaintext is returned.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(key) != KeySize || len(data) < Overhead {
		return nil, ErrDecryptionFailed
	}

	aead, err := subtle.NewAESGCMSIV(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Decrypt(data, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// NonceOf returns the nonce prefix of an Encrypt output, or nil if data is too short.
func NonceOf(data []byte) []byte {
	if len(data) < NonceSize {
		return nil
	}
	return data[:NonceSize]
}
