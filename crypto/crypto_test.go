package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastKDF keeps Argon2id cheap in tests.
var fastKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func TestGenerateKeyPairSizes(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.Len(t, kp.Private, PrivateKeySize)
	assert.Len(t, kp.Public, PublicKeySize)
	assert.Contains(t, []byte{0x02, 0x03}, kp.Public[0], "compressed point prefix")
	assert.NoError(t, ValidatePublicKey(kp.Public))

	derived, err := kp.Private.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived)
}

func TestValidatePublicKeyRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		key  PublicKey
	}{
		{"nil", nil},
		{"short", make(PublicKey, 32)},
		{"bad prefix", append([]byte{0x05}, make([]byte, 32)...)},
		{"not on curve", append([]byte{0x02}, bytes.Repeat([]byte{0xff}, 32)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidatePublicKey(tt.key), ErrInvalidKey)
		})
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("address||ephemeral")
	sig, err := Sign(kp.Private, message)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize)

	assert.True(t, Verify(kp.Public, sig, message))

	t.Run("every message bit flip fails", func(t *testing.T) {
		for i := 0; i < len(message)*8; i++ {
			mutated := bytes.Clone(message)
			mutated[i/8] ^= 1 << (i % 8)
			assert.False(t, Verify(kp.Public, sig, mutated), "bit %d", i)
		}
	})

	t.Run("every signature bit flip fails", func(t *testing.T) {
		for i := 0; i < len(sig)*8; i++ {
			mutated := bytes.Clone(sig)
			mutated[i/8] ^= 1 << (i % 8)
			assert.False(t, Verify(kp.Public, mutated, message), "bit %d", i)
		}
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other, err := GenerateKeyPair()
		require.NoError(t, err)
		assert.False(t, Verify(other.Public, sig, message))
	})

	t.Run("malformed input fails closed", func(t *testing.T) {
		assert.False(t, Verify(kp.Public, sig[:63], message))
		assert.False(t, Verify(nil, sig, message))
		assert.False(t, Verify(kp.Public, make([]byte, SignatureSize), message))
	})
}

func TestSignRejectsBadPrivateKey(t *testing.T) {
	_, err := Sign(PrivateKey{1, 2, 3}, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Sign(make(PrivateKey, PrivateKeySize), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey, "zero scalar is out of range")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)

	for _, plaintext := range [][]byte{{}, []byte("hello"), bytes.Repeat([]byte("x"), 4096)} {
		sealed, err := Encrypt(key, plaintext)
		require.NoError(t, err)
		assert.Len(t, sealed, len(plaintext)+Overhead)

		opened, err := Decrypt(key, sealed)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext), len(opened))
		assert.True(t, bytes.Equal(plaintext, opened))
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)

	a, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, NonceOf(a), NonceOf(b))
	assert.NotEqual(t, a, b)
}

func TestDecryptFailures(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	sealed, err := Encrypt(key, []byte("attack at dawn"))
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		other := bytes.Repeat([]byte{0x08}, KeySize)
		out, err := Decrypt(other, sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.Nil(t, out)
	})

	t.Run("tampered byte", func(t *testing.T) {
		for i := range sealed {
			mutated := bytes.Clone(sealed)
			mutated[i] ^= 0x80
			out, err := Decrypt(key, mutated)
			assert.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
			assert.Nil(t, out)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decrypt(key, sealed[:Overhead-1])
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("bad key size", func(t *testing.T) {
		_, err := Decrypt(key[:16], sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		_, err = Encrypt(key[:16], []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestSharedSecretCommutes(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(a.Private, b.Public)
	require.NoError(t, err)
	ba, err := SharedSecret(b.Private, a.Public)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Len(t, ab, 32)

	c, err := GenerateKeyPair()
	require.NoError(t, err)
	ac, err := SharedSecret(a.Private, c.Public)
	require.NoError(t, err)
	assert.NotEqual(t, ab, ac)
}

func TestSharedSecretRejectsInvalidPoint(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SharedSecret(a.Private, make(PublicKey, PublicKeySize))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveSessionKey(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, 32)

	k1, err := DeriveSessionKey(secret)
	require.NoError(t, err)
	k2, err := DeriveSessionKey(secret)
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, secret, k1)

	_, err = DeriveSessionKey(nil)
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("01234567")

	k1, err := DeriveKey([]byte("correct horse"), salt, fastKDF)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("correct horse"), salt, fastKDF)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2, "deterministic for the same passphrase and salt")

	k3, err := DeriveKey([]byte("correct horse"), []byte("76543210"), fastKDF)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := DeriveKey([]byte("battery staple"), salt, fastKDF)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	_, err = DeriveKey(nil, salt, fastKDF)
	assert.Error(t, err)
	_, err = DeriveKey([]byte("x"), nil, fastKDF)
	assert.Error(t, err)
	_, err = DeriveKey([]byte("x"), salt, KDFParams{})
	assert.Error(t, err)
}

func TestSecureWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, make([]byte, PrivateKeySize), []byte(kp.Private))
	assert.Len(t, kp.Public, PublicKeySize)

	assert.Error(t, SecureWipe(nil))
	assert.Error(t, WipeKeyPair(nil))
}
