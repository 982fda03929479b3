// Package crypto implements the cryptographic primitives used by the peerchat
// protocol engine.
//
// Nothing in this package holds protocol state. Every function is a pure
// transformation over keys and byte slices, so the coordinators above it can
// be tested with real cryptography and no mocks.
//
// # Key Material
//
// Long-term and ephemeral keys live on NIST P-256. Private keys travel as
// 32-byte big-endian scalars and public keys as 33-byte compressed points,
// which is also their wire form:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(kp)
//
// # Signatures
//
// ECDSA over SHA-256 with a fixed 64-byte r‖s encoding. Verify fails closed and
// never returns an error:
//
//	sig, _ := crypto.Sign(kp.Private, message)
//	ok := crypto.Verify(kp.Public, sig, message)
//
// # Key Agreement
//
// SharedSecret returns the raw ECDH x-coordinate. DeriveSessionKey runs it
// through HKDF-SHA256 before it is used as an AEAD key.
//
// # Authenticated Encryption
//
// Encrypt seals with AES-256-GCM-SIV under a fresh random 12-byte nonce and
// returns nonce‖ciphertext. Decrypt returns ErrDecryptionFailed for any
// malformed or tampered input and never returns partial plaintext.
//
// # Passphrase Keys
//
// DeriveKey stretches a passphrase with Argon2id. Parameters are tunable via
// KDFParams; DefaultKDFParams is suitable for interactive use.
//
// # Replay Protection
//
// ReplayGuard remembers authenticated nonces until they expire so a captured
// datagram cannot be delivered twice.
package crypto
