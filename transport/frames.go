package transport

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/peerchat/crypto"
)

// KeyIDSize is the width of a bootstrap token identifier.
const KeyIDSize = 8

// KeyID names a bootstrap token. It travels in the clear on HANDSHAKE
// datagrams so the receiver can find the matching secret.
type KeyID [KeyIDSize]byte

// String returns the hex form of the key id.
func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKeyID decodes the hex form produced by KeyID.String.
func ParseKeyID(s string) (KeyID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyID{}, fmt.Errorf("parse key id: %w", err)
	}
	if len(raw) != KeyIDSize {
		return KeyID{}, fmt.Errorf("parse key id: got %d bytes, want %d", len(raw), KeyIDSize)
	}
	var k KeyID
	copy(k[:], raw)
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyID) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyID) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyID(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ExchangeFrameSize is the exact payload length of an EXCHANGE datagram.
const ExchangeFrameSize = crypto.SignatureSize + AddressSize + crypto.PublicKeySize

// MessageFrame is the payload of a MESSAGE datagram:
// sender address ‖ AEAD(session key, signature ‖ plaintext).
type MessageFrame struct {
	Sender     Address
	Ciphertext []byte
}

// Encode returns the full MESSAGE datagram including its tag.
func (f *MessageFrame) Encode() []byte {
	out := make([]byte, 0, 1+AddressSize+len(f.Ciphertext))
	out = append(out, byte(PacketMessage))
	out = append(out, f.Sender[:]...)
	return append(out, f.Ciphertext...)
}

// DecodeMessageFrame parses a MESSAGE payload (tag already stripped).
func DecodeMessageFrame(payload []byte) (*MessageFrame, error) {
	if len(payload) < AddressSize+crypto.Overhead {
		return nil, fmt.Errorf("%w: message frame is %d bytes", ErrMalformedPacket, len(payload))
	}
	f := &MessageFrame{Ciphertext: append([]byte(nil), payload[AddressSize:]...)}
	copy(f.Sender[:], payload[:AddressSize])
	return f, nil
}

// ExchangeFrame is the payload of an EXCHANGE datagram:
// signature(64) ‖ sender address(32) ‖ ephemeral public key(33).
// The signature covers sender address ‖ ephemeral public key.
type ExchangeFrame struct {
	Signature    []byte
	Sender       Address
	EphemeralKey crypto.PublicKey
}

// SignedBytes returns the byte string covered by the frame signature.
func (f *ExchangeFrame) SignedBytes() []byte {
	return ExchangeSignedBytes(f.Sender, f.EphemeralKey)
}

// ExchangeSignedBytes builds address ‖ ephemeral public key.
func ExchangeSignedBytes(addr Address, ephemeral crypto.PublicKey) []byte {
	out := make([]byte, 0, AddressSize+len(ephemeral))
	out = append(out, addr[:]...)
	return append(out, ephemeral...)
}

// Encode returns the full EXCHANGE datagram including its tag.
func (f *ExchangeFrame) Encode() ([]byte, error) {
	if len(f.Signature) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformedPacket, len(f.Signature))
	}
	if len(f.EphemeralKey) != crypto.PublicKeySize {
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrMalformedPacket, len(f.EphemeralKey))
	}

	out := make([]byte, 0, 1+ExchangeFrameSize)
	out = append(out, byte(PacketExchange))
	out = append(out, f.Signature...)
	out = append(out, f.Sender[:]...)
	return append(out, f.EphemeralKey...), nil
}

// DecodeExchangeFrame parses an EXCHANGE payload (tag already stripped).
func DecodeExchangeFrame(payload []byte) (*ExchangeFrame, error) {
	if len(payload) != ExchangeFrameSize {
		return nil, fmt.Errorf("%w: exchange frame is %d bytes, want %d", ErrMalformedPacket, len(payload), ExchangeFrameSize)
	}

	sigEnd := crypto.SignatureSize
	addrEnd := sigEnd + AddressSize

	f := &ExchangeFrame{
		Signature:    append([]byte(nil), payload[:sigEnd]...),
		EphemeralKey: append(crypto.PublicKey(nil), payload[addrEnd:]...),
	}
	copy(f.Sender[:], payload[sigEnd:addrEnd])
	return f, nil
}

// HandshakeFrame is the payload of a HANDSHAKE datagram:
// key id(8) ‖ AEAD(bootstrap secret, address ‖ public key).
type HandshakeFrame struct {
	KeyID      KeyID
	Ciphertext []byte
}

// Encode returns the full HANDSHAKE datagram including its tag.
func (f *HandshakeFrame) Encode() []byte {
	out := make([]byte, 0, 1+KeyIDSize+len(f.Ciphertext))
	out = append(out, byte(PacketHandshake))
	out = append(out, f.KeyID[:]...)
	return append(out, f.Ciphertext...)
}

// DecodeHandshakeFrame parses a HANDSHAKE payload (tag already stripped).
func DecodeHandshakeFrame(payload []byte) (*HandshakeFrame, error) {
	if len(payload) < KeyIDSize+crypto.Overhead {
		return nil, fmt.Errorf("%w: handshake frame is %d bytes", ErrMalformedPacket, len(payload))
	}
	f := &HandshakeFrame{Ciphertext: append([]byte(nil), payload[KeyIDSize:]...)}
	copy(f.KeyID[:], payload[:KeyIDSize])
	return f, nil
}

// HandshakeBody is the plaintext sealed inside a HANDSHAKE frame.
type HandshakeBody struct {
	Address   Address
	PublicKey crypto.PublicKey
}

// HandshakeBodySize is the exact plaintext length of a HANDSHAKE body.
const HandshakeBodySize = AddressSize + crypto.PublicKeySize

// Encode returns address ‖ public key.
func (b *HandshakeBody) Encode() []byte {
	out := make([]byte, 0, HandshakeBodySize)
	out = append(out, b.Address[:]...)
	return append(out, b.PublicKey...)
}

// DecodeHandshakeBody parses a decrypted HANDSHAKE body.
func DecodeHandshakeBody(plaintext []byte) (*HandshakeBody, error) {
	if len(plaintext) != HandshakeBodySize {
		return nil, fmt.Errorf("%w: handshake body is %d bytes, want %d", ErrMalformedPacket, len(plaintext), HandshakeBodySize)
	}
	b := &HandshakeBody{PublicKey: append(crypto.PublicKey(nil), plaintext[AddressSize:]...)}
	copy(b.Address[:], plaintext[:AddressSize])
	if err := crypto.ValidatePublicKey(b.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return b, nil
}
