package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/crypto"
)

func TestMessageFrameEncodeDecode(t *testing.T) {
	sender := DeriveAddress([]byte("sender"))
	ct := make([]byte, crypto.Overhead+5)
	ct[0] = 0x42

	frame := &MessageFrame{Sender: sender, Ciphertext: ct}
	raw := frame.Encode()
	require.Equal(t, byte(PacketMessage), raw[0])

	packet, err := ParsePacket(raw)
	require.NoError(t, err)

	decoded, err := DecodeMessageFrame(packet.Data)
	require.NoError(t, err)
	assert.Equal(t, sender, decoded.Sender)
	assert.Equal(t, ct, decoded.Ciphertext)
}

func TestDecodeMessageFrameTooShort(t *testing.T) {
	_, err := DecodeMessageFrame(make([]byte, AddressSize+crypto.Overhead-1))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestExchangeFrameEncodeDecode(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sender := DeriveAddress([]byte("exchanger"))

	sig, err := crypto.Sign(kp.Private, ExchangeSignedBytes(sender, kp.Public))
	require.NoError(t, err)

	frame := &ExchangeFrame{Signature: sig, Sender: sender, EphemeralKey: kp.Public}
	raw, err := frame.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, 1+ExchangeFrameSize)

	decoded, err := DecodeExchangeFrame(raw[1:])
	require.NoError(t, err)
	assert.Equal(t, sender, decoded.Sender)
	assert.Equal(t, kp.Public, decoded.EphemeralKey)
	assert.True(t, crypto.Verify(kp.Public, decoded.Signature, decoded.SignedBytes()))
}

func TestExchangeFrameRejectsBadSizes(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = (&ExchangeFrame{Signature: make([]byte, 10), EphemeralKey: kp.Public}).Encode()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = (&ExchangeFrame{Signature: make([]byte, crypto.SignatureSize), EphemeralKey: kp.Public[:5]}).Encode()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeExchangeFrame(make([]byte, ExchangeFrameSize+1))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestHandshakeFrameAndBody(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	secret := make([]byte, crypto.KeySize)

	body := &HandshakeBody{Address: DeriveAddress([]byte("hs")), PublicKey: kp.Public}
	sealed, err := crypto.Encrypt(secret, body.Encode())
	require.NoError(t, err)

	frame := &HandshakeFrame{KeyID: KeyID{1, 2, 3, 4, 5, 6, 7, 8}, Ciphertext: sealed}
	raw := frame.Encode()
	assert.Equal(t, byte(PacketHandshake), raw[0])

	decoded, err := DecodeHandshakeFrame(raw[1:])
	require.NoError(t, err)
	assert.Equal(t, frame.KeyID, decoded.KeyID)
	assert.Equal(t, "0102030405060708", decoded.KeyID.String())

	plain, err := crypto.Decrypt(secret, decoded.Ciphertext)
	require.NoError(t, err)
	parsed, err := DecodeHandshakeBody(plain)
	require.NoError(t, err)
	assert.Equal(t, body.Address, parsed.Address)
	assert.Equal(t, body.PublicKey, parsed.PublicKey)
}

func TestDecodeHandshakeBodyRejectsInvalidKey(t *testing.T) {
	plain := make([]byte, HandshakeBodySize)
	plain[AddressSize] = 0x05 // not a compressed point prefix

	_, err := DecodeHandshakeBody(plain)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeHandshakeBody(plain[:10])
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodeHandshakeFrameTooShort(t *testing.T) {
	_, err := DecodeHandshakeFrame(make([]byte, KeyIDSize))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestKeyIDTextRoundTrip(t *testing.T) {
	k := KeyID{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3}
	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "deadbeef00010203", string(text))

	var parsed KeyID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, k, parsed)

	_, err = ParseKeyID("abcd")
	assert.Error(t, err)
}
