package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/transport"
)

func TestTokenBundleRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	addr := transport.DeriveAddress([]byte("bob"))

	tok, err := NewToken(addr, time.Hour, now)
	require.NoError(t, err)

	bundle := tok.Bundle()
	require.Len(t, bundle, BundleSize)
	assert.Equal(t, 80, BundleSize)
	assert.Equal(t, tok.KeyID[:], bundle[:8])
	assert.Equal(t, addr[:], bundle[8:40])
	assert.Equal(t, tok.Secret, bundle[40:72])

	parsed, err := ParseBundle(bundle)
	require.NoError(t, err)
	assert.Equal(t, tok.KeyID, parsed.KeyID)
	assert.Equal(t, tok.PeerAddress, parsed.PeerAddress)
	assert.Equal(t, tok.Secret, parsed.Secret)
	assert.True(t, tok.Expiration.Equal(parsed.Expiration))

	fromString, err := ParseBundleString(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok.KeyID, fromString.KeyID)
}

func TestParseBundleRejectsBadLength(t *testing.T) {
	_, err := ParseBundle(make([]byte, BundleSize-1))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseBundleString("not-hex")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenIsRandom(t *testing.T) {
	addr := transport.DeriveAddress([]byte("x"))
	a, err := NewToken(addr, time.Hour, time.Now())
	require.NoError(t, err)
	b, err := NewToken(addr, time.Hour, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, a.KeyID, b.KeyID)
	assert.NotEqual(t, a.Secret, b.Secret)
	assert.Len(t, a.Secret, crypto.KeySize)
}

func TestTokenValidAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := NewToken(transport.Address{}, time.Hour, now)
	require.NoError(t, err)

	assert.True(t, tok.ValidAt(now))
	assert.True(t, tok.ValidAt(now.Add(59*time.Minute)))
	assert.False(t, tok.ValidAt(now.Add(time.Hour)))
	assert.False(t, tok.ValidAt(now.Add(2*time.Hour)))
}

func TestTokenFromPassphrase(t *testing.T) {
	params := crypto.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}
	keyID := transport.KeyID{1, 2, 3, 4, 5, 6, 7, 8}
	addr := transport.DeriveAddress([]byte("alice"))
	exp := time.Unix(1_700_003_600, 0)

	a, err := TokenFromPassphrase(keyID, addr, "purple monkey dishwasher", exp, params)
	require.NoError(t, err)
	b, err := TokenFromPassphrase(keyID, addr, "purple monkey dishwasher", exp, params)
	require.NoError(t, err)
	assert.Equal(t, a.Secret, b.Secret)

	other, err := TokenFromPassphrase(transport.KeyID{9}, addr, "purple monkey dishwasher", exp, params)
	require.NoError(t, err)
	assert.NotEqual(t, a.Secret, other.Secret, "key id salts the derivation")
}
