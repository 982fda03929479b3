package peerchat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/exchange"
	"github.com/opd-ai/peerchat/handshake"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("%w: short", transport.ErrMalformedPacket), KindDecode},
		{crypto.ErrDecryptionFailed, KindAuthentication},
		{fmt.Errorf("%w: from x", crypto.ErrInvalidSignature), KindAuthentication},
		{fmt.Errorf("%w: x", peer.ErrUnknownPeer), KindUnknownPeer},
		{peer.ErrNoPeerKey, KindUnknownPeer},
		{fmt.Errorf("%w: x", peer.ErrSessionExpired), KindSessionExpired},
		{fmt.Errorf("save: %w", peer.ErrStore), KindStore},
		{fmt.Errorf("%w: %w x", transport.ErrSendFailed, transport.ErrNoEndpoint), KindTransport},
		{messaging.ErrReplay, KindReplay},
		{handshake.ErrUnknownToken, KindUnknownToken},
		{handshake.ErrTokenExpired, KindUnknownToken},
		{exchange.ErrExchangePending, KindInternal},
		{errors.New("boom"), KindInternal},
		{nil, KindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "decode", KindDecode.String())
	assert.Equal(t, "unknown_peer", KindUnknownPeer.String())
	assert.Equal(t, "internal", ErrorKind(99).String())
}
