package peerchat

import (
	"errors"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/handshake"
	"github.com/opd-ai/peerchat/limits"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/store"
	"github.com/opd-ai/peerchat/transport"
)

// ErrorKind is the class of a protocol error.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindDecode
	KindAuthentication
	KindUnknownPeer
	KindSessionExpired
	KindStore
	KindTransport
	KindReplay
	KindUnknownToken
)

// String returns the label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindAuthentication:
		return "authentication"
	case KindUnknownPeer:
		return "unknown_peer"
	case KindSessionExpired:
		return "session_expired"
	case KindStore:
		return "store"
	case KindTransport:
		return "transport"
	case KindReplay:
		return "replay"
	case KindUnknownToken:
		return "unknown_token"
	default:
		return "internal"
	}
}

var classes = []struct {
	kind ErrorKind
	errs []error
}{
	{KindAuthentication, []error{crypto.ErrDecryptionFailed, crypto.ErrInvalidSignature, handshake.ErrTokenMismatch}},
	{KindReplay, []error{messaging.ErrReplay}},
	{KindUnknownToken, []error{handshake.ErrUnknownToken, handshake.ErrTokenExpired}},
	{KindUnknownPeer, []error{peer.ErrUnknownPeer, peer.ErrNoPeerKey}},
	{KindSessionExpired, []error{peer.ErrSessionExpired}},
	{KindStore, []error{peer.ErrStore, store.ErrWrongPassphrase}},
	{KindTransport, []error{transport.ErrSendFailed, transport.ErrNoEndpoint, transport.ErrClosed}},
	{KindDecode, []error{transport.ErrMalformedPacket, crypto.ErrInvalidKey, peer.ErrInvalidToken, limits.ErrMessageEmpty, limits.ErrMessageTooLarge}},
}

// Classify maps err onto the protocol error taxonomy. Unrecognised errors
// are KindInternal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.kind
			}
		}
	}
	return KindInternal
}
