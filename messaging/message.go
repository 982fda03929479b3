package messaging

import (
	"errors"
	"fmt"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// Kind says what an accepted MESSAGE carried. It is not on the wire.
type Kind byte

const (
	// KindChat is a chat message for the user.
	KindChat Kind = iota
	// KindControl is an EXCHANGE datagram tunnelled over the session.
	KindControl
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// ErrReplay is returned for a MESSAGE whose nonce was already accepted.
var ErrReplay = errors.New("replayed message")

// seal returns signature ‖ plaintext, the signature covering the plaintext.
func seal(priv crypto.PrivateKey, plaintext []byte) ([]byte, error) {
	sig, err := crypto.Sign(priv, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sig)+len(plaintext))
	out = append(out, sig...)
	return append(out, plaintext...), nil
}

// open splits and verifies signature ‖ plaintext.
func open(pub crypto.PublicKey, sealed []byte) ([]byte, error) {
	if len(sealed) < crypto.SignatureSize {
		return nil, fmt.Errorf("message plaintext is %d bytes", len(sealed))
	}
	sig := sealed[:crypto.SignatureSize]
	plaintext := sealed[crypto.SignatureSize:]
	if !crypto.Verify(pub, sig, plaintext) {
		return nil, crypto.ErrInvalidSignature
	}
	return plaintext, nil
}

// classify reports KindControl when plaintext is a complete EXCHANGE datagram
// from p whose own signature verifies, and KindChat otherwise.
func classify(p *peer.Identity, plaintext []byte) Kind {
	if len(plaintext) != 1+transport.ExchangeFrameSize || transport.PacketType(plaintext[0]) != transport.PacketExchange {
		return KindChat
	}
	frame, err := transport.DecodeExchangeFrame(plaintext[1:])
	if err != nil || frame.Sender != p.Address {
		return KindChat
	}
	if !crypto.Verify(p.PublicKey, frame.Signature, frame.SignedBytes()) {
		return KindChat
	}
	return KindControl
}
