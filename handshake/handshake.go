// Package handshake pairs two nodes that share a one-time bootstrap token.
//
// The initiator sends HANDSHAKE(key id, AEAD(secret, address ‖ public key))
// with a fresh per-peer key pair. The responder, which imported the same
// token with Register, creates the peer and answers in kind under the same
// key id. Each side deletes its copy of the token when it processes the
// other's message, so a token pairs exactly once.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

var (
	// ErrUnknownToken is returned when no token matches a key id.
	ErrUnknownToken = errors.New("unknown bootstrap token")
	// ErrTokenExpired is returned for tokens past their expiration.
	ErrTokenExpired = errors.New("bootstrap token expired")
	// ErrTokenMismatch is returned when a handshake names a peer the token
	// was not issued for.
	ErrTokenMismatch = errors.New("handshake address does not match token")
)

// Config wires a Coordinator.
type Config struct {
	Self         transport.Address
	Directory    *peer.Directory
	Tokens       peer.TokenStore
	Sender       transport.Sender
	TimeProvider crypto.TimeProvider

	// OnPaired runs after a handshake message has been fully processed.
	OnPaired func(ctx context.Context, p *peer.Identity)
}

// Coordinator drives bootstrap pairing.
type Coordinator struct {
	self         transport.Address
	dir          *peer.Directory
	tokens       peer.TokenStore
	sender       transport.Sender
	timeProvider crypto.TimeProvider
	onPaired     func(ctx context.Context, p *peer.Identity)

	// mu serializes token consumption.
	mu sync.Mutex
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		self:         cfg.Self,
		dir:          cfg.Directory,
		tokens:       cfg.Tokens,
		sender:       cfg.Sender,
		timeProvider: crypto.OrSystem(cfg.TimeProvider),
		onPaired:     cfg.OnPaired,
	}
}

// Register imports a token received out of band so that the matching
// HANDSHAKE can be answered.
func (c *Coordinator) Register(ctx context.Context, tok *peer.Token) error {
	if !tok.ValidAt(c.timeProvider.Now()) {
		return fmt.Errorf("%w: key id %s", ErrTokenExpired, tok.KeyID)
	}
	if err := c.tokens.PutToken(ctx, tok); err != nil {
		return fmt.Errorf("register token: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Coordinator.Register",
		"key_id":   tok.KeyID.String(),
	}).Info("Bootstrap token registered")
	return nil
}

// Initiate sends the first HANDSHAKE for tok to tok.PeerAddress. It persists
// the token, generates the key pair for the pairing and, once the datagram is
// sent, records the peer without a public key. An existing peer at that
// address gets the new private key instead.
func (c *Coordinator) Initiate(ctx context.Context, tok *peer.Token) (*peer.Identity, error) {
	now := c.timeProvider.Now()
	if !tok.ValidAt(now) {
		return nil, fmt.Errorf("%w: key id %s", ErrTokenExpired, tok.KeyID)
	}
	if tok.PeerAddress == c.self {
		return nil, fmt.Errorf("%w: token is addressed to this node", ErrTokenMismatch)
	}

	if err := c.tokens.PutToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if err := c.send(ctx, tok, kp.Public, tok.PeerAddress); err != nil {
		crypto.WipeKeyPair(kp)
		return nil, err
	}

	var p *peer.Identity
	existing, err := c.dir.Lookup(ctx, tok.PeerAddress)
	switch {
	case err == nil:
		p, err = c.dir.Update(ctx, existing.ID, peer.Update{PrivateKey: kp.Private})
	case errors.Is(err, peer.ErrUnknownPeer):
		p, err = c.dir.Create(ctx, &peer.Identity{Address: tok.PeerAddress, PrivateKey: kp.Private})
	}
	if err != nil {
		return nil, fmt.Errorf("record peer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Coordinator.Initiate",
		"key_id":   tok.KeyID.String(),
		"peer":     tok.PeerAddress.Short(),
	}).Info("Handshake sent")

	return p, nil
}

func (c *Coordinator) send(ctx context.Context, tok *peer.Token, pub crypto.PublicKey, dest transport.Address) error {
	body := &transport.HandshakeBody{Address: c.self, PublicKey: pub}
	sealed, err := crypto.Encrypt(tok.Secret, body.Encode())
	if err != nil {
		return fmt.Errorf("seal handshake: %w", err)
	}

	frame := &transport.HandshakeFrame{KeyID: tok.KeyID, Ciphertext: sealed}
	return c.sender.Send(ctx, dest, frame.Encode())
}

// Handle processes an inbound HANDSHAKE payload (tag stripped). A message
// that fails to authenticate or parse leaves the token in place.
func (c *Coordinator) Handle(ctx context.Context, from transport.Address, payload []byte) error {
	frame, err := transport.DecodeHandshakeFrame(payload)
	if err != nil {
		return err
	}

	p, err := c.handle(ctx, from, frame)
	if err != nil {
		return err
	}
	if c.onPaired != nil {
		c.onPaired(ctx, p)
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, from transport.Address, frame *transport.HandshakeFrame) (*peer.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.tokens.GetToken(ctx, frame.KeyID)
	if errors.Is(err, peer.ErrNotFound) {
		return nil, fmt.Errorf("%w: key id %s", ErrUnknownToken, frame.KeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	if !tok.ValidAt(c.timeProvider.Now()) {
		return nil, fmt.Errorf("%w: key id %s", ErrTokenExpired, frame.KeyID)
	}

	plaintext, err := crypto.Decrypt(tok.Secret, frame.Ciphertext)
	if err != nil {
		return nil, err
	}
	body, err := transport.DecodeHandshakeBody(plaintext)
	if err != nil {
		return nil, err
	}

	// On the initiator the token names the responder; on the responder it
	// names the responder itself.
	if tok.PeerAddress != c.self && tok.PeerAddress != body.Address {
		return nil, fmt.Errorf("%w: got %s, token names %s", ErrTokenMismatch, body.Address.Short(), tok.PeerAddress.Short())
	}
	if body.Address == c.self {
		return nil, fmt.Errorf("%w: handshake claims this node's address", ErrTokenMismatch)
	}
	if from != body.Address {
		logrus.WithFields(logrus.Fields{
			"function": "Coordinator.handle",
			"from":     from.Short(),
			"claimed":  body.Address.Short(),
		}).Debug("Handshake sender differs from transport source")
	}

	var p *peer.Identity
	existing, err := c.dir.Lookup(ctx, body.Address)
	switch {
	case err == nil:
		p, err = c.dir.Update(ctx, existing.ID, peer.Update{PublicKey: body.PublicKey})
		if err != nil {
			return nil, fmt.Errorf("update peer key: %w", err)
		}
	case errors.Is(err, peer.ErrUnknownPeer):
		p, err = c.respond(ctx, tok, body)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := c.tokens.DeleteToken(ctx, tok.KeyID); err != nil && !errors.Is(err, peer.ErrNotFound) {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Coordinator.handle",
		"key_id":   tok.KeyID.String(),
		"peer_id":  p.ID,
		"peer":     p.Address.Short(),
	}).Info("Bootstrap token consumed, peer paired")

	return p, nil
}

// respond answers a first-contact handshake and creates the peer.
func (c *Coordinator) respond(ctx context.Context, tok *peer.Token, body *transport.HandshakeBody) (*peer.Identity, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if err := c.send(ctx, tok, kp.Public, body.Address); err != nil {
		crypto.WipeKeyPair(kp)
		return nil, fmt.Errorf("handshake reply: %w", err)
	}

	p, err := c.dir.Create(ctx, &peer.Identity{
		Address:    body.Address,
		PublicKey:  body.PublicKey,
		PrivateKey: kp.Private,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	return p, nil
}

// PurgeExpired deletes tokens that can no longer be used.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int, error) {
	tokens, err := c.tokens.ListTokens(ctx)
	if err != nil {
		return 0, err
	}

	now := c.timeProvider.Now()
	purged := 0
	for _, tok := range tokens {
		if tok.ValidAt(now) {
			continue
		}
		if err := c.tokens.DeleteToken(ctx, tok.KeyID); err != nil && !errors.Is(err, peer.ErrNotFound) {
			return purged, err
		}
		purged++
	}

	if purged > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Coordinator.PurgeExpired",
			"purged":   purged,
		}).Info("Purged expired bootstrap tokens")
	}
	return purged, nil
}

// Lifetime is the default validity of issued tokens.
const Lifetime = time.Hour
