package exchange

import (
	"bytes"
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
	// ErrExchangePending is returned when an exchange toward the peer is
	// already in flight.
	ErrExchangePending = errors.New("exchange already pending")
	// ErrExchangeTooSoon is returned when an exchange completed too
	// recently to start another.
	ErrExchangeTooSoon = errors.New("exchange completed too recently")
)

const (
	DefaultSessionTTL     = 24 * time.Hour
	DefaultPendingTimeout = 60 * time.Second
	DefaultGrace          = 10 * time.Second
)

// Tunnel sends an EXCHANGE datagram inside an authenticated MESSAGE over an
// existing session.
type Tunnel interface {
	SendControl(ctx context.Context, p *peer.Identity, frame []byte) error
}

// Config wires a Coordinator. Zero durations select the defaults.
type Config struct {
	Self      transport.Address
	Directory *peer.Directory
	Sender    transport.Sender
	// Tunnel is optional. When set, exchanges with a peer that still has a
	// valid session travel inside the session.
	Tunnel Tunnel

	SessionTTL     time.Duration
	PendingTimeout time.Duration
	Grace          time.Duration
	// RawSessionKey uses the raw ECDH output as the session key instead of
	// running it through HKDF.
	RawSessionKey bool
	TimeProvider  crypto.TimeProvider

	// OnEstablished runs after a session key has been stored, outside any
	// coordinator lock.
	OnEstablished func(ctx context.Context, p *peer.Identity)
}

// Coordinator runs session-key exchanges.
type Coordinator struct {
	self           transport.Address
	dir            *peer.Directory
	sender         transport.Sender
	tunnel         Tunnel
	sessionTTL     time.Duration
	pendingTimeout time.Duration
	grace          time.Duration
	rawSessionKey  bool
	timeProvider   crypto.TimeProvider
	onEstablished  func(ctx context.Context, p *peer.Identity)

	tunnelMu sync.RWMutex

	// mu guards the slot map. Slots are never removed, so a slot obtained
	// from the map stays authoritative for its peer.
	mu    sync.Mutex
	slots map[transport.Address]*slot
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		self:           cfg.Self,
		dir:            cfg.Directory,
		sender:         cfg.Sender,
		tunnel:         cfg.Tunnel,
		sessionTTL:     cfg.SessionTTL,
		pendingTimeout: cfg.PendingTimeout,
		grace:          cfg.Grace,
		rawSessionKey:  cfg.RawSessionKey,
		timeProvider:   crypto.OrSystem(cfg.TimeProvider),
		onEstablished:  cfg.OnEstablished,
		slots:          make(map[transport.Address]*slot),
	}
	if c.sessionTTL <= 0 {
		c.sessionTTL = DefaultSessionTTL
	}
	if c.pendingTimeout <= 0 {
		c.pendingTimeout = DefaultPendingTimeout
	}
	if c.grace <= 0 {
		c.grace = DefaultGrace
	}
	return c
}

// SetTunnel installs the tunnel after construction.
func (c *Coordinator) SetTunnel(t Tunnel) {
	c.tunnelMu.Lock()
	defer c.tunnelMu.Unlock()
	c.tunnel = t
}

func (c *Coordinator) slot(addr transport.Address) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[addr]
	if !ok {
		s = &slot{}
		c.slots[addr] = s
	}
	return s
}

func (c *Coordinator) stale(p initiated, now time.Time) bool {
	return now.Sub(p.startedAt) >= c.pendingTimeout
}

// State reports the exchange state of the peer at addr.
func (c *Coordinator) State(ctx context.Context, addr transport.Address) (State, error) {
	now := c.timeProvider.Now()

	s := c.slot(addr)
	s.mu.Lock()
	if p, ok := s.phase.(initiated); ok && !c.stale(p, now) {
		s.mu.Unlock()
		return Initiated, nil
	}
	s.mu.Unlock()

	p, err := c.dir.Lookup(ctx, addr)
	if err != nil {
		return NoSession, err
	}
	switch {
	case p.HasValidSession(now):
		return Established, nil
	case len(p.SessionKey) > 0:
		return Expired, nil
	default:
		return NoSession, nil
	}
}

// Initiate starts an exchange with the peer at addr. It fails with
// ErrExchangePending while an earlier exchange is outstanding and with
// ErrExchangeTooSoon right after one completed. State only advances once
// the EXCHANGE has been sent.
func (c *Coordinator) Initiate(ctx context.Context, addr transport.Address) error {
	p, err := c.dir.Lookup(ctx, addr)
	if err != nil {
		return err
	}
	if !p.HasPublicKey() || len(p.PrivateKey) == 0 {
		return fmt.Errorf("%w: %s", peer.ErrNoPeerKey, addr.Short())
	}

	s := c.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.timeProvider.Now()
	switch ph := s.phase.(type) {
	case initiated:
		if !c.stale(ph, now) {
			return fmt.Errorf("%w: %s", ErrExchangePending, addr.Short())
		}
	case established:
		if now.Sub(ph.completedAt) < 2*c.grace {
			return fmt.Errorf("%w: %s", ErrExchangeTooSoon, addr.Short())
		}
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	// Tunnel only while our own session is valid.
	if err := c.send(ctx, p, eph.Public, p.HasValidSession(now)); err != nil {
		crypto.WipeKeyPair(eph)
		return err
	}

	s.clear()
	s.phase = initiated{eph: eph, startedAt: now}

	logrus.WithFields(logrus.Fields{
		"function": "Coordinator.Initiate",
		"peer":     addr.Short(),
	}).Info("Session-key exchange initiated")
	return nil
}

// encode signs our address and eph into an EXCHANGE datagram.
func (c *Coordinator) encode(p *peer.Identity, eph crypto.PublicKey) ([]byte, error) {
	sig, err := crypto.Sign(p.PrivateKey, transport.ExchangeSignedBytes(c.self, eph))
	if err != nil {
		return nil, err
	}
	frame := &transport.ExchangeFrame{Signature: sig, Sender: c.self, EphemeralKey: eph}
	return frame.Encode()
}

// send sends the EXCHANGE for eph, inside the session when tunnel is set and
// a tunnel is installed.
func (c *Coordinator) send(ctx context.Context, p *peer.Identity, eph crypto.PublicKey, tunnelled bool) error {
	raw, err := c.encode(p, eph)
	if err != nil {
		return err
	}

	c.tunnelMu.RLock()
	tunnel := c.tunnel
	c.tunnelMu.RUnlock()

	if tunnelled && tunnel != nil {
		return tunnel.SendControl(ctx, p, raw)
	}
	return c.sender.Send(ctx, p.Address, raw)
}

// Handle processes an inbound EXCHANGE payload (tag stripped) that arrived
// as a datagram of its own. A reply goes out the same way.
func (c *Coordinator) Handle(ctx context.Context, from transport.Address, payload []byte) error {
	return c.handle(ctx, payload, false)
}

// HandleTunnelled processes an EXCHANGE payload (tag stripped) that arrived
// inside a MESSAGE. A reply goes back inside the session.
func (c *Coordinator) HandleTunnelled(ctx context.Context, from transport.Address, payload []byte) error {
	return c.handle(ctx, payload, true)
}

func (c *Coordinator) handle(ctx context.Context, payload []byte, tunnelled bool) error {
	frame, err := transport.DecodeExchangeFrame(payload)
	if err != nil {
		return err
	}

	p, err := c.dir.Lookup(ctx, frame.Sender)
	if err != nil {
		return err
	}
	if !p.HasPublicKey() {
		return fmt.Errorf("%w: %s", peer.ErrNoPeerKey, frame.Sender.Short())
	}
	if !crypto.Verify(p.PublicKey, frame.Signature, frame.SignedBytes()) {
		return fmt.Errorf("%w: exchange from %s", crypto.ErrInvalidSignature, frame.Sender.Short())
	}

	updated, err := c.advance(ctx, p, frame.EphemeralKey, tunnelled)
	if err != nil {
		return err
	}
	if updated != nil && c.onEstablished != nil {
		c.onEstablished(ctx, updated)
	}
	return nil
}

// advance applies a verified EXCHANGE to the peer's state. It returns the
// updated peer when a new session key was stored.
func (c *Coordinator) advance(ctx context.Context, p *peer.Identity, peerEph crypto.PublicKey, tunnelled bool) (*peer.Identity, error) {
	s := c.slot(p.Address)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.timeProvider.Now()
	log := logrus.WithFields(logrus.Fields{
		"function": "Coordinator.advance",
		"peer":     p.Address.Short(),
	})

	switch ph := s.phase.(type) {
	case initiated:
		if !c.stale(ph, now) {
			updated, err := c.complete(ctx, p, ph.eph.Private, peerEph, now)
			if err != nil {
				return nil, err
			}
			held := append(crypto.PrivateKey(nil), ph.eph.Private...)
			s.clear()
			s.phase = established{eph: held, completedAt: now}
			log.Info("Session established (reply received)")
			return updated, nil
		}
	case established:
		if now.Sub(ph.completedAt) < c.grace {
			key, err := c.sessionKey(ph.eph, peerEph)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(key, p.SessionKey) {
				log.Debug("Duplicate exchange absorbed")
				return nil, nil
			}
			updated, err := c.store(ctx, p, key, now)
			if err != nil {
				return nil, err
			}
			log.Info("Session re-keyed from late exchange")
			return updated, nil
		}
	}

	// Fresh request from the peer: answer with our own ephemeral key on the
	// path the request used. The peer sends raw once its session lapsed.
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	key, err := c.sessionKey(eph.Private, peerEph)
	if err != nil {
		crypto.WipeKeyPair(eph)
		return nil, err
	}
	if err := c.send(ctx, p, eph.Public, tunnelled); err != nil {
		crypto.WipeKeyPair(eph)
		return nil, fmt.Errorf("exchange reply: %w", err)
	}
	updated, err := c.store(ctx, p, key, now)
	if err != nil {
		crypto.WipeKeyPair(eph)
		return nil, err
	}

	s.clear()
	s.phase = established{eph: eph.Private, completedAt: now}
	log.Info("Session established (request answered)")
	return updated, nil
}

func (c *Coordinator) complete(ctx context.Context, p *peer.Identity, own crypto.PrivateKey, peerEph crypto.PublicKey, now time.Time) (*peer.Identity, error) {
	key, err := c.sessionKey(own, peerEph)
	if err != nil {
		return nil, err
	}
	return c.store(ctx, p, key, now)
}

func (c *Coordinator) store(ctx context.Context, p *peer.Identity, key []byte, now time.Time) (*peer.Identity, error) {
	return c.dir.Update(ctx, p.ID, peer.Update{
		Session: &peer.Session{Key: key, Expiration: now.Add(c.sessionTTL)},
	})
}

func (c *Coordinator) sessionKey(own crypto.PrivateKey, peerEph crypto.PublicKey) ([]byte, error) {
	shared, err := crypto.SharedSecret(own, peerEph)
	if err != nil {
		return nil, err
	}
	if c.rawSessionKey {
		return shared, nil
	}
	defer crypto.ZeroBytes(shared)
	return crypto.DeriveSessionKey(shared)
}

// Cancel abandons an outstanding exchange. It reports whether one existed.
func (c *Coordinator) Cancel(addr transport.Address) bool {
	s := c.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.phase.(initiated); !ok {
		return false
	}
	s.clear()

	logrus.WithFields(logrus.Fields{
		"function": "Coordinator.Cancel",
		"peer":     addr.Short(),
	}).Info("Pending exchange cancelled")
	return true
}

// Sweep drops stale outstanding exchanges and ephemeral keys whose grace
// window has passed. It returns the number of stale exchanges dropped.
func (c *Coordinator) Sweep() int {
	now := c.timeProvider.Now()

	c.mu.Lock()
	slots := make(map[transport.Address]*slot, len(c.slots))
	for addr, s := range c.slots {
		slots[addr] = s
	}
	c.mu.Unlock()

	stale := 0
	for addr, s := range slots {
		s.mu.Lock()
		switch ph := s.phase.(type) {
		case initiated:
			if c.stale(ph, now) {
				s.clear()
				stale++
				logrus.WithFields(logrus.Fields{
					"function": "Coordinator.Sweep",
					"peer":     addr.Short(),
				}).Warn("Dropping stale pending exchange")
			}
		case established:
			if now.Sub(ph.completedAt) >= 2*c.grace {
				s.clear()
			}
		}
		s.mu.Unlock()
	}
	return stale
}

// Pending returns the number of outstanding, non-stale exchanges.
func (c *Coordinator) Pending() int {
	now := c.timeProvider.Now()

	c.mu.Lock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	n := 0
	for _, s := range slots {
		s.mu.Lock()
		if ph, ok := s.phase.(initiated); ok && !c.stale(ph, now) {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
