package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/limits"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// Exchanger starts a session-key exchange.
type Exchanger interface {
	Initiate(ctx context.Context, addr transport.Address) error
}

// Config wires a Service.
type Config struct {
	Self      transport.Address
	Directory *peer.Directory
	Pending   peer.PendingStore
	Chats     peer.ChatStore
	Sender    transport.Sender

	// Exchanger and AutoExchange make Send start an exchange when it has to
	// queue a message.
	Exchanger    Exchanger
	AutoExchange bool

	// ReplayCacheSize bounds the number of remembered nonces.
	ReplayCacheSize int
	TimeProvider    crypto.TimeProvider

	// OnMessage runs for every accepted chat message.
	OnMessage func(ctx context.Context, from *peer.Identity, entry peer.ChatEntry)
	// OnControl runs for every EXCHANGE datagram tunnelled over a session.
	OnControl func(ctx context.Context, from transport.Address, frame []byte) error
}

// Service is the secure messaging path.
type Service struct {
	self         transport.Address
	dir          *peer.Directory
	pending      peer.PendingStore
	chats        peer.ChatStore
	sender       transport.Sender
	autoExchange bool
	replay       *crypto.ReplayGuard
	timeProvider crypto.TimeProvider

	mu        sync.RWMutex
	exchanger Exchanger
	onMessage func(ctx context.Context, from *peer.Identity, entry peer.ChatEntry)
	onControl func(ctx context.Context, from transport.Address, frame []byte) error

	// flushMu keeps queued messages in order.
	flushMu sync.Mutex
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	tp := crypto.OrSystem(cfg.TimeProvider)
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = 65536
	}
	return &Service{
		self:         cfg.Self,
		dir:          cfg.Directory,
		pending:      cfg.Pending,
		chats:        cfg.Chats,
		sender:       cfg.Sender,
		autoExchange: cfg.AutoExchange,
		replay:       crypto.NewReplayGuard(cfg.ReplayCacheSize, tp),
		timeProvider: tp,
		exchanger:    cfg.Exchanger,
		onMessage:    cfg.OnMessage,
		onControl:    cfg.OnControl,
	}
}

// SetExchanger installs the exchanger after construction.
func (s *Service) SetExchanger(e Exchanger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanger = e
}

// OnMessage replaces the chat message callback.
func (s *Service) OnMessage(fn func(ctx context.Context, from *peer.Identity, entry peer.ChatEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnControl replaces the control frame callback.
func (s *Service) OnControl(fn func(ctx context.Context, from transport.Address, frame []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onControl = fn
}

// ReplayGuard exposes the nonce cache for maintenance.
func (s *Service) ReplayGuard() *crypto.ReplayGuard {
	return s.replay
}

// Send encrypts and sends body to the peer at addr. Without a valid session,
// or when the transport fails, the message is queued and Send reports false
// with a nil error. Queued messages are sent by Flush.
func (s *Service) Send(ctx context.Context, addr transport.Address, body []byte) (bool, error) {
	if err := limits.ValidatePlaintextMessage(body); err != nil {
		return false, err
	}

	p, err := s.dir.Lookup(ctx, addr)
	if err != nil {
		return false, err
	}

	now := s.timeProvider.Now()
	if !p.HasValidSession(now) || len(p.PrivateKey) == 0 {
		return false, s.enqueue(ctx, p, body)
	}

	// Anything queued earlier goes first.
	_, err = s.Flush(ctx, addr)
	if err == nil {
		err = s.sendSealed(ctx, p, body)
	}
	if err != nil {
		if !errors.Is(err, transport.ErrSendFailed) {
			return false, err
		}
		// The queue is the only retry path for a message.
		if qerr := s.queue(ctx, p, body); qerr != nil {
			return false, errors.Join(err, qerr)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Service.Send",
			"peer":     p.Address.Short(),
			"error":    err.Error(),
		}).Warn("Send failed, message queued")
		return false, nil
	}
	s.record(ctx, p, peer.Outbound, body)
	return true, nil
}

func (s *Service) queue(ctx context.Context, p *peer.Identity, body []byte) error {
	msg := peer.PendingMessage{
		ID:       uuid.NewString(),
		Dest:     p.Address,
		Body:     append([]byte(nil), body...),
		QueuedAt: s.timeProvider.Now(),
	}
	if err := s.pending.AppendPending(ctx, msg); err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, p *peer.Identity, body []byte) error {
	if err := s.queue(ctx, p, body); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Service.enqueue",
		"peer":     p.Address.Short(),
		"session":  p.SessionState(s.timeProvider.Now()),
	}).Info("No valid session, message queued")

	s.mu.RLock()
	ex := s.exchanger
	s.mu.RUnlock()

	if s.autoExchange && ex != nil && p.HasPublicKey() {
		if err := ex.Initiate(ctx, p.Address); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.enqueue",
				"peer":     p.Address.Short(),
				"error":    err.Error(),
			}).Debug("Automatic exchange not started")
		}
	}
	return nil
}

// SendControl sends an EXCHANGE datagram inside the session with p.
func (s *Service) SendControl(ctx context.Context, p *peer.Identity, frame []byte) error {
	if !p.HasValidSession(s.timeProvider.Now()) {
		return fmt.Errorf("%w: %s", peer.ErrSessionExpired, p.Address.Short())
	}
	return s.sendSealed(ctx, p, frame)
}

func (s *Service) sendSealed(ctx context.Context, p *peer.Identity, body []byte) error {
	plaintext, err := seal(p.PrivateKey, body)
	if err != nil {
		return err
	}
	ciphertext, err := crypto.Encrypt(p.SessionKey, plaintext)
	if err != nil {
		return err
	}

	frame := (&transport.MessageFrame{Sender: s.self, Ciphertext: ciphertext}).Encode()
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	return s.sender.Send(ctx, p.Address, frame)
}

func (s *Service) record(ctx context.Context, p *peer.Identity, dir peer.Direction, body []byte) peer.ChatEntry {
	entry := peer.ChatEntry{
		ID:        uuid.NewString(),
		PeerID:    p.ID,
		Direction: dir,
		Body:      append([]byte(nil), body...),
		Timestamp: s.timeProvider.Now(),
	}
	if s.chats == nil {
		return entry
	}
	if err := s.chats.AppendChat(ctx, entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.record",
			"peer_id":  p.ID,
			"error":    err.Error(),
		}).Error("Failed to store chat entry")
	}
	return entry
}

// Flush sends the messages queued for addr while a valid session exists. It
// returns how many were sent. A send failure stops the flush and leaves the
// rest queued.
func (s *Service) Flush(ctx context.Context, addr transport.Address) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	queue, err := s.pending.ListPending(ctx, addr)
	if err != nil || len(queue) == 0 {
		return 0, err
	}

	p, err := s.dir.Lookup(ctx, addr)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range queue {
		if !p.HasValidSession(s.timeProvider.Now()) {
			break
		}
		if err := s.sendSealed(ctx, p, msg.Body); err != nil {
			return sent, err
		}
		if err := s.pending.DeletePending(ctx, msg.ID); err != nil && !errors.Is(err, peer.ErrNotFound) {
			return sent, err
		}
		s.record(ctx, p, peer.Outbound, msg.Body)
		sent++
	}

	if sent > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Service.Flush",
			"peer":      addr.Short(),
			"sent":      sent,
			"remaining": len(queue) - sent,
		}).Info("Flushed queued messages")
	}
	return sent, nil
}

// FlushAll retries the queue of every peer with a valid session. It returns
// how many messages were sent and how many are still queued.
func (s *Service) FlushAll(ctx context.Context) (sent, queued int) {
	for _, e := range s.dir.Entries() {
		n, err := s.Flush(ctx, e.Address)
		sent += n
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.FlushAll",
				"peer":     e.Address.Short(),
				"error":    err.Error(),
			}).Warn("Queued messages not flushed")
		}

		rest, err := s.pending.ListPending(ctx, e.Address)
		if err == nil {
			queued += len(rest)
		}
	}
	return sent, queued
}

// Handle processes an inbound MESSAGE payload (tag stripped).
func (s *Service) Handle(ctx context.Context, from transport.Address, payload []byte) error {
	frame, err := transport.DecodeMessageFrame(payload)
	if err != nil {
		return err
	}

	p, err := s.dir.Lookup(ctx, frame.Sender)
	if err != nil {
		return err
	}
	if !p.HasPublicKey() {
		return fmt.Errorf("%w: %s", peer.ErrNoPeerKey, frame.Sender.Short())
	}
	if !p.HasValidSession(s.timeProvider.Now()) {
		return fmt.Errorf("%w: message from %s", peer.ErrSessionExpired, frame.Sender.Short())
	}

	nonce := crypto.NonceOf(frame.Ciphertext)
	if s.replay.Seen(nonce) {
		return fmt.Errorf("%w: from %s", ErrReplay, frame.Sender.Short())
	}

	plaintext, err := crypto.Decrypt(p.SessionKey, frame.Ciphertext)
	if err != nil {
		return err
	}
	body, err := open(p.PublicKey, plaintext)
	if errors.Is(err, crypto.ErrInvalidSignature) {
		return fmt.Errorf("%w: message from %s", err, frame.Sender.Short())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrMalformedPacket, err)
	}

	if !s.replay.Record(nonce, p.SessionExpiration) {
		return fmt.Errorf("%w: from %s", ErrReplay, frame.Sender.Short())
	}

	s.mu.RLock()
	onMessage, onControl := s.onMessage, s.onControl
	s.mu.RUnlock()

	switch classify(p, body) {
	case KindControl:
		if onControl == nil {
			return fmt.Errorf("%w: no handler for tunnelled exchanges", transport.ErrMalformedPacket)
		}
		return onControl(ctx, frame.Sender, body)
	default:
		entry := s.record(ctx, p, peer.Inbound, body)
		logrus.WithFields(logrus.Fields{
			"function": "Service.Handle",
			"peer":     frame.Sender.Short(),
			"size":     len(body),
		}).Debug("Message received")
		if onMessage != nil {
			onMessage(ctx, p, entry)
		}
		return nil
	}
}
