package peerchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/exchange"
	"github.com/opd-ai/peerchat/handshake"
	"github.com/opd-ai/peerchat/limits"
	"github.com/opd-ai/peerchat/messaging"
	"github.com/opd-ai/peerchat/metrics"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// Config holds the collaborators a Node runs on.
type Config struct {
	Transport transport.Transport
	Store     peer.Store
	// Metrics is optional.
	Metrics      *metrics.Metrics
	TimeProvider crypto.TimeProvider
}

// MessageCallback is called for every accepted chat message.
type MessageCallback func(from *peer.Identity, entry peer.ChatEntry)

// PeerCallback is called when a peer is paired or a session is established.
type PeerCallback func(p *peer.Identity)

// Node is one chat participant: it owns the peer directory and the three
// protocol coordinators and dispatches inbound datagrams to them.
type Node struct {
	options      *Options
	transport    transport.Transport
	store        peer.Store
	metrics      *metrics.Metrics
	timeProvider crypto.TimeProvider

	dir        *peer.Directory
	handshakes *handshake.Coordinator
	exchanges  *exchange.Coordinator
	messages   *messaging.Service

	callbackMu    sync.RWMutex
	onMessage     MessageCallback
	onPaired      PeerCallback
	onEstablished PeerCallback

	closeOnce sync.Once
}

// New creates a Node and loads the peer directory from the store.
func New(ctx context.Context, options *Options, cfg Config) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if cfg.Transport == nil || cfg.Store == nil {
		return nil, errors.New("node needs a transport and a store")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	tp := crypto.OrSystem(cfg.TimeProvider)
	self := cfg.Transport.LocalAddress()

	n := &Node{
		options:      options,
		transport:    cfg.Transport,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		timeProvider: tp,
		dir:          peer.NewDirectoryWithTimeProvider(cfg.Store, tp),
	}
	if err := n.dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}

	n.messages = messaging.NewService(messaging.Config{
		Self:            self,
		Directory:       n.dir,
		Pending:         cfg.Store,
		Chats:           cfg.Store,
		Sender:          cfg.Transport,
		Exchanger:       exchangeStarter{n},
		AutoExchange:    options.AutoExchange,
		ReplayCacheSize: options.ReplayCacheSize,
		TimeProvider:    tp,
		OnMessage:       n.messageReceived,
		OnControl:       n.controlReceived,
	})
	n.exchanges = exchange.NewCoordinator(exchange.Config{
		Self:           self,
		Directory:      n.dir,
		Sender:         cfg.Transport,
		Tunnel:         n.messages,
		SessionTTL:     options.SessionTTL,
		PendingTimeout: options.PendingTimeout,
		Grace:          options.ExchangeGrace,
		RawSessionKey:  options.RawSessionKey,
		TimeProvider:   tp,
		OnEstablished:  n.sessionEstablished,
	})
	n.handshakes = handshake.NewCoordinator(handshake.Config{
		Self:         self,
		Directory:    n.dir,
		Tokens:       cfg.Store,
		Sender:       cfg.Transport,
		TimeProvider: tp,
		OnPaired:     n.peerPaired,
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"address":  self.Short(),
		"peers":    n.dir.Len(),
	}).Info("Node created")
	return n, nil
}

// exchangeStarter lets the messaging service start exchanges through the
// node so they are counted.
type exchangeStarter struct{ n *Node }

func (s exchangeStarter) Initiate(ctx context.Context, addr transport.Address) error {
	return s.n.StartExchange(ctx, addr)
}

// Address returns this node's protocol address.
func (n *Node) Address() transport.Address {
	return n.transport.LocalAddress()
}

// Options returns the options the node was created with.
func (n *Node) Options() *Options {
	return n.options
}

// OnMessage sets the callback for accepted chat messages.
func (n *Node) OnMessage(cb MessageCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onMessage = cb
}

// OnPaired sets the callback for completed pairings.
func (n *Node) OnPaired(cb PeerCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onPaired = cb
}

// OnSessionEstablished sets the callback for new session keys.
func (n *Node) OnSessionEstablished(cb PeerCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.onEstablished = cb
}

func (n *Node) messageReceived(_ context.Context, from *peer.Identity, entry peer.ChatEntry) {
	n.metrics.MessageReceived()

	n.callbackMu.RLock()
	cb := n.onMessage
	n.callbackMu.RUnlock()
	if cb != nil {
		cb(from, entry)
	}
}

func (n *Node) controlReceived(ctx context.Context, from transport.Address, frame []byte) error {
	pkt, err := transport.ParsePacket(frame)
	if err != nil {
		return err
	}
	if pkt.PacketType != transport.PacketExchange {
		return fmt.Errorf("%w: %s inside a message", transport.ErrMalformedPacket, pkt.PacketType)
	}
	return n.exchanges.HandleTunnelled(ctx, from, pkt.Data)
}

func (n *Node) peerPaired(_ context.Context, p *peer.Identity) {
	n.metrics.HandshakeCompleted()

	n.callbackMu.RLock()
	cb := n.onPaired
	n.callbackMu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// sessionEstablished flushes the messages queued for p.
func (n *Node) sessionEstablished(ctx context.Context, p *peer.Identity) {
	n.metrics.ExchangeCompleted()

	sent, err := n.messages.Flush(ctx, p.Address)
	for i := 0; i < sent; i++ {
		n.metrics.MessageSent()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.sessionEstablished",
			"peer":     p.Address.Short(),
			"sent":     sent,
			"error":    err.Error(),
		}).Error("Failed to flush queued messages")
	}

	n.callbackMu.RLock()
	cb := n.onEstablished
	n.callbackMu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// Dispatch routes one inbound datagram to its handler. Every error is
// logged and counted; callers may ignore the returned error.
func (n *Node) Dispatch(ctx context.Context, d transport.Datagram) error {
	err := n.dispatch(ctx, d)
	if err == nil {
		n.confirmEndpoint(d)
		return nil
	}

	kind := Classify(err)
	label := "unknown"
	if len(d.Data) > 0 && transport.PacketType(d.Data[0]).Valid() {
		label = transport.PacketType(d.Data[0]).String()
	}
	n.metrics.DatagramDropped(label, kind.String())

	entry := logrus.WithFields(logrus.Fields{
		"function": "Node.Dispatch",
		"from":     d.From.Short(),
		"type":     label,
		"kind":     kind.String(),
		"error":    err.Error(),
	})
	switch kind {
	case KindStore, KindTransport, KindInternal:
		entry.Error("Failed to process datagram")
	default:
		entry.Warn("Dropping datagram")
	}
	return err
}

func (n *Node) dispatch(ctx context.Context, d transport.Datagram) error {
	if len(d.Data) > limits.MaxFrame {
		return fmt.Errorf("%w: %d-byte datagram", transport.ErrMalformedPacket, len(d.Data))
	}
	pkt, err := transport.ParsePacket(d.Data)
	if err != nil {
		return err
	}
	n.metrics.DatagramReceived(pkt.PacketType.String())

	switch pkt.PacketType {
	case transport.PacketMessage:
		return n.messages.Handle(ctx, d.From, pkt.Data)
	case transport.PacketExchange:
		return n.exchanges.Handle(ctx, d.From, pkt.Data)
	case transport.PacketHandshake:
		return n.handshakes.Handle(ctx, d.From, pkt.Data)
	default:
		return fmt.Errorf("%w: %s", transport.ErrMalformedPacket, pkt.PacketType)
	}
}

// endpointConfirmer is implemented by transports that rebind a peer's
// network endpoint only once a datagram from it was authenticated.
type endpointConfirmer interface {
	Confirm(addr transport.Address, source net.Addr)
}

// confirmEndpoint rebinds the sender of an accepted MESSAGE or EXCHANGE to
// the endpoint it came from. Both carry the signed sender address, which must
// match the envelope.
func (n *Node) confirmEndpoint(d transport.Datagram) {
	ec, ok := n.transport.(endpointConfirmer)
	if !ok || d.Source == nil {
		return
	}
	pkt, err := transport.ParsePacket(d.Data)
	if err != nil {
		return
	}

	var sender transport.Address
	switch pkt.PacketType {
	case transport.PacketMessage:
		frame, err := transport.DecodeMessageFrame(pkt.Data)
		if err != nil {
			return
		}
		sender = frame.Sender
	case transport.PacketExchange:
		frame, err := transport.DecodeExchangeFrame(pkt.Data)
		if err != nil {
			return
		}
		sender = frame.Sender
	default:
		return
	}
	if sender == d.From {
		ec.Confirm(sender, d.Source)
	}
}

// Run receives and dispatches datagrams one at a time and runs maintenance
// every MaintenanceInterval. It returns when ctx is done or the transport
// closes.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.maintenanceLoop(ctx)
	}()
	defer wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Node.Run",
		"address":  n.Address().Short(),
	}).Info("Node running")

	for {
		d, err := n.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = n.Dispatch(ctx, d)
	}
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.options.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Maintain(ctx)
		}
	}
}

// Maintain drops stale exchanges, purges expired tokens, prunes the replay
// cache and retries queued messages for peers with a valid session.
func (n *Node) Maintain(ctx context.Context) {
	stale := n.exchanges.Sweep()
	n.metrics.SetPendingExchanges(n.exchanges.Pending())

	purged, err := n.handshakes.PurgeExpired(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.Maintain",
			"error":    err.Error(),
		}).Error("Failed to purge expired tokens")
	}

	pruned := n.messages.ReplayGuard().Prune()

	flushed, queued := n.messages.FlushAll(ctx)
	for i := 0; i < flushed; i++ {
		n.metrics.MessageSent()
	}
	n.metrics.SetQueuedMessages(queued)

	logrus.WithFields(logrus.Fields{
		"function":        "Node.Maintain",
		"stale_exchanges": stale,
		"purged_tokens":   purged,
		"pruned_nonces":   pruned,
		"flushed":         flushed,
		"queued":          queued,
	}).Debug("Maintenance pass")
}

// IssueToken creates and stores a fresh bootstrap token for pairing with
// the peer at addr. Its bundle is handed to that peer out of band.
func (n *Node) IssueToken(ctx context.Context, addr transport.Address) (*peer.Token, error) {
	if addr == n.Address() {
		return nil, fmt.Errorf("%w: cannot pair with self", handshake.ErrTokenMismatch)
	}
	tok, err := peer.NewToken(addr, n.options.TokenLifetime, n.timeProvider.Now())
	if err != nil {
		return nil, err
	}
	if err := n.store.PutToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// AcceptToken imports a bundle issued by another node for this one, so that
// node's handshake can be answered.
func (n *Node) AcceptToken(ctx context.Context, tok *peer.Token) error {
	if tok.PeerAddress != n.Address() {
		return fmt.Errorf("%w: token names %s", handshake.ErrTokenMismatch, tok.PeerAddress.Short())
	}
	return n.handshakes.Register(ctx, tok)
}

// Pair sends the bootstrap handshake for tok.
func (n *Node) Pair(ctx context.Context, tok *peer.Token) (*peer.Identity, error) {
	return n.handshakes.Initiate(ctx, tok)
}

// StartExchange initiates a session-key exchange with the peer at addr.
func (n *Node) StartExchange(ctx context.Context, addr transport.Address) error {
	if err := n.exchanges.Initiate(ctx, addr); err != nil {
		return err
	}
	n.metrics.ExchangeStarted()
	n.metrics.SetPendingExchanges(n.exchanges.Pending())
	return nil
}

// CancelExchange abandons an outstanding exchange with addr.
func (n *Node) CancelExchange(addr transport.Address) bool {
	return n.exchanges.Cancel(addr)
}

// SessionState reports the exchange state with addr.
func (n *Node) SessionState(ctx context.Context, addr transport.Address) (exchange.State, error) {
	return n.exchanges.State(ctx, addr)
}

// SendMessage sends body to addr. It reports false with a nil error when the
// message was queued, for lack of a session or because the transport failed.
func (n *Node) SendMessage(ctx context.Context, addr transport.Address, body []byte) (bool, error) {
	sent, err := n.messages.Send(ctx, addr, body)
	if err != nil {
		return false, err
	}
	if sent {
		n.metrics.MessageSent()
	} else {
		n.metrics.MessageQueued()
	}
	return sent, nil
}

// FlushPending sends the messages queued for addr if a session exists.
func (n *Node) FlushPending(ctx context.Context, addr transport.Address) (int, error) {
	sent, err := n.messages.Flush(ctx, addr)
	for i := 0; i < sent; i++ {
		n.metrics.MessageSent()
	}
	return sent, err
}

// Pending returns the messages queued for addr.
func (n *Node) Pending(ctx context.Context, addr transport.Address) ([]peer.PendingMessage, error) {
	return n.store.ListPending(ctx, addr)
}

// Peer resolves ref as a nickname, id or hex address.
func (n *Node) Peer(ctx context.Context, ref string) (*peer.Identity, error) {
	return n.dir.Resolve(ctx, ref)
}

// Peers lists the known peers sorted by nickname then address.
func (n *Node) Peers() []peer.Entry {
	return n.dir.Entries()
}

// SetNickname labels the peer at addr. An empty nickname clears the label.
func (n *Node) SetNickname(ctx context.Context, addr transport.Address, nickname string) (*peer.Identity, error) {
	if nickname != "" {
		if err := limits.ValidateNickname(nickname); err != nil {
			return nil, err
		}
	}
	p, err := n.dir.Lookup(ctx, addr)
	if err != nil {
		return nil, err
	}
	return n.dir.SetNickname(ctx, p.ID, nickname)
}

// RemovePeer deletes the peer at addr together with its history and queued
// messages.
func (n *Node) RemovePeer(ctx context.Context, addr transport.Address) error {
	p, err := n.dir.Lookup(ctx, addr)
	if err != nil {
		return err
	}
	n.exchanges.Cancel(addr)

	queued, err := n.store.ListPending(ctx, addr)
	if err != nil {
		return err
	}
	for _, msg := range queued {
		if err := n.store.DeletePending(ctx, msg.ID); err != nil && !errors.Is(err, peer.ErrNotFound) {
			return err
		}
	}
	if err := n.store.DeleteChat(ctx, p.ID); err != nil {
		return err
	}
	return n.dir.Delete(ctx, p.ID)
}

// History returns the chat history with addr, oldest first.
func (n *Node) History(ctx context.Context, addr transport.Address) ([]peer.ChatEntry, error) {
	p, err := n.dir.Lookup(ctx, addr)
	if err != nil {
		return nil, err
	}
	return n.store.ListChat(ctx, p.ID)
}

// DeleteHistory removes the chat history with addr.
func (n *Node) DeleteHistory(ctx context.Context, addr transport.Address) error {
	p, err := n.dir.Lookup(ctx, addr)
	if err != nil {
		return err
	}
	return n.store.DeleteChat(ctx, p.ID)
}

// Close shuts down the transport and the store.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = errors.Join(n.transport.Close(), n.store.Close())
		logrus.WithFields(logrus.Fields{
			"function": "Node.Close",
			"address":  n.Address().Short(),
		}).Info("Node closed")
	})
	return err
}
