package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/limits"
)

// UDPTransport carries protocol datagrams over UDP.
//
// Each UDP payload is an envelope of the sender's protocol address followed by
// the protocol datagram. The transport keeps an endpoint book mapping
// protocol addresses to UDP endpoints. Entries are added explicitly, learned
// from the first envelope naming an unknown address, or moved by Confirm once
// the node has authenticated a datagram from a new endpoint.
type UDPTransport struct {
	conn         net.PacketConn
	self         Address
	endpoints    map[Address]net.Addr
	inbound      chan Datagram
	timeProvider crypto.TimeProvider
	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// UDPOptions tunes a UDPTransport. Zero values select defaults.
type UDPOptions struct {
	InboundQueue int
	TimeProvider crypto.TimeProvider
}

// NewUDPTransport listens on listenAddr and sends as self.
func NewUDPTransport(listenAddr string, self Address, opts UDPOptions) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	if opts.InboundQueue <= 0 {
		opts.InboundQueue = 256
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:         conn,
		self:         self,
		endpoints:    make(map[Address]net.Addr),
		inbound:      make(chan Datagram, opts.InboundQueue),
		timeProvider: crypto.OrSystem(opts.TimeProvider),
		ctx:          ctx,
		cancel:       cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"listen":   conn.LocalAddr().String(),
		"address":  self.Short(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()

	return t, nil
}

// AddEndpoint registers the UDP endpoint ("host:port") for a protocol address.
func (t *UDPTransport) AddEndpoint(addr Address, endpoint string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("resolve endpoint %q: %w", endpoint, err)
	}

	t.mu.Lock()
	t.endpoints[addr] = udpAddr
	t.mu.Unlock()
	return nil
}

// Endpoint returns the UDP endpoint known for addr.
func (t *UDPTransport) Endpoint(addr Address) (net.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.endpoints[addr]
	return ep, ok
}

// Confirm moves addr to the endpoint an authenticated datagram came from.
func (t *UDPTransport) Confirm(addr Address, source net.Addr) {
	t.mu.Lock()
	prev, ok := t.endpoints[addr]
	t.endpoints[addr] = source
	t.mu.Unlock()

	if ok && prev.String() != source.String() {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.Confirm",
			"peer":     addr.Short(),
			"from":     prev.String(),
			"to":       source.String(),
		}).Info("Peer endpoint moved")
	}
}

// Send wraps data in an envelope and writes it to dest's endpoint. Failures
// are returned to the caller and not retried.
func (t *UDPTransport) Send(ctx context.Context, dest Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if len(data)+AddressSize > limits.MaxDatagram {
		return fmt.Errorf("%w: datagram of %d bytes exceeds limit", ErrSendFailed, len(data))
	}

	endpoint, ok := t.Endpoint(dest)
	if !ok {
		return fmt.Errorf("%w: %w %s", ErrSendFailed, ErrNoEndpoint, dest.Short())
	}

	envelope := make([]byte, 0, AddressSize+len(data))
	envelope = append(envelope, t.self[:]...)
	envelope = append(envelope, data...)

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := t.conn.WriteTo(envelope, endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Receive returns the next inbound datagram.
func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d := <-t.inbound:
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-t.ctx.Done():
		return Datagram{}, ErrClosed
	}
}

// LocalAddress returns the protocol address of this transport.
func (t *UDPTransport) LocalAddress() Address {
	return t.self
}

// LocalAddr returns the UDP address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close shuts down the transport.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// processPackets reads envelopes until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, limits.MaxDatagram+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, from, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.processIncomingPacket",
				"error":    err.Error(),
			}).Debug("UDP read failed")
		}
		return
	}

	if n > limits.MaxDatagram || n <= AddressSize {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"from":     from.String(),
			"size":     n,
		}).Debug("Discarding envelope with invalid size")
		return
	}

	var sender Address
	copy(sender[:], buffer[:AddressSize])
	data := append([]byte(nil), buffer[AddressSize:n]...)

	// Only a first contact is learned here. A known address moves through
	// Confirm after the node authenticated the datagram.
	t.mu.Lock()
	if _, known := t.endpoints[sender]; !known {
		t.endpoints[sender] = from
	}
	t.mu.Unlock()

	d := Datagram{From: sender, Source: from, Data: data, ReceivedAt: t.timeProvider.Now()}
	select {
	case t.inbound <- d:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"from":     sender.Short(),
		}).Warn("Inbound queue full, dropping datagram")
	}
}
