package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/transport"
)

// DeliveryRecord represents one send attempt for test verification.
type DeliveryRecord struct {
	From      transport.Address
	To        transport.Address
	Type      transport.PacketType
	Data      []byte
	Timestamp time.Time
	Success   bool
	Dropped   bool
	Error     error
}

// SimulationStats summarizes the delivery log.
type SimulationStats struct {
	Nodes      int
	Deliveries int
	Successful int
	Failed     int
	Dropped    int
	Held       int
}

type heldDatagram struct {
	to transport.Address
	d  transport.Datagram
}

// SimulatedNetwork connects SimulatedTransports in memory.
type SimulatedNetwork struct {
	mu          sync.RWMutex
	nodes       map[transport.Address]*SimulatedTransport
	deliveryLog []DeliveryRecord
	failures    map[transport.Address]error
	dropWhen    func(from, to transport.Address, data []byte) bool
	holding     bool
	held        []heldDatagram
	clock       func() time.Time
}

// NewSimulatedNetwork creates an empty network.
func NewSimulatedNetwork() *SimulatedNetwork {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Debug("Creating simulated network")

	return &SimulatedNetwork{
		nodes:    make(map[transport.Address]*SimulatedTransport),
		failures: make(map[transport.Address]error),
		clock:    time.Now,
	}
}

// UseClock makes the network timestamp datagrams with clock.
func (n *SimulatedNetwork) UseClock(clock *ManualClock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = clock.Now
}

// Join attaches a new transport for addr. Joining twice returns the existing
// transport.
func (n *SimulatedNetwork) Join(addr transport.Address) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.nodes[addr]; ok {
		return t
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &SimulatedTransport{
		network: n,
		self:    addr,
		inbound: make(chan transport.Datagram, 1024),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.nodes[addr] = t

	logrus.WithFields(logrus.Fields{
		"function": "SimulatedNetwork.Join",
		"address":  addr.Short(),
		"nodes":    len(n.nodes),
	}).Debug("Node joined simulated network")

	return t
}

// FailSends makes every send towards dest fail with err wrapped in
// transport.ErrSendFailed. A nil err clears the failure.
func (n *SimulatedNetwork) FailSends(dest transport.Address, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, dest)
		return
	}
	n.failures[dest] = err
}

// DropWhen installs a predicate for silently lost datagrams. nil clears it.
func (n *SimulatedNetwork) DropWhen(drop func(from, to transport.Address, data []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropWhen = drop
}

// Hold stops delivery; sent datagrams are queued until Release.
func (n *SimulatedNetwork) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holding = true
}

// Held returns the number of queued datagrams.
func (n *SimulatedNetwork) Held() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.held)
}

// Release resumes delivery and delivers the queued datagrams in send order.
func (n *SimulatedNetwork) Release() int {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.holding = false
	n.mu.Unlock()

	for _, h := range held {
		n.deliver(h.to, h.d)
	}
	return len(held)
}

// Inject delivers data to to as if from had sent it, bypassing fault
// injection and the delivery log.
func (n *SimulatedNetwork) Inject(from, to transport.Address, data []byte) error {
	n.mu.RLock()
	now := n.clock()
	n.mu.RUnlock()

	d := transport.Datagram{From: from, Data: append([]byte(nil), data...), ReceivedAt: now}
	if !n.deliver(to, d) {
		return fmt.Errorf("%w: %w %s", transport.ErrSendFailed, transport.ErrNoEndpoint, to.Short())
	}
	return nil
}

func (n *SimulatedNetwork) send(ctx context.Context, from, to transport.Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}

	n.mu.Lock()
	record := DeliveryRecord{
		From:      from,
		To:        to,
		Data:      append([]byte(nil), data...),
		Timestamp: n.clock(),
	}
	if len(data) > 0 {
		record.Type = transport.PacketType(data[0])
	}

	_, known := n.nodes[to]
	switch {
	case n.failures[to] != nil:
		record.Error = fmt.Errorf("%w: %v", transport.ErrSendFailed, n.failures[to])
	case !known:
		record.Error = fmt.Errorf("%w: %w %s", transport.ErrSendFailed, transport.ErrNoEndpoint, to.Short())
	case n.dropWhen != nil && n.dropWhen(from, to, data):
		record.Success = true
		record.Dropped = true
	default:
		record.Success = true
	}
	n.deliveryLog = append(n.deliveryLog, record)

	if !record.Success || record.Dropped {
		n.mu.Unlock()
		if record.Error != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SimulatedNetwork.send",
				"from":     from.Short(),
				"to":       to.Short(),
				"error":    record.Error.Error(),
			}).Debug("Simulated send failed")
		}
		return record.Error
	}

	d := transport.Datagram{From: from, Data: record.Data, ReceivedAt: record.Timestamp}
	if n.holding {
		n.held = append(n.held, heldDatagram{to: to, d: d})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.deliver(to, d)
	return nil
}

func (n *SimulatedNetwork) deliver(to transport.Address, d transport.Datagram) bool {
	n.mu.RLock()
	t, ok := n.nodes[to]
	n.mu.RUnlock()
	if !ok || t.ctx.Err() != nil {
		return false
	}

	select {
	case t.inbound <- d:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedNetwork.deliver",
			"to":       to.Short(),
		}).Warn("Simulated inbound queue full, dropping datagram")
		return false
	}
}

// GetDeliveryLog returns a copy of the delivery log.
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	log := make([]DeliveryRecord, len(n.deliveryLog))
	copy(log, n.deliveryLog)
	return log
}

// SentBy returns the successful records sent by from with the given type.
func (n *SimulatedNetwork) SentBy(from transport.Address, pt transport.PacketType) []DeliveryRecord {
	var out []DeliveryRecord
	for _, r := range n.GetDeliveryLog() {
		if r.From == from && r.Type == pt && r.Success {
			out = append(out, r)
		}
	}
	return out
}

// ClearDeliveryLog clears the delivery log.
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = make([]DeliveryRecord, 0)
}

// GetStats returns statistics about the simulation.
func (n *SimulatedNetwork) GetStats() SimulationStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stats := SimulationStats{
		Nodes:      len(n.nodes),
		Deliveries: len(n.deliveryLog),
		Held:       len(n.held),
	}
	for _, r := range n.deliveryLog {
		switch {
		case r.Dropped:
			stats.Dropped++
		case r.Success:
			stats.Successful++
		default:
			stats.Failed++
		}
	}
	return stats
}

// SimulatedTransport is one node's view of a SimulatedNetwork. It implements
// transport.Transport.
type SimulatedTransport struct {
	network   *SimulatedNetwork
	self      transport.Address
	inbound   chan transport.Datagram
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Send delivers data to dest through the network.
func (t *SimulatedTransport) Send(ctx context.Context, dest transport.Address, data []byte) error {
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	return t.network.send(ctx, t.self, dest, data)
}

// Receive returns the next datagram addressed to this node.
func (t *SimulatedTransport) Receive(ctx context.Context) (transport.Datagram, error) {
	select {
	case d := <-t.inbound:
		return d, nil
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	case <-t.ctx.Done():
		return transport.Datagram{}, transport.ErrClosed
	}
}

// TryReceive returns a pending datagram without blocking.
func (t *SimulatedTransport) TryReceive() (transport.Datagram, bool) {
	select {
	case d := <-t.inbound:
		return d, true
	default:
		return transport.Datagram{}, false
	}
}

// Pending returns the number of undelivered inbound datagrams.
func (t *SimulatedTransport) Pending() int {
	return len(t.inbound)
}

// LocalAddress returns the node address.
func (t *SimulatedTransport) LocalAddress() transport.Address {
	return t.self
}

// Close detaches the node from the network.
func (t *SimulatedTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.network.mu.Lock()
		delete(t.network.nodes, t.self)
		t.network.mu.Unlock()
	})
	return nil
}

var _ transport.Transport = (*SimulatedTransport)(nil)
