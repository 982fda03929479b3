package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrSendFailed wraps every failure to hand a datagram to the network.
	ErrSendFailed = errors.New("send failed")
	// ErrNoEndpoint is returned when no network endpoint is known for an address.
	ErrNoEndpoint = errors.New("no endpoint for address")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Datagram is one inbound datagram as reported by a Transport.
type Datagram struct {
	// From is the sender address claimed by the datagram; it is not
	// authenticated.
	From Address
	// Source is the network endpoint it arrived from, nil when the
	// transport has none.
	Source     net.Addr
	Data       []byte
	ReceivedAt time.Time
}

// Sender is the outbound half of a Transport. Protocol coordinators depend
// only on this.
type Sender interface {
	// Send delivers data to dest. It returns once the datagram has been
	// handed to the network or has definitely failed.
	Send(ctx context.Context, dest Address, data []byte) error
}

// Transport is the datagram collaborator the protocol engine runs on.
type Transport interface {
	Sender

	// Receive blocks until a datagram arrives, ctx is done, or the
	// transport is closed.
	Receive(ctx context.Context) (Datagram, error)

	// LocalAddress returns the protocol address datagrams are sent from.
	LocalAddress() Address

	// Close shuts down the transport.
	Close() error
}
