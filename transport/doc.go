// Package transport carries peerchat datagrams between nodes and defines
// their wire format.
//
// # Wire Format
//
// Every datagram starts with a one-byte ASCII tag:
//
//	'0' MESSAGE    sender(32) ‖ AEAD(session key, signature(64) ‖ plaintext)
//	'1' EXCHANGE   signature(64) ‖ sender(32) ‖ ephemeral public key(33)
//	'2' HANDSHAKE  key id(8) ‖ AEAD(bootstrap secret, address(32) ‖ public key(33))
//
// Packet splits the tag from the payload; the frame types in frames.go encode
// and decode each payload.
//
// # Transports
//
// The Transport interface is the collaborator the protocol engine depends on:
//
//	type Transport interface {
//	    Send(ctx context.Context, dest Address, data []byte) error
//	    Receive(ctx context.Context) (Datagram, error)
//	    LocalAddress() Address
//	    Close() error
//	}
//
// UDPTransport implements it over a net.PacketConn. Each UDP payload is the
// sender's protocol address followed by the datagram, so a receiver can route
// replies without any other addressing layer. Endpoints are registered with
// AddEndpoint or learned from the first datagram naming an unknown address.
// The envelope is not authenticated, so a known address only moves to a new
// endpoint through Confirm, which the node calls after a datagram from it was
// verified.
//
//	tr, err := transport.NewUDPTransport(":0", self, transport.UDPOptions{})
//	if err != nil {
//	    return err
//	}
//	defer tr.Close()
//	_ = tr.AddEndpoint(peer, "192.0.2.10:7400")
//
// The testing package provides an in-memory implementation for tests.
package transport
