package transport

import (
	"errors"
	"fmt"
)

// PacketType is the tag carried in the first byte of every datagram.
type PacketType byte

const (
	// PacketMessage carries an encrypted, signed application payload.
	PacketMessage PacketType = '0'
	// PacketExchange carries one half of a session-key exchange.
	PacketExchange PacketType = '1'
	// PacketHandshake carries a bootstrap pairing message.
	PacketHandshake PacketType = '2'
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketMessage:
		return "message"
	case PacketExchange:
		return "exchange"
	case PacketHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t == PacketMessage || t == PacketExchange || t == PacketHandshake
}

// ErrMalformedPacket is returned for datagrams that cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is a tagged datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to its wire form: [type (1 byte)][data].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, fmt.Errorf("%w: packet data is nil", ErrMalformedPacket)
	}

	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket splits a datagram into its tag and payload. Unknown tags are
// rejected.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}

	packetType := PacketType(data[0])
	if !packetType.Valid() {
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", ErrMalformedPacket, data[0])
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
