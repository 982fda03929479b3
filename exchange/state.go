package exchange

import (
	"sync"
	"time"

	"github.com/opd-ai/peerchat/crypto"
)

// State is the exchange state of a peer as seen from this node.
type State int

const (
	// NoSession means no session key and nothing in flight.
	NoSession State = iota
	// Initiated means this node sent an EXCHANGE and awaits the reply.
	Initiated
	// Established means the stored session key is usable.
	Established
	// Expired means a session key is stored but has lapsed.
	Expired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Initiated:
		return "initiated"
	case Established:
		return "established"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// phase is the in-memory part of a peer's state. nil means nothing is held.
type phase interface {
	isPhase()
}

// initiated holds our ephemeral key while waiting for the peer's reply.
type initiated struct {
	eph       *crypto.KeyPair
	startedAt time.Time
}

// established holds the ephemeral key of a just-completed exchange.
type established struct {
	eph         crypto.PrivateKey
	completedAt time.Time
}

func (initiated) isPhase()   {}
func (established) isPhase() {}

// slot serializes state transitions for one peer.
type slot struct {
	mu    sync.Mutex
	phase phase
}

// clear drops the phase and wipes the key it held.
func (s *slot) clear() {
	switch p := s.phase.(type) {
	case initiated:
		crypto.WipeKeyPair(p.eph)
	case established:
		crypto.ZeroBytes(p.eph)
	}
	s.phase = nil
}
