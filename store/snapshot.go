package store

import (
	"sort"

	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// snapshot is the complete state of a MemoryStore and the plaintext of a
// FileStore.
type snapshot struct {
	Peers   map[string]*peer.Identity       `json:"peers"`
	Chats   map[string][]peer.ChatEntry     `json:"chats"`
	Pending []peer.PendingMessage           `json:"pending"`
	Tokens  map[transport.KeyID]*peer.Token `json:"tokens"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Peers:  make(map[string]*peer.Identity),
		Chats:  make(map[string][]peer.ChatEntry),
		Tokens: make(map[transport.KeyID]*peer.Token),
	}
}

// normalize fills nil maps after decoding.
func (s *snapshot) normalize() {
	if s.Peers == nil {
		s.Peers = make(map[string]*peer.Identity)
	}
	if s.Chats == nil {
		s.Chats = make(map[string][]peer.ChatEntry)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[transport.KeyID]*peer.Token)
	}
}

func (s *snapshot) clone() *snapshot {
	c := newSnapshot()
	for id, p := range s.Peers {
		c.Peers[id] = p.Clone()
	}
	for id, entries := range s.Chats {
		c.Chats[id] = append([]peer.ChatEntry(nil), entries...)
	}
	c.Pending = append([]peer.PendingMessage(nil), s.Pending...)
	for k, t := range s.Tokens {
		c.Tokens[k] = cloneToken(t)
	}
	return c
}

func (s *snapshot) peerByAddress(addr transport.Address) *peer.Identity {
	for _, p := range s.Peers {
		if p.Address == addr {
			return p
		}
	}
	return nil
}

func cloneToken(t *peer.Token) *peer.Token {
	c := *t
	c.Secret = append([]byte(nil), t.Secret...)
	return &c
}

func sortPeers(peers []*peer.Identity) {
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].CreatedAt.Equal(peers[j].CreatedAt) {
			return peers[i].CreatedAt.Before(peers[j].CreatedAt)
		}
		return peers[i].ID < peers[j].ID
	})
}
