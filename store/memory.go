package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

// MemoryStore is an in-memory peer.Store. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	state *snapshot

	// commit, if set, runs after every mutation while the lock is held. A
	// commit error rolls the mutation back.
	commit func(*snapshot) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newSnapshot()}
}

func (m *MemoryStore) read(fn func(s *snapshot) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *MemoryStore) mutate(fn func(s *snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var backup *snapshot
	if m.commit != nil {
		backup = m.state.clone()
	}
	if err := fn(m.state); err != nil {
		if backup != nil {
			m.state = backup
		}
		return err
	}
	if m.commit != nil {
		if err := m.commit(m.state); err != nil {
			m.state = backup
			return fmt.Errorf("%w: %v", peer.ErrStore, err)
		}
	}
	return nil
}

// PutPeer creates or replaces a peer record.
func (m *MemoryStore) PutPeer(ctx context.Context, p *peer.Identity) error {
	return m.mutate(func(s *snapshot) error {
		s.Peers[p.ID] = p.Clone()
		return nil
	})
}

// GetPeer returns a copy of the record with id.
func (m *MemoryStore) GetPeer(ctx context.Context, id string) (*peer.Identity, error) {
	var out *peer.Identity
	err := m.read(func(s *snapshot) error {
		p, ok := s.Peers[id]
		if !ok {
			return fmt.Errorf("peer %s: %w", id, peer.ErrNotFound)
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// GetPeerByAddress returns a copy of the record for addr.
func (m *MemoryStore) GetPeerByAddress(ctx context.Context, addr transport.Address) (*peer.Identity, error) {
	var out *peer.Identity
	err := m.read(func(s *snapshot) error {
		p := s.peerByAddress(addr)
		if p == nil {
			return fmt.Errorf("peer %s: %w", addr.Short(), peer.ErrNotFound)
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// UpdatePeer applies u to the record with id.
func (m *MemoryStore) UpdatePeer(ctx context.Context, id string, u peer.Update) (*peer.Identity, error) {
	var out *peer.Identity
	err := m.mutate(func(s *snapshot) error {
		p, ok := s.Peers[id]
		if !ok {
			return fmt.Errorf("peer %s: %w", id, peer.ErrNotFound)
		}
		u.Apply(p)
		out = p.Clone()
		return nil
	})
	return out, err
}

// DeletePeer removes the record with id.
func (m *MemoryStore) DeletePeer(ctx context.Context, id string) error {
	return m.mutate(func(s *snapshot) error {
		if _, ok := s.Peers[id]; !ok {
			return fmt.Errorf("peer %s: %w", id, peer.ErrNotFound)
		}
		delete(s.Peers, id)
		return nil
	})
}

// ListPeers returns copies of all records, oldest first.
func (m *MemoryStore) ListPeers(ctx context.Context) ([]*peer.Identity, error) {
	var out []*peer.Identity
	err := m.read(func(s *snapshot) error {
		out = make([]*peer.Identity, 0, len(s.Peers))
		for _, p := range s.Peers {
			out = append(out, p.Clone())
		}
		return nil
	})
	sortPeers(out)
	return out, err
}

// AppendChat adds an entry to a peer's history.
func (m *MemoryStore) AppendChat(ctx context.Context, e peer.ChatEntry) error {
	return m.mutate(func(s *snapshot) error {
		e.Body = append([]byte(nil), e.Body...)
		s.Chats[e.PeerID] = append(s.Chats[e.PeerID], e)
		return nil
	})
}

// ListChat returns a peer's history oldest first.
func (m *MemoryStore) ListChat(ctx context.Context, peerID string) ([]peer.ChatEntry, error) {
	var out []peer.ChatEntry
	err := m.read(func(s *snapshot) error {
		out = append([]peer.ChatEntry(nil), s.Chats[peerID]...)
		return nil
	})
	return out, err
}

// DeleteChat drops a peer's history.
func (m *MemoryStore) DeleteChat(ctx context.Context, peerID string) error {
	return m.mutate(func(s *snapshot) error {
		delete(s.Chats, peerID)
		return nil
	})
}

// AppendPending queues a message.
func (m *MemoryStore) AppendPending(ctx context.Context, msg peer.PendingMessage) error {
	return m.mutate(func(s *snapshot) error {
		msg.Body = append([]byte(nil), msg.Body...)
		s.Pending = append(s.Pending, msg)
		return nil
	})
}

// ListPending returns the queue for dest oldest first.
func (m *MemoryStore) ListPending(ctx context.Context, dest transport.Address) ([]peer.PendingMessage, error) {
	var out []peer.PendingMessage
	err := m.read(func(s *snapshot) error {
		for _, msg := range s.Pending {
			if msg.Dest == dest {
				out = append(out, msg)
			}
		}
		return nil
	})
	return out, err
}

// DeletePending removes a queued message.
func (m *MemoryStore) DeletePending(ctx context.Context, id string) error {
	return m.mutate(func(s *snapshot) error {
		for i, msg := range s.Pending {
			if msg.ID == id {
				s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("pending message %s: %w", id, peer.ErrNotFound)
	})
}

// PutToken stores a bootstrap token.
func (m *MemoryStore) PutToken(ctx context.Context, t *peer.Token) error {
	return m.mutate(func(s *snapshot) error {
		s.Tokens[t.KeyID] = cloneToken(t)
		return nil
	})
}

// GetToken returns the token with keyID.
func (m *MemoryStore) GetToken(ctx context.Context, keyID transport.KeyID) (*peer.Token, error) {
	var out *peer.Token
	err := m.read(func(s *snapshot) error {
		t, ok := s.Tokens[keyID]
		if !ok {
			return fmt.Errorf("token %s: %w", keyID, peer.ErrNotFound)
		}
		out = cloneToken(t)
		return nil
	})
	return out, err
}

// DeleteToken removes the token with keyID.
func (m *MemoryStore) DeleteToken(ctx context.Context, keyID transport.KeyID) error {
	return m.mutate(func(s *snapshot) error {
		if _, ok := s.Tokens[keyID]; !ok {
			return fmt.Errorf("token %s: %w", keyID, peer.ErrNotFound)
		}
		delete(s.Tokens, keyID)
		return nil
	})
}

// ListTokens returns all stored tokens.
func (m *MemoryStore) ListTokens(ctx context.Context) ([]*peer.Token, error) {
	var out []*peer.Token
	err := m.read(func(s *snapshot) error {
		for _, t := range s.Tokens {
			out = append(out, cloneToken(t))
		}
		return nil
	})
	return out, err
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var _ peer.Store = (*MemoryStore)(nil)
