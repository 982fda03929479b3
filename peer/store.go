package peer

import (
	"context"

	"github.com/opd-ai/peerchat/transport"
)

// PeerStore persists Identity records. Lookups return ErrNotFound for a
// missing record; infrastructure failures wrap ErrStore.
type PeerStore interface {
	// PutPeer creates or replaces a record.
	PutPeer(ctx context.Context, p *Identity) error
	GetPeer(ctx context.Context, id string) (*Identity, error)
	GetPeerByAddress(ctx context.Context, addr transport.Address) (*Identity, error)
	// UpdatePeer applies u atomically and returns the new record.
	UpdatePeer(ctx context.Context, id string, u Update) (*Identity, error)
	DeletePeer(ctx context.Context, id string) error
	ListPeers(ctx context.Context) ([]*Identity, error)
}

// ChatStore persists chat history.
type ChatStore interface {
	AppendChat(ctx context.Context, e ChatEntry) error
	// ListChat returns a peer's history oldest first.
	ListChat(ctx context.Context, peerID string) ([]ChatEntry, error)
	DeleteChat(ctx context.Context, peerID string) error
}

// PendingStore persists messages waiting for a session.
type PendingStore interface {
	AppendPending(ctx context.Context, m PendingMessage) error
	// ListPending returns the queue for dest oldest first.
	ListPending(ctx context.Context, dest transport.Address) ([]PendingMessage, error)
	DeletePending(ctx context.Context, id string) error
}

// TokenStore persists bootstrap tokens keyed by key id.
type TokenStore interface {
	PutToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, keyID transport.KeyID) (*Token, error)
	// DeleteToken returns ErrNotFound if the token was already gone, so a
	// caller can tell whether it consumed it.
	DeleteToken(ctx context.Context, keyID transport.KeyID) error
	ListTokens(ctx context.Context) ([]*Token, error)
}

// Store is the full persistence collaborator.
type Store interface {
	PeerStore
	ChatStore
	PendingStore
	TokenStore
	Close() error
}
