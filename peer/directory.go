package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/limits"
	"github.com/opd-ai/peerchat/transport"
)

// Entry is the cached part of an Identity used for routing.
type Entry struct {
	ID       string
	Nickname string
	Address  transport.Address
}

// Directory indexes known peers by address, id and nickname. Every mutation
// goes to the PeerStore first; the index only changes once the store has
// accepted the write.
type Directory struct {
	mu           sync.RWMutex
	store        PeerStore
	entries      map[string]Entry
	byAddress    map[transport.Address]string
	byNickname   map[string]string
	timeProvider crypto.TimeProvider
}

// NewDirectory creates an empty directory over store.
func NewDirectory(store PeerStore) *Directory {
	return NewDirectoryWithTimeProvider(store, nil)
}

// NewDirectoryWithTimeProvider creates a directory with a custom clock for
// CreatedAt stamps.
func NewDirectoryWithTimeProvider(store PeerStore, tp crypto.TimeProvider) *Directory {
	return &Directory{
		store:        store,
		entries:      make(map[string]Entry),
		byAddress:    make(map[transport.Address]string),
		byNickname:   make(map[string]string),
		timeProvider: crypto.OrSystem(tp),
	}
}

// Load rebuilds the index from the store.
func (d *Directory) Load(ctx context.Context) error {
	peers, err := d.store.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = make(map[string]Entry, len(peers))
	d.byAddress = make(map[transport.Address]string, len(peers))
	d.byNickname = make(map[string]string)
	for _, p := range peers {
		d.index(p)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Directory.Load",
		"peers":    len(peers),
	}).Info("Peer directory loaded")
	return nil
}

func (d *Directory) index(p *Identity) {
	if old, ok := d.entries[p.ID]; ok && old.Nickname != "" {
		delete(d.byNickname, old.Nickname)
	}
	e := Entry{ID: p.ID, Nickname: p.Nickname, Address: p.Address}
	d.entries[p.ID] = e
	d.byAddress[p.Address] = p.ID
	if p.Nickname != "" {
		d.byNickname[p.Nickname] = p.ID
	}
}

func (d *Directory) unindex(id string) {
	e, ok := d.entries[id]
	if !ok {
		return
	}
	delete(d.entries, id)
	delete(d.byAddress, e.Address)
	if e.Nickname != "" {
		delete(d.byNickname, e.Nickname)
	}
}

// Create stores a new peer. An empty ID is filled with a UUID. It fails with
// ErrPeerExists if the address is already known.
func (d *Directory) Create(ctx context.Context, p *Identity) (*Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byAddress[p.Address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, p.Address.Short())
	}
	if p.Nickname != "" {
		if err := limits.ValidateNickname(p.Nickname); err != nil {
			return nil, err
		}
		if _, taken := d.byNickname[p.Nickname]; taken {
			return nil, fmt.Errorf("%w: %q", ErrNicknameTaken, p.Nickname)
		}
	}

	rec := p.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.timeProvider.Now()
	}

	if err := d.store.PutPeer(ctx, rec); err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	d.index(rec)

	logrus.WithFields(logrus.Fields{
		"function": "Directory.Create",
		"peer_id":  rec.ID,
		"address":  rec.Address.Short(),
	}).Info("Peer created")

	return rec.Clone(), nil
}

// Get returns the full record for id.
func (d *Directory) Get(ctx context.Context, id string) (*Identity, error) {
	d.mu.RLock()
	_, ok := d.entries[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrUnknownPeer, id)
	}
	return d.fetch(ctx, id)
}

// Lookup returns the full record for the peer at addr.
func (d *Directory) Lookup(ctx context.Context, addr transport.Address) (*Identity, error) {
	d.mu.RLock()
	id, ok := d.byAddress[addr]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr.Short())
	}
	return d.fetch(ctx, id)
}

// LookupNickname returns the full record for the peer with nickname.
func (d *Directory) LookupNickname(ctx context.Context, nickname string) (*Identity, error) {
	d.mu.RLock()
	id, ok := d.byNickname[nickname]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: nickname %q", ErrUnknownPeer, nickname)
	}
	return d.fetch(ctx, id)
}

// Resolve finds a peer by nickname, id, or hex address, in that order.
func (d *Directory) Resolve(ctx context.Context, ref string) (*Identity, error) {
	d.mu.RLock()
	id, ok := d.byNickname[ref]
	if !ok {
		if _, isID := d.entries[ref]; isID {
			id, ok = ref, true
		}
	}
	d.mu.RUnlock()
	if ok {
		return d.fetch(ctx, id)
	}

	addr, err := transport.ParseAddress(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, ref)
	}
	return d.Lookup(ctx, addr)
}

func (d *Directory) fetch(ctx context.Context, id string) (*Identity, error) {
	p, err := d.store.GetPeer(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: id %s missing from store", ErrUnknownPeer, id)
	}
	return p, err
}

// Contains reports whether addr belongs to a known peer.
func (d *Directory) Contains(addr transport.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byAddress[addr]
	return ok
}

// Update applies u to the peer with id and returns the new record.
func (d *Directory) Update(ctx context.Context, id string, u Update) (*Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[id]; !ok {
		return nil, fmt.Errorf("%w: id %s", ErrUnknownPeer, id)
	}
	if u.Nickname != nil && *u.Nickname != "" {
		if err := limits.ValidateNickname(*u.Nickname); err != nil {
			return nil, err
		}
		if owner, taken := d.byNickname[*u.Nickname]; taken && owner != id {
			return nil, fmt.Errorf("%w: %q", ErrNicknameTaken, *u.Nickname)
		}
	}

	p, err := d.store.UpdatePeer(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("update peer: %w", err)
	}
	d.index(p)
	return p, nil
}

// SetNickname sets or clears (empty string) the nickname of a peer.
func (d *Directory) SetNickname(ctx context.Context, id, nickname string) (*Identity, error) {
	return d.Update(ctx, id, Update{Nickname: &nickname})
}

// Delete removes a peer.
func (d *Directory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[id]; !ok {
		return fmt.Errorf("%w: id %s", ErrUnknownPeer, id)
	}
	if err := d.store.DeletePeer(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete peer: %w", err)
	}
	d.unindex(id)

	logrus.WithFields(logrus.Fields{
		"function": "Directory.Delete",
		"peer_id":  id,
	}).Info("Peer deleted")
	return nil
}

// Entries returns the cached entries sorted by nickname then address.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
