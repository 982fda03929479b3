// Package peer holds the records the protocol engine keeps about other nodes
// and the storage contract for them.
//
// An Identity is one pairing: the peer's address and long-term public key,
// this node's private key for that pairing, and the current session key. A
// Token is a one-time bootstrap credential. PendingMessage and ChatEntry are
// the outbound queue and the chat history.
//
// Directory is the in-memory index used for dispatch. It maps addresses,
// ids and nicknames to peers and writes every mutation through to a
// PeerStore before updating itself, so the index never drifts from storage.
//
// Example:
//
//	dir := peer.NewDirectory(store)
//	if err := dir.Load(ctx); err != nil {
//	    return err
//	}
//	alice, err := dir.Lookup(ctx, addr)
package peer
