package peer

import "errors"

var (
	// ErrNotFound is returned by stores for a missing record.
	ErrNotFound = errors.New("not found")
	// ErrPeerExists is returned when creating a peer for a known address.
	ErrPeerExists = errors.New("peer already exists")
	// ErrUnknownPeer is returned when an operation requires a known peer.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNicknameTaken is returned when a nickname is already in use.
	ErrNicknameTaken = errors.New("nickname already in use")
	// ErrSessionExpired is returned when a peer has no usable session key.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoPeerKey is returned when the peer's long-term public key is not
	// known yet.
	ErrNoPeerKey = errors.New("peer public key unknown")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("store failure")
	// ErrInvalidToken is returned for malformed token bundles.
	ErrInvalidToken = errors.New("invalid token")
)
