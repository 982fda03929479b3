package peer

import (
	"time"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/transport"
)

// Identity is everything this node knows about one peer.
//
// PrivateKey is this node's signing key for the pairing; identities are
// scoped per peer. SessionKey and SessionExpiration are set together by the
// exchange and a lapsed session is detected at use time.
type Identity struct {
	ID                string            `json:"id"`
	Nickname          string            `json:"nickname,omitempty"`
	Address           transport.Address `json:"address"`
	PublicKey         crypto.PublicKey  `json:"public_key,omitempty"`
	PrivateKey        crypto.PrivateKey `json:"private_key,omitempty"`
	SessionKey        []byte            `json:"session_key,omitempty"`
	SessionExpiration time.Time         `json:"session_expiration,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// HasPublicKey reports whether the peer's long-term key is known.
func (p *Identity) HasPublicKey() bool {
	return len(p.PublicKey) == crypto.PublicKeySize
}

// HasValidSession reports whether the session key may be used at now.
func (p *Identity) HasValidSession(now time.Time) bool {
	return len(p.SessionKey) == crypto.KeySize && now.Before(p.SessionExpiration)
}

// SessionState describes the session for logs and the CLI.
func (p *Identity) SessionState(now time.Time) string {
	switch {
	case len(p.SessionKey) == 0:
		return "none"
	case p.HasValidSession(now):
		return "established"
	default:
		return "expired"
	}
}

// DisplayName returns the nickname, or the short address if there is none.
func (p *Identity) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.Address.Short()
}

// Clone returns a deep copy.
func (p *Identity) Clone() *Identity {
	c := *p
	c.PublicKey = append(crypto.PublicKey(nil), p.PublicKey...)
	c.PrivateKey = append(crypto.PrivateKey(nil), p.PrivateKey...)
	c.SessionKey = append([]byte(nil), p.SessionKey...)
	return &c
}

// Session is a negotiated session key and its expiry.
type Session struct {
	Key        []byte
	Expiration time.Time
}

// Update is a partial modification of an Identity. Nil fields are left
// unchanged.
type Update struct {
	Nickname   *string
	PublicKey  crypto.PublicKey
	PrivateKey crypto.PrivateKey
	Session    *Session
}

// Apply writes the set fields of u onto p.
func (u Update) Apply(p *Identity) {
	if u.Nickname != nil {
		p.Nickname = *u.Nickname
	}
	if u.PublicKey != nil {
		p.PublicKey = append(crypto.PublicKey(nil), u.PublicKey...)
	}
	if u.PrivateKey != nil {
		p.PrivateKey = append(crypto.PrivateKey(nil), u.PrivateKey...)
	}
	if u.Session != nil {
		p.SessionKey = append([]byte(nil), u.Session.Key...)
		p.SessionExpiration = u.Session.Expiration
	}
}

// Direction tells whether a chat entry was sent or received.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// ChatEntry is one line of chat history.
type ChatEntry struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Direction Direction `json:"direction"`
	Body      []byte    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingMessage is a chat message waiting for a valid session.
type PendingMessage struct {
	ID       string            `json:"id"`
	Dest     transport.Address `json:"dest"`
	Body     []byte            `json:"body"`
	QueuedAt time.Time         `json:"queued_at"`
}
