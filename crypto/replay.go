package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplayGuard remembers nonces of authenticated datagrams until they expire.
//
// Nonces are only recorded after the datagram they came from authenticated,
// so forged traffic cannot fill the cache.
//
// The guard is safe for concurrent use.
type ReplayGuard struct {
	mu           sync.Mutex
	seen         map[[NonceSize]byte]time.Time
	maxEntries   int
	timeProvider TimeProvider
}

// NewReplayGuard creates a guard holding at most maxEntries nonces.
// A non-positive maxEntries disables the bound.
func NewReplayGuard(maxEntries int, tp TimeProvider) *ReplayGuard {
	return &ReplayGuard{
		seen:         make(map[[NonceSize]byte]time.Time),
		maxEntries:   maxEntries,
		timeProvider: OrSystem(tp),
	}
}

// Seen reports whether nonce is already recorded and unexpired.
func (g *ReplayGuard) Seen(nonce []byte) bool {
	if len(nonce) != NonceSize {
		return false
	}
	var key [NonceSize]byte
	copy(key[:], nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.seen[key]
	return ok && g.timeProvider.Now().Before(expiry)
}

// Record stores nonce until expiry. It returns false if the nonce was already
// present, meaning the caller is looking at a replay.
func (g *ReplayGuard) Record(nonce []byte, expiry time.Time) bool {
	if len(nonce) != NonceSize {
		return false
	}
	var key [NonceSize]byte
	copy(key[:], nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now()
	if old, ok := g.seen[key]; ok && now.Before(old) {
		logrus.WithFields(logrus.Fields{
			"function": "ReplayGuard.Record",
			"nonce":    fmt.Sprintf("%x", key[:6]),
		}).Warn("Replay detected: nonce already used")
		return false
	}

	if g.maxEntries > 0 && len(g.seen) >= g.maxEntries {
		g.pruneLocked(now)
		if len(g.seen) >= g.maxEntries {
			g.evictOldestLocked()
		}
	}

	g.seen[key] = expiry
	return true
}

// Prune removes expired nonces and returns how many were dropped.
func (g *ReplayGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pruneLocked(g.timeProvider.Now())
}

func (g *ReplayGuard) pruneLocked(now time.Time) int {
	removed := 0
	for nonce, expiry := range g.seen {
		if !now.Before(expiry) {
			delete(g.seen, nonce)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "ReplayGuard.Prune",
			"removed":   removed,
			"remaining": len(g.seen),
		}).Debug("Pruned expired nonces")
	}
	return removed
}

func (g *ReplayGuard) evictOldestLocked() {
	var (
		victim [NonceSize]byte
		oldest time.Time
		found  bool
	)
	for nonce, expiry := range g.seen {
		if !found || expiry.Before(oldest) {
			victim, oldest, found = nonce, expiry, true
		}
	}
	if found {
		delete(g.seen, victim)
	}
}

// Size returns the number of remembered nonces.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
