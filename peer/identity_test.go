package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/peerchat/crypto"
)

func TestHasValidSession(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := &Identity{}
	assert.False(t, p.HasValidSession(now))
	assert.Equal(t, "none", p.SessionState(now))

	p.SessionKey = make([]byte, crypto.KeySize)
	p.SessionExpiration = now.Add(time.Hour)
	assert.True(t, p.HasValidSession(now))
	assert.Equal(t, "established", p.SessionState(now))

	assert.False(t, p.HasValidSession(now.Add(time.Hour)))
	assert.Equal(t, "expired", p.SessionState(now.Add(2*time.Hour)))
}

func TestUpdateApply(t *testing.T) {
	p := &Identity{Nickname: "old", PublicKey: crypto.PublicKey{1}}
	nick := "new"
	exp := time.Unix(5, 0)

	Update{Nickname: &nick, Session: &Session{Key: []byte{7}, Expiration: exp}}.Apply(p)

	assert.Equal(t, "new", p.Nickname)
	assert.Equal(t, crypto.PublicKey{1}, p.PublicKey)
	assert.Equal(t, []byte{7}, p.SessionKey)
	assert.Equal(t, exp, p.SessionExpiration)
}

func TestCloneIsDeep(t *testing.T) {
	p := &Identity{PublicKey: crypto.PublicKey{1, 2}, SessionKey: []byte{3}}
	c := p.Clone()
	c.PublicKey[0] = 9
	c.SessionKey[0] = 9

	assert.Equal(t, byte(1), p.PublicKey[0])
	assert.Equal(t, byte(3), p.SessionKey[0])
}

func TestDisplayName(t *testing.T) {
	p := &Identity{}
	assert.Equal(t, p.Address.Short(), p.DisplayName())
	p.Nickname = "zed"
	assert.Equal(t, "zed", p.DisplayName())
}
