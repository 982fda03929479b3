package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/crypto"
	"github.com/opd-ai/peerchat/limits"
	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/store"
	simnet "github.com/opd-ai/peerchat/testing"
	"github.com/opd-ai/peerchat/transport"
)

type node struct {
	addr     transport.Address
	store    *store.MemoryStore
	dir      *peer.Directory
	tr       *simnet.SimulatedTransport
	svc      *Service
	received []peer.ChatEntry
	control  [][]byte
}

type fakeExchanger struct {
	calls []transport.Address
	err   error
}

func (f *fakeExchanger) Initiate(_ context.Context, addr transport.Address) error {
	f.calls = append(f.calls, addr)
	return f.err
}

func newNode(n *simnet.SimulatedNetwork, clock *simnet.ManualClock, name string) *node {
	nd := &node{addr: transport.DeriveAddress([]byte(name)), store: store.NewMemoryStore()}
	nd.dir = peer.NewDirectoryWithTimeProvider(nd.store, clock)
	nd.tr = n.Join(nd.addr)
	nd.svc = NewService(Config{
		Self:         nd.addr,
		Directory:    nd.dir,
		Pending:      nd.store,
		Chats:        nd.store,
		Sender:       nd.tr,
		TimeProvider: clock,
		OnMessage: func(_ context.Context, _ *peer.Identity, e peer.ChatEntry) {
			nd.received = append(nd.received, e)
		},
		OnControl: func(_ context.Context, _ transport.Address, frame []byte) error {
			nd.control = append(nd.control, frame)
			return nil
		},
	})
	return nd
}

type pair struct {
	net   *simnet.SimulatedNetwork
	clock *simnet.ManualClock
	a, b  *node
}

// newPair builds two paired nodes that share a session key valid for an
// hour.
func newPair(t *testing.T) *pair {
	t.Helper()
	ctx := context.Background()
	n := simnet.NewSimulatedNetwork()
	clock := simnet.NewManualClock(time.Unix(1_700_000_000, 0))
	n.UseClock(clock)
	p := &pair{net: n, clock: clock, a: newNode(n, clock, "alice"), b: newNode(n, clock, "bob")}

	aKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	exp := clock.Now().Add(time.Hour)

	_, err = p.a.dir.Create(ctx, &peer.Identity{
		Nickname: "bob", Address: p.b.addr,
		PublicKey: bKeys.Public, PrivateKey: aKeys.Private,
		SessionKey: key, SessionExpiration: exp,
	})
	require.NoError(t, err)
	_, err = p.b.dir.Create(ctx, &peer.Identity{
		Nickname: "alice", Address: p.a.addr,
		PublicKey: aKeys.Public, PrivateKey: bKeys.Private,
		SessionKey: append([]byte(nil), key...), SessionExpiration: exp,
	})
	require.NoError(t, err)
	return p
}

// deliver hands every queued datagram for nd to its service and returns the
// handling errors.
func deliver(t *testing.T, nd *node) []error {
	t.Helper()
	var errs []error
	for {
		d, ok := nd.tr.TryReceive()
		if !ok {
			return errs
		}
		pkt, err := transport.ParsePacket(d.Data)
		require.NoError(t, err)
		require.Equal(t, transport.PacketMessage, pkt.PacketType)
		errs = append(errs, nd.svc.Handle(context.Background(), d.From, pkt.Data))
	}
}

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	sent, err := p.a.svc.Send(ctx, p.b.addr, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, sent)

	errs := deliver(t, p.b)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	require.Len(t, p.b.received, 1)
	assert.Equal(t, []byte("hello"), p.b.received[0].Body)
	assert.Equal(t, peer.Inbound, p.b.received[0].Direction)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	history, err := p.a.store.ListChat(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, peer.Outbound, history[0].Direction)

	alice, err := p.b.dir.Lookup(ctx, p.a.addr)
	require.NoError(t, err)
	history, err = p.b.store.ListChat(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, peer.Inbound, history[0].Direction)
}

func TestCorruptedMessageRejected(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	_, err := p.a.svc.Send(ctx, p.b.addr, []byte("hello"))
	require.NoError(t, err)

	d, ok := p.b.tr.TryReceive()
	require.True(t, ok)
	data := append([]byte(nil), d.Data...)
	data[len(data)-1] ^= 0x01

	pkt, err := transport.ParsePacket(data)
	require.NoError(t, err)
	err = p.b.svc.Handle(ctx, d.From, pkt.Data)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.Empty(t, p.b.received)
}

func TestWrongSignatureRejected(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	alice, err := p.b.dir.Lookup(ctx, p.a.addr)
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = p.b.dir.Update(ctx, alice.ID, peer.Update{PublicKey: other.Public})
	require.NoError(t, err)

	_, err = p.a.svc.Send(ctx, p.b.addr, []byte("hello"))
	require.NoError(t, err)

	errs := deliver(t, p.b)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], crypto.ErrInvalidSignature)
	assert.Empty(t, p.b.received)
}

func TestExpiredSessionQueues(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	ex := &fakeExchanger{}
	p.a.svc.SetExchanger(ex)
	p.a.svc.autoExchange = true

	p.clock.Advance(2 * time.Hour)

	sent, err := p.a.svc.Send(ctx, p.b.addr, []byte("later"))
	require.NoError(t, err)
	assert.False(t, sent)

	queue, err := p.a.store.ListPending(ctx, p.b.addr)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, []byte("later"), queue[0].Body)
	assert.Empty(t, p.net.SentBy(p.a.addr, transport.PacketMessage))
	assert.Equal(t, []transport.Address{p.b.addr}, ex.calls)
}

func TestQueueIgnoresExchangerError(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	p.a.svc.SetExchanger(&fakeExchanger{err: errors.New("busy")})
	p.a.svc.autoExchange = true
	p.clock.Advance(2 * time.Hour)

	sent, err := p.a.svc.Send(ctx, p.b.addr, []byte("later"))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestFlushPreservesOrder(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	key := bob.SessionKey

	p.clock.Advance(2 * time.Hour)
	for _, body := range []string{"one", "two", "three"} {
		sent, err := p.a.svc.Send(ctx, p.b.addr, []byte(body))
		require.NoError(t, err)
		require.False(t, sent)
		p.clock.Advance(time.Second)
	}

	// Both sides get a fresh session.
	exp := p.clock.Now().Add(time.Hour)
	_, err = p.a.dir.Update(ctx, bob.ID, peer.Update{Session: &peer.Session{Key: key, Expiration: exp}})
	require.NoError(t, err)
	alice, err := p.b.dir.Lookup(ctx, p.a.addr)
	require.NoError(t, err)
	_, err = p.b.dir.Update(ctx, alice.ID, peer.Update{Session: &peer.Session{Key: key, Expiration: exp}})
	require.NoError(t, err)

	n, err := p.a.svc.Flush(ctx, p.b.addr)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	queue, err := p.a.store.ListPending(ctx, p.b.addr)
	require.NoError(t, err)
	assert.Empty(t, queue)

	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}
	require.Len(t, p.b.received, 3)
	assert.Equal(t, []byte("one"), p.b.received[0].Body)
	assert.Equal(t, []byte("two"), p.b.received[1].Body)
	assert.Equal(t, []byte("three"), p.b.received[2].Body)
}

func TestSendFlushesQueueFirst(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	require.NoError(t, p.a.store.AppendPending(ctx, peer.PendingMessage{
		ID: "queued", Dest: p.b.addr, Body: []byte("first"), QueuedAt: p.clock.Now(),
	}))

	sent, err := p.a.svc.Send(ctx, bob.Address, []byte("second"))
	require.NoError(t, err)
	assert.True(t, sent)

	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}
	require.Len(t, p.b.received, 2)
	assert.Equal(t, []byte("first"), p.b.received[0].Body)
	assert.Equal(t, []byte("second"), p.b.received[1].Body)
}

func TestReplayRejected(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	_, err := p.a.svc.Send(ctx, p.b.addr, []byte("once"))
	require.NoError(t, err)
	d, ok := p.b.tr.TryReceive()
	require.True(t, ok)

	pkt, err := transport.ParsePacket(d.Data)
	require.NoError(t, err)
	require.NoError(t, p.b.svc.Handle(ctx, d.From, pkt.Data))
	err = p.b.svc.Handle(ctx, d.From, pkt.Data)
	assert.ErrorIs(t, err, ErrReplay)
	assert.Len(t, p.b.received, 1)
}

// exchangeDatagram builds a signed EXCHANGE datagram from nd.
func exchangeDatagram(t *testing.T, nd *node, priv crypto.PrivateKey) []byte {
	t.Helper()
	eph, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sig, err := crypto.Sign(priv, transport.ExchangeSignedBytes(nd.addr, eph.Public))
	require.NoError(t, err)
	raw, err := (&transport.ExchangeFrame{Signature: sig, Sender: nd.addr, EphemeralKey: eph.Public}).Encode()
	require.NoError(t, err)
	return raw
}

func TestControlFrames(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	frame := exchangeDatagram(t, p.a, bob.PrivateKey)
	require.NoError(t, p.a.svc.SendControl(ctx, bob, frame))

	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}
	assert.Empty(t, p.b.received)
	require.Len(t, p.b.control, 1)
	assert.Equal(t, frame, p.b.control[0])

	p.clock.Advance(2 * time.Hour)
	err = p.a.svc.SendControl(ctx, bob, frame)
	assert.ErrorIs(t, err, peer.ErrSessionExpired)
}

func TestUnverifiedExchangeShapeIsChat(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	lookalike := exchangeDatagram(t, p.a, other.Private)

	sent, err := p.a.svc.Send(ctx, p.b.addr, lookalike)
	require.NoError(t, err)
	require.True(t, sent)

	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}
	assert.Empty(t, p.b.control)
	require.Len(t, p.b.received, 1)
	assert.Equal(t, lookalike, p.b.received[0].Body)
}

func TestMessageLayout(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	alice, err := p.b.dir.Lookup(ctx, p.a.addr)
	require.NoError(t, err)

	t.Run("inbound", func(t *testing.T) {
		body := []byte("hello")
		sig, err := crypto.Sign(bob.PrivateKey, body)
		require.NoError(t, err)
		ciphertext, err := crypto.Encrypt(bob.SessionKey, append(sig, body...))
		require.NoError(t, err)

		payload := append(append([]byte(nil), p.a.addr[:]...), ciphertext...)
		require.NoError(t, p.b.svc.Handle(ctx, p.a.addr, payload))
		require.Len(t, p.b.received, 1)
		assert.Equal(t, body, p.b.received[0].Body)
	})

	t.Run("outbound", func(t *testing.T) {
		_, err := p.a.svc.Send(ctx, p.b.addr, []byte("hello"))
		require.NoError(t, err)
		d, ok := p.b.tr.TryReceive()
		require.True(t, ok)

		frame, err := transport.DecodeMessageFrame(d.Data[1:])
		require.NoError(t, err)
		assert.Equal(t, p.a.addr, frame.Sender)

		plaintext, err := crypto.Decrypt(alice.SessionKey, frame.Ciphertext)
		require.NoError(t, err)
		sig, body := plaintext[:crypto.SignatureSize], plaintext[crypto.SignatureSize:]
		assert.Equal(t, []byte("hello"), body)
		assert.True(t, crypto.Verify(alice.PublicKey, sig, body))
	})
}

func TestSendFailureQueues(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	ex := &fakeExchanger{}
	p.a.svc.SetExchanger(ex)
	p.a.svc.autoExchange = true

	p.net.FailSends(p.b.addr, errors.New("link down"))
	sent, err := p.a.svc.Send(ctx, p.b.addr, []byte("one"))
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = p.a.svc.Send(ctx, p.b.addr, []byte("two"))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, ex.calls)

	bob, err := p.a.dir.Lookup(ctx, p.b.addr)
	require.NoError(t, err)
	history, err := p.a.store.ListChat(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	sentNow, queued := p.a.svc.FlushAll(ctx)
	assert.Equal(t, 0, sentNow)
	assert.Equal(t, 2, queued)

	p.net.FailSends(p.b.addr, nil)
	sentNow, queued = p.a.svc.FlushAll(ctx)
	assert.Equal(t, 2, sentNow)
	assert.Equal(t, 0, queued)

	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}
	require.Len(t, p.b.received, 2)
	assert.Equal(t, []byte("one"), p.b.received[0].Body)
	assert.Equal(t, []byte("two"), p.b.received[1].Body)

	history, err = p.a.store.ListChat(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHandleRejectsUnknownAndExpired(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	_, err := p.a.svc.Send(ctx, p.b.addr, []byte("hello"))
	require.NoError(t, err)
	d, ok := p.b.tr.TryReceive()
	require.True(t, ok)
	pkt, err := transport.ParsePacket(d.Data)
	require.NoError(t, err)

	p.clock.Advance(2 * time.Hour)
	err = p.b.svc.Handle(ctx, d.From, pkt.Data)
	assert.ErrorIs(t, err, peer.ErrSessionExpired)

	stranger := transport.DeriveAddress([]byte("mallory"))
	forged := append([]byte(nil), pkt.Data...)
	copy(forged, stranger[:])
	err = p.b.svc.Handle(ctx, stranger, forged)
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)

	err = p.b.svc.Handle(ctx, d.From, []byte{1, 2, 3})
	assert.ErrorIs(t, err, transport.ErrMalformedPacket)
}

func TestSendValidatesSize(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	_, err := p.a.svc.Send(ctx, p.b.addr, nil)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	_, err = p.a.svc.Send(ctx, p.b.addr, make([]byte, limits.MaxPlaintextMessage+1))
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	sent, err := p.a.svc.Send(ctx, p.b.addr, make([]byte, limits.MaxPlaintextMessage))
	require.NoError(t, err)
	assert.True(t, sent)
	for _, err := range deliver(t, p.b) {
		require.NoError(t, err)
	}

	_, err = p.a.svc.Send(ctx, transport.DeriveAddress([]byte("nobody")), []byte("hi"))
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)
}
