package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerchat/transport"
)

func newPair(t *testing.T) (*SimulatedNetwork, *SimulatedTransport, *SimulatedTransport) {
	t.Helper()
	n := NewSimulatedNetwork()
	a := n.Join(transport.DeriveAddress([]byte("a")))
	b := n.Join(transport.DeriveAddress([]byte("b")))
	return n, a, b
}

func TestSimulatedDelivery(t *testing.T) {
	n, a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, b.LocalAddress(), []byte{'0', 1}))

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.LocalAddress(), d.From)
	assert.Equal(t, []byte{'0', 1}, d.Data)

	log := n.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.True(t, log[0].Success)
	assert.Equal(t, transport.PacketMessage, log[0].Type)
	assert.Len(t, n.SentBy(a.LocalAddress(), transport.PacketMessage), 1)
}

func TestJoinIsIdempotent(t *testing.T) {
	n := NewSimulatedNetwork()
	addr := transport.DeriveAddress([]byte("x"))
	assert.Same(t, n.Join(addr), n.Join(addr))
	assert.Equal(t, 1, n.GetStats().Nodes)
}

func TestSendToUnknownNodeFails(t *testing.T) {
	n, a, _ := newPair(t)

	err := a.Send(context.Background(), transport.DeriveAddress([]byte("ghost")), []byte{'0'})
	assert.ErrorIs(t, err, transport.ErrSendFailed)
	assert.ErrorIs(t, err, transport.ErrNoEndpoint)
	assert.Equal(t, 1, n.GetStats().Failed)
}

func TestFailSends(t *testing.T) {
	n, a, b := newPair(t)
	n.FailSends(b.LocalAddress(), errors.New("link down"))

	err := a.Send(context.Background(), b.LocalAddress(), []byte{'1'})
	assert.ErrorIs(t, err, transport.ErrSendFailed)
	assert.Equal(t, 0, b.Pending())

	n.FailSends(b.LocalAddress(), nil)
	assert.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'1'}))
	assert.Equal(t, 1, b.Pending())
}

func TestDropWhen(t *testing.T) {
	n, a, b := newPair(t)
	n.DropWhen(func(_, _ transport.Address, data []byte) bool {
		return data[0] == '1'
	})

	require.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'1'}))
	require.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'0'}))

	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 1, n.GetStats().Dropped)
}

func TestHoldAndRelease(t *testing.T) {
	n, a, b := newPair(t)
	n.Hold()

	require.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'0', 1}))
	require.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'0', 2}))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 2, n.Held())

	assert.Equal(t, 2, n.Release())
	first, ok := b.TryReceive()
	require.True(t, ok)
	assert.Equal(t, byte(1), first.Data[1])
}

func TestInject(t *testing.T) {
	n, a, b := newPair(t)
	require.NoError(t, n.Inject(a.LocalAddress(), b.LocalAddress(), []byte{'2'}))

	d, ok := b.TryReceive()
	require.True(t, ok)
	assert.Equal(t, a.LocalAddress(), d.From)
	assert.Empty(t, n.GetDeliveryLog())
}

func TestCloseDetaches(t *testing.T) {
	n, a, b := newPair(t)
	require.NoError(t, b.Close())

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)

	err = a.Send(context.Background(), b.LocalAddress(), []byte{'0'})
	assert.ErrorIs(t, err, transport.ErrNoEndpoint)
	assert.Equal(t, 1, n.GetStats().Nodes)
}

func TestManualClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManualClock(start)
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	n, a, b := newPair(t)
	n.UseClock(c)
	require.NoError(t, a.Send(context.Background(), b.LocalAddress(), []byte{'0'}))
	d, _ := b.TryReceive()
	assert.Equal(t, c.Now(), d.ReceivedAt)
}
