package maintbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
)

func buildStatic(payload string) BuildFrame {
	return func(uint32, bool) ([]byte, error) {
		return []byte(payload), nil
	}
}

func TestSendAssignsSequentialAckIDs(t *testing.T) {
	b := New(DefaultConfig())
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	var ids []uint32
	record := func(id uint32, withAck bool) ([]byte, error) {
		require.True(t, withAck)
		ids = append(ids, id)
		return []byte("x"), nil
	}

	_, tracked, err := b.Send(key, 0, record)
	require.NoError(t, err)
	require.True(t, tracked)
	_, _, err = b.Send(key, 0, record)
	require.NoError(t, err)

	require.Equal(t, []uint32{1, 2}, ids)
}

func TestAckMatchesOldestOutstandingID(t *testing.T) {
	b := New(DefaultConfig())
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("a"))
	require.NoError(t, err)
	_, _, err = b.Send(key, 0, buildStatic("b"))
	require.NoError(t, err)
	require.Equal(t, 2, b.QueueDepth(key))

	b.Ack(key, 1, 10)
	require.Equal(t, 1, b.QueueDepth(key))

	// An id nothing outstanding matches is ignored.
	b.Ack(key, 99, 11)
	require.Equal(t, 1, b.QueueDepth(key))

	b.Ack(key, 2, 12)
	require.Equal(t, 0, b.QueueDepth(key))
}

func TestAckOpensHoldoffWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldoffTime = 250 * addr.Millisecond
	b := New(cfg)
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("a"))
	require.NoError(t, err)
	b.Ack(key, 1, 100*addr.Millisecond)

	// Inside the holdoff: no ack request, nothing queued.
	_, tracked, err := b.Send(key, 200*addr.Millisecond, func(id uint32, withAck bool) ([]byte, error) {
		require.False(t, withAck)
		require.Zero(t, id)
		return []byte("b"), nil
	})
	require.NoError(t, err)
	require.False(t, tracked)
	require.Equal(t, 0, b.QueueDepth(key))

	// Past the holdoff: tracking resumes.
	_, tracked, err = b.Send(key, 400*addr.Millisecond, buildStatic("c"))
	require.NoError(t, err)
	require.True(t, tracked)
}

func TestQueueFullRejectsSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueue = 2
	b := New(cfg)
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("a"))
	require.NoError(t, err)
	_, _, err = b.Send(key, 0, buildStatic("b"))
	require.NoError(t, err)
	_, _, err = b.Send(key, 0, buildStatic("c"))
	require.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestTickRetransmitsBeforeLinkTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RexmitTimeout = 100 * addr.Millisecond
	cfg.LinkTimeout = 500 * addr.Millisecond
	b := New(cfg)
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("payload"))
	require.NoError(t, err)

	events := b.Tick(150 * addr.Millisecond)
	require.Len(t, events, 1)
	require.Equal(t, "payload", string(events[0].Retransmit))
	require.False(t, events[0].LinkBroken)
}

func TestTickDeclaresLinkBrokenAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RexmitTimeout = 100 * addr.Millisecond
	cfg.LinkTimeout = 500 * addr.Millisecond
	b := New(cfg)
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("payload"))
	require.NoError(t, err)

	events := b.Tick(600 * addr.Millisecond)
	require.Len(t, events, 1)
	require.True(t, events[0].LinkBroken)
	require.Equal(t, 0, b.QueueDepth(key))

	// The queue is usable again immediately; routing decides what to do
	// with the now-penalized link.
	_, tracked, err := b.Send(key, 700*addr.Millisecond, buildStatic("retry"))
	require.NoError(t, err)
	require.True(t, tracked)
}

func TestExpireReclaimsIdleEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * addr.Second
	b := New(cfg)
	key := Key{Neighbor: addr.VirtualAddress{1}, OutIf: 1, InIf: 1}

	_, _, err := b.Send(key, 0, buildStatic("a"))
	require.NoError(t, err)
	b.Ack(key, 1, 0)

	require.Equal(t, 0, b.Expire(5*addr.Second))
	require.Equal(t, 1, b.Expire(20*addr.Second))
}
