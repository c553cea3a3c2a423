package sendbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestDrainFIFOOrder(t *testing.T) {
	b := New(2*addr.Second, 5)
	dest := addr.VirtualAddress{1}

	b.Enqueue(dest, []byte("a"), 0, false)
	b.Enqueue(dest, []byte("b"), 0, false)
	b.Enqueue(dest, []byte("c"), 0, false)

	entries, ok := b.Drain(dest, 0)
	require.True(t, ok)
	require.Len(t, entries, 3)
	require.Equal(t, "a", string(entries[0].Payload))
	require.Equal(t, "c", string(entries[2].Payload))

	_, ok = b.Drain(dest, 0)
	require.False(t, ok)
}

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	b := New(2*addr.Second, 2)
	dest := addr.VirtualAddress{1}

	b.Enqueue(dest, []byte("a"), 0, false)
	b.Enqueue(dest, []byte("b"), 0, false)
	b.Enqueue(dest, []byte("c"), 0, false)

	entries, ok := b.Drain(dest, 0)
	require.True(t, ok)
	require.Len(t, entries, 2)
	require.Equal(t, "b", string(entries[0].Payload))
	require.Equal(t, "c", string(entries[1].Payload))
}

func TestDrainDropsExpiredEntries(t *testing.T) {
	b := New(1*addr.Second, 5)
	dest := addr.VirtualAddress{1}

	b.Enqueue(dest, []byte("old"), 0, false)
	b.Enqueue(dest, []byte("new"), 2*addr.Second, false)

	entries, ok := b.Drain(dest, 2*addr.Second)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "new", string(entries[0].Payload))
}

func TestExpireDropsAcrossDestinations(t *testing.T) {
	b := New(1*addr.Second, 5)
	d1 := addr.VirtualAddress{1}
	d2 := addr.VirtualAddress{2}

	b.Enqueue(d1, []byte("a"), 0, false)
	b.Enqueue(d2, []byte("b"), 0, false)
	b.Enqueue(d2, []byte("c"), 2*addr.Second, false)

	dropped := b.Expire(2 * addr.Second)
	require.Equal(t, 2, dropped)
	require.False(t, b.Pending(d1))
	require.True(t, b.Pending(d2))
	require.Equal(t, 1, b.Len())
}
