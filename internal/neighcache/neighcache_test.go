package neighcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestNewerObservationOverwrites(t *testing.T) {
	c := New()
	virt := addr.VirtualAddress{1}
	p1 := addr.PhysicalAddress{0xaa}
	p2 := addr.PhysicalAddress{0xbb}

	c.Observe(virt, 1, p1, 100)
	c.Observe(virt, 1, p2, 200)

	e, ok := c.Lookup(virt, 1)
	require.True(t, ok)
	require.Equal(t, p2, e.Physical)
	require.Equal(t, addr.Time(200), e.UpdatedAt)
}

func TestEntriesArePerInterface(t *testing.T) {
	c := New()
	virt := addr.VirtualAddress{1}

	c.Observe(virt, 1, addr.PhysicalAddress{0xaa}, 0)

	_, ok := c.Lookup(virt, 2)
	require.False(t, ok)
}

func TestReverseLookup(t *testing.T) {
	c := New()
	virt := addr.VirtualAddress{1}
	phys := addr.PhysicalAddress{0xaa}

	c.Observe(virt, 1, phys, 0)

	got, ok := c.ReverseLookup(phys, 1)
	require.True(t, ok)
	require.Equal(t, virt, got)

	_, ok = c.ReverseLookup(phys, 2)
	require.False(t, ok)
}

func TestMarkStateAndFlush(t *testing.T) {
	c := New()
	virt := addr.VirtualAddress{1}

	c.Observe(virt, 1, addr.PhysicalAddress{0xaa}, 0)
	c.MarkState(virt, 1, StateFailed)

	e, ok := c.Lookup(virt, 1)
	require.True(t, ok)
	require.Equal(t, StateFailed, e.State)

	c.Flush()
	require.Empty(t, c.Dump())
}
