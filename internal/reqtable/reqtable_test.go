package reqtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestAcceptForwardSuppressesDuplicates(t *testing.T) {
	tbl := New()
	origin := addr.VirtualAddress{1}

	require.True(t, tbl.AcceptForward(origin, 7, 100))
	require.False(t, tbl.AcceptForward(origin, 7, 100))
	require.False(t, tbl.AcceptForward(origin, 7, 150))

	// A strictly better path for the same identifier gets through.
	require.True(t, tbl.AcceptForward(origin, 7, 50))

	// A new identifier is always fresh.
	require.True(t, tbl.AcceptForward(origin, 8, 100))
}

func TestShouldOriginateBacksOffExponentially(t *testing.T) {
	tbl := New()
	dest := addr.VirtualAddress{2}

	require.True(t, tbl.ShouldOriginate(dest, addr.Second))

	// Inside the first 100ms window: suppressed.
	require.False(t, tbl.ShouldOriginate(dest, addr.Second+50*addr.Millisecond))
	// Past it: allowed, and the window doubles.
	require.True(t, tbl.ShouldOriginate(dest, addr.Second+150*addr.Millisecond))
	require.False(t, tbl.ShouldOriginate(dest, addr.Second+250*addr.Millisecond))

	// After a reset the short window applies again.
	tbl.ResetBackoff(dest)
	require.True(t, tbl.ShouldOriginate(dest, addr.Second+400*addr.Millisecond))
}
