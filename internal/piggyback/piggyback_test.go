package piggyback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestAckOptionsCoalesce(t *testing.T) {
	s := New()
	nh := addr.VirtualAddress{1}

	s.Add(nh, Option{Kind: OptionAck, Payload: []byte{1}, Deadline: 10, CoalesceKey: "seq"})
	s.Add(nh, Option{Kind: OptionAck, Payload: []byte{2}, Deadline: 20, CoalesceKey: "seq"})

	taken := s.Take(nh, MinFrameSize)
	require.Len(t, taken, 1)
	require.Equal(t, []byte{2}, taken[0].Payload)
}

func TestTakeRespectsBudget(t *testing.T) {
	s := New()
	nh := addr.VirtualAddress{1}

	s.Add(nh, Option{Kind: OptionRouteReply, Payload: make([]byte, 900), Deadline: 1})
	s.Add(nh, Option{Kind: OptionRouteError, Payload: make([]byte, 900), Deadline: 2})

	taken := s.Take(nh, 1000)
	require.Len(t, taken, 1)
	require.True(t, s.Pending(nh))
}

func TestDueForcesExpiredOptions(t *testing.T) {
	s := New()
	nh := addr.VirtualAddress{1}

	s.Add(nh, Option{Kind: OptionAck, Payload: []byte{1}, Deadline: 100})
	s.Add(nh, Option{Kind: OptionRouteReply, Payload: []byte{2}, Deadline: 500})

	due := s.Due(200)
	require.Len(t, due[nh], 1)
	require.True(t, s.Pending(nh))

	due = s.Due(600)
	require.Len(t, due[nh], 1)
	require.False(t, s.Pending(nh))
}
