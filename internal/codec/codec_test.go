package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

var macKey = []byte("test-mac-key-0123456789abcdef")

func mustVAddr(t *testing.T, b byte) addr.VirtualAddress {
	t.Helper()
	var a addr.VirtualAddress
	for i := range a {
		a[i] = b
	}
	return a
}

func sampleSourceRoutePacket(t *testing.T) *SRPacket {
	t.Helper()
	a := mustVAddr(t, 1)
	b := mustVAddr(t, 2)
	c := mustVAddr(t, 3)

	return &SRPacket{
		SourceRoute: &SourceRouteOption{
			Hops: []SourceRouteHop{
				{Addr: a, InIf: 0, OutIf: 1},
				{Addr: b, InIf: 1, OutIf: 2},
				{Addr: c, InIf: 2, OutIf: 0},
			},
			SegmentsLeft: 1,
		},
		AckReq:  &AckRequest{Identifier: 42},
		Ack:     []Ack{{Identifier: 7}, {Identifier: 8}},
		Payload: []byte("hello mesh"),
	}
}

func TestEmitParseRoundTrip(t *testing.T) {
	p := sampleSourceRoutePacket(t)

	frame, err := EmitFrame(p, macKey)
	require.NoError(t, err)

	got, err := ParseFrame(frame, macKey)
	require.NoError(t, err)

	require.Empty(t, cmp.Diff(p.SourceRoute, got.SourceRoute))
	require.Empty(t, cmp.Diff(p.AckReq, got.AckReq))
	require.Empty(t, cmp.Diff(p.Ack, got.Ack))
	require.Equal(t, p.Payload, got.Payload)
	require.Equal(t, p.SourceRoute.Hops[0].Addr, got.Source)
	require.Equal(t, p.SourceRoute.Hops[2].Addr, got.Dest)
}

func TestEmitParseEthernetRoundTrip(t *testing.T) {
	p := sampleSourceRoutePacket(t)
	src := addr.PhysicalAddress{0xaa}
	dst := addr.PhysicalAddress{0xbb}

	frame, err := EmitEthernet(p, src, dst, macKey)
	require.NoError(t, err)

	got, err := ParseEthernet(frame, macKey)
	require.NoError(t, err)
	require.Equal(t, src, got.EtherSource)
	require.Equal(t, dst, got.EtherDest)
	require.Equal(t, p.Payload, got.Payload)
}

func TestMACMismatchRejected(t *testing.T) {
	p := sampleSourceRoutePacket(t)
	frame, err := EmitFrame(p, macKey)
	require.NoError(t, err)

	mutated := append([]byte(nil), frame...)
	mutated[len(mutated)-1] ^= 0xFF // flip a payload byte, outside the MAC field

	_, err = ParseFrame(mutated, macKey)
	require.Error(t, err)
}

func TestWrongKeyRejected(t *testing.T) {
	p := sampleSourceRoutePacket(t)
	frame, err := EmitFrame(p, macKey)
	require.NoError(t, err)

	_, err = ParseFrame(frame, []byte("a different key"))
	require.Error(t, err)
}

func TestRouteRequestRequiresAtLeastOneHop(t *testing.T) {
	_, err := decodeRouteRequest(make([]byte, addrLen+4))
	require.Error(t, err)
}

func TestSourceRouteRejectsBadSegmentsLeft(t *testing.T) {
	p := sampleSourceRoutePacket(t)
	p.SourceRoute.SegmentsLeft = 0 // must be > 0

	_, err := encodeSourceRoute(p.SourceRoute)
	require.NoError(t, err) // encoding doesn't validate

	data, _ := encodeSourceRoute(p.SourceRoute)
	_, err = decodeSourceRoute(data)
	require.Error(t, err)
}

func TestPacketWithNoRecognizedOptionRejected(t *testing.T) {
	p := &SRPacket{Payload: []byte("x")}
	_, err := EmitFrame(p, macKey)
	require.NoError(t, err) // emit doesn't enforce this rule, only parse does

	frame, _ := EmitFrame(p, macKey)
	_, err = ParseFrame(frame, macKey)
	require.Error(t, err)
}
