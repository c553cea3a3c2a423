// Package orchestrator is the LQSR state machine: Send, Forward, Receive,
// and Scavenge, driven by a periodic timer that also paces metric-engine
// probing, piggy-back expiry, send-buffer expiry, maintenance-buffer
// retransmits, and link-info flooding.
package orchestrator

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/meshcl/mcl/internal/addr"
)

// RandomSource is the environment's pseudorandom bit generator, used to
// fill the IV of each source-routed packet. Route Request identifiers come
// from a counter and artificial drops from math/rand, not from here.
type RandomSource interface {
	Uint32() uint32
}

// CryptoRandomSource implements RandomSource over crypto/rand, the
// production default; tests use a deterministic fake.
type CryptoRandomSource struct{}

func (CryptoRandomSource) Uint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Crypto is the black-box MAC/encryption collaborator; the routing core
// never looks inside it. Encrypt/Decrypt operate on the LQSR
// payload only; the header's own MAC is computed by internal/codec.
type Crypto interface {
	Encrypt(iv [16]byte, plaintext []byte) ([]byte, error)
	Decrypt(iv [16]byte, ciphertext []byte) ([]byte, error)
}

// NoCrypto is the identity Crypto used when a virtual adapter's persisted
// configuration disables encryption.
type NoCrypto struct{}

func (NoCrypto) Encrypt(_ [16]byte, plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (NoCrypto) Decrypt(_ [16]byte, ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// PhysicalAdapter is the external collaborator for one of a virtual
// adapter's underlying wireless interfaces. Attach/detach machinery and raw
// frame I/O live outside the routing core; this is the seam a real adapter
// plugs into.
type PhysicalAdapter interface {
	// Index is this adapter's LQSRIf within the owning virtual adapter.
	Index() addr.LQSRIf
	// MAC is this adapter's physical (Ethernet) address.
	MAC() addr.PhysicalAddress
	// Channel and Bandwidth feed the WCETT metric's per-link info block.
	Channel() uint8
	Bandwidth() uint64
	// MTU is the adapter's frame size limit. The orchestrator uses it only to
	// size the piggy-back budget (a quarter of it); emitted frames are not
	// checked against it.
	MTU() int
	// SendFrame transmits a fully assembled Ethernet frame. Errors are
	// treated as transient and counted; they never propagate to the host.
	SendFrame(frame []byte) error
}

// HostStack is the external collaborator that receives payloads addressed
// to this virtual adapter's own address, standing in for the host IP
// stack's bind to the virtual interface.
type HostStack interface {
	Deliver(payload []byte) error
}
