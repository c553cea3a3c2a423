package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"
)

// LayerTypeLQSR is the custom gopacket layer type for the LQSR header.
var LayerTypeLQSR = gopacket.RegisterLayerType(
	2781,
	gopacket.LayerTypeMetadata{Name: "LQSR", Decoder: gopacket.DecodeFunc(decodeLQSRLayer)},
)

// lqsrLayer is the fixed LQSR header (Code, MAC, IV, HeaderLength) plus the
// raw option TLV stream that follows it. Option TLVs are parsed separately
// into an SRPacket by decodeOptions.
type lqsrLayer struct {
	code         byte
	mac          [MACLength]byte
	iv           [IVLength]byte
	headerLength uint16

	optionBytes []byte
	contents    []byte
	payload     []byte
}

func decodeLQSRLayer(data []byte, p gopacket.PacketBuilder) error {
	l := &lqsrLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

func (l *lqsrLayer) LayerType() gopacket.LayerType { return LayerTypeLQSR }
func (l *lqsrLayer) LayerContents() []byte         { return l.contents }
func (l *lqsrLayer) LayerPayload() []byte          { return l.payload }

// DecodeFromBytes parses the fixed header and slices out the option stream
// and trailing payload without validating option shapes; that validation
// happens in decodeOptions, which runs after MAC verification.
func (l *lqsrLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < fixedHeaderLength {
		return fmt.Errorf("lqsr: frame shorter than fixed header (%d bytes)", len(data))
	}
	l.code = data[0]
	copy(l.mac[:], data[1:1+MACLength])
	copy(l.iv[:], data[1+MACLength:1+MACLength+IVLength])
	l.headerLength = binary.BigEndian.Uint16(data[1+MACLength+IVLength : fixedHeaderLength])

	end := fixedHeaderLength + int(l.headerLength)
	if end > len(data) {
		return fmt.Errorf("lqsr: declared header length %d exceeds frame", l.headerLength)
	}
	l.optionBytes = data[fixedHeaderLength:end]
	l.contents = data[:end]
	l.payload = data[end:]
	return nil
}

// SerializeTo writes the fixed header followed by the already-encoded
// option stream, then lets gopacket prepend any lower layers.
func (l *lqsrLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(fixedHeaderLength + len(l.optionBytes))
	if err != nil {
		return err
	}
	bytes[0] = l.code
	copy(bytes[1:1+MACLength], l.mac[:])
	copy(bytes[1+MACLength:1+MACLength+IVLength], l.iv[:])
	binary.BigEndian.PutUint16(bytes[1+MACLength+IVLength:fixedHeaderLength], uint16(len(l.optionBytes)))
	copy(bytes[fixedHeaderLength:], l.optionBytes)
	return nil
}
