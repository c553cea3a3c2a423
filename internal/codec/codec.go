package codec

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
)

// macOffset is how far into the frame MAC verification starts: past Code
// and the MAC field itself, so the computed digest never depends on its
// own previous value.
const macOffset = 1 + MACLength

func computeMAC(key []byte, frame []byte) [MACLength]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(frame[macOffset:])
	sum := mac.Sum(nil)
	var out [MACLength]byte
	copy(out[:], sum[:MACLength])
	return out
}

func writeOption(buf *bytes.Buffer, typ optionType, data []byte) error {
	if typ == optPad1 {
		buf.WriteByte(0)
		return nil
	}
	if len(data) > 255 {
		return fmt.Errorf("%w: option %d too long", errs.ErrInvalidPacket, typ)
	}
	buf.WriteByte(byte(typ))
	buf.WriteByte(byte(len(data)))
	buf.Write(data)
	return nil
}

// encodeOptions assembles p's options in a fixed canonical order.
func encodeOptions(p *SRPacket) ([]byte, error) {
	var buf bytes.Buffer

	if p.Req != nil {
		data, err := encodeRouteRequest(p.Req)
		if err != nil {
			return nil, err
		}
		if err := writeOption(&buf, optRouteRequest, data); err != nil {
			return nil, err
		}
	}
	if p.SourceRoute != nil {
		data, err := encodeSourceRoute(p.SourceRoute)
		if err != nil {
			return nil, err
		}
		if err := writeOption(&buf, optSourceRoute, data); err != nil {
			return nil, err
		}
	}
	for i := range p.Rep {
		data, err := encodeRouteReply(&p.Rep[i])
		if err != nil {
			return nil, err
		}
		if err := writeOption(&buf, optRouteReply, data); err != nil {
			return nil, err
		}
	}
	for i := range p.Err {
		if err := writeOption(&buf, optRouteError, encodeRouteError(&p.Err[i])); err != nil {
			return nil, err
		}
	}
	if p.AckReq != nil {
		if err := writeOption(&buf, optAckRequest, encodeAckRequest(p.AckReq)); err != nil {
			return nil, err
		}
	}
	for i := range p.Ack {
		if err := writeOption(&buf, optAck, encodeAck(&p.Ack[i])); err != nil {
			return nil, err
		}
	}
	if p.InfoReq != nil {
		if err := writeOption(&buf, optInfoRequest, nil); err != nil {
			return nil, err
		}
	}
	for i := range p.InfoRep {
		if err := writeOption(&buf, optInfoReply, encodeInfoReply(&p.InfoRep[i])); err != nil {
			return nil, err
		}
	}
	if p.Probe != nil {
		data, err := encodeProbe(p.Probe)
		if err != nil {
			return nil, err
		}
		if err := writeOption(&buf, optProbe, data); err != nil {
			return nil, err
		}
	}
	if p.ProbeReply != nil {
		if err := writeOption(&buf, optProbeReply, encodeProbeReply(p.ProbeReply)); err != nil {
			return nil, err
		}
	}
	for i := range p.LinkInfo {
		data, err := encodeLinkInfo(&p.LinkInfo[i])
		if err != nil {
			return nil, err
		}
		if err := writeOption(&buf, optLinkInfo, data); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// decodeOptions walks the option TLV stream, enforcing multiplicity and
// per-option shape, and fills the corresponding SRPacket fields.
func decodeOptions(data []byte, p *SRPacket) error {
	off := 0
	for off < len(data) {
		typ := optionType(data[off])
		if typ == optPad1 {
			off++
			continue
		}
		if off+2 > len(data) {
			return fmt.Errorf("%w: truncated option header", errs.ErrInvalidPacket)
		}
		dataLen := int(data[off+1])
		start := off + 2
		end := start + dataLen
		if end > len(data) {
			return fmt.Errorf("%w: option data runs past header", errs.ErrInvalidPacket)
		}
		body := data[start:end]

		switch typ {
		case optPadN:
			// ignored
		case optRouteRequest:
			if p.Req != nil {
				return fmt.Errorf("%w: duplicate route request", errs.ErrInvalidPacket)
			}
			req, err := decodeRouteRequest(body)
			if err != nil {
				return err
			}
			p.Req = req
		case optSourceRoute:
			if p.SourceRoute != nil {
				return fmt.Errorf("%w: duplicate source route", errs.ErrInvalidPacket)
			}
			sr, err := decodeSourceRoute(body)
			if err != nil {
				return err
			}
			p.SourceRoute = sr
		case optRouteReply:
			rep, err := decodeRouteReply(body)
			if err != nil {
				return err
			}
			p.Rep = append(p.Rep, *rep)
		case optRouteError:
			rerr, err := decodeRouteError(body)
			if err != nil {
				return err
			}
			p.Err = append(p.Err, *rerr)
		case optAckRequest:
			if p.AckReq != nil {
				return fmt.Errorf("%w: duplicate ack request", errs.ErrInvalidPacket)
			}
			ar, err := decodeAckRequest(body)
			if err != nil {
				return err
			}
			p.AckReq = ar
		case optAck:
			ack, err := decodeAck(body)
			if err != nil {
				return err
			}
			p.Ack = append(p.Ack, *ack)
		case optInfoRequest:
			ir, err := decodeInfoRequest(body)
			if err != nil {
				return err
			}
			p.InfoReq = ir
		case optInfoReply:
			rep, err := decodeInfoReply(body)
			if err != nil {
				return err
			}
			p.InfoRep = append(p.InfoRep, *rep)
		case optProbe:
			if p.Probe != nil {
				return fmt.Errorf("%w: duplicate probe", errs.ErrInvalidPacket)
			}
			pr, err := decodeProbe(body)
			if err != nil {
				return err
			}
			p.Probe = pr
		case optProbeReply:
			if p.ProbeReply != nil {
				return fmt.Errorf("%w: duplicate probe reply", errs.ErrInvalidPacket)
			}
			pr, err := decodeProbeReply(body)
			if err != nil {
				return err
			}
			p.ProbeReply = pr
		case optLinkInfo:
			li, err := decodeLinkInfo(body)
			if err != nil {
				return err
			}
			p.LinkInfo = append(p.LinkInfo, *li)
		default:
			return fmt.Errorf("%w: unknown option type %d", errs.ErrInvalidPacket, typ)
		}
		off = end
	}
	if off != len(data) {
		return fmt.Errorf("%w: options do not terminate cleanly", errs.ErrInvalidPacket)
	}
	return nil
}

func extractAddrs(p *SRPacket) error {
	switch {
	case p.SourceRoute != nil:
		p.Source = p.SourceRoute.Hops[0].Addr
		p.Dest = p.SourceRoute.Hops[len(p.SourceRoute.Hops)-1].Addr
	case p.Req != nil:
		p.Source = p.Req.Hops[0].Addr
		p.Dest = p.Req.Target
	case len(p.Ack) > 0 || p.Probe != nil || p.ProbeReply != nil ||
		len(p.LinkInfo) > 0 || p.InfoReq != nil || len(p.InfoRep) > 0:
		// Link-local control frames carry no virtual addressing.
		p.Source = addr.VirtualAddress{}
		p.Dest = addr.VirtualAddress{}
	default:
		return fmt.Errorf("%w: packet carries no routable or link-local option", errs.ErrInvalidPacket)
	}
	return nil
}

// ParseFrame decodes a bare LQSR frame (no Ethernet envelope): Code, MAC,
// IV, HeaderLength, options, payload. macKey is the per-adapter MAC key;
// when crypto is disabled it is the node's plaintext per-adapter key.
func ParseFrame(frame []byte, macKey []byte) (*SRPacket, error) {
	if len(frame) < fixedHeaderLength {
		return nil, fmt.Errorf("%w: frame shorter than fixed header", errs.ErrInvalidPacket)
	}

	layer := &lqsrLayer{}
	if err := layer.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidPacket, err)
	}
	if layer.code != Code {
		return nil, fmt.Errorf("%w: unexpected code byte %d", errs.ErrInvalidPacket, layer.code)
	}

	want := computeMAC(macKey, frame)
	if !hmac.Equal(want[:], layer.mac[:]) {
		return nil, fmt.Errorf("%w: mac mismatch", errs.ErrInvalidPacket)
	}

	p := &SRPacket{IV: layer.iv, Payload: layer.payload}
	if err := decodeOptions(layer.optionBytes, p); err != nil {
		return nil, err
	}
	if err := extractAddrs(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EmitFrame assembles p into a bare LQSR frame: options in canonical order,
// MAC computed last over everything after the MAC field, payload appended
// unmodified (encryption, if enabled, is the caller's job before Payload is
// set).
func EmitFrame(p *SRPacket, macKey []byte) ([]byte, error) {
	options, err := encodeOptions(p)
	if err != nil {
		return nil, err
	}
	if fixedHeaderLength+len(options) > MinFrameSize {
		return nil, fmt.Errorf("%w: header exceeds frame budget", errs.ErrInvalidPacket)
	}

	layer := &lqsrLayer{code: Code, iv: p.IV, optionBytes: options}
	frame := make([]byte, fixedHeaderLength+len(options)+len(p.Payload))
	buf := gopacket.NewSerializeBufferExpectedSize(len(frame), 0)
	if err := layer.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, err
	}
	copy(frame, buf.Bytes())
	copy(frame[fixedHeaderLength+len(options):], p.Payload)

	mac := computeMAC(macKey, frame)
	copy(frame[1:1+MACLength], mac[:])
	return frame, nil
}

// EmitEthernet wraps an LQSR frame in an Ethernet envelope addressed from
// etherSrc to etherDst, the framing this module's frames actually travel
// the wire as.
func EmitEthernet(p *SRPacket, etherSrc, etherDst addr.PhysicalAddress, macKey []byte) ([]byte, error) {
	frame, err := EmitFrame(p, macKey)
	if err != nil {
		return nil, err
	}

	eth := &layers.Ethernet{
		SrcMAC:       etherSrc[:],
		DstMAC:       etherDst[:],
		EthernetType: layers.EthernetType(EtherType),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(frame)); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidPacket, err)
	}
	return buf.Bytes(), nil
}

// ParseEthernet unwraps an Ethernet-framed LQSR packet and decodes it.
func ParseEthernet(data []byte, macKey []byte) (*SRPacket, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("%w: no ethernet layer", errs.ErrInvalidPacket)
	}
	eth := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetType(EtherType) {
		return nil, fmt.Errorf("%w: unexpected ethertype %#x", errs.ErrInvalidPacket, eth.EthernetType)
	}

	p, err := ParseFrame(eth.Payload, macKey)
	if err != nil {
		return nil, err
	}
	copy(p.EtherSource[:], eth.SrcMAC)
	copy(p.EtherDest[:], eth.DstMAC)
	return p, nil
}
