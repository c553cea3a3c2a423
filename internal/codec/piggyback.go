package codec

// The Encode*Option/Decode*Option pairs below expose the otherwise-private
// per-option TLV bodies so internal/orchestrator can size and reattach
// piggybacked control options without internal/piggyback itself
// depending on the wire codec.

// EncodeAckOption marshals a to the bytes its TLV carries.
func EncodeAckOption(a *Ack) []byte { return encodeAck(a) }

// DecodeAckOption reverses EncodeAckOption.
func DecodeAckOption(b []byte) (*Ack, error) { return decodeAck(b) }

// EncodeRouteReplyOption marshals r to the bytes its TLV carries.
func EncodeRouteReplyOption(r *RouteReply) ([]byte, error) { return encodeRouteReply(r) }

// DecodeRouteReplyOption reverses EncodeRouteReplyOption.
func DecodeRouteReplyOption(b []byte) (*RouteReply, error) { return decodeRouteReply(b) }

// EncodeRouteErrorOption marshals r to the bytes its TLV carries.
func EncodeRouteErrorOption(r *RouteError) []byte { return encodeRouteError(r) }

// DecodeRouteErrorOption reverses EncodeRouteErrorOption.
func DecodeRouteErrorOption(b []byte) (*RouteError, error) { return decodeRouteError(b) }
