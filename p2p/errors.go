package p2p

import "errors"

// ErrUnrecognizedSpec indicates an inbound frame carried a message spec
// identifier the registry has no decoder for. The frame is dropped and the
// connection survives.
var ErrUnrecognizedSpec = errors.New("p2p: unrecognized message spec")

// ErrMalformedPayload indicates a frame or handshake that could not be
// decoded. Like an unrecognized spec it is recovered locally.
var ErrMalformedPayload = errors.New("p2p: malformed payload")

var (
	errQueueFull     = errors.New("p2p: peer outbound queue full")
	errFrameTooLarge = errors.New("p2p: frame exceeds size limit")
)

// IsDecodeError reports whether the error is a recoverable protocol decode
// failure rather than a transport fault.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnrecognizedSpec) || errors.Is(err, ErrMalformedPayload)
}
