package p2p

import (
	"encoding/binary"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

const (
	frameChecksumSize = 4
	frameHeaderSize   = 1 + 4 + frameChecksumSize

	defaultMaxPayloadBytes = 1 << 20
)

// writeFrame emits one wire frame: spec byte, big-endian payload length, a
// truncated blake3 checksum of the payload, then the payload itself.
func writeFrame(w io.Writer, spec Spec, payload []byte) error {
	header := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	header[0] = byte(spec)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	sum := blake3.Sum256(payload)
	copy(header[5:frameHeaderSize], sum[:frameChecksumSize])
	_, err := w.Write(append(header, payload...))
	return err
}

// readFrame reads one complete frame. Checksum or length violations surface
// as ErrMalformedPayload so callers can drop the frame without tearing the
// connection down.
func readFrame(r io.Reader, maxPayload int) (Spec, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	spec := Spec(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	if int(length) > maxPayload {
		// The stream cannot be realigned past an oversized length prefix, so
		// this is not a droppable frame.
		return spec, nil, fmt.Errorf("%w: payload %d exceeds limit %d", errFrameTooLarge, length, maxPayload)
	}
	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return spec, nil, err
	}
	sum := blake3.Sum256(payload)
	for i := 0; i < frameChecksumSize; i++ {
		if header[5+i] != sum[i] {
			return spec, nil, fmt.Errorf("%w: frame checksum mismatch", ErrMalformedPayload)
		}
	}
	return spec, payload, nil
}
