package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	// maxHandshakeNameLen bounds application and node name fields; both are
	// encoded with a single length byte.
	maxHandshakeNameLen = 255

	handshakeAbsentAddr  byte = 0x00
	handshakePresentAddr byte = 0x01
)

// Version is the three-component application version advertised during the
// handshake.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Handshake is the identification payload exchanged once per connection. The
// nonce is the remote node's self-declared 64-bit identity; DeclaredAddr, when
// present, is the address the peer believes it is reachable at.
type Handshake struct {
	AppName      string
	AppVersion   Version
	NodeName     string
	Nonce        uint64
	DeclaredAddr *PeerAddress
	Timestamp    int64 // unix milliseconds
}

// Encode serialises the handshake into its versioned wire layout: length
// prefixed strings, fixed-width big-endian integers and a presence flag for
// the optional declared address.
func (h *Handshake) Encode() ([]byte, error) {
	if len(h.AppName) == 0 || len(h.AppName) > maxHandshakeNameLen {
		return nil, fmt.Errorf("%w: application name length %d", ErrMalformedPayload, len(h.AppName))
	}
	if len(h.NodeName) > maxHandshakeNameLen {
		return nil, fmt.Errorf("%w: node name length %d", ErrMalformedPayload, len(h.NodeName))
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(len(h.AppName)))
	buf.WriteString(h.AppName)
	writeUint32(&buf, h.AppVersion.Major)
	writeUint32(&buf, h.AppVersion.Minor)
	writeUint32(&buf, h.AppVersion.Patch)
	buf.WriteByte(byte(len(h.NodeName)))
	buf.WriteString(h.NodeName)
	writeUint64(&buf, h.Nonce)

	if h.DeclaredAddr != nil {
		if len(h.DeclaredAddr.Host) == 0 || len(h.DeclaredAddr.Host) > maxHandshakeNameLen {
			return nil, fmt.Errorf("%w: declared host length %d", ErrMalformedPayload, len(h.DeclaredAddr.Host))
		}
		buf.WriteByte(handshakePresentAddr)
		buf.WriteByte(byte(len(h.DeclaredAddr.Host)))
		buf.WriteString(h.DeclaredAddr.Host)
		writeUint16(&buf, h.DeclaredAddr.Port)
	} else {
		buf.WriteByte(handshakeAbsentAddr)
	}

	writeUint64(&buf, uint64(h.Timestamp))
	return buf.Bytes(), nil
}

// DecodeHandshake parses a handshake payload, rejecting truncated or
// over-long input.
func DecodeHandshake(payload []byte) (Handshake, error) {
	r := bytes.NewReader(payload)
	var hs Handshake

	appName, err := readShortString(r)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: application name: %v", ErrMalformedPayload, err)
	}
	if appName == "" {
		return Handshake{}, fmt.Errorf("%w: empty application name", ErrMalformedPayload)
	}
	hs.AppName = appName

	for _, field := range []*uint32{&hs.AppVersion.Major, &hs.AppVersion.Minor, &hs.AppVersion.Patch} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return Handshake{}, fmt.Errorf("%w: application version: %v", ErrMalformedPayload, err)
		}
	}

	nodeName, err := readShortString(r)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: node name: %v", ErrMalformedPayload, err)
	}
	hs.NodeName = nodeName

	if err := binary.Read(r, binary.BigEndian, &hs.Nonce); err != nil {
		return Handshake{}, fmt.Errorf("%w: nonce: %v", ErrMalformedPayload, err)
	}

	flag, err := r.ReadByte()
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: declared address flag: %v", ErrMalformedPayload, err)
	}
	switch flag {
	case handshakeAbsentAddr:
	case handshakePresentAddr:
		host, err := readShortString(r)
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: declared host: %v", ErrMalformedPayload, err)
		}
		if host == "" {
			return Handshake{}, fmt.Errorf("%w: empty declared host", ErrMalformedPayload)
		}
		var port uint16
		if err := binary.Read(r, binary.BigEndian, &port); err != nil {
			return Handshake{}, fmt.Errorf("%w: declared port: %v", ErrMalformedPayload, err)
		}
		hs.DeclaredAddr = &PeerAddress{Host: host, Port: port}
	default:
		return Handshake{}, fmt.Errorf("%w: declared address flag 0x%02x", ErrMalformedPayload, flag)
	}

	var ts uint64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return Handshake{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
	}
	hs.Timestamp = int64(ts)

	if r.Len() != 0 {
		return Handshake{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, r.Len())
	}
	return hs, nil
}

func newLocalHandshake(cfg Config, now time.Time) Handshake {
	hs := Handshake{
		AppName:    cfg.AppName,
		AppVersion: cfg.AppVersion,
		NodeName:   cfg.NodeName,
		Nonce:      cfg.NodeNonce,
		Timestamp:  now.UnixMilli(),
	}
	if !cfg.DeclaredAddress.IsZero() {
		declared := cfg.DeclaredAddress
		hs.DeclaredAddr = &declared
	}
	return hs
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	raw := make([]byte, int(n))
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	buf.Write(scratch[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}
