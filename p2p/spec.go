package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"tidechain/core/types"
)

// Spec identifies a message type on the wire.
type Spec byte

const (
	SpecHandshake   Spec = 0x01
	SpecGetPeers    Spec = 0x02
	SpecPeers       Spec = 0x03
	SpecTransaction Spec = 0x04
)

func (s Spec) String() string {
	switch s {
	case SpecHandshake:
		return "handshake"
	case SpecGetPeers:
		return "getpeers"
	case SpecPeers:
		return "peers"
	case SpecTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("spec(0x%02x)", byte(s))
	}
}

// GetPeersPayload asks a peer for addresses it knows about. It has no body.
type GetPeersPayload struct{}

// PeersPayload carries gossiped peer addresses.
type PeersPayload struct {
	Addresses []PeerAddress
}

// TransactionPayload carries a relayed transaction.
type TransactionPayload struct {
	Tx *types.Transaction
}

// Decoder turns a raw frame payload into a typed message payload.
type Decoder func(payload []byte) (any, error)

// Registry maps spec identifiers to payload decoders. Handshakes are handled
// by the connection handler directly and are deliberately not registered.
type Registry struct {
	decoders map[Spec]Decoder
}

// NewRegistry returns a registry with the built-in message specs installed.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[Spec]Decoder)}
	r.Register(SpecGetPeers, decodeGetPeersPayload)
	r.Register(SpecPeers, decodePeersPayload)
	r.Register(SpecTransaction, decodeTransactionPayload)
	return r
}

// Register installs or replaces the decoder for a spec.
func (r *Registry) Register(spec Spec, dec Decoder) {
	r.decoders[spec] = dec
}

// Decode validates and decodes a raw payload. Unknown specs return
// ErrUnrecognizedSpec; the caller drops the frame and keeps the connection.
func (r *Registry) Decode(spec Spec, payload []byte) (any, error) {
	dec, ok := r.decoders[spec]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnrecognizedSpec, byte(spec))
	}
	decoded, err := dec(payload)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func decodeGetPeersPayload(payload []byte) (any, error) {
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: getpeers carries %d unexpected bytes", ErrMalformedPayload, len(payload))
	}
	return GetPeersPayload{}, nil
}

// EncodePeersPayload serialises a peer address list: a big-endian count
// followed by length-prefixed hosts and fixed-width ports.
func EncodePeersPayload(addrs []PeerAddress) ([]byte, error) {
	if len(addrs) > 0xFFFF {
		return nil, fmt.Errorf("peer list too long: %d", len(addrs))
	}
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(addrs)))
	for _, addr := range addrs {
		if len(addr.Host) == 0 || len(addr.Host) > maxHandshakeNameLen {
			return nil, fmt.Errorf("invalid host length %d", len(addr.Host))
		}
		buf.WriteByte(byte(len(addr.Host)))
		buf.WriteString(addr.Host)
		writeUint16(&buf, addr.Port)
	}
	return buf.Bytes(), nil
}

func decodePeersPayload(payload []byte) (any, error) {
	r := bytes.NewReader(payload)
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: peers count: %v", ErrMalformedPayload, err)
	}
	addrs := make([]PeerAddress, 0, int(count))
	for i := 0; i < int(count); i++ {
		hostLen, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: peers host length: %v", ErrMalformedPayload, err)
		}
		if hostLen == 0 {
			return nil, fmt.Errorf("%w: empty peers host", ErrMalformedPayload)
		}
		host := make([]byte, int(hostLen))
		if _, err := io.ReadFull(r, host); err != nil {
			return nil, fmt.Errorf("%w: peers host: %v", ErrMalformedPayload, err)
		}
		var port uint16
		if err := binary.Read(r, binary.BigEndian, &port); err != nil {
			return nil, fmt.Errorf("%w: peers port: %v", ErrMalformedPayload, err)
		}
		addrs = append(addrs, PeerAddress{Host: string(host), Port: port})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in peers payload", ErrMalformedPayload, r.Len())
	}
	return PeersPayload{Addresses: addrs}, nil
}

// EncodeTransactionPayload serialises a transaction for relay.
func EncodeTransactionPayload(tx *types.Transaction) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	return tx.Encode()
}

func decodeTransactionPayload(payload []byte) (any, error) {
	tx, err := types.DecodeTransaction(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", ErrMalformedPayload, err)
	}
	return TransactionPayload{Tx: tx}, nil
}
