package p2p

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleHandshake() Handshake {
	return Handshake{
		AppName:    "tidechain",
		AppVersion: Version{Major: 0, Minor: 3, Patch: 1},
		NodeName:   "node-a",
		Nonce:      0xDEADBEEF,
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := sampleHandshake()
	declared := PeerAddress{Host: "198.51.100.7", Port: 6001}
	hs.DeclaredAddr = &declared

	encoded, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	decoded, err := DecodeHandshake(encoded)
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if decoded.AppName != hs.AppName || decoded.AppVersion != hs.AppVersion {
		t.Fatalf("application identity mismatch: %+v", decoded)
	}
	if decoded.NodeName != hs.NodeName || decoded.Nonce != hs.Nonce {
		t.Fatalf("node identity mismatch: %+v", decoded)
	}
	if decoded.DeclaredAddr == nil || *decoded.DeclaredAddr != declared {
		t.Fatalf("expected declared address %v, got %v", declared, decoded.DeclaredAddr)
	}
	if decoded.Timestamp != hs.Timestamp {
		t.Fatalf("expected timestamp %d, got %d", hs.Timestamp, decoded.Timestamp)
	}
}

func TestHandshakeRoundTripWithoutDeclaredAddress(t *testing.T) {
	hs := sampleHandshake()
	encoded, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	decoded, err := DecodeHandshake(encoded)
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if decoded.DeclaredAddr != nil {
		t.Fatalf("expected absent declared address, got %v", decoded.DeclaredAddr)
	}
}

func TestHandshakeRejectsTrailingBytes(t *testing.T) {
	hs := sampleHandshake()
	encoded, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	encoded = append(encoded, 0x00)
	if _, err := DecodeHandshake(encoded); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestHandshakeRejectsTruncation(t *testing.T) {
	hs := sampleHandshake()
	encoded, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	for cut := 1; cut < len(encoded); cut++ {
		if _, err := DecodeHandshake(encoded[:cut]); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("truncation at %d bytes not rejected: %v", cut, err)
		}
	}
}

func TestHandshakeRejectsEmptyAppName(t *testing.T) {
	hs := sampleHandshake()
	hs.AppName = ""
	if _, err := hs.Encode(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestHandshakeRejectsUnknownAddressFlag(t *testing.T) {
	hs := sampleHandshake()
	encoded, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	// The flag byte sits 8 timestamp bytes from the end.
	encoded[len(encoded)-9] = 0x7F
	if _, err := DecodeHandshake(encoded); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestHandshakeRejectsOverlongName(t *testing.T) {
	hs := sampleHandshake()
	hs.NodeName = strings.Repeat("x", maxHandshakeNameLen+1)
	if _, err := hs.Encode(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}

func TestNewLocalHandshakeCarriesDeclaredAddress(t *testing.T) {
	cfg := Config{
		AppName:         "tidechain",
		NodeName:        "node-b",
		NodeNonce:       42,
		DeclaredAddress: PeerAddress{Host: "203.0.113.4", Port: 6001},
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hs := newLocalHandshake(cfg, now)
	if hs.Nonce != 42 {
		t.Fatalf("expected nonce 42, got %d", hs.Nonce)
	}
	if hs.DeclaredAddr == nil || *hs.DeclaredAddr != cfg.DeclaredAddress {
		t.Fatalf("expected declared address carried, got %v", hs.DeclaredAddr)
	}
	if hs.Timestamp != now.UnixMilli() {
		t.Fatalf("expected timestamp %d, got %d", now.UnixMilli(), hs.Timestamp)
	}
}
