package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerAddress identifies a peer endpoint by host and port. It is a value
// type: two addresses are the same peer key exactly when host and port match.
type PeerAddress struct {
	Host string
	Port uint16
}

// ParsePeerAddress parses a "host:port" string into a PeerAddress.
func ParsePeerAddress(value string) (PeerAddress, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return PeerAddress{}, fmt.Errorf("empty peer address")
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("parse peer address %q: %w", trimmed, err)
	}
	if host == "" {
		return PeerAddress{}, fmt.Errorf("peer address %q missing host", trimmed)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("peer address %q invalid port: %w", trimmed, err)
	}
	return PeerAddress{Host: host, Port: uint16(port)}, nil
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address carries no endpoint.
func (a PeerAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

func parsePeerList(values []string, logWarn func(raw string, err error)) []PeerAddress {
	out := make([]PeerAddress, 0, len(values))
	seen := make(map[PeerAddress]struct{})
	for _, raw := range values {
		addr, err := ParsePeerAddress(raw)
		if err != nil {
			if logWarn != nil {
				logWarn(raw, err)
			}
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
