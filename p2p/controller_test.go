package p2p

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"tidechain/core/types"
)

func newControllerFixture(t *testing.T, cfg Config) (*Manager, *Controller) {
	t.Helper()
	known, err := NewKnownPeers("", 0)
	if err != nil {
		t.Fatalf("open known peers: %v", err)
	}
	m := NewManager(cfg, known, testLogger(), nil)
	ctrl := NewController(m, NewRegistry(), cfg, sampleHandshake(), testLogger(), nil)
	m.bindConnector(ctrl)
	m.Start()
	t.Cleanup(m.Stop)
	return m, ctrl
}

func promotePeer(t *testing.T, m *Manager, raw string, nonce uint64) (PeerAddress, *stubConn) {
	t.Helper()
	addr := addrOf(t, raw)
	conn := &stubConn{}
	m.Connected(addr, conn, nil)
	m.Handshaked(addr, remoteHandshake(nonce))
	waitFor(t, "peer promotion", func() bool {
		for _, link := range m.handshakedLinks() {
			if link.addr == addr {
				return true
			}
		}
		return false
	})
	return addr, conn
}

func TestSendToChosenTargetsSinglePeer(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	_, connA := promotePeer(t, m, "192.0.2.10:6001", 100)
	_, connB := promotePeer(t, m, "192.0.2.11:6001", 101)

	ctrl.handleSend(sendRequest{spec: SpecGetPeers, target: SendToChosen{Peer: ConnectedPeer{Nonce: 101}}})

	if specs := connB.sentSpecs(); len(specs) != 1 || specs[0] != SpecGetPeers {
		t.Fatalf("chosen peer did not receive the message: %v", specs)
	}
	if specs := connA.sentSpecs(); len(specs) != 0 {
		t.Fatalf("unchosen peer received the message: %v", specs)
	}
}

func TestBroadcastVariants(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	_, connA := promotePeer(t, m, "192.0.2.10:6001", 100)
	_, connB := promotePeer(t, m, "192.0.2.11:6001", 101)

	ctrl.handleSend(sendRequest{spec: SpecGetPeers, target: Broadcast{}})
	if len(connA.sentSpecs()) != 1 || len(connB.sentSpecs()) != 1 {
		t.Fatalf("broadcast must reach every handshaked peer")
	}

	ctrl.handleSend(sendRequest{spec: SpecGetPeers, target: BroadcastExceptOf{Peer: ConnectedPeer{Nonce: 100}}})
	if len(connA.sentSpecs()) != 1 {
		t.Fatalf("excluded peer received the broadcast")
	}
	if len(connB.sentSpecs()) != 2 {
		t.Fatalf("non-excluded peer missed the broadcast")
	}
}

func TestInboundFromNonHandshakedSenderIsDropped(t *testing.T) {
	_, ctrl := newControllerFixture(t, Config{NodeNonce: 1})

	var mu sync.Mutex
	delivered := 0
	ctrl.RegisterConsumer(SpecTransaction, ConsumerFunc(func(msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	}))

	ctrl.handleInbound(inboundMessage{
		spec:    SpecTransaction,
		payload: TransactionPayload{Tx: &types.Transaction{Value: uint256.NewInt(1)}},
		from:    addrOf(t, "198.51.100.9:6001"),
	})

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("message from unknown sender must not reach consumers")
	}
}

func TestInboundDispatchesToConsumerWithSenderHandle(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	addr, _ := promotePeer(t, m, "192.0.2.10:6001", 100)

	got := make(chan *Message, 1)
	ctrl.RegisterConsumer(SpecTransaction, ConsumerFunc(func(msg *Message) error {
		got <- msg
		return nil
	}))

	ctrl.handleInbound(inboundMessage{
		spec:    SpecTransaction,
		payload: TransactionPayload{Tx: &types.Transaction{Value: uint256.NewInt(1)}},
		from:    addr,
	})

	select {
	case msg := <-got:
		if msg.From.Nonce != 100 || msg.From.Address != addr {
			t.Fatalf("unexpected sender handle %+v", msg.From)
		}
	default:
		t.Fatalf("consumer never invoked")
	}
}

func TestGetPeersAnsweredWithKnownAddresses(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	addr, conn := promotePeer(t, m, "192.0.2.10:6001", 100)
	other := addrOf(t, "192.0.2.11:6001")
	m.AddOrUpdatePeer(other, 0, nil)
	waitFor(t, "known peer upsert", func() bool {
		for _, rec := range m.GetKnownPeers() {
			if rec.Addr == other {
				return true
			}
		}
		return false
	})

	ctrl.handleInbound(inboundMessage{spec: SpecGetPeers, payload: GetPeersPayload{}, from: addr})

	var frames []outFrame
	conn.mu.Lock()
	frames = append(frames, conn.sent...)
	conn.mu.Unlock()
	if len(frames) != 1 || frames[0].spec != SpecPeers {
		t.Fatalf("expected a peers reply, got %+v", frames)
	}
	decoded, err := NewRegistry().Decode(SpecPeers, frames[0].payload)
	if err != nil {
		t.Fatalf("decode peers reply: %v", err)
	}
	payload := decoded.(PeersPayload)
	foundOther := false
	for _, a := range payload.Addresses {
		if a == addr {
			t.Fatalf("reply must not echo the asking peer's address")
		}
		if a == other {
			foundOther = true
		}
	}
	if !foundOther {
		t.Fatalf("reply missing known peer, got %v", payload.Addresses)
	}
}

func TestPeersPayloadUpsertsKnownPeers(t *testing.T) {
	self := addrOf(t, "10.0.0.1:6001")
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1, DeclaredAddress: self})
	addr, _ := promotePeer(t, m, "192.0.2.10:6001", 100)
	gossiped := addrOf(t, "192.0.2.20:6001")

	ctrl.handleInbound(inboundMessage{
		spec:    SpecPeers,
		payload: PeersPayload{Addresses: []PeerAddress{gossiped, self}},
		from:    addr,
	})

	waitFor(t, "gossiped peer upsert", func() bool {
		for _, rec := range m.GetKnownPeers() {
			if rec.Addr == gossiped {
				return true
			}
		}
		return false
	})
	for _, rec := range m.GetKnownPeers() {
		if rec.Addr == self {
			t.Fatalf("own declared address must not be recorded")
		}
	}
}

func TestConnectToDialsAndRegisters(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	target := addrOf(t, "192.0.2.30:6001")

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	ctrl.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
		if addr != target.String() {
			return nil, errors.New("unexpected dial target")
		}
		return local, nil
	}
	ctrl.Start()
	t.Cleanup(ctrl.Stop)

	ctrl.ConnectTo(target)
	waitFor(t, "connection registration", func() bool {
		for _, addr := range m.GetConnections() {
			if addr == target {
				return true
			}
		}
		return false
	})

	// The manager greets new connections with the local handshake.
	reader := bufio.NewReader(remote)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	spec, payload, err := readFrame(reader, 0)
	if err != nil {
		t.Fatalf("read outbound handshake: %v", err)
	}
	if spec != SpecHandshake {
		t.Fatalf("expected handshake frame, got %v", spec)
	}
	if _, err := DecodeHandshake(payload); err != nil {
		t.Fatalf("decode outbound handshake: %v", err)
	}
}

func TestFailedDialDoesNotRegisterConnection(t *testing.T) {
	m, ctrl := newControllerFixture(t, Config{NodeNonce: 1})
	ctrl.dialFn = func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	ctrl.Start()
	t.Cleanup(ctrl.Stop)

	ctrl.ConnectTo(addrOf(t, "192.0.2.30:6001"))
	time.Sleep(100 * time.Millisecond)
	if got := m.GetConnections(); len(got) != 0 {
		t.Fatalf("failed dial must not register a connection, got %v", got)
	}
}
