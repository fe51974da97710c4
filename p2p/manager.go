package p2p

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// connectRequester is the manager's edge to the network controller. The
// implementation must not block the caller.
type connectRequester interface {
	ConnectTo(addr PeerAddress)
}

// PeerInfo pairs a connected address with the handshake it presented.
type PeerInfo struct {
	Address   PeerAddress `json:"address"`
	Handshake Handshake   `json:"handshake"`
}

// ConnectedPeer is the lightweight handle exposed to message consumers for
// targeting replies; it carries the peer's identity nonce and address only.
type ConnectedPeer struct {
	Address PeerAddress `json:"address"`
	Nonce   uint64      `json:"nonce"`
}

// peerLink is the internal routing view of one handshaked connection.
type peerLink struct {
	addr    PeerAddress
	nonce   uint64
	handler ConnHandler
}

// connectionEntry is one live transport connection as tracked by the
// manager. A nil handshake means the entry is still awaiting one.
type connectionEntry struct {
	addr          PeerAddress
	handler       ConnHandler
	handshake     *Handshake
	establishedAt time.Time
}

// managerState is owned exclusively by the manager's run goroutine.
type managerState struct {
	connections     map[PeerAddress]*connectionEntry
	blacklist       map[string]time.Time
	pendingConnects map[PeerAddress]struct{}
}

// Events posted into the manager's serialized loop.
type (
	connectedEvent struct {
		addr     PeerAddress
		handler  ConnHandler
		declared *PeerAddress
	}
	handshakedEvent struct {
		addr PeerAddress
		hs   Handshake
	}
	disconnectedEvent struct {
		addr PeerAddress
	}
	connectFailedEvent struct {
		addr PeerAddress
	}
	blacklistEvent struct {
		nonce uint64
		addr  PeerAddress
	}
	addOrUpdateEvent struct {
		addr  PeerAddress
		nonce uint64
		hs    *Handshake
	}
	checkPeersEvent struct{}
)

// Queries answered from the same loop; every query observes a consistent
// snapshot.
type (
	connectedPeersQuery struct {
		reply chan []PeerInfo
	}
	connectionsQuery struct {
		reply chan []PeerAddress
	}
	blacklistedQuery struct {
		reply chan []string
	}
	randomPeersQuery struct {
		n     int
		reply chan []PeerAddress
	}
	peerLinksQuery struct {
		reply chan []peerLink
	}
	gossipPeersQuery struct {
		limit int
		reply chan []PeerAddress
	}
	knownRecordsQuery struct {
		reply chan []KnownPeerRecord
	}
)

// Manager is the single source of truth for active connections, known peers
// and the blacklist. All state is owned by one goroutine; the rest of the
// node talks to it through events and reply-channel queries, never directly.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *networkMetrics
	known   *KnownPeers
	connect connectRequester
	now     func() time.Time

	events  chan any
	queries chan any
	quit    chan struct{}
	done    chan struct{}

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager builds a manager around an already-opened known-peer store and
// seeds it from the configured peer list.
func NewManager(cfg Config, known *KnownPeers, logger *slog.Logger, metrics *networkMetrics) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "peer_manager")),
		metrics: metrics,
		known:   known,
		now:     time.Now,
		events:  make(chan any, 128),
		queries: make(chan any, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	seeds := parsePeerList(cfg.KnownPeers, func(raw string, err error) {
		m.logger.Warn("Ignoring configured peer", slog.String("peer", raw), slog.Any("error", err))
	})
	now := m.now()
	for _, addr := range seeds {
		m.known.Upsert(addr, 0, now)
	}
	return m
}

// bindConnector wires the controller in before Start; connect requests
// emitted by CheckPeers go through it.
func (m *Manager) bindConnector(c connectRequester) {
	m.connect = c
}

// Start launches the state-owning loop and the periodic maintenance tick.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.running.Store(true)
		go m.run()
		go m.tickLoop()
	})
}

// Stop shuts the loop down, closing every live connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		if m.running.Load() {
			<-m.done
		}
	})
}

func (m *Manager) tickLoop() {
	ticker := time.NewTicker(m.cfg.CheckPeersInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckPeers()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) run() {
	defer close(m.done)
	state := &managerState{
		connections:     make(map[PeerAddress]*connectionEntry),
		blacklist:       make(map[string]time.Time),
		pendingConnects: make(map[PeerAddress]struct{}),
	}
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(state, ev)
		case q := <-m.queries:
			m.handleQuery(state, q)
		case <-m.quit:
			for _, entry := range state.connections {
				entry.handler.Close()
			}
			return
		}
		m.publishCounts(state)
	}
}

func (m *Manager) publishCounts(state *managerState) {
	handshaked := 0
	for _, entry := range state.connections {
		if entry.handshake != nil {
			handshaked++
		}
	}
	blacklisted := 0
	now := m.now()
	for _, until := range state.blacklist {
		if until.After(now) {
			blacklisted++
		}
	}
	m.metrics.setCounts(len(state.connections), handshaked, blacklisted)
}

// Connected registers a new transport connection in awaiting-handshake
// state. Blacklisted hosts are rejected with an immediate close.
func (m *Manager) Connected(addr PeerAddress, handler ConnHandler, declared *PeerAddress) {
	m.post(connectedEvent{addr: addr, handler: handler, declared: declared})
}

// Handshaked delivers the handshake received on an established connection.
func (m *Manager) Handshaked(addr PeerAddress, hs Handshake) {
	m.post(handshakedEvent{addr: addr, hs: hs})
}

// Disconnected removes the connection entry for addr. Idempotent.
func (m *Manager) Disconnected(addr PeerAddress) {
	m.post(disconnectedEvent{addr: addr})
}

// ConnectFailed releases the pending-connect reservation for addr.
func (m *Manager) ConnectFailed(addr PeerAddress) {
	m.post(connectFailedEvent{addr: addr})
}

// AddToBlacklist bans the host of addr for the configured residence time and
// closes any live connection sharing that host.
func (m *Manager) AddToBlacklist(nonce uint64, addr PeerAddress) {
	m.post(blacklistEvent{nonce: nonce, addr: addr})
}

// AddOrUpdatePeer upserts a known-peer record without touching connections.
func (m *Manager) AddOrUpdatePeer(addr PeerAddress, nonce uint64, hs *Handshake) {
	m.post(addOrUpdateEvent{addr: addr, nonce: nonce, hs: hs})
}

// CheckPeers runs one maintenance pass: expired bans are pruned, stale known
// peers aged out, and connect requests emitted up to the connection cap.
func (m *Manager) CheckPeers() {
	m.post(checkPeersEvent{})
}

func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Manager) handleEvent(state *managerState, ev any) {
	switch ev := ev.(type) {
	case connectedEvent:
		m.handleConnected(state, ev)
	case handshakedEvent:
		m.handleHandshaked(state, ev)
	case disconnectedEvent:
		delete(state.connections, ev.addr)
		delete(state.pendingConnects, ev.addr)
	case connectFailedEvent:
		delete(state.pendingConnects, ev.addr)
	case blacklistEvent:
		m.handleBlacklist(state, ev)
	case addOrUpdateEvent:
		nonce := ev.nonce
		if ev.hs != nil {
			nonce = ev.hs.Nonce
		}
		m.known.Upsert(ev.addr, nonce, m.now())
	case checkPeersEvent:
		m.handleCheckPeers(state)
	}
}

func (m *Manager) handleConnected(state *managerState, ev connectedEvent) {
	delete(state.pendingConnects, ev.addr)

	if m.isBlacklisted(state, ev.addr.Host) {
		m.logger.Info("Rejecting connection from blacklisted host",
			slog.String("peer_address", ev.addr.String()))
		m.metrics.recordHandshake("blacklisted")
		ev.handler.Close()
		return
	}
	if _, exists := state.connections[ev.addr]; exists {
		// The previous connection to this address has not finished closing;
		// the entry may not be reused until it has.
		m.logger.Warn("Duplicate connection attempt for address",
			slog.String("peer_address", ev.addr.String()))
		ev.handler.Close()
		return
	}

	state.connections[ev.addr] = &connectionEntry{
		addr:          ev.addr,
		handler:       ev.handler,
		establishedAt: m.now(),
	}
	if ev.declared != nil && !ev.declared.IsZero() {
		m.known.Upsert(*ev.declared, 0, m.now())
	}
	ev.handler.SendHandshake()
}

func (m *Manager) handleHandshaked(state *managerState, ev handshakedEvent) {
	entry := state.connections[ev.addr]
	if entry == nil || entry.handshake != nil {
		return
	}

	if ev.hs.Nonce == m.cfg.NodeNonce {
		m.logger.Info("Closing connection to self",
			slog.String("peer_address", ev.addr.String()))
		m.metrics.recordHandshake("self")
		delete(state.connections, ev.addr)
		entry.handler.Close()
		return
	}
	if m.isBlacklisted(state, ev.addr.Host) {
		m.metrics.recordHandshake("blacklisted")
		entry.handler.Close()
		return
	}
	for _, other := range state.connections {
		if other.handshake != nil && other.handshake.Nonce == ev.hs.Nonce && other.addr != ev.addr {
			// Same peer identity observed over two transport paths: keep the
			// prior connection, close the newer one unpromoted.
			m.logger.Info("Closing duplicate connection for nonce",
				slog.String("peer_address", ev.addr.String()),
				slog.String("kept_address", other.addr.String()),
				slog.Uint64("nonce", ev.hs.Nonce))
			m.metrics.recordHandshake("duplicate")
			entry.handler.Close()
			return
		}
	}

	hs := ev.hs
	entry.handshake = &hs
	now := m.now()
	m.known.Upsert(ev.addr, hs.Nonce, now)
	if hs.DeclaredAddr != nil && *hs.DeclaredAddr != m.cfg.DeclaredAddress {
		m.known.Upsert(*hs.DeclaredAddr, hs.Nonce, now)
	}
	m.metrics.recordHandshake("accepted")
	m.logger.Info("Peer handshaked",
		slog.String("peer_address", ev.addr.String()),
		slog.String("application", hs.AppName+"/"+hs.AppVersion.String()),
		slog.String("node_name", hs.NodeName),
		slog.Uint64("nonce", hs.Nonce))
}

func (m *Manager) handleBlacklist(state *managerState, ev blacklistEvent) {
	until := m.now().Add(m.cfg.BlacklistResidenceTime)
	state.blacklist[ev.addr.Host] = until
	m.logger.Warn("Host blacklisted",
		slog.String("host", ev.addr.Host),
		slog.Uint64("nonce", ev.nonce),
		slog.Time("until", until))
	for _, entry := range state.connections {
		if entry.addr.Host == ev.addr.Host {
			entry.handler.Close()
		}
	}
}

func (m *Manager) handleCheckPeers(state *managerState) {
	now := m.now()
	for host, until := range state.blacklist {
		if !until.After(now) {
			delete(state.blacklist, host)
		}
	}
	m.known.Prune(now)

	if m.connect == nil {
		return
	}
	capacity := m.cfg.MaxConnections - len(state.connections) - len(state.pendingConnects)
	if capacity <= 0 {
		return
	}

	records := m.known.Snapshot()
	sort.Slice(records, func(i, j int) bool {
		return records[i].Addr.String() < records[j].Addr.String()
	})
	for _, rec := range records {
		if capacity <= 0 {
			break
		}
		addr := rec.Addr
		if addr == m.cfg.DeclaredAddress {
			continue
		}
		if rec.Nonce != 0 && rec.Nonce == m.cfg.NodeNonce {
			continue
		}
		if m.isBlacklisted(state, addr.Host) {
			continue
		}
		if _, connected := state.connections[addr]; connected {
			continue
		}
		if _, pending := state.pendingConnects[addr]; pending {
			continue
		}
		state.pendingConnects[addr] = struct{}{}
		m.metrics.recordConnectRequest()
		m.connect.ConnectTo(addr)
		capacity--
	}
}

func (m *Manager) isBlacklisted(state *managerState, host string) bool {
	until, ok := state.blacklist[host]
	return ok && until.After(m.now())
}

func (m *Manager) handleQuery(state *managerState, q any) {
	switch q := q.(type) {
	case connectedPeersQuery:
		out := make([]PeerInfo, 0, len(state.connections))
		for _, entry := range state.connections {
			if entry.handshake == nil {
				continue
			}
			out = append(out, PeerInfo{Address: entry.addr, Handshake: *entry.handshake})
		}
		q.reply <- out
	case connectionsQuery:
		out := make([]PeerAddress, 0, len(state.connections))
		for _, entry := range state.connections {
			out = append(out, entry.addr)
		}
		q.reply <- out
	case blacklistedQuery:
		now := m.now()
		out := make([]string, 0, len(state.blacklist))
		for host, until := range state.blacklist {
			if until.After(now) {
				out = append(out, host)
			}
		}
		sort.Strings(out)
		q.reply <- out
	case randomPeersQuery:
		q.reply <- m.sampleHandshaked(state, q.n)
	case peerLinksQuery:
		out := make([]peerLink, 0, len(state.connections))
		for _, entry := range state.connections {
			if entry.handshake == nil {
				continue
			}
			out = append(out, peerLink{addr: entry.addr, nonce: entry.handshake.Nonce, handler: entry.handler})
		}
		q.reply <- out
	case gossipPeersQuery:
		records := m.known.Snapshot()
		sort.Slice(records, func(i, j int) bool {
			return records[i].LastSeen.After(records[j].LastSeen)
		})
		out := make([]PeerAddress, 0, q.limit)
		for _, rec := range records {
			if len(out) >= q.limit {
				break
			}
			if rec.Addr == m.cfg.DeclaredAddress {
				continue
			}
			if m.isBlacklisted(state, rec.Addr.Host) {
				continue
			}
			out = append(out, rec.Addr)
		}
		q.reply <- out
	case knownRecordsQuery:
		records := m.known.Snapshot()
		sort.Slice(records, func(i, j int) bool {
			return records[i].Addr.String() < records[j].Addr.String()
		})
		q.reply <- records
	}
}

func (m *Manager) sampleHandshaked(state *managerState, n int) []PeerAddress {
	if n <= 0 {
		return nil
	}
	candidates := make([]PeerAddress, 0, len(state.connections))
	for _, entry := range state.connections {
		if entry.handshake == nil {
			continue
		}
		if entry.addr == m.cfg.DeclaredAddress {
			continue
		}
		candidates = append(candidates, entry.addr)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// GetConnectedPeers returns (address, handshake) pairs for every handshaked
// connection.
func (m *Manager) GetConnectedPeers() []PeerInfo {
	reply := make(chan []PeerInfo, 1)
	if !m.ask(connectedPeersQuery{reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

// GetConnections returns the addresses of all connection entries regardless
// of handshake state.
func (m *Manager) GetConnections() []PeerAddress {
	reply := make(chan []PeerAddress, 1)
	if !m.ask(connectionsQuery{reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

// GetBlacklistedPeers returns the hosts whose bans have not yet expired.
func (m *Manager) GetBlacklistedPeers() []string {
	reply := make(chan []string, 1)
	if !m.ask(blacklistedQuery{reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

// GetRandomPeersToBroadcast draws up to n addresses, without replacement,
// from the currently handshaked peers.
func (m *Manager) GetRandomPeersToBroadcast(n int) []PeerAddress {
	reply := make(chan []PeerAddress, 1)
	if !m.ask(randomPeersQuery{n: n, reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

// GetKnownPeers returns the known-peer records sorted by address.
func (m *Manager) GetKnownPeers() []KnownPeerRecord {
	reply := make(chan []KnownPeerRecord, 1)
	if !m.ask(knownRecordsQuery{reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

// gossipPeers returns the freshest known, non-blacklisted addresses suitable
// for sharing with a remote peer.
func (m *Manager) gossipPeers(limit int) []PeerAddress {
	reply := make(chan []PeerAddress, 1)
	if !m.ask(gossipPeersQuery{limit: limit, reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

func (m *Manager) handshakedLinks() []peerLink {
	reply := make(chan []peerLink, 1)
	if !m.ask(peerLinksQuery{reply: reply}) {
		return nil
	}
	return awaitReply(reply, m.done)
}

func (m *Manager) ask(q any) bool {
	select {
	case m.queries <- q:
		return true
	case <-m.done:
		return false
	}
}

func awaitReply[T any](reply chan T, done chan struct{}) T {
	select {
	case v := <-reply:
		return v
	case <-done:
		var zero T
		return zero
	}
}
