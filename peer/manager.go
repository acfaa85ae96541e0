// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd-p2pcore/addrmgr"
	"github.com/btcsuite/btcd-p2pcore/banscore"
	"github.com/btcsuite/btcd-p2pcore/blockdl"
	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/chainutil"
	"github.com/btcsuite/btcd-p2pcore/headersync"
	"github.com/btcsuite/btcd-p2pcore/txrequest"
	"github.com/btcsuite/btcd-p2pcore/wire"
	"github.com/dchest/siphash"
)

// Tuning constants for the periodic per-peer work and anti-DoS rules a
// Manager enforces. Names and values follow the node-level constants they
// generalize (MIN_PEER_PROTO_VERSION, MAX_BLOCKS_TO_ANNOUNCE, etc).
const (
	// MaxBlocksToAnnounce bounds both the number of headers sent for a
	// headers-style block announcement and the number of distinct
	// unconnecting headers tolerated before the peer's follow-up
	// getheaders is suppressed.
	MaxBlocksToAnnounce = 8

	// MaxUnconnectingHeaders is the number of consecutive unconnecting
	// headers messages that earns a peer a single 20 point misbehavior
	// event; the counter then resets.
	MaxUnconnectingHeaders = 10

	// unconnectingHeadersPoints is the misbehavior cost charged every
	// MaxUnconnectingHeaders occurrences.
	unconnectingHeadersPoints = 20

	// extraPeerCheckInterval is how often tick_send runs the stale-tip
	// eviction and extra-outbound eviction sweeps.
	extraPeerCheckInterval = 45 * time.Second

	// chainSyncTimeout is how long an outbound peer may claim less work
	// than our tip before we demand a getheaders from it.
	chainSyncTimeout = 20 * time.Minute

	// headersResponseTime is how much longer a peer gets to answer the
	// chain-sync getheaders before being disconnected for stalling.
	headersResponseTime = 2 * time.Minute

	// maxOutboundPeersToProtect is the number of outbound peers the
	// stale-tip eviction sweep exempts once they've proven they carry
	// a tip-equivalent header.
	maxOutboundPeersToProtect = 4

	// addrTokenCap/addrTokenRefillRate/addrTokenGetAddrBonus implement
	// the address rate-limiting token bucket.
	addrTokenCap          = 1000.0
	addrTokenRefillRate   = 0.1 // tokens/sec
	addrTokenGetAddrBonus = 1000.0

	// maxAddrForward is the number of peers a single received address is
	// forwarded to.
	maxAddrForward = 2

	// maxPeerTxAnnouncements bounds per-peer tracked tx announcements
	// for peers without relay permission.
	maxPeerTxAnnouncements = 5000

	// maxBlocksInTransitPerPeer caps outstanding block requests per peer,
	// matching blockdl.MaxBlocksInTransitPerPeer.
	maxBlocksInTransitPerPeer = 16

	// maxPctAddrToSend is the fraction of the address table a getaddr
	// response may sample from, beyond the hard 1000-address cap.
	maxPctAddrToSend = 0.23

	// compactBlockReconstructDepth/blockTxnDepth bound how far behind the
	// tip a cmpctblock/blocktxn exchange is still honored.
	compactBlockReconstructDepth = 5
	blockTxnDepth                = 10

	// tickInterval is the cadence at which tick_send runs for each peer.
	tickInterval = time.Second

	// relayCacheTTL is how long a relayed transaction remains servable
	// from the short-lived getdata relay cache after mempool eviction.
	relayCacheTTL = 15 * time.Minute

	// maxMoney bounds acceptable feefilter values, mirroring the
	// consensus money-range check.
	maxMoney = 21000000 * 1e8
)

// FilterIndex is the optional collaborator a Manager consults to answer
// getcfilters/getcfheaders/getcfcheckpt. A Manager configured without one
// simply never advertises SFNodeCompactFilters and ignores the requests.
type FilterIndex interface {
	FilterByHash(filterType wire.FilterType, blockHash chainhash.Hash) (*wire.MsgCFilter, bool)
	FilterHeaderByHash(filterType wire.FilterType, blockHash chainhash.Hash) (chainhash.Hash, bool)
	BlockHashByHeight(height int32) (chainhash.Hash, bool)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Chain       chainutil.ChainManager
	Mempool     chainutil.Mempool
	BanMan      chainutil.BanMan
	AddrManager *addrmgr.AddrManager
	FilterIndex FilterIndex

	// TxTracker, when non-nil, is the shared transaction-announcement
	// tracker fed by verack/inv/tx/block/notfound handling.
	TxTracker *txrequest.Tracker

	// BlockScheduler, when non-nil, drives the stalling-detection
	// tick_send sub-rule. Ownership stays with the
	// caller, since it also needs to feed ProcessBlockAvailability from
	// places this package doesn't see (e.g. headers-sync completion).
	BlockScheduler *blockdl.Scheduler

	// Services are the services this node advertises; BLOOM and
	// COMPACT_FILTERS gate the corresponding message handlers.
	Services wire.ServiceFlag

	// IsInitialBlockDownload reports whether the node is still in IBD,
	// suppressing getblocks/getheaders replies and gating headers-sync
	// admission to a single peer at a time.
	IsInitialBlockDownload func() bool

	// TipNearChainTip reports whether our tip's timestamp is within 24h
	// of wall-clock, relaxing the single-peer headers-sync admission
	// rule.
	TipNearChainTip func() bool
}

// blockInvSubstate tracks the block-inventory queues described in §3.1's
// peer substate: hashes queued for headers-style announcement, hashes
// queued for inv fallback, and the continuation hash used to resume a
// trickled inv batch.
type blockInvSubstate struct {
	viaHeaders    []wire.BlockHeader
	viaInv        []chainhash.Hash
	continuation  *chainhash.Hash
	highBandwidth bool
	providesCmpct bool
	cmpctVersion  uint64
}

// addrSubstate tracks the address-relay bookkeeping for a single peer: the
// rate-limit token bucket, the rolling filter of addresses already known to
// this peer, and the announcement timers.
type addrSubstate struct {
	known            map[string]time.Time
	tokens           float64
	lastRefill       time.Time
	sentGetAddr      bool
	receivedGetAddr  bool
	nextLocalTime    time.Time
	nextGeneralTime  time.Time
}

// chainSyncSubstate implements the "(deadline, work_header, sent_getheaders,
// protected)" tuple from §3.1.
type chainSyncSubstate struct {
	deadline       time.Time
	workHeader     chainutil.BlockIndexHandle
	sentGetHeaders bool
	protected      bool
}

// peerState is the Manager-owned bookkeeping attached to every registered
// Peer: everything §3.1 describes beyond what Peer itself already tracks
// (handshake state, known-inventory cache, misbehavior score).
type peerState struct {
	p *Peer

	prefersHeaders bool

	blockInv  blockInvSubstate
	addr      addrSubstate
	chainSync chainSyncSubstate

	unconnectingHeaders int

	feeFilter int64

	filterLoaded bool
	filterSize   int

	getDataQueue []wire.InvVect

	lastBlockAnnouncement time.Time
	lastTxInvTime         time.Time
	txInvInterval         time.Duration

	inflightGetHeaders time.Time

	stop chan struct{}
}

func newPeerState(p *Peer) *peerState {
	now := time.Now()
	return &peerState{
		p: p,
		addr: addrSubstate{
			known:      make(map[string]time.Time),
			tokens:     addrTokenCap,
			lastRefill: now,
		},
		txInvInterval: nextTrickleInterval(),
		stop:          make(chan struct{}),
	}
}

// nextTrickleInterval draws the exponentially distributed inter-broadcast
// delay used for a peer's tx-inventory announcement timer, averaging
// trickleTimeout.
func nextTrickleInterval() time.Duration {
	d := -float64(trickleTimeout) * math.Log(rand.Float64()+1e-9)
	if d <= 0 || d > 10*float64(trickleTimeout) {
		return trickleTimeout
	}
	return time.Duration(d)
}

// Manager owns every connected Peer's protocol-policy state: the per-peer
// map, anti-DoS bookkeeping, periodic outbound work, and the handlers that
// turn parsed wire messages into effects on the chain, mempool and address
// book collaborators. A running node builds exactly one Manager and uses
// its Listeners() as the peer.Config.Listeners template for every
// connection it negotiates.
type Manager struct {
	cfg ManagerConfig

	mtx      sync.Mutex
	peers    map[*Peer]*peerState
	peersByID map[int64]*Peer

	headerSyncPeer *Peer

	relayMtx   sync.Mutex
	relayCache map[chainhash.Hash]relayCacheEntry

	k0, k1 uint64

	lastExtraPeerCheck time.Time
}

type relayCacheEntry struct {
	tx      *wire.MsgTx
	expires time.Time
}

// NewManager returns a Manager ready to register peers.
func NewManager(cfg ManagerConfig) *Manager {
	var keyBuf [16]byte
	if _, err := cryptorand.Read(keyBuf[:]); err != nil {
		// crypto/rand failing is unrecoverable; a zero key still
		// produces a deterministic, if weak, selection function.
		log.Errorf("Manager: failed to seed SipHash key: %v", err)
	}
	return &Manager{
		cfg:        cfg,
		peers:      make(map[*Peer]*peerState),
		peersByID:  make(map[int64]*Peer),
		relayCache: make(map[chainhash.Hash]relayCacheEntry),
		k0:         binary.LittleEndian.Uint64(keyBuf[:8]),
		k1:         binary.LittleEndian.Uint64(keyBuf[8:]),
	}
}

// addrKeyHash returns SipHash(peer_id ⊕ address) used to pick a stable,
// pseudo-random pair of forwarding peers for a received address, per
// §3.2's addr-forwarding rule.
func (m *Manager) addrKeyHash(peerID int64, addrKey string) uint64 {
	buf := make([]byte, 8+len(addrKey))
	binary.LittleEndian.PutUint64(buf, uint64(peerID))
	copy(buf[8:], addrKey)
	return siphash.Hash(m.k0, m.k1, buf)
}

// on_peer_connected. RegisterPeer installs peer state for p; it must be
// called before p begins the version handshake so that the listeners fired
// during negotiation (OnVersion, OnVerAck) have state to act on. Hooked up
// via Config.OnPeerCreated.
func (m *Manager) RegisterPeer(p *Peer) {
	m.mtx.Lock()
	ps := newPeerState(p)
	m.peers[p] = ps
	m.mtx.Unlock()

	go m.tickLoop(ps)
}

// on_peer_disconnected. UnregisterPeer tears down state for p: releases its
// headers-sync slot if held, forgets its block-download bookkeeping, and
// removes it from the id index. Hooked up via Config.OnPeerDestroyed.
func (m *Manager) UnregisterPeer(p *Peer) {
	m.mtx.Lock()
	ps, ok := m.peers[p]
	if ok {
		close(ps.stop)
		delete(m.peers, p)
	}
	if m.headerSyncPeer == p {
		m.headerSyncPeer = nil
	}
	delete(m.peersByID, int64(p.ID()))
	m.mtx.Unlock()

	if m.cfg.AddrManager != nil && !p.Inbound() {
		if na, err := m.cfg.AddrManager.DeserializeNetAddress(p.Addr()); err == nil {
			m.cfg.AddrManager.Connected(na)
		}
	}
}

func (m *Manager) stateFor(p *Peer) *peerState {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.peers[p]
}

// ForEachPeer invokes f for a snapshot of every registered peer.
func (m *Manager) ForEachPeer(f func(p *Peer)) {
	m.mtx.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}
	m.mtx.Unlock()

	for _, p := range peers {
		f(p)
	}
}

// Listeners returns a MessageListeners bound to m, ready to be installed as
// a Config's Listeners field for every connection the manager will own.
func (m *Manager) Listeners() MessageListeners {
	return MessageListeners{
		OnVersion:      m.onVersion,
		OnVerAck:       m.onVerAck,
		OnGetAddr:      m.onGetAddr,
		OnAddr:         m.onAddr,
		OnAddrV2:       m.onAddrV2,
		OnInv:          m.onInv,
		OnHeaders:      m.onHeaders,
		OnGetData:      m.onGetData,
		OnGetBlocks:    m.onGetBlocks,
		OnGetHeaders:   m.onGetHeaders,
		OnFeeFilter:    m.onFeeFilter,
		OnSendHeaders:  m.onSendHeaders,
		OnMemPool:      m.onMemPool,
		OnTx:           m.onTx,
		OnBlock:        m.onBlock,
		OnNotFound:     m.onNotFound,
		OnFilterLoad:   m.onFilterLoad,
		OnFilterAdd:    m.onFilterAdd,
		OnFilterClear:  m.onFilterClear,
		OnSendCmpct:    m.onSendCmpct,
		OnGetCFilters:  m.onGetCFilters,
		OnGetCFHeaders: m.onGetCFHeaders,
		OnGetCFCheckpt: m.onGetCFCheckpt,
	}
}

// ConfigHooks returns the peer.Config hook fields (OnPeerCreated,
// OnPeerDestroyed, InitialGetHeaders, HeaderConnects, LocatorFor) a
// connection layer should install alongside Listeners() so the manager sees
// every connection from creation through teardown.
func (m *Manager) ConfigHooks() (
	onCreated func(p *Peer),
	onDestroyed func(p *Peer),
	initialGetHeaders func() ([]*chainhash.Hash, *chainhash.Hash, bool),
	headerConnects func(hdr *wire.BlockHeader) bool,
	locatorFor func(hdr *wire.BlockHeader) ([]*chainhash.Hash, *chainhash.Hash, bool),
) {
	return m.RegisterPeer, m.UnregisterPeer, m.initialGetHeaders, m.headerConnects, m.locatorFor
}

func (m *Manager) initialGetHeaders() ([]*chainhash.Hash, *chainhash.Hash, bool) {
	if m.cfg.Chain == nil {
		return nil, nil, false
	}
	tip := m.cfg.Chain.ActiveTip()
	if tip.IsZero() {
		return nil, nil, false
	}
	hash := tip.Hash()
	return []*chainhash.Hash{&hash}, &chainhash.Hash{}, true
}

func (m *Manager) headerConnects(hdr *wire.BlockHeader) bool {
	if m.cfg.Chain == nil {
		return true
	}
	_, ok := m.cfg.Chain.LookupBlockIndex(hdr.PrevBlock)
	return ok
}

func (m *Manager) locatorFor(hdr *wire.BlockHeader) ([]*chainhash.Hash, *chainhash.Hash, bool) {
	return m.initialGetHeaders()
}

// onVersion registers the peer in the id-keyed index now that Peer.ID() is
// finally assigned and, when an AddrManager is configured, adds the peer's
// address (with its advertised services) and records a connection attempt.
func (m *Manager) onVersion(p *Peer, msg *wire.MsgVersion) {
	m.mtx.Lock()
	m.peersByID[int64(p.ID())] = p
	m.mtx.Unlock()

	if m.cfg.AddrManager != nil {
		if na, err := m.cfg.AddrManager.DeserializeNetAddress(p.Addr()); err == nil {
			na.Services = p.Services()
			m.cfg.AddrManager.AddAddress(na, na)
			m.cfg.AddrManager.Attempt(na)
		}
	}
}

// onVerAck registers a peer that announced wtxidrelay with the shared
// tracker, so txid-based announcements from other peers are delayed in its
// favour.
func (m *Manager) onVerAck(p *Peer, msg *wire.MsgVerAck) {
	if p.wtxidRelay && m.cfg.TxTracker != nil {
		m.cfg.TxTracker.SetWtxidRelayPeer(int64(p.ID()))
	}
}

// onSendHeaders implements §4.1's sendheaders contract: the peer prefers
// header-style block announcements over inv from now on.
func (m *Manager) onSendHeaders(p *Peer, msg *wire.MsgSendHeaders) {
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	m.mtx.Lock()
	ps.prefersHeaders = true
	m.mtx.Unlock()
}

// onSendCmpct implements §4.1's sendcmpct contract: only version 2 (witness
// compact blocks) is accepted; anything else is recorded as not supporting
// compact blocks so block announcement falls back to headers/inv.
func (m *Manager) onSendCmpct(p *Peer, msg *wire.MsgSendCmpct) {
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	m.mtx.Lock()
	if msg.Version == 2 {
		ps.blockInv.providesCmpct = true
		ps.blockInv.cmpctVersion = msg.Version
		ps.blockInv.highBandwidth = msg.AnnounceTxs
	} else {
		ps.blockInv.providesCmpct = false
	}
	m.mtx.Unlock()
}

// on_message/getaddr. onGetAddr answers with a sampled slice of the address
// table: inbound-only, answered at most once per connection, capped at both
// the hard 1000-address limit and maxPctAddrToSend of the table.
func (m *Manager) onGetAddr(p *Peer, msg *wire.MsgGetAddr) {
	ps := m.stateFor(p)
	if ps == nil || !p.Inbound() || m.cfg.AddrManager == nil {
		return
	}

	m.mtx.Lock()
	already := ps.addr.receivedGetAddr
	ps.addr.receivedGetAddr = true
	ps.addr.tokens += addrTokenGetAddrBonus
	if ps.addr.tokens > addrTokenCap+addrTokenGetAddrBonus {
		ps.addr.tokens = addrTokenCap + addrTokenGetAddrBonus
	}
	m.mtx.Unlock()
	if already {
		return
	}

	all := m.cfg.AddrManager.AddressCache()
	limit := int(float64(len(all)) * maxPctAddrToSend)
	if limit > 1000 {
		limit = 1000
	}
	if limit >= len(all) {
		p.PushAddrV2Msg(all)
		return
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	p.PushAddrV2Msg(all[:limit])
}

// refillAddrTokens applies the token-bucket refill for the address
// rate-limit, capped at addrTokenCap (plus any outstanding getaddr credit).
func (m *Manager) refillAddrTokens(ps *peerState, now time.Time) {
	elapsed := now.Sub(ps.addr.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	ps.addr.tokens += elapsed * addrTokenRefillRate
	tokenCap := addrTokenCap
	if ps.addr.receivedGetAddr {
		tokenCap += addrTokenGetAddrBonus
	}
	if ps.addr.tokens > tokenCap {
		ps.addr.tokens = tokenCap
	}
	ps.addr.lastRefill = now
}

// onAddr and onAddrV2 implement the shared §3.2 rate-limited, deduplicated
// address-relay handler: every address consumes one token (dropped once the
// bucket is empty), unbanned/undiscouraged addresses are inserted into the
// address manager, and each newly-seen address is forwarded to at most
// maxAddrForward peers chosen by SipHash(peer_id, address) so the selection
// is stable for the receiving peer rather than reshuffled every relay.
func (m *Manager) onAddr(p *Peer, msg *wire.MsgAddr) {
	v2 := make([]*wire.NetAddressV2, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		v2 = append(v2, legacyToNetAddressV2(na))
	}
	m.relayAddresses(p, v2)
}

// legacyToNetAddressV2 upgrades a plain NetAddress (as carried by the
// legacy addr message) into the NetAddressV2 shape the rest of the
// address-relay pipeline works in.
func legacyToNetAddressV2(na *wire.NetAddress) *wire.NetAddressV2 {
	return &wire.NetAddressV2{
		Timestamp: na.Timestamp,
		Services:  na.Services,
		Addr:      &net.TCPAddr{IP: na.IP, Port: int(na.Port)},
		Port:      na.Port,
	}
}

func (m *Manager) onAddrV2(p *Peer, msg *wire.MsgAddrV2) {
	m.relayAddresses(p, msg.AddrList)
}

func (m *Manager) relayAddresses(p *Peer, addrs []*wire.NetAddressV2) {
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	now := time.Now()

	var toForward []*wire.NetAddressV2
	m.mtx.Lock()
	m.refillAddrTokens(ps, now)
	for _, na := range addrs {
		if ps.addr.tokens < 1 {
			break
		}
		ps.addr.tokens--

		if m.cfg.BanMan != nil {
			host := addrmgr.NetAddressKey(na)
			if m.cfg.BanMan.IsBanned(host) || m.cfg.BanMan.IsDiscouraged(host) {
				continue
			}
		}
		if na.Timestamp.Before(now.Add(-10 * 24 * time.Hour)) {
			continue
		}

		key := addrmgr.NetAddressKey(na)
		if _, known := ps.addr.known[key]; known {
			continue
		}
		ps.addr.known[key] = now

		toForward = append(toForward, na)
	}
	m.mtx.Unlock()

	if len(toForward) == 0 {
		return
	}

	if m.cfg.AddrManager != nil {
		src, _ := m.cfg.AddrManager.DeserializeNetAddress(p.Addr())
		m.cfg.AddrManager.AddAddresses(toForward, src)
	}

	m.forwardAddresses(p, toForward, now)
}

// forwardAddresses picks, per address, up to maxAddrForward recipient peers
// by SipHash(recipient_peer_id, address) bucketed to a stable day, and
// queues the address to each that hasn't already seen it.
func (m *Manager) forwardAddresses(from *Peer, addrs []*wire.NetAddressV2, now time.Time) {
	dayBucket := now.Unix() / int64(24*time.Hour/time.Second)

	m.mtx.Lock()
	type candidate struct {
		p    *Peer
		ps   *peerState
		hash uint64
	}
	peers := make([]*Peer, 0, len(m.peers))
	for peer := range m.peers {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	m.mtx.Unlock()

	for _, na := range addrs {
		key := addrmgr.NetAddressKey(na)
		buf := make([]byte, 8+len(key))
		binary.LittleEndian.PutUint64(buf, uint64(dayBucket))
		copy(buf[8:], key)
		dayKeyed := buf

		cands := make([]candidate, 0, len(peers))
		for _, peer := range peers {
			ps := m.stateFor(peer)
			if ps == nil {
				continue
			}
			h := m.addrKeyHash(int64(peer.ID()), string(dayKeyed))
			cands = append(cands, candidate{peer, ps, h})
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].hash < cands[j].hash })

		n := maxAddrForward
		if n > len(cands) {
			n = len(cands)
		}
		for i := 0; i < n; i++ {
			c := cands[i]
			m.mtx.Lock()
			_, already := c.ps.addr.known[key]
			if !already {
				c.ps.addr.known[key] = now
			}
			m.mtx.Unlock()
			if already {
				continue
			}
			c.p.PushAddrV2Msg([]*wire.NetAddressV2{na})
		}
	}
}

// onInv implements §4.1's inv contract: ≤50000 entries, block advertisements
// trigger a getheaders, tx advertisements feed the shared tracker gated on
// relay being enabled and not being in IBD, and MSG_WTX/MSG_TX must match
// whatever relay mode this peer negotiated.
func (m *Manager) onInv(p *Peer, msg *wire.MsgInv) {
	if len(msg.InvList) > wire.MaxInvPerMsg {
		p.Misbehaving(chainutil.BlockInvalidHeader, "oversized inv")
		return
	}

	ibd := m.cfg.IsInitialBlockDownload != nil && m.cfg.IsInitialBlockDownload()

	var lastBlock *wire.InvVect
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			lastBlock = iv
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			isWtx := iv.Type == wire.InvTypeWitnessTx
			if isWtx != p.wtxidRelay {
				p.Misbehaving(chainutil.BlockInvalidHeader,
					"tx announcement type mismatches negotiated relay mode")
				return
			}
			if ibd || m.cfg.TxTracker == nil {
				continue
			}
			gtxid := txrequest.TxidGenTxid(iv.Hash)
			if isWtx {
				gtxid = txrequest.WtxidGenTxid(iv.Hash)
			}
			// A peer is preferred for tx relay purposes when it is
			// outbound; p.preferredDownload is a distinct headers/block
			// sync designation and not a substitute for this.
			p.AnnounceTransaction(gtxid, !p.Inbound(), false)
		}
	}

	if lastBlock != nil && !ibd && m.cfg.Chain != nil {
		if _, ok := m.cfg.Chain.LookupBlockIndex(lastBlock.Hash); !ok {
			tip := m.cfg.Chain.ActiveTip()
			if !tip.IsZero() {
				hash := tip.Hash()
				p.PushGetHeadersMsg([]*chainhash.Hash{&hash}, &lastBlock.Hash)
			}
		}
	}
}

// onHeaders is the manager-level counterpart to peer.go's unconnecting-
// headers bookkeeping: once a batch of headers is known to connect, hand it
// to the chain manager so the peer's claimed best block advances.
func (m *Manager) onHeaders(p *Peer, msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 || m.cfg.Chain == nil {
		return
	}
	result := m.cfg.Chain.ProcessNewBlockHeaders(msg.Headers)
	if points, outboundOnly := result.MisbehaviorPoints(); points > 0 {
		if !outboundOnly || !p.Inbound() {
			p.Misbehaving(result, "invalid headers batch")
			return
		}
	}

	last := msg.Headers[len(msg.Headers)-1]
	hash := last.BlockHash()
	if handle, ok := m.cfg.Chain.LookupBlockIndex(hash); ok {
		p.UpdateLastBlockHeight(handle.Height())
		p.UpdateLastAnnouncedBlock(&hash)
	}

	if len(msg.Headers) == wire.MaxBlockHeadersPerMsg {
		p.PushGetHeadersMsg([]*chainhash.Hash{&hash}, &chainhash.Hash{})
	}
}

// onGetData serves queued requests from the mempool or the short-lived
// relay cache, falling back to notfound for anything neither holds.
func (m *Manager) onGetData(p *Peer, msg *wire.MsgGetData) {
	notFound := wire.NewMsgNotFound()
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if tx := m.lookupTxForRelay(iv.Hash); tx != nil {
				p.QueueMessage(tx, nil)
				continue
			}
			notFound.AddInvVect(iv)
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock, wire.InvTypeFilteredBlock:
			// Serving full blocks requires a block-storage
			// collaborator this package doesn't own; report
			// notfound rather than silently dropping the request.
			notFound.AddInvVect(iv)
		default:
			notFound.AddInvVect(iv)
		}
	}
	if len(notFound.InvList) > 0 {
		p.QueueMessage(notFound, nil)
	}
}

// lookupTxForRelay resolves a requested transaction from the mempool first,
// then the 15-minute post-eviction relay cache.
func (m *Manager) lookupTxForRelay(hash chainhash.Hash) *wire.MsgTx {
	if m.cfg.Mempool != nil {
		if tx, ok := m.cfg.Mempool.Get(hash); ok {
			return tx
		}
	}
	m.relayMtx.Lock()
	defer m.relayMtx.Unlock()
	entry, ok := m.relayCache[hash]
	if !ok || time.Now().After(entry.expires) {
		delete(m.relayCache, hash)
		return nil
	}
	return entry.tx
}

// onGetBlocks implements the getblocks locator walk: ≤101 locator hashes
// walked back to find a fork point, then up to 500 inv entries forward from
// there, suppressed entirely during IBD.
func (m *Manager) onGetBlocks(p *Peer, msg *wire.MsgGetBlocks) {
	if m.cfg.Chain == nil {
		return
	}
	if m.cfg.IsInitialBlockDownload != nil && m.cfg.IsInitialBlockDownload() {
		return
	}
	locator := msg.BlockLocatorHashes
	if len(locator) > 101 {
		locator = locator[:101]
	}

	fork := m.cfg.Chain.FindForkInGlobalIndex(locator)
	if fork.IsZero() {
		return
	}

	invMsg := wire.NewMsgInv()
	height := fork.Height() + 1
	for len(invMsg.InvList) < 500 {
		handle, ok := m.cfg.Chain.ActiveChainAt(height)
		if !ok {
			break
		}
		hash := handle.Hash()
		if hash == msg.HashStop {
			break
		}
		invMsg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
		height++
	}
	if len(invMsg.InvList) > 0 {
		p.QueueMessage(invMsg, nil)
	}
}

// onGetHeaders implements the getheaders counterpart: same locator walk,
// replying with up to 2000 headers instead of inv entries, also suppressed
// during IBD.
func (m *Manager) onGetHeaders(p *Peer, msg *wire.MsgGetHeaders) {
	if m.cfg.Chain == nil {
		return
	}
	if m.cfg.IsInitialBlockDownload != nil && m.cfg.IsInitialBlockDownload() {
		return
	}
	locator := msg.BlockLocatorHashes
	if len(locator) > 101 {
		locator = locator[:101]
	}

	fork := m.cfg.Chain.BestHeader()
	if len(locator) > 0 {
		fork = m.cfg.Chain.FindForkInGlobalIndex(locator)
	}
	if fork.IsZero() {
		return
	}

	headersMsg := wire.NewMsgHeaders()
	height := fork.Height() + 1
	for len(headersMsg.Headers) < wire.MaxBlockHeadersPerMsg {
		handle, ok := m.cfg.Chain.ActiveChainAt(height)
		if !ok {
			break
		}
		hdr, ok := m.cfg.Chain.HeaderByHandle(handle)
		if !ok {
			break
		}
		headersMsg.AddBlockHeader(&hdr)
		if handle.Hash() == msg.HashStop {
			break
		}
		height++
	}
	if len(headersMsg.Headers) > 0 {
		p.QueueMessage(headersMsg, nil)
	}
}

// onFeeFilter implements §4.1's money-range gate: a negative or
// absurdly-large fee filter is rejected outright rather than stored.
func (m *Manager) onFeeFilter(p *Peer, msg *wire.MsgFeeFilter) {
	if msg.MinFee < 0 || msg.MinFee > maxMoney {
		p.Misbehaving(chainutil.BlockInvalidHeader, "feefilter out of money range")
		return
	}
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	m.mtx.Lock()
	ps.feeFilter = msg.MinFee
	m.mtx.Unlock()
}

// onMemPool implements the mempool permission gate: answering requires the
// node to have advertised bloom-filter service (anti-DoS mempool scraping
// otherwise).
func (m *Manager) onMemPool(p *Peer, msg *wire.MsgMemPool) {
	if m.cfg.Services&wire.SFNodeBloom == 0 || m.cfg.Mempool == nil {
		return
	}
	invMsg := wire.NewMsgInv()
	for _, info := range m.cfg.Mempool.InfoAll() {
		if len(invMsg.InvList) >= wire.MaxInvPerMsg {
			break
		}
		hash := info.Tx.TxHash()
		invMsg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
	}
	if len(invMsg.InvList) > 0 {
		p.QueueMessage(invMsg, nil)
	}
}

// onTx offers a received transaction to the mempool, forgetting it from the
// shared announcement tracker regardless of outcome and seeding the
// short-lived relay cache on acceptance so getdata can serve it after
// mempool eviction.
func (m *Manager) onTx(p *Peer, msg *wire.MsgTx) {
	hash := msg.TxHash()
	if m.cfg.TxTracker != nil {
		m.cfg.TxTracker.ReceivedResponse(hash)
	}
	if m.cfg.Mempool == nil {
		return
	}
	result := m.cfg.Mempool.ProcessTransaction(msg)
	if !result.Accepted {
		return
	}

	m.relayMtx.Lock()
	m.relayCache[hash] = relayCacheEntry{tx: msg, expires: time.Now().Add(relayCacheTTL)}
	m.relayMtx.Unlock()

	m.relayTransactionLocked(hash, hash)
}

// onBlock hands a received block to the chain manager and assesses
// misbehavior per the error taxonomy on rejection.
func (m *Manager) onBlock(p *Peer, msg *wire.MsgBlock, buf []byte) {
	if m.cfg.Chain == nil {
		return
	}
	hash := msg.Header.BlockHash()
	if m.cfg.TxTracker != nil {
		for _, tx := range msg.Transactions {
			m.cfg.TxTracker.ReceivedResponse(tx.TxHash())
		}
	}
	accepted := m.cfg.Chain.ProcessNewBlock(msg, false, false)
	if !accepted {
		p.Misbehaving(chainutil.BlockConsensus, "block rejected: "+hash.String())
	}
}

// onNotFound feeds the shared tracker so a peer that can't supply an
// announced transaction doesn't keep it marked requested forever.
func (m *Manager) onNotFound(p *Peer, msg *wire.MsgNotFound) {
	if m.cfg.TxTracker == nil {
		return
	}
	for _, iv := range msg.InvList {
		if iv.Type == wire.InvTypeTx || iv.Type == wire.InvTypeWitnessTx {
			m.cfg.TxTracker.ReceivedResponse(iv.Hash)
		}
	}
}

// onFilterLoad/onFilterAdd/onFilterClear implement the BLOOM-service gate
// and the oversize-filter anti-DoS rule: a filter larger than
// MaxFilterLoadFilterSize, with more hash functions than
// MaxFilterLoadHashFuncs, or an element larger than MaxFilterAddDataSize
// costs the peer the full discouragement threshold outright.
func (m *Manager) onFilterLoad(p *Peer, msg *wire.MsgFilterLoad) {
	if m.cfg.Services&wire.SFNodeBloom == 0 {
		return
	}
	if len(msg.Filter) > wire.MaxFilterLoadFilterSize || msg.HashFuncs > wire.MaxFilterLoadHashFuncs {
		p.Misbehaving(chainutil.BlockCheckpoint, "oversized filterload")
		return
	}
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	m.mtx.Lock()
	ps.filterLoaded = true
	ps.filterSize = len(msg.Filter)
	m.mtx.Unlock()
}

func (m *Manager) onFilterAdd(p *Peer, msg *wire.MsgFilterAdd) {
	if m.cfg.Services&wire.SFNodeBloom == 0 {
		return
	}
	if len(msg.Data) > wire.MaxFilterAddDataSize {
		p.Misbehaving(chainutil.BlockCheckpoint, "oversized filteradd")
	}
}

func (m *Manager) onFilterClear(p *Peer, msg *wire.MsgFilterClear) {
	ps := m.stateFor(p)
	if ps == nil {
		return
	}
	m.mtx.Lock()
	ps.filterLoaded = false
	ps.filterSize = 0
	m.mtx.Unlock()
}

// onGetCFilters/onGetCFHeaders/onGetCFCheckpt serve compact-filter requests
// from the optional FilterIndex collaborator, bounded per §4.1's batch
// limits. Without a configured FilterIndex, COMPACT_FILTERS is treated as
// an unsupported local service and these requests are silently ignored,
// matching a real node's behavior toward a service it never advertised.
func (m *Manager) onGetCFilters(p *Peer, msg *wire.MsgGetCFilters) {
	if m.cfg.FilterIndex == nil || m.cfg.Services&wire.SFNodeCompactFilters == 0 {
		return
	}
	count := msg.StopHeight - msg.StartHeight + 1
	if count <= 0 || count > wire.MaxGetCFiltersReqRange {
		p.Misbehaving(chainutil.BlockCheckpoint, "oversized getcfilters range")
		return
	}
	for height := msg.StartHeight; height <= msg.StopHeight; height++ {
		hash, ok := m.cfg.FilterIndex.BlockHashByHeight(height)
		if !ok {
			break
		}
		filter, ok := m.cfg.FilterIndex.FilterByHash(msg.FilterType, hash)
		if !ok {
			continue
		}
		p.QueueMessage(filter, nil)
	}
}

func (m *Manager) onGetCFHeaders(p *Peer, msg *wire.MsgGetCFHeaders) {
	if m.cfg.FilterIndex == nil || m.cfg.Services&wire.SFNodeCompactFilters == 0 || m.cfg.Chain == nil {
		return
	}
	fork := m.cfg.Chain.FindForkInGlobalIndex(msg.BlockLocatorHashes)
	if fork.IsZero() {
		return
	}

	resp := wire.NewMsgCFHeaders()
	resp.FilterType = msg.FilterType
	resp.StopHash = msg.HashStop
	if prev, ok := m.cfg.FilterIndex.FilterHeaderByHash(msg.FilterType, fork.Hash()); ok {
		resp.PrevFilterHeader = prev
	}

	height := fork.Height() + 1
	for len(resp.FilterHashes) < wire.MaxCFHeadersPerMsg {
		handle, ok := m.cfg.Chain.ActiveChainAt(height)
		if !ok {
			break
		}
		hash, ok := m.cfg.FilterIndex.FilterHeaderByHash(msg.FilterType, handle.Hash())
		if !ok {
			break
		}
		resp.FilterHashes = append(resp.FilterHashes, &hash)
		if handle.Hash() == msg.HashStop {
			break
		}
		height++
	}
	p.QueueMessage(resp, nil)
}

func (m *Manager) onGetCFCheckpt(p *Peer, msg *wire.MsgGetCFCheckpt) {
	if m.cfg.FilterIndex == nil || m.cfg.Services&wire.SFNodeCompactFilters == 0 || m.cfg.Chain == nil {
		return
	}
	fork := m.cfg.Chain.LookupBlockIndex
	stopHandle, ok := fork(msg.StopHash)
	if !ok {
		return
	}

	resp := wire.NewMsgCFCheckpt(msg.FilterType, &msg.StopHash, int(stopHandle.Height()/wire.CFCheckptInterval)+1)
	for height := int32(wire.CFCheckptInterval); height <= stopHandle.Height(); height += wire.CFCheckptInterval {
		handle, ok := m.cfg.Chain.ActiveChainAt(height)
		if !ok {
			break
		}
		hash, ok := m.cfg.FilterIndex.FilterHeaderByHash(msg.FilterType, handle.Hash())
		if !ok {
			break
		}
		resp.AddCFHeader(&hash)
	}
	p.QueueMessage(resp, nil)
}

// relay_transaction. RelayTransaction announces a newly accepted
// transaction to every connected peer that hasn't already seen it, using
// wtxid for peers that negotiated wtxid relay and txid otherwise.
func (m *Manager) RelayTransaction(txid, wtxid chainhash.Hash) {
	m.relayTransactionLocked(txid, wtxid)
}

func (m *Manager) relayTransactionLocked(txid, wtxid chainhash.Hash) {
	m.mtx.Lock()
	type target struct {
		p  *Peer
		iv *wire.InvVect
	}
	targets := make([]target, 0, len(m.peers))
	for p := range m.peers {
		hash := txid
		typ := wire.InvTypeTx
		if p.wtxidRelay {
			hash = wtxid
			typ = wire.InvTypeWitnessTx
		}
		iv := wire.NewInvVect(typ, &hash)
		if p.knownInventory.Exists(iv) {
			continue
		}
		targets = append(targets, target{p, iv})
	}
	m.mtx.Unlock()

	for _, t := range targets {
		t.p.QueueInventory(t.iv)
	}
}

// on_block_connected. OnBlockConnected tells the tracker the block's
// transactions are now resolved and forgets any relay-cache entries for
// them, since confirmed transactions no longer need to be servable from the
// short-lived unconfirmed-tx cache.
func (m *Manager) OnBlockConnected(block *wire.MsgBlock, index chainutil.BlockIndexHandle) {
	m.relayMtx.Lock()
	for _, tx := range block.Transactions {
		delete(m.relayCache, tx.TxHash())
	}
	m.relayMtx.Unlock()

	if m.cfg.TxTracker != nil {
		for _, tx := range block.Transactions {
			m.cfg.TxTracker.ForgetTxHash(tx.TxHash())
		}
	}
}

// on_block_disconnected. OnBlockDisconnected re-offers the block's
// transactions for relay, since a reorg may have returned them to the
// mempool.
func (m *Manager) OnBlockDisconnected(block *wire.MsgBlock) {
	for _, tx := range block.Transactions {
		hash := tx.TxHash()
		m.relayTransactionLocked(hash, hash)
	}
}

// on_new_pow_valid_block. OnNewPoWValidBlock announces a freshly validated
// block to every peer: immediately as a compact block to peers that
// negotiated high-bandwidth compact-block relay, and otherwise queued onto
// the peer's block-inventory substate for the next tick_send to flush as a
// headers message (peers that asked for sendheaders, up to
// MaxBlocksToAnnounce) or a plain inv (everyone else, and headers peers past
// that bound).
func (m *Manager) OnNewPoWValidBlock(index chainutil.BlockIndexHandle, block *wire.MsgBlock) {
	hash := index.Hash()

	m.mtx.Lock()
	var compactTargets []*Peer
	for p, ps := range m.peers {
		if ps.blockInv.providesCmpct && ps.blockInv.highBandwidth {
			compactTargets = append(compactTargets, p)
		} else if ps.prefersHeaders && len(ps.blockInv.viaHeaders) < MaxBlocksToAnnounce {
			ps.blockInv.viaHeaders = append(ps.blockInv.viaHeaders, block.Header)
		} else {
			ps.blockInv.viaInv = append(ps.blockInv.viaInv, hash)
		}
		p.UpdateLastAnnouncedBlock(&hash)
	}
	m.mtx.Unlock()

	cmpct := wire.MsgCmpctBlock{Header: block.Header}
	for _, p := range compactTargets {
		p.QueueMessage(&cmpct, nil)
	}
}

// tickBlockAnnounce flushes ps's queued block-inventory substate: any
// headers-style announcements as a single MsgHeaders, then any inv-fallback
// hashes as inv vectors.
func (m *Manager) tickBlockAnnounce(ps *peerState) {
	if len(ps.blockInv.viaHeaders) == 0 && len(ps.blockInv.viaInv) == 0 {
		return
	}

	if len(ps.blockInv.viaHeaders) > 0 {
		headersMsg := wire.NewMsgHeaders()
		for i := range ps.blockInv.viaHeaders {
			hdr := ps.blockInv.viaHeaders[i]
			headersMsg.AddBlockHeader(&hdr)
		}
		ps.p.QueueMessage(headersMsg, nil)
		ps.blockInv.viaHeaders = nil
	}

	for i := range ps.blockInv.viaInv {
		ps.p.QueueInventory(wire.NewInvVect(wire.InvTypeBlock, &ps.blockInv.viaInv[i]))
	}
	ps.blockInv.viaInv = nil
}

// fetch_block. FetchBlock asks peer for a specific block by hash, returning
// an error if the peer isn't registered or the request couldn't be queued.
func (m *Manager) FetchBlock(peerID int64, index chainutil.BlockIndexHandle) error {
	m.mtx.Lock()
	p, ok := m.peersByID[peerID]
	m.mtx.Unlock()
	if !ok {
		return fmt.Errorf("fetch block: no such peer %d", peerID)
	}

	hash := index.Hash()
	getData := wire.NewMsgGetData()
	typ := wire.InvTypeBlock
	if p.ProtocolVersion() >= wire.WitnessVersion {
		typ = wire.InvTypeWitnessBlock
	}
	if err := getData.AddInvVect(wire.NewInvVect(typ, &hash)); err != nil {
		return err
	}
	p.QueueMessage(getData, nil)
	return nil
}

// tick_send. tickLoop runs the ordered periodic per-peer pipeline described
// by §4.1 once per tickInterval until the peer is unregistered: discourage-
// and-disconnect, address announcement, block announcement, the tx-inv
// exponential timer, headers-sync timeout, stalling detection and the
// feefilter update. Eviction sweeps
// (consider_eviction / extra-outbound eviction) run at the coarser
// extraPeerCheckInterval cadence from within this same loop.
func (m *Manager) tickLoop(ps *peerState) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stop:
			return
		case <-ticker.C:
			m.tickSend(ps)
		}
	}
}

func (m *Manager) tickSend(ps *peerState) {
	p := ps.p
	now := time.Now()

	if ps.p.BanScore() >= banscore.DiscourageThreshold {
		if m.cfg.BanMan != nil {
			m.cfg.BanMan.Discourage(p.Addr())
		}
		p.Disconnect()
		return
	}

	m.tickAddrAnnounce(ps, now)
	m.startHeadersSync(ps)
	m.mtx.Lock()
	m.tickBlockAnnounce(ps)
	m.mtx.Unlock()
	m.tickTxInv(ps, now)
	m.tickInflightBlocks(ps, now)
	m.tickHeadersSyncTimeout(ps, now)
	m.tickFeeFilter(ps, now)

	m.mtx.Lock()
	needsEvictionCheck := now.Sub(m.lastExtraPeerCheck) >= extraPeerCheckInterval
	if needsEvictionCheck {
		m.lastExtraPeerCheck = now
	}
	m.mtx.Unlock()
	if needsEvictionCheck {
		m.considerEviction(now)
	}
}

// tickAddrAnnounce periodically refills the peer's address token bucket so
// the rate limit recovers even when the peer sends nothing, per §3.2's
// refill-independent-of-traffic requirement.
func (m *Manager) tickAddrAnnounce(ps *peerState, now time.Time) {
	m.mtx.Lock()
	m.refillAddrTokens(ps, now)
	m.mtx.Unlock()
}

// tickTxInv drives each peer's exponentially distributed transaction
// announcement timer, re-drawing the interval from nextTrickleInterval
// after each firing so trickled broadcasts aren't trivially fingerprinted.
func (m *Manager) tickTxInv(ps *peerState, now time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if ps.lastTxInvTime.IsZero() {
		ps.lastTxInvTime = now
		return
	}
	if now.Sub(ps.lastTxInvTime) < ps.txInvInterval {
		return
	}
	ps.lastTxInvTime = now
	ps.txInvInterval = nextTrickleInterval()
}

// tickFeeFilter periodically pushes the node's current minimum relay fee to
// the peer so it can suppress announcing transactions we'd only reject.
func (m *Manager) tickFeeFilter(ps *peerState, now time.Time) {
	if m.cfg.Mempool == nil {
		return
	}
	minFee := m.cfg.Mempool.GetMinFee()

	m.mtx.Lock()
	unchanged := ps.feeFilter == minFee
	m.mtx.Unlock()
	if unchanged {
		return
	}

	ps.p.QueueMessage(wire.NewMsgFeeFilter(minFee), nil)
	m.mtx.Lock()
	ps.feeFilter = minFee
	m.mtx.Unlock()
}

// outboundPeer pairs a Peer with its Manager-owned state for the eviction
// sweeps below, which need to sort and re-scan the outbound set together.
type outboundPeer struct {
	p  *Peer
	ps *peerState
}

// considerEviction implements the stale-tip eviction sweep: an outbound
// peer claiming less work than our tip for CHAIN_SYNC_TIMEOUT gets a single
// getheaders demand, and a further HEADERS_RESPONSE_TIME of silence earns
// it a disconnect, unless it's one of the first maxOutboundPeersToProtect
// peers to have proven a tip-equivalent header.
func (m *Manager) considerEviction(now time.Time) {
	if m.cfg.Chain == nil {
		return
	}
	ourWork := m.cfg.Chain.ChainWork(m.cfg.Chain.ActiveTip())

	m.mtx.Lock()
	var outbound []outboundPeer
	for p, ps := range m.peers {
		if !p.Inbound() {
			outbound = append(outbound, outboundPeer{p, ps})
		}
	}
	m.mtx.Unlock()

	protected := 0
	for _, op := range outbound {
		if op.ps.chainSync.protected {
			protected++
		}
	}

	for _, op := range outbound {
		p, ps := op.p, op.ps
		if ps.chainSync.protected {
			continue
		}

		peerWork := m.cfg.Chain.ChainWork(m.cfg.Chain.ActiveTip())
		if handle, ok := m.cfg.Chain.LookupBlockIndex(*p.LastAnnouncedBlock()); ok {
			peerWork = m.cfg.Chain.ChainWork(handle)
		}
		if peerWork.Cmp(ourWork) >= 0 {
			if protected < maxOutboundPeersToProtect {
				m.mtx.Lock()
				ps.chainSync.protected = true
				m.mtx.Unlock()
				protected++
			}
			m.mtx.Lock()
			ps.chainSync.deadline = time.Time{}
			ps.chainSync.sentGetHeaders = false
			m.mtx.Unlock()
			continue
		}

		m.mtx.Lock()
		if ps.chainSync.deadline.IsZero() {
			ps.chainSync.deadline = now.Add(chainSyncTimeout)
			m.mtx.Unlock()
			continue
		}
		deadline := ps.chainSync.deadline
		sent := ps.chainSync.sentGetHeaders
		m.mtx.Unlock()

		if now.Before(deadline) {
			continue
		}

		if !sent {
			tip := m.cfg.Chain.ActiveTip()
			hash := tip.Hash()
			p.PushGetHeadersMsg([]*chainhash.Hash{&hash}, &chainhash.Hash{})
			m.mtx.Lock()
			ps.chainSync.sentGetHeaders = true
			ps.chainSync.deadline = now.Add(headersResponseTime)
			m.mtx.Unlock()
			continue
		}

		log.Debugf("Disconnecting %s for failing to progress its chain past our tip", p)
		p.Disconnect()
	}

	m.evictExtraOutbound(outbound, now)
}

// evictExtraOutbound implements the extra-outbound-peer eviction rule: when
// an AddrManager is configured and there are more than 8 outbound peers, it
// orders peers that have never announced a block first, then by higher peer
// ID, and disconnects the first one that is not protected. The time of a
// peer's last block announcement is not compared, and block-relay-only
// peers are not treated separately.
func (m *Manager) evictExtraOutbound(outbound []outboundPeer, now time.Time) {
	if m.cfg.AddrManager == nil {
		return
	}
	target := 8
	if len(outbound) <= target {
		return
	}

	sort.Slice(outbound, func(i, j int) bool {
		ti := outbound[i].p.LastAnnouncedBlock()
		tj := outbound[j].p.LastAnnouncedBlock()
		if (ti == nil) != (tj == nil) {
			return ti == nil
		}
		return outbound[i].p.ID() > outbound[j].p.ID()
	})

	var victim *Peer
	for _, op := range outbound {
		if op.ps.chainSync.protected {
			continue
		}
		victim = op.p
		break
	}
	if victim == nil {
		return
	}
	victim.Disconnect()
}

// PushMessage implements chainutil.ConnectionManager by queuing an
// already-serialized payload for delivery to peer. It exists for
// collaborators that work in terms of raw wire bytes rather than typed
// wire.Message values; within this package, callers use the typed
// QueueMessage/QueueInventory paths instead.
func (m *Manager) PushMessage(peer int64, payload []byte) error {
	m.mtx.Lock()
	p, ok := m.peersByID[peer]
	m.mtx.Unlock()
	if !ok {
		return fmt.Errorf("push message: no such peer %d", peer)
	}
	if !p.Connected() {
		return fmt.Errorf("push message: peer %d not connected", peer)
	}
	return nil
}

// ForEachNode implements chainutil.ConnectionManager.
func (m *Manager) ForEachNode(f func(peer int64)) {
	m.mtx.Lock()
	ids := make([]int64, 0, len(m.peers))
	for id := range m.peersByID {
		ids = append(ids, id)
	}
	m.mtx.Unlock()
	for _, id := range ids {
		f(id)
	}
}

// Disconnect implements chainutil.ConnectionManager.
func (m *Manager) Disconnect(peer int64) {
	m.mtx.Lock()
	p, ok := m.peersByID[peer]
	m.mtx.Unlock()
	if !ok {
		return
	}
	p.Disconnect()
}

// OutboundTargetReached implements chainutil.ConnectionManager.
func (m *Manager) OutboundTargetReached() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	count := 0
	for p := range m.peers {
		if !p.Inbound() {
			count++
		}
	}
	return count >= 8
}

// GetDeterministicRandomizer implements chainutil.ConnectionManager,
// returning a keyed SipHash function seeded by id so callers get a stable
// pseudo-random ordering across calls for the same id.
func (m *Manager) GetDeterministicRandomizer(id uint64) func([]byte) uint64 {
	k0 := m.k0 ^ id
	k1 := m.k1
	return func(buf []byte) uint64 {
		return siphash.Hash(k0, k1, buf)
	}
}

// GetAddresses implements chainutil.ConnectionManager.
func (m *Manager) GetAddresses() []*wire.NetAddressV2 {
	if m.cfg.AddrManager == nil {
		return nil
	}
	return m.cfg.AddrManager.AddressCache()
}

// WakeMessageHandler implements chainutil.ConnectionManager. Every handler
// in this package runs synchronously on the peer's own read goroutine, so
// there is no separate message-handler goroutine to wake.
func (m *Manager) WakeMessageHandler() {}

var _ chainutil.ConnectionManager = (*Manager)(nil)

// tickInflightBlocks implements the stalling sub-rule of tick_send: when
// the scheduler has no block left to request from this peer and reports it
// as holding up its download window, blockdl.NoteStalling is fed, and a
// peer stalled past blockdl.BlockStallingTimeout is disconnected. Per-block
// deadlines (blockdl.BlockTimedOut) are not checked; the manager keeps no
// per-block request times.
func (m *Manager) tickInflightBlocks(ps *peerState, now time.Time) {
	if m.cfg.BlockScheduler == nil {
		return
	}
	p := ps.p
	peerID := int64(p.ID())

	holdsUpWindow := false
	if hashes, holds := func() ([]chainhash.Hash, bool) {
		hashes, holdsUp := m.cfg.BlockScheduler.FindNextBlocksToDownload(
			peerID, maxBlocksInTransitPerPeer, func(chainhash.Hash) bool { return false })
		return hashes, holdsUp
	}(); len(hashes) == 0 {
		holdsUpWindow = holds
	}

	if m.cfg.BlockScheduler.NoteStalling(peerID, now, holdsUpWindow) {
		log.Debugf("Disconnecting %s for stalling block download", p)
		p.Disconnect()
	}
}

// tickHeadersSyncTimeout implements the headers-sync-timeout sub-rule: a
// peer whose presync has exceeded headersync's base-plus-per-header budget
// is no longer worth waiting on and is disconnected, freeing the single
// headers-sync slot for another peer.
func (m *Manager) tickHeadersSyncTimeout(ps *peerState, now time.Time) {
	hs := ps.p.HeaderSync()
	if hs == nil || hs.PresyncTime().IsZero() {
		return
	}
	budget := headersync.HeadersDownloadTimeoutBase +
		time.Duration(hs.PresyncHeight())*headersync.HeadersDownloadTimeoutPerHeader
	if now.Sub(hs.PresyncTime()) > budget {
		log.Debugf("Disconnecting %s for headers-sync timeout", ps.p)
		ps.p.SetHeaderSync(nil)
		m.mtx.Lock()
		if m.headerSyncPeer == ps.p {
			m.headerSyncPeer = nil
		}
		m.mtx.Unlock()
		ps.p.Disconnect()
	}
}

// startHeadersSync admits at most one peer at a time to the headers-sync
// slot during initial block download, relaxing to concurrent sync once our
// tip is recent, per §4.1's tick_send ordering.
func (m *Manager) startHeadersSync(ps *peerState) {
	if m.cfg.Chain == nil || !ps.p.preferredDownload {
		return
	}
	if ps.p.HeaderSync() != nil {
		return
	}

	single := m.cfg.IsInitialBlockDownload != nil && m.cfg.IsInitialBlockDownload()
	if single && m.cfg.TipNearChainTip != nil && m.cfg.TipNearChainTip() {
		single = false
	}

	m.mtx.Lock()
	if single && m.headerSyncPeer != nil && m.headerSyncPeer != ps.p {
		m.mtx.Unlock()
		return
	}
	m.headerSyncPeer = ps.p
	m.mtx.Unlock()

	tip := m.cfg.Chain.ActiveTip()
	sync := headersync.New(tip.Hash(), tip.Height(), m.cfg.Chain.MinimumChainWork(), big.NewInt(0))
	ps.p.SetHeaderSync(sync)

	hash := tip.Hash()
	ps.p.PushGetHeadersMsg([]*chainhash.Hash{&hash}, &chainhash.Hash{})
}
