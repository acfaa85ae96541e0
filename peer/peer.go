// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peer implements the bitcoin wire protocol state machine for a
// single connection: version negotiation, message dispatch through a set
// of pluggable listeners, ping/stall supervision, misbehavior scoring, and
// per-peer transaction-relay and headers-sync bookkeeping.
package peer

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd-p2pcore/banscore"
	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/chainutil"
	"github.com/btcsuite/btcd-p2pcore/headersync"
	"github.com/btcsuite/btcd-p2pcore/txrequest"
	"github.com/btcsuite/btcd-p2pcore/wire"
	"github.com/btcsuite/go-socks/socks"
	"github.com/davecgh/go-spew/spew"
)

const (
	// MaxProtocolVersion is the max protocol version this package
	// supports.
	MaxProtocolVersion = 70016

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50

	// maxInvTrickleSize is the maximum amount of inventory to send in a
	// single trickled inv message.
	maxInvTrickleSize = 1000

	// maxKnownInventory is the maximum number of items to keep in the
	// known inventory cache.
	maxKnownInventory = 1000

	// pingInterval is the interval of time to wait in between sending
	// ping messages.
	pingInterval = 2 * time.Minute

	// negotiateTimeout is the duration of inactivity before we timeout a
	// peer that hasn't completed the initial version negotiation.
	negotiateTimeout = 30 * time.Second

	// idleTimeout is the duration of inactivity before we time out a peer.
	idleTimeout = 5 * time.Minute

	// stallResponseTimeout is the base maximum amount of time messages
	// that expect a response will wait before disconnecting the peer for
	// stalling.
	stallResponseTimeout = 30 * time.Second

	// trickleTimeout is the duration between attempts to send unfiltered
	// transaction inventory to a peer.
	trickleTimeout = 10 * time.Second
)

var (
	// nodeCount tracks the number of peers created so peer IDs can be
	// assigned uniquely.
	nodeCount int32

	// zeroHash is a hash of all zeroes, used when a caller doesn't
	// specify one for a message that requires one.
	zeroHash chainhash.Hash

	// sentNonces houses the unique version nonces that are generated when
	// pushing version messages so self connections can be detected.
	sentNonces = newMruNonceMap(50)

	// allowSelfConns is only used to allow the tests to bypass the self
	// connection detecting and disconnect logic since they intentionally
	// do so for testing purposes.
	allowSelfConns bool
)

// HandshakeState identifies where a peer is in the pre-relay version
// handshake. Only "version", "verack", "wtxidrelay" and "sendaddrv2" (plus a
// tolerated but ignored "reject") are accepted before FullyConnected.
type HandshakeState int

const (
	AwaitingVersion HandshakeState = iota
	VersionReceived
	VerAckReceived
	FullyConnected
)

// MessageListeners defines callback function pointers to invoke with
// message listeners for a peer. Any listener which is not set is ignored.
// Callback functions run in the same goroutine as the peer's inbound
// message reader and should not block for an extended period of time.
type MessageListeners struct {
	OnGetAddr     func(p *Peer, msg *wire.MsgGetAddr)
	OnAddr        func(p *Peer, msg *wire.MsgAddr)
	OnAddrV2      func(p *Peer, msg *wire.MsgAddrV2)
	OnPing        func(p *Peer, msg *wire.MsgPing)
	OnPong        func(p *Peer, msg *wire.MsgPong)
	OnMemPool     func(p *Peer, msg *wire.MsgMemPool)
	OnTx          func(p *Peer, msg *wire.MsgTx)
	OnBlock       func(p *Peer, msg *wire.MsgBlock, buf []byte)
	OnInv         func(p *Peer, msg *wire.MsgInv)
	OnHeaders     func(p *Peer, msg *wire.MsgHeaders)
	OnNotFound    func(p *Peer, msg *wire.MsgNotFound)
	OnGetData     func(p *Peer, msg *wire.MsgGetData)
	OnGetBlocks   func(p *Peer, msg *wire.MsgGetBlocks)
	OnGetHeaders  func(p *Peer, msg *wire.MsgGetHeaders)
	OnFeeFilter   func(p *Peer, msg *wire.MsgFeeFilter)
	OnSendHeaders func(p *Peer, msg *wire.MsgSendHeaders)
	OnVersion     func(p *Peer, msg *wire.MsgVersion)
	OnVerAck      func(p *Peer, msg *wire.MsgVerAck)
	OnReject      func(p *Peer, msg *wire.MsgReject)
	OnFilterLoad  func(p *Peer, msg *wire.MsgFilterLoad)
	OnFilterAdd   func(p *Peer, msg *wire.MsgFilterAdd)
	OnFilterClear func(p *Peer, msg *wire.MsgFilterClear)
	OnSendCmpct   func(p *Peer, msg *wire.MsgSendCmpct)
	OnCmpctBlock  func(p *Peer, msg *wire.MsgCmpctBlock)
	OnGetBlockTxn func(p *Peer, msg *wire.MsgGetBlockTxn)
	OnBlockTxn    func(p *Peer, msg *wire.MsgBlockTxn)
	OnGetCFilters func(p *Peer, msg *wire.MsgGetCFilters)
	OnGetCFHeaders func(p *Peer, msg *wire.MsgGetCFHeaders)
	OnGetCFCheckpt func(p *Peer, msg *wire.MsgGetCFCheckpt)
	OnRead        func(p *Peer, bytesRead int, msg wire.Message, err error)
	OnWrite       func(p *Peer, bytesWritten int, msg wire.Message, err error)
}

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// NewestBlock specifies a callback which provides the newest block
	// details to the peer as needed. This can be nil in which case the
	// peer will report a block height of 0.
	NewestBlock ShaFunc

	// BestLocalAddress returns the best local address for a given
	// address.
	BestLocalAddress AddrFunc

	// HostToNetAddress returns the netaddress for the given host. This
	// can be nil in which case the host will be parsed as an IP address.
	HostToNetAddress HostToNetAddrFunc

	// Proxy indicates a proxy is being used for connections. This will be
	// used to determine which local address to report in the version
	// message.
	Proxy string

	// UserAgentName/Version specify the user agent name and version to
	// advertise.
	UserAgentName    string
	UserAgentVersion string

	// ChainNet identifies the wire-protocol magic bytes for the network
	// this peer is operating on.
	ChainNet wire.BitcoinNet

	// Services specifies which services to advertise as supported by
	// the local peer.
	Services wire.ServiceFlag

	// ProtocolVersion specifies the maximum protocol version to use and
	// advertise. Defaults to MaxProtocolVersion.
	ProtocolVersion uint32

	// DisableRelayTx specifies whether the tx relay bit should be set.
	DisableRelayTx bool

	// Listeners houses callback functions to be invoked on message
	// receipt.
	Listeners MessageListeners

	// TxTracker, when non-nil, receives transaction inventory
	// announcements from this peer and is queried for transactions to
	// request. Ownership is shared across every peer on a connection
	// manager.
	TxTracker *txrequest.Tracker

	// TrickleInterval overrides trickleTimeout when non-zero, for tests
	// that need deterministic inventory batching.
	TrickleInterval time.Duration

	// OnPeerCreated, when non-nil, is called synchronously right after a
	// new Peer's network address has been resolved but before the
	// version handshake begins, so a Manager can install bookkeeping
	// before any message listener fires.
	OnPeerCreated func(p *Peer)

	// OnPeerDestroyed, when non-nil, is called from Disconnect to tear
	// down any bookkeeping OnPeerCreated installed.
	OnPeerDestroyed func(p *Peer)

	// InitialGetHeaders, when non-nil, supplies the locator and stop
	// hash for the getheaders an outbound full-relay peer pushes as
	// part of the handshake, once negotiation completes. ok is false
	// when there is nothing to sync (e.g. we have no chain yet).
	InitialGetHeaders func() (locator []*chainhash.Hash, stop *chainhash.Hash, ok bool)

	// HeaderConnects, when non-nil, reports whether hdr extends a known
	// header (our best chain, another peer's in-flight sync, or an
	// already-seen announcement). A headers message whose first header
	// fails this check is treated as unconnecting.
	HeaderConnects func(hdr *wire.BlockHeader) bool

	// LocatorFor, when non-nil, builds the locator/stop pair for a
	// follow-up getheaders sent in response to an unconnecting headers
	// message, rooted at our current state rather than the peer's
	// claimed header.
	LocatorFor func(hdr *wire.BlockHeader) (locator []*chainhash.Hash, stop *chainhash.Hash, ok bool)
}

// newNetAddress attempts to extract the IP address and port from the passed
// net.Addr interface and create a bitcoin NetAddress structure using that
// information.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) (*wire.NetAddress, error) {
	// addr will be a net.TCPAddr when not using a proxy.
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ip := tcpAddr.IP
		port := uint16(tcpAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// addr will be a socks.ProxiedAddr when using a proxy.
	if proxiedAddr, ok := addr.(*socks.ProxiedAddr); ok {
		ip := net.ParseIP(proxiedAddr.Host)
		if ip == nil {
			ip = net.ParseIP("0.0.0.0")
		}
		port := uint16(proxiedAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// For the most part, addr should be one of the two above cases, but
	// to be safe, fall back to trying to parse the information from the
	// address string as a last resort.
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), services)
	return na, nil
}

// pausableTimer is a timer that can be paused and unpaused.
type pausableTimer struct {
	mtx     sync.Mutex
	timer   *time.Timer
	f       func()
	paused  bool
	stopped bool
	elapsed time.Duration
	started time.Time
}

func pausableTimerAfterFunc(d time.Duration, f func()) *pausableTimer {
	pt := &pausableTimer{f: f, elapsed: d, started: time.Now()}
	pt.timer = time.AfterFunc(d, f)
	return pt
}

func (pt *pausableTimer) Pause() bool {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	if pt.stopped || pt.paused {
		return !pt.stopped
	}
	remaining := pt.elapsed - time.Since(pt.started)
	if !pt.timer.Stop() {
		return false
	}
	pt.elapsed = remaining
	pt.paused = true
	return true
}

func (pt *pausableTimer) Unpause() {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	if pt.stopped || !pt.paused {
		return
	}
	pt.paused = false
	pt.started = time.Now()
	pt.timer = time.AfterFunc(pt.elapsed, pt.f)
}

func (pt *pausableTimer) Stop() bool {
	pt.mtx.Lock()
	defer pt.mtx.Unlock()
	if pt.stopped {
		return true
	}
	pt.stopped = true
	if pt.paused {
		return true
	}
	return pt.timer.Stop()
}

// writeMsg couples an outgoing message with an optional signal channel
// that is closed once the message has actually been written.
type writeMsg struct {
	msg  wire.Message
	done chan<- struct{}
}

// readMsg couples an inbound message with the raw bytes it decoded from
// and any error encountered while reading it.
type readMsg struct {
	msg wire.Message
	buf []byte
	err error
}

// StatsSnap is a snapshot of peer stats at a point in time.
type StatsSnap struct {
	ID             int32
	Addr           string
	Services       wire.ServiceFlag
	LastSend       time.Time
	LastRecv       time.Time
	BytesSent      uint64
	BytesRecv      uint64
	ConnTime       time.Time
	TimeOffset     int64
	Version        uint32
	UserAgent      string
	Inbound        bool
	StartingHeight int32
	LastBlock      int32
	LastPingNonce  uint64
	LastPingTime   time.Time
	LastPingMicros int64
	BanScore       uint32
}

// ShaFunc returns the current best-known local block hash and height.
type ShaFunc func() (hash *chainhash.Hash, height int32, err error)

// AddrFunc returns the best local address suitable for advertising to the
// given remote address.
type AddrFunc func(remoteAddr *wire.NetAddress) *wire.NetAddress

// HostToNetAddrFunc resolves a host and port into a NetAddress.
type HostToNetAddrFunc func(host string, port uint16, services wire.ServiceFlag) (*wire.NetAddress, error)

// Peer provides a bitcoin peer for handling bitcoin communications through
// the wire protocol. It provides message callbacks via MessageListeners,
// per-peer transaction relay bookkeeping via a shared txrequest.Tracker,
// misbehavior scoring via banscore.Score, and an optional headers-sync
// substate for peers currently serving a headers download.
type Peer struct {
	conn net.Conn

	addr    string
	cfg     Config
	inbound bool

	id              int32
	na              *wire.NetAddress
	userAgent       string
	services        wire.ServiceFlag
	protocolVersion uint32
	version         *wire.MsgVersion

	handshakeMtx sync.Mutex
	handshake    HandshakeState

	knownInventory *mruInventoryMap

	// Misbehavior is scored monotonically: an accumulated score capped
	// by banscore.DiscourageThreshold at which the peer should be
	// disconnected and its address discouraged by the connection
	// manager.
	misbehavior banscore.Score

	// headerSync is non-nil while this peer is the designated source for
	// an in-flight anti-DoS headers download.
	headerSyncMtx sync.Mutex
	headerSync    *headersync.Sync

	prevGetBlocksMtx   sync.Mutex
	prevGetBlocksBegin *chainhash.Hash
	prevGetBlocksStop  *chainhash.Hash

	prevGetHdrsMtx   sync.Mutex
	prevGetHdrsBegin *chainhash.Hash
	prevGetHdrsStop  *chainhash.Hash

	// wtxidRelay and wantsAddrV2 record whether the peer sent wtxidrelay
	// and sendaddrv2. These messages are accepted at any point of the
	// connection, including after verack.
	wtxidRelay  bool
	wantsAddrV2 bool

	// preferredDownload marks this peer as a candidate source for the
	// initial headers/block sync, set during version negotiation for
	// outbound peers that did not disable transaction relay.
	preferredDownload bool

	// sentGetAddrAsked records whether we've already sent this (outbound)
	// peer a getaddr during the handshake.
	sentGetAddrAsked bool

	// unconnectingHeaders counts consecutive headers messages received
	// that don't connect to any known header, reset whenever a headers
	// message does connect.
	unconnectingHeaders int

	statsMtx           sync.RWMutex
	timeOffset         int64
	timeConnected      time.Time
	lastSend           time.Time
	lastRecv           time.Time
	bytesReceived      uint64
	bytesSent          uint64
	startingHeight     int32
	lastBlock          int32
	lastAnnouncedBlock *chainhash.Hash
	lastPingNonce      uint64
	lastPingTime       time.Time
	lastPingMicros     int64

	disconnectOnce       sync.Once
	disconnectWaitGroup  sync.WaitGroup
	disconnect           chan struct{}

	write             chan writeMsg
	writeMsgQueue     chan writeMsg
	writeInvVectQueue chan *wire.InvVect

	responseDeadlinesMtx sync.Mutex
	responseDeadlines    map[string]*pausableTimer
}

// String returns the peer's address and directionality as a human-readable
// string.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.inbound))
}

// Version returns the version message that the peer sent as part of the
// negotiation, or nil if the negotiation has not completed.
func (p *Peer) Version() *wire.MsgVersion {
	return p.version
}

// UpdateLastBlockHeight updates the last known block for the peer.
func (p *Peer) UpdateLastBlockHeight(newHeight int32) {
	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()
	p.lastBlock = newHeight
}

// UpdateLastAnnouncedBlock updates the last block hash the peer has
// announced.
func (p *Peer) UpdateLastAnnouncedBlock(blkHash *chainhash.Hash) {
	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()
	p.lastAnnouncedBlock = blkHash
}

// AddKnownInventory adds the passed inventory to the cache of known
// inventory for the peer.
func (p *Peer) AddKnownInventory(invVect *wire.InvVect) {
	p.knownInventory.Add(invVect)
}

// StatsSnapshot returns a snapshot of the current peer flags and statistics.
func (p *Peer) StatsSnapshot() *StatsSnap {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return &StatsSnap{
		ID:             p.id,
		Addr:           p.addr,
		Services:       p.services,
		LastSend:       p.lastSend,
		LastRecv:       p.lastRecv,
		BytesSent:      p.bytesSent,
		BytesRecv:      p.bytesReceived,
		ConnTime:       p.timeConnected,
		TimeOffset:     p.timeOffset,
		Version:        p.protocolVersion,
		UserAgent:      p.userAgent,
		Inbound:        p.inbound,
		StartingHeight: p.startingHeight,
		LastBlock:      p.lastBlock,
		LastPingNonce:  p.lastPingNonce,
		LastPingTime:   p.lastPingTime,
		LastPingMicros: p.lastPingMicros,
		BanScore:       p.misbehavior.Int(),
	}
}

// ID returns the peer id.
func (p *Peer) ID() int32 { return p.id }

// NA returns the peer network address.
func (p *Peer) NA() *wire.NetAddress { return p.na }

// Addr returns the peer address.
func (p *Peer) Addr() string { return p.addr }

// Inbound returns whether the peer is inbound.
func (p *Peer) Inbound() bool { return p.inbound }

// Services returns the services flag of the remote peer.
func (p *Peer) Services() wire.ServiceFlag { return p.services }

// UserAgent returns the user agent of the remote peer.
func (p *Peer) UserAgent() string { return p.userAgent }

// LastAnnouncedBlock returns the last announced block of the remote peer.
func (p *Peer) LastAnnouncedBlock() *chainhash.Hash {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()
	return p.lastAnnouncedBlock
}

// ProtocolVersion returns the negotiated peer protocol version.
func (p *Peer) ProtocolVersion() uint32 { return p.protocolVersion }

// LastBlock returns the last block height reported by the peer.
func (p *Peer) LastBlock() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()
	return p.lastBlock
}

// StartingHeight returns the height the peer reported during negotiation.
func (p *Peer) StartingHeight() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()
	return p.startingHeight
}

// TimeOffset returns the number of seconds the local time was offset from
// the time the peer reported during the initial negotiation phase.
func (p *Peer) TimeOffset() int64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()
	return p.timeOffset
}

// BanScore returns the peer's current accumulated misbehavior score.
func (p *Peer) BanScore() uint32 {
	return p.misbehavior.Int()
}

// Misbehaving records the misbehavior points for a validation result
// against the peer, disconnecting it once the discouragement threshold is
// crossed. Results whose points only apply to peers we reached out to
// (outboundOnly) are ignored for inbound connections.
func (p *Peer) Misbehaving(result chainutil.ValidationResult, reason string) {
	points, outboundOnly := result.MisbehaviorPoints()
	if points == 0 {
		return
	}
	if outboundOnly && p.Inbound() {
		return
	}

	total := p.misbehavior.Increase(points)
	log.Debugf("Peer %s misbehaving (+%d, total %d): %s", p, points, total, reason)

	if p.misbehavior.ShouldDiscourage() {
		log.Warnf("Discouraging peer %s: score %d reached threshold", p, total)
		p.Disconnect()
	}
}

// SetHeaderSync installs sync as the peer's active headers-sync substate,
// or clears it when sync is nil.
func (p *Peer) SetHeaderSync(sync *headersync.Sync) {
	p.headerSyncMtx.Lock()
	defer p.headerSyncMtx.Unlock()
	p.headerSync = sync
}

// HeaderSync returns the peer's active headers-sync substate, or nil if the
// peer is not currently serving a headers download.
func (p *Peer) HeaderSync() *headersync.Sync {
	p.headerSyncMtx.Lock()
	defer p.headerSyncMtx.Unlock()
	return p.headerSync
}

// AnnounceTransaction records that this peer has announced gtxid, feeding
// the shared transaction request tracker so a requester can later decide
// which peer to fetch it from.
func (p *Peer) AnnounceTransaction(gtxid txrequest.GenTxid, preferred, hasRelayPermission bool) {
	if p.cfg.TxTracker == nil {
		return
	}
	p.cfg.TxTracker.ReceivedInv(int64(p.id), gtxid, preferred, time.Now(), hasRelayPermission)
}

func (p *Peer) localMsgVersion() (*wire.MsgVersion, error) {
	var blockNum int32
	if p.cfg.NewestBlock != nil {
		var err error
		_, blockNum, err = p.cfg.NewestBlock()
		if err != nil {
			return nil, err
		}
	}

	theirNA := p.na

	// If we are behind a proxy and the connection comes from the proxy
	// then return an unroutable address as their address to avoid
	// leaking the proxy address.
	if p.cfg.Proxy != "" {
		proxyAddress, _, err := net.SplitHostPort(p.cfg.Proxy)
		if err != nil || p.na.IP.String() == proxyAddress {
			theirNA = &wire.NetAddress{
				Timestamp: time.Now(),
				IP:        net.IP([]byte{0, 0, 0, 0}),
			}
		}
	}

	ourNA := p.na
	if p.cfg.BestLocalAddress != nil {
		ourNA = p.cfg.BestLocalAddress(p.na)
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	sentNonces.Add(nonce)

	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, blockNum)
	msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion)

	msg.AddrYou.Services = wire.SFNodeNetwork
	msg.Services = p.cfg.Services
	msg.ProtocolVersion = int32(p.ProtocolVersion())
	msg.DisableRelayTx = p.cfg.DisableRelayTx

	return msg, nil
}

// PushAddrMsg sends an addr message to the connected peer using the
// provided addresses. It automatically limits the addresses to the maximum
// number allowed by the message and randomizes the chosen addresses when
// there are too many. It returns the addresses that were actually sent and
// no message will be sent if there are no entries in the provided slice.
func (p *Peer) PushAddrMsg(addresses []*wire.NetAddress) ([]*wire.NetAddress, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	msg := wire.NewMsgAddr()
	msg.AddrList = make([]*wire.NetAddress, len(addresses))
	copy(msg.AddrList, addresses)

	if len(msg.AddrList) > wire.MaxAddrPerMsg {
		for i := range msg.AddrList {
			j := rand.Intn(i + 1)
			msg.AddrList[i], msg.AddrList[j] = msg.AddrList[j], msg.AddrList[i]
		}
		msg.AddrList = msg.AddrList[:wire.MaxAddrPerMsg]
	}

	p.QueueMessage(msg, nil)
	return msg.AddrList, nil
}

// PushAddrV2Msg is the addrv2 counterpart of PushAddrMsg, used once both
// sides have exchanged sendaddrv2 and can carry the larger address space
// (including Tor v3) that NetAddressV2 supports.
func (p *Peer) PushAddrV2Msg(addresses []*wire.NetAddressV2) ([]*wire.NetAddressV2, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	msg := wire.NewMsgAddrV2()
	msg.AddrList = make([]*wire.NetAddressV2, len(addresses))
	copy(msg.AddrList, addresses)

	if len(msg.AddrList) > wire.MaxAddrPerMsg {
		for i := range msg.AddrList {
			j := rand.Intn(i + 1)
			msg.AddrList[i], msg.AddrList[j] = msg.AddrList[j], msg.AddrList[i]
		}
		msg.AddrList = msg.AddrList[:wire.MaxAddrPerMsg]
	}

	p.QueueMessage(msg, nil)
	return msg.AddrList, nil
}

// PushGetBlocksMsg sends a getblocks message for the provided block locator
// and stop hash. It ignores back-to-back duplicate requests.
func (p *Peer) PushGetBlocksMsg(locator []*chainhash.Hash, stopHash *chainhash.Hash) error {
	var beginHash *chainhash.Hash
	if len(locator) > 0 {
		beginHash = locator[0]
	}

	p.prevGetBlocksMtx.Lock()
	isDuplicate := p.prevGetBlocksStop != nil && p.prevGetBlocksBegin != nil &&
		beginHash != nil && *stopHash == *p.prevGetBlocksStop &&
		*beginHash == *p.prevGetBlocksBegin
	p.prevGetBlocksMtx.Unlock()

	if isDuplicate {
		log.Tracef("Filtering duplicate [getblocks] with begin hash %v, stop hash %v",
			beginHash, stopHash)
		return nil
	}

	msg := wire.NewMsgGetBlocks(stopHash)
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)

	p.prevGetBlocksMtx.Lock()
	p.prevGetBlocksBegin = beginHash
	p.prevGetBlocksStop = stopHash
	p.prevGetBlocksMtx.Unlock()
	return nil
}

// PushGetHeadersMsg sends a getheaders message for the provided block
// locator and stop hash. It ignores back-to-back duplicate requests.
func (p *Peer) PushGetHeadersMsg(locator []*chainhash.Hash, stopHash *chainhash.Hash) error {
	var beginHash *chainhash.Hash
	if len(locator) > 0 {
		beginHash = locator[0]
	}

	p.prevGetHdrsMtx.Lock()
	isDuplicate := p.prevGetHdrsStop != nil && p.prevGetHdrsBegin != nil &&
		beginHash != nil && *stopHash == *p.prevGetHdrsStop &&
		*beginHash == *p.prevGetHdrsBegin
	p.prevGetHdrsMtx.Unlock()

	if isDuplicate {
		log.Tracef("Filtering duplicate [getheaders] with begin hash %v", beginHash)
		return nil
	}

	msg := wire.NewMsgGetHeaders()
	msg.HashStop = *stopHash
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)

	p.prevGetHdrsMtx.Lock()
	p.prevGetHdrsBegin = beginHash
	p.prevGetHdrsStop = stopHash
	p.prevGetHdrsMtx.Unlock()
	return nil
}

// PushRejectMsg sends a reject message for the provided command, reject
// code, reject reason, and hash. The hash is only used when the command is
// a tx or block and should be nil in other cases. The wait parameter causes
// the function to block until the reject message has actually been sent.
func (p *Peer) PushRejectMsg(command string, code wire.RejectCode, reason string, hash *chainhash.Hash, wait bool) {
	if p.ProtocolVersion() < wire.RejectVersion {
		return
	}

	msg := wire.NewMsgReject(command, code, reason)
	if command == wire.CmdTx || command == wire.CmdBlock {
		if hash == nil {
			log.Warnf("Sending a reject message for command type %v which "+
				"should have specified a hash but does not", command)
			hash = &zeroHash
		}
		msg.Hash = *hash
	}

	if !wait {
		p.QueueMessage(msg, nil)
		return
	}

	doneChan := make(chan struct{}, 1)
	p.QueueMessage(msg, doneChan)
	<-doneChan
}

// allowedBeforeVerack is the set of commands the pre-verack handshake
// allowlist permits: version/verack drive the handshake itself, wtxidrelay
// and sendaddrv2 are stateless capability announcements, and reject is
// tolerated (but has no effect)
// since old peers may still emit one on a version mismatch.
var allowedBeforeVerack = map[string]bool{
	wire.CmdVersion:    true,
	wire.CmdVerAck:     true,
	wire.CmdWTxIdRelay: true,
	wire.CmdSendAddrV2: true,
	wire.CmdReject:     true,
}

func (p *Peer) handshakeState() HandshakeState {
	p.handshakeMtx.Lock()
	defer p.handshakeMtx.Unlock()
	return p.handshake
}

func (p *Peer) setHandshakeState(s HandshakeState) {
	p.handshakeMtx.Lock()
	defer p.handshakeMtx.Unlock()
	p.handshake = s
}

// handleVersionMsg is invoked when a peer receives a version bitcoin
// message and is used to negotiate the protocol version details as well as
// kick start the communications.
func (p *Peer) handleVersionMsg(msg *wire.MsgVersion) error {
	if uint32(msg.ProtocolVersion) < MinPeerProtoVersion {
		return fmt.Errorf("protocol version %d too old (minimum %d)",
			msg.ProtocolVersion, MinPeerProtoVersion)
	}

	p.version = msg

	if !allowSelfConns && sentNonces.Exists(msg.Nonce) {
		return errors.New("disconnecting peer connected to self")
	}

	p.statsMtx.Lock()
	p.lastBlock = msg.LastBlock
	p.startingHeight = msg.LastBlock
	p.timeOffset = msg.Timestamp.Unix() - time.Now().Unix()
	p.statsMtx.Unlock()

	if uint32(msg.ProtocolVersion) < p.protocolVersion {
		p.protocolVersion = uint32(msg.ProtocolVersion)
	}

	log.Debugf("Negotiated protocol version %d for peer %s", p.protocolVersion, p)

	p.id = atomic.AddInt32(&nodeCount, 1)
	p.services = msg.Services
	p.userAgent = msg.UserAgent

	// Outbound, full-relay peers are the candidates a manager picks from
	// for the initial headers/block sync.
	if !p.inbound && !msg.DisableRelayTx {
		p.preferredDownload = true
	}

	p.setHandshakeState(VersionReceived)
	return nil
}

// MinPeerProtoVersion is the oldest protocol version a peer may speak
// before being rejected during the version handshake.
const MinPeerProtoVersion = wire.BIP0037Version

// pushHandshakeCapabilities writes the synchronous, pre-writeHandler
// capability announcements a peer sends immediately after the version
// handshake completes: wtxidrelay and sendaddrv2 (if the peer's negotiated
// version supports them), then sendcmpct, and for outbound peers a getaddr
// and, for outbound full-relay peers, an initial getheaders. These must go
// out via writeMessage directly rather than QueueMessage because
// writeMsgQueueHandler isn't started until after negotiation returns.
func (p *Peer) pushHandshakeCapabilities() error {
	if p.protocolVersion >= wire.WTxIdRelayVersion {
		if err := p.writeMessage(wire.NewMsgWTxIdRelay()); err != nil {
			return err
		}
	}
	if p.protocolVersion >= wire.AddrV2Version {
		if err := p.writeMessage(wire.NewMsgSendAddrV2()); err != nil {
			return err
		}
	}
	if p.protocolVersion >= wire.ShortIDsBlocksVersion {
		if err := p.writeMessage(wire.NewMsgSendCmpct(false, 2)); err != nil {
			return err
		}
	}

	if !p.inbound {
		if err := p.writeMessage(wire.NewMsgGetAddr()); err != nil {
			return err
		}
		p.sentGetAddrAsked = true

		if p.preferredDownload && p.cfg.InitialGetHeaders != nil {
			if locator, stop, ok := p.cfg.InitialGetHeaders(); ok {
				getHdrs := wire.NewMsgGetHeaders()
				getHdrs.HashStop = *stop
				for _, h := range locator {
					if err := getHdrs.AddBlockLocatorHash(h); err != nil {
						return err
					}
				}
				if err := p.writeMessage(getHdrs); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// handlePingMsg is invoked when a peer receives a ping bitcoin message. It
// replies with a pong message carrying the same nonce.
func (p *Peer) handlePingMsg(msg *wire.MsgPing) {
	p.QueueMessage(wire.NewMsgPong(msg.Nonce), nil)
}

// handlePongMsg is invoked when a peer receives a pong bitcoin message. It
// updates the ping statistics. There is no effect when a ping was not
// previously sent.
func (p *Peer) handlePongMsg(msg *wire.MsgPong) {
	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()

	if p.lastPingNonce != 0 && msg.Nonce == p.lastPingNonce {
		p.lastPingMicros = time.Since(p.lastPingTime).Nanoseconds() / 1000
		p.lastPingNonce = 0
	}
}

// readMessage reads the next bitcoin message from the peer with logging.
func (p *Peer) readMessage() (wire.Message, []byte, error) {
	n, msg, buf, err := wire.ReadMessageN(p.conn, p.ProtocolVersion(), p.cfg.ChainNet)

	p.statsMtx.Lock()
	p.bytesReceived += uint64(n)
	p.statsMtx.Unlock()
	if p.cfg.Listeners.OnRead != nil {
		p.cfg.Listeners.OnRead(p, n, msg, err)
	}
	if err != nil {
		return nil, nil, err
	}

	log.Debugf("%v", newLogClosure(func() string {
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Received %v%s from %s", msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string { return spew.Sdump(msg) }))

	return msg, buf, nil
}

// writeMessage sends a bitcoin message to the peer with logging.
func (p *Peer) writeMessage(msg wire.Message) error {
	log.Debugf("%v", newLogClosure(func() string {
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Sending %v%s to %s", msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		var buf bytes.Buffer
		if err := wire.WriteMessage(&buf, msg, p.ProtocolVersion(), p.cfg.ChainNet); err != nil {
			return err.Error()
		}
		return spew.Sdump(buf.Bytes())
	}))

	n, err := wire.WriteMessageN(p.conn, msg, p.ProtocolVersion(), p.cfg.ChainNet)
	p.statsMtx.Lock()
	p.bytesSent += uint64(n)
	p.statsMtx.Unlock()
	if p.cfg.Listeners.OnWrite != nil {
		p.cfg.Listeners.OnWrite(p, n, msg, err)
	}
	return err
}

// shouldHandleReadError returns whether the passed error, which came from
// reading from the remote peer in the read handler, should be logged and
// responded to with a reject message.
func (p *Peer) shouldHandleReadError(err error) bool {
	if !p.Connected() {
		return false
	}
	if err == io.EOF {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && !opErr.Temporary() {
		return false
	}
	return true
}

// cmdData is a surrogate for getdata which can return a tx, block or
// notfound message.
const cmdData = "peer:data"

// maybeAddDeadline potentially adds a deadline for the appropriate expected
// response for the passed wire protocol command to the pending responses
// map.
func (p *Peer) maybeAddDeadline(msg wire.Message) {
	timeout := stallResponseTimeout

	responseCmd := ""
	switch msg.Command() {
	case wire.CmdVersion, wire.CmdMemPool, wire.CmdGetBlocks:
		responseCmd = wire.CmdInv
	case wire.CmdGetData:
		responseCmd = cmdData
	case wire.CmdGetHeaders:
		timeout = timeout * 3
		responseCmd = wire.CmdHeaders
	}
	if responseCmd == "" {
		return
	}

	p.responseDeadlinesMtx.Lock()
	if _, ok := p.responseDeadlines[responseCmd]; !ok {
		t := pausableTimerAfterFunc(timeout, func() {
			log.Debugf("Timeout waiting for %v in response to %v.", responseCmd, msg.Command())
			p.Disconnect()
		})
		p.responseDeadlines[responseCmd] = t
	}
	p.responseDeadlinesMtx.Unlock()
}

// maybeRemoveDeadline returns false if a deadline was attempted to be
// stopped but had already been reached.
func (p *Peer) maybeRemoveDeadline(msg wire.Message) bool {
	responseCmd := msg.Command()
	switch msg.Command() {
	case wire.CmdBlock, wire.CmdTx, wire.CmdNotFound:
		responseCmd = cmdData
	}

	success := true
	p.responseDeadlinesMtx.Lock()
	if timer, ok := p.responseDeadlines[responseCmd]; ok {
		success = timer.Stop()
		delete(p.responseDeadlines, responseCmd)
	}
	p.responseDeadlinesMtx.Unlock()
	return success
}

func (p *Peer) pauseDeadlines() bool {
	success := true
	p.responseDeadlinesMtx.Lock()
	for _, timer := range p.responseDeadlines {
		if !timer.Pause() {
			success = false
		}
	}
	p.responseDeadlinesMtx.Unlock()
	return success
}

func (p *Peer) unpauseDeadlines() {
	p.responseDeadlinesMtx.Lock()
	for _, timer := range p.responseDeadlines {
		timer.Unpause()
	}
	p.responseDeadlinesMtx.Unlock()
}

func (p *Peer) readHandler() {
	defer p.disconnectWaitGroup.Done()

	for {
		read := make(chan readMsg)
		go func() {
			msg, buf, err := p.readMessage()
			read <- readMsg{msg, buf, err}
			close(read)
		}()

		select {
		case <-p.disconnect:
			return
		case rm := <-read:
			if err := p.handleReadMsg(rm); err != nil {
				p.Disconnect()
			}
		case <-time.After(idleTimeout):
			log.Warnf("Peer %s no answer for %s -- disconnecting", p, idleTimeout)
			p.Disconnect()
		}
	}
}

func (p *Peer) handleReadMsg(rm readMsg) error {
	if rm.err != nil {
		if p.shouldHandleReadError(rm.err) {
			errStr := fmt.Sprintf("Cannot read message from %s: %v", p, rm.err)
			log.Errorf(errStr)
			p.PushRejectMsg("malformed", wire.RejectMalformed, errStr, nil, true)
		}
		return rm.err
	}
	p.statsMtx.Lock()
	p.lastRecv = time.Now()
	p.statsMtx.Unlock()

	if !p.maybeRemoveDeadline(rm.msg) {
		return errors.New("deadline reached")
	}
	if !p.pauseDeadlines() {
		return errors.New("deadline reached")
	}
	defer p.unpauseDeadlines()

	// Enforce the pre-verack allowlist: outside of the handful of
	// stateless capability announcements, nothing may be exchanged
	// before the handshake completes.
	if p.handshakeState() != FullyConnected && !allowedBeforeVerack[rm.msg.Command()] {
		return fmt.Errorf("received %v before completing handshake", rm.msg.Command())
	}

	switch msg := rm.msg.(type) {
	case *wire.MsgVersion:
		if err := p.handleVersionMsg(msg); err != nil {
			return err
		}
		if p.cfg.Listeners.OnVersion != nil {
			p.cfg.Listeners.OnVersion(p, msg)
		}
	case *wire.MsgVerAck:
		p.setHandshakeState(FullyConnected)
		if p.cfg.Listeners.OnVerAck != nil {
			p.cfg.Listeners.OnVerAck(p, msg)
		}
	case *wire.MsgGetAddr:
		if p.cfg.Listeners.OnGetAddr != nil {
			p.cfg.Listeners.OnGetAddr(p, msg)
		}
	case *wire.MsgAddr:
		if p.cfg.Listeners.OnAddr != nil {
			p.cfg.Listeners.OnAddr(p, msg)
		}
	case *wire.MsgAddrV2:
		if p.cfg.Listeners.OnAddrV2 != nil {
			p.cfg.Listeners.OnAddrV2(p, msg)
		}
	case *wire.MsgPing:
		p.handlePingMsg(msg)
		if p.cfg.Listeners.OnPing != nil {
			p.cfg.Listeners.OnPing(p, msg)
		}
	case *wire.MsgPong:
		p.handlePongMsg(msg)
		if p.cfg.Listeners.OnPong != nil {
			p.cfg.Listeners.OnPong(p, msg)
		}
	case *wire.MsgMemPool:
		if p.cfg.Listeners.OnMemPool != nil {
			p.cfg.Listeners.OnMemPool(p, msg)
		}
	case *wire.MsgTx:
		if p.cfg.Listeners.OnTx != nil {
			p.cfg.Listeners.OnTx(p, msg)
		}
	case *wire.MsgBlock:
		if p.cfg.Listeners.OnBlock != nil {
			p.cfg.Listeners.OnBlock(p, msg, rm.buf)
		}
	case *wire.MsgInv:
		if p.cfg.TxTracker != nil {
			for _, iv := range msg.InvList {
				if iv.Type == wire.InvTypeTx {
					p.AnnounceTransaction(txrequest.TxidGenTxid(iv.Hash), false, false)
				}
			}
		}
		if p.cfg.Listeners.OnInv != nil {
			p.cfg.Listeners.OnInv(p, msg)
		}
	case *wire.MsgHeaders:
		if len(msg.Headers) == 0 {
			// An empty headers message means the peer has nothing
			// further to offer along the branch we were syncing;
			// there's nothing left to connect.
			p.SetHeaderSync(nil)
			p.unconnectingHeaders = 0
		} else if p.cfg.HeaderConnects != nil && !p.cfg.HeaderConnects(msg.Headers[0]) {
			// The first header doesn't extend anything we know
			// about. Ask the peer to walk us back to a common
			// ancestor, up to MaxBlocksToAnnounce times, and charge
			// 20 points of misbehavior once every
			// MaxUnconnectingHeaders such occurrences.
			p.unconnectingHeaders++
			if p.unconnectingHeaders <= MaxBlocksToAnnounce && p.cfg.LocatorFor != nil {
				if locator, stop, ok := p.cfg.LocatorFor(msg.Headers[0]); ok {
					if err := p.PushGetHeadersMsg(locator, stop); err != nil {
						log.Debugf("Failed to send follow-up getheaders to %s: %v", p, err)
					}
				}
			}
			if p.unconnectingHeaders%MaxUnconnectingHeaders == 0 {
				total := p.misbehavior.Increase(unconnectingHeadersPoints)
				log.Debugf("Peer %s misbehaving (+%d, total %d): %d unconnecting headers",
					p, unconnectingHeadersPoints, total, p.unconnectingHeaders)
				if p.misbehavior.ShouldDiscourage() {
					p.Disconnect()
				}
			}
		} else {
			p.unconnectingHeaders = 0
			if hs := p.HeaderSync(); hs != nil {
				headers := make([]*wire.BlockHeader, len(msg.Headers))
				copy(headers, msg.Headers)
				if _, err := hs.ProcessNextHeaders(headers, len(headers) == wire.MaxBlockHeadersPerMsg); err != nil {
					p.Misbehaving(chainutil.BlockInvalidHeader, err.Error())
				}
			}
		}
		if p.cfg.Listeners.OnHeaders != nil {
			p.cfg.Listeners.OnHeaders(p, msg)
		}
	case *wire.MsgNotFound:
		if p.cfg.TxTracker != nil {
			for _, iv := range msg.InvList {
				if iv.Type == wire.InvTypeTx {
					p.cfg.TxTracker.ReceivedResponse(iv.Hash)
				}
			}
		}
		if p.cfg.Listeners.OnNotFound != nil {
			p.cfg.Listeners.OnNotFound(p, msg)
		}
	case *wire.MsgGetData:
		if p.cfg.Listeners.OnGetData != nil {
			p.cfg.Listeners.OnGetData(p, msg)
		}
	case *wire.MsgGetBlocks:
		if p.cfg.Listeners.OnGetBlocks != nil {
			p.cfg.Listeners.OnGetBlocks(p, msg)
		}
	case *wire.MsgGetHeaders:
		if p.cfg.Listeners.OnGetHeaders != nil {
			p.cfg.Listeners.OnGetHeaders(p, msg)
		}
	case *wire.MsgFeeFilter:
		if p.cfg.Listeners.OnFeeFilter != nil {
			p.cfg.Listeners.OnFeeFilter(p, msg)
		}
	case *wire.MsgSendHeaders:
		if p.cfg.Listeners.OnSendHeaders != nil {
			p.cfg.Listeners.OnSendHeaders(p, msg)
		}
	case *wire.MsgWTxIdRelay:
		p.wtxidRelay = true
	case *wire.MsgSendAddrV2:
		p.wantsAddrV2 = true
	case *wire.MsgReject:
		if p.cfg.Listeners.OnReject != nil {
			p.cfg.Listeners.OnReject(p, msg)
		}
	case *wire.MsgFilterLoad:
		if p.cfg.Listeners.OnFilterLoad != nil {
			p.cfg.Listeners.OnFilterLoad(p, msg)
		}
	case *wire.MsgFilterAdd:
		if p.cfg.Listeners.OnFilterAdd != nil {
			p.cfg.Listeners.OnFilterAdd(p, msg)
		}
	case *wire.MsgFilterClear:
		if p.cfg.Listeners.OnFilterClear != nil {
			p.cfg.Listeners.OnFilterClear(p, msg)
		}
	case *wire.MsgSendCmpct:
		if p.cfg.Listeners.OnSendCmpct != nil {
			p.cfg.Listeners.OnSendCmpct(p, msg)
		}
	case *wire.MsgCmpctBlock:
		if p.cfg.Listeners.OnCmpctBlock != nil {
			p.cfg.Listeners.OnCmpctBlock(p, msg)
		}
	case *wire.MsgGetBlockTxn:
		if p.cfg.Listeners.OnGetBlockTxn != nil {
			p.cfg.Listeners.OnGetBlockTxn(p, msg)
		}
	case *wire.MsgBlockTxn:
		if p.cfg.Listeners.OnBlockTxn != nil {
			p.cfg.Listeners.OnBlockTxn(p, msg)
		}
	case *wire.MsgGetCFilters:
		if p.cfg.Listeners.OnGetCFilters != nil {
			p.cfg.Listeners.OnGetCFilters(p, msg)
		}
	case *wire.MsgGetCFHeaders:
		if p.cfg.Listeners.OnGetCFHeaders != nil {
			p.cfg.Listeners.OnGetCFHeaders(p, msg)
		}
	case *wire.MsgGetCFCheckpt:
		if p.cfg.Listeners.OnGetCFCheckpt != nil {
			p.cfg.Listeners.OnGetCFCheckpt(p, msg)
		}
	default:
		return fmt.Errorf("unexpected message %v", msg.Command())
	}
	return nil
}

func (p *Peer) writeMsgQueueHandler() {
	defer p.disconnectWaitGroup.Done()

	pendingMsgs := list.New()
	for {
		for {
			elem := pendingMsgs.Front()
			if elem == nil {
				break
			}
			select {
			case <-p.disconnect:
				return
			case p.write <- elem.Value.(writeMsg):
				pendingMsgs.Remove(elem)
			default:
				break
			}
		}

		select {
		case <-p.disconnect:
			return
		case wm := <-p.writeMsgQueue:
			pendingMsgs.PushBack(wm)
		}
	}
}

func (p *Peer) trickleInterval() time.Duration {
	if p.cfg.TrickleInterval > 0 {
		return p.cfg.TrickleInterval
	}
	return trickleTimeout
}

func (p *Peer) writeInvVectQueueHandler() {
	defer p.disconnectWaitGroup.Done()

	trickleTicker := time.NewTicker(p.trickleInterval())
	defer trickleTicker.Stop()

	invVects := []*wire.InvVect{}
	for {
		select {
		case <-p.disconnect:
			return
		case invVect := <-p.writeInvVectQueue:
			invVects = append(invVects, invVect)
		case <-trickleTicker.C:
			invMsg := wire.NewMsgInvSizeHint(uint(len(invVects)))
			for _, invVect := range invVects {
				if p.knownInventory.Exists(invVect) {
					continue
				}

				invMsg.AddInvVect(invVect)
				if len(invMsg.InvList) >= maxInvTrickleSize {
					p.QueueMessage(invMsg, nil)
					invMsg = wire.NewMsgInvSizeHint(uint(len(invVects)))
				}
				p.AddKnownInventory(invVect)
			}
			invVects = []*wire.InvVect{}

			if len(invMsg.InvList) > 0 {
				p.QueueMessage(invMsg, nil)
			}
		}
	}
}

func (p *Peer) writeHandler() {
	defer p.disconnectWaitGroup.Done()

	for {
		select {
		case <-p.disconnect:
			return
		case wm := <-p.write:
			if m, ok := wm.msg.(*wire.MsgPing); ok {
				p.statsMtx.Lock()
				p.lastPingNonce = m.Nonce
				p.lastPingTime = time.Now()
				p.statsMtx.Unlock()
			}

			err := p.writeMessage(wm.msg)
			if wm.done != nil {
				close(wm.done)
			}
			if err != nil {
				if p.shouldLogWriteError(err) {
					log.Errorf("Failed to send message to %s: %v.", p, err)
				}
				p.Disconnect()
				return
			}

			p.maybeAddDeadline(wm.msg)
		}
	}
}

func (p *Peer) shouldLogWriteError(err error) bool {
	if !p.Connected() {
		return false
	}
	if err == io.EOF {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && !opErr.Temporary() {
		return false
	}
	return true
}

func (p *Peer) pingTicker() {
	defer p.disconnectWaitGroup.Done()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-p.disconnect:
			return
		case <-pingTicker.C:
			nonce, err := wire.RandomUint64()
			if err != nil {
				log.Errorf("Not sending ping to %s: %v.", p, err)
				continue
			}
			p.QueueMessage(wire.NewMsgPing(nonce), nil)
		}
	}
}

// QueueMessage adds the passed bitcoin message to the peer send queue.
func (p *Peer) QueueMessage(msg wire.Message, done chan<- struct{}) {
	if !p.Connected() {
		if done != nil {
			go func() { done <- struct{}{} }()
		}
		return
	}
	p.writeMsgQueue <- writeMsg{msg, done}
}

// QueueInventory adds the passed inventory to the inventory send queue,
// which is trickled to the peer in batches. Inventory the peer is already
// known to have is ignored.
func (p *Peer) QueueInventory(invVect *wire.InvVect) {
	if p.knownInventory.Exists(invVect) {
		return
	}
	if !p.Connected() {
		return
	}
	p.writeInvVectQueue <- invVect
}

// Connected returns whether the peer is currently connected.
func (p *Peer) Connected() bool {
	select {
	case <-p.disconnect:
		return false
	default:
		return true
	}
}

// Disconnect gracefully shuts down the peer, unblocking WaitForDisconnect
// and tearing down any tracked response deadlines. It also forgets the
// peer's transaction-relay bookkeeping so the shared tracker does not carry
// stale requests for a peer that is no longer reachable.
func (p *Peer) Disconnect() error {
	p.disconnectOnce.Do(func() {
		close(p.disconnect)
	})

	p.responseDeadlinesMtx.Lock()
	for cmd, timer := range p.responseDeadlines {
		timer.Stop()
		delete(p.responseDeadlines, cmd)
	}
	p.responseDeadlinesMtx.Unlock()

	if p.cfg.TxTracker != nil {
		p.cfg.TxTracker.DisconnectedPeer(int64(p.id))
	}

	if p.cfg.OnPeerDestroyed != nil {
		p.cfg.OnPeerDestroyed(p)
	}

	return p.conn.Close()
}

// WaitForDisconnect waits until the peer has completely disconnected. This
// happens if either side disconnects, or the peer is forcibly disconnected
// via Disconnect.
func (p *Peer) WaitForDisconnect() {
	p.disconnectWaitGroup.Wait()
}

// newPeerBase returns a new base bitcoin peer based on the inbound flag.
// This is used by NewInboundPeer and NewOutboundPeer to perform base setup
// needed by both types of peers.
func newPeerBase(cfg *Config, inbound bool) *Peer {
	protocolVersion := uint32(MaxProtocolVersion)
	if cfg.ProtocolVersion != 0 {
		protocolVersion = cfg.ProtocolVersion
	}

	return &Peer{
		inbound:         inbound,
		knownInventory:  newMruInventoryMap(maxKnownInventory),
		cfg:             *cfg,
		protocolVersion: protocolVersion,

		disconnect: make(chan struct{}),

		write:             make(chan writeMsg),
		writeMsgQueue:     make(chan writeMsg),
		writeInvVectQueue: make(chan *wire.InvVect),

		responseDeadlines: make(map[string]*pausableTimer),
	}
}

func (p *Peer) negotiateInboundVersion() error {
	msg, _, err := p.readMessage()
	if err != nil {
		return err
	}
	verMsg, ok := msg.(*wire.MsgVersion)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	if err := p.handleVersionMsg(verMsg); err != nil {
		return err
	}
	if p.cfg.Listeners.OnVersion != nil {
		p.cfg.Listeners.OnVersion(p, verMsg)
	}

	outMsg, err := p.localMsgVersion()
	if err != nil {
		return err
	}
	if err := p.writeMessage(outMsg); err != nil {
		return err
	}

	msg, _, err = p.readMessage()
	if err != nil {
		return err
	}
	verAckMsg, ok := msg.(*wire.MsgVerAck)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	p.setHandshakeState(FullyConnected)
	if p.cfg.Listeners.OnVerAck != nil {
		p.cfg.Listeners.OnVerAck(p, verAckMsg)
	}

	if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
		return err
	}
	return p.pushHandshakeCapabilities()
}

// NewInboundPeer returns a new inbound bitcoin peer. The peer must be run
// by calling Start to begin processing incoming and outgoing messages.
func NewInboundPeer(cfg *Config, conn net.Conn) (*Peer, error) {
	p := newPeerBase(cfg, true)
	p.addr = conn.RemoteAddr().String()

	na, err := newNetAddress(conn.RemoteAddr(), p.cfg.Services)
	if err != nil {
		return nil, err
	}
	p.na = na

	if p.cfg.OnPeerCreated != nil {
		p.cfg.OnPeerCreated(p)
	}

	if err := startPeer(p, conn, p.negotiateInboundVersion); err != nil {
		return nil, conn.Close()
	}
	return p, nil
}

func (p *Peer) negotiateOutboundVersion() error {
	outMsg, err := p.localMsgVersion()
	if err != nil {
		return err
	}
	if err := p.writeMessage(outMsg); err != nil {
		return err
	}

	msg, _, err := p.readMessage()
	if err != nil {
		return err
	}
	verMsg, ok := msg.(*wire.MsgVersion)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	if err := p.handleVersionMsg(verMsg); err != nil {
		return err
	}
	if p.cfg.Listeners.OnVersion != nil {
		p.cfg.Listeners.OnVersion(p, verMsg)
	}

	if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
		return err
	}

	msg, _, err = p.readMessage()
	if err != nil {
		return err
	}
	verAckMsg, ok := msg.(*wire.MsgVerAck)
	if !ok {
		return fmt.Errorf("unexpected message %T", msg)
	}
	p.setHandshakeState(FullyConnected)
	if p.cfg.Listeners.OnVerAck != nil {
		p.cfg.Listeners.OnVerAck(p, verAckMsg)
	}
	return p.pushHandshakeCapabilities()
}

// NewOutboundPeer returns a new outbound bitcoin peer.
func NewOutboundPeer(cfg *Config, conn net.Conn, addr string) (*Peer, error) {
	p := newPeerBase(cfg, false)
	p.addr = addr

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	if cfg.HostToNetAddress != nil {
		na, err := cfg.HostToNetAddress(host, uint16(port), cfg.Services)
		if err != nil {
			return nil, err
		}
		p.na = na
	} else {
		p.na = wire.NewNetAddressIPPort(net.ParseIP(host), uint16(port), cfg.Services)
	}

	if p.cfg.OnPeerCreated != nil {
		p.cfg.OnPeerCreated(p)
	}

	if err := startPeer(p, conn, p.negotiateOutboundVersion); err != nil {
		return nil, conn.Close()
	}
	return p, nil
}

func startPeer(p *Peer, conn net.Conn, negotiator func() error) error {
	p.conn = conn
	p.timeConnected = time.Now()
	p.setHandshakeState(AwaitingVersion)

	negotiateErr := make(chan error)
	go func() {
		negotiateErr <- negotiator()
		close(negotiateErr)
	}()
	select {
	case err := <-negotiateErr:
		if err != nil {
			return err
		}
	case <-time.After(negotiateTimeout):
		return errors.New("protocol negotiation timeout")
	}

	p.disconnectWaitGroup.Add(5)
	go p.writeHandler()
	go p.writeMsgQueueHandler()
	go p.writeInvVectQueueHandler()
	go p.readHandler()
	go p.pingTicker()

	return nil
}

func init() {
	rand.Seed(time.Now().UnixNano())
}
