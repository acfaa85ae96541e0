// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"net"
	"sync"

	"github.com/btcsuite/btcd-p2pcore/addrmgr"
	"github.com/btcsuite/btcd-p2pcore/peer"
	"github.com/btcsuite/btcd-p2pcore/txrequest"
	"github.com/btcsuite/btcd-p2pcore/wire"
)

// netAddrString is a net.Addr whose String is a ready-to-dial "host:port"
// pair. addrmgr.KnownAddress.NetAddress().Addr alone only stringifies the
// bare host (no port, since a NetAddressV2's port is a separate field), so
// outbound connection requests are built from this instead.
type netAddrString struct {
	network string
	addr    string
}

func (a netAddrString) Network() string { return a.network }
func (a netAddrString) String() string  { return a.addr }

// PeerConnConfig configures a PeerConnManager. PeerConfig is cloned for
// every dialed or accepted connection; its Listeners are shared across every
// resulting peer.
type PeerConnConfig struct {
	// AddrManager supplies outbound destinations via GetAddress and
	// records connection outcomes via Attempt/Connected/Good.
	AddrManager *addrmgr.AddrManager

	// TxTracker, when non-nil, is attached to every peer's Config so
	// inventory announcements and disconnects are recorded against a
	// single tracker shared by the whole connection pool.
	TxTracker *txrequest.Tracker

	// PeerManager, when non-nil, supplies the Listeners and lifecycle
	// hooks (OnPeerCreated, OnPeerDestroyed, InitialGetHeaders,
	// HeaderConnects, LocatorFor) installed on every negotiated peer's
	// Config, wiring it into the protocol engine that owns the peer map
	// and the §4.1 on_message/tick_send behavior. Without it, peers
	// negotiate the handshake but no inbound message is ever handled.
	PeerManager *peer.Manager

	// PeerConfig is the template used to build each peer's Config. Its
	// ChainNet, Services, UserAgentName/Version and ProtocolVersion are
	// copied verbatim; Listeners and the lifecycle hooks are overridden
	// from PeerManager when set. BestLocalAddress, HostToNetAddress and
	// TxTracker are filled in by the manager; NewestBlock is copied from
	// the template unchanged.
	PeerConfig peer.Config

	// TargetOutbound is the number of outbound peers to maintain.
	// Defaults to 8 (see defaultTargetOutbound) if zero.
	TargetOutbound uint32
}

// PeerConnManager glues a ConnManager's connection scheduling to the peer
// package's handshake and an AddrManager's address bookkeeping, so that
// every outbound slot the ConnManager fills is turned into a negotiated
// *peer.Peer and every accepted inbound connection is negotiated the same
// way. It is the piece that a running node would use to actually compose
// the address manager, transaction tracker, and peer packages into network
// activity; none of the three packages need to know about each other
// directly.
type PeerConnManager struct {
	cfg PeerConnConfig
	cm  *ConnManager

	mtx   sync.Mutex
	peers map[uint64]*peer.Peer
}

// peerConfigFor builds a fresh peer.Config for a single connection, so that
// peers don't share mutable Config state.
func (pcm *PeerConnManager) peerConfigFor() *peer.Config {
	cfg := pcm.cfg.PeerConfig
	cfg.TxTracker = pcm.cfg.TxTracker
	if pcm.cfg.PeerManager != nil {
		cfg.Listeners = pcm.cfg.PeerManager.Listeners()
		cfg.OnPeerCreated, cfg.OnPeerDestroyed, cfg.InitialGetHeaders,
			cfg.HeaderConnects, cfg.LocatorFor = pcm.cfg.PeerManager.ConfigHooks()
	}
	if pcm.cfg.AddrManager != nil {
		amgr := pcm.cfg.AddrManager
		cfg.HostToNetAddress = func(host string, port uint16, services wire.ServiceFlag) (*wire.NetAddress, error) {
			na, err := amgr.HostToNetAddress(host, port, services)
			if err != nil {
				return nil, err
			}
			return na.ToLegacy(), nil
		}
		cfg.BestLocalAddress = func(remoteAddr *wire.NetAddress) *wire.NetAddress {
			ipBytes := remoteAddr.IP.To4()
			if ipBytes == nil {
				ipBytes = remoteAddr.IP.To16()
			}
			remoteV2 := wire.NetAddressV2FromBytes(remoteAddr.Timestamp,
				remoteAddr.Services, ipBytes, remoteAddr.Port)
			na := amgr.GetBestLocalAddress(remoteV2)
			if na == nil {
				return remoteAddr
			}
			return na.ToLegacy()
		}
	}
	return &cfg
}

// trackPeer records the negotiated peer against its connection request id
// so it can be looked up or torn down later.
func (pcm *PeerConnManager) trackPeer(id uint64, p *peer.Peer) {
	pcm.mtx.Lock()
	pcm.peers[id] = p
	pcm.mtx.Unlock()
}

// untrackPeer removes a peer previously recorded with trackPeer and returns
// it, or nil if none was tracked for id.
func (pcm *PeerConnManager) untrackPeer(id uint64) *peer.Peer {
	pcm.mtx.Lock()
	p := pcm.peers[id]
	delete(pcm.peers, id)
	pcm.mtx.Unlock()
	return p
}

// Peers returns a snapshot of every peer currently tracked by the manager,
// keyed by connection request id.
func (pcm *PeerConnManager) Peers() map[uint64]*peer.Peer {
	pcm.mtx.Lock()
	defer pcm.mtx.Unlock()
	out := make(map[uint64]*peer.Peer, len(pcm.peers))
	for id, p := range pcm.peers {
		out[id] = p
	}
	return out
}

// onConnection negotiates an outbound peer over conn and, on success,
// records the address as connected/good in the address manager and starts
// tracking the resulting peer against c's id.
func (pcm *PeerConnManager) onConnection(c *ConnReq, conn net.Conn) {
	cfg := pcm.peerConfigFor()
	p, err := peer.NewOutboundPeer(cfg, conn, c.Addr.String())
	if err != nil {
		log.Debugf("Failed to negotiate outbound peer %v: %v", c, err)
		conn.Close()
		pcm.cm.Disconnect(c.ID())
		return
	}

	if pcm.cfg.AddrManager != nil {
		if na, err := pcm.cfg.AddrManager.DeserializeNetAddress(c.Addr.String()); err == nil {
			pcm.cfg.AddrManager.Connected(na)
			pcm.cfg.AddrManager.Good(na)
		}
	}

	pcm.trackPeer(c.ID(), p)
}

// onDisconnection stops and forgets the peer associated with c.
func (pcm *PeerConnManager) onDisconnection(c *ConnReq) {
	if p := pcm.untrackPeer(c.ID()); p != nil {
		p.Disconnect()
	}
}

// onAccept negotiates an inbound peer over conn. The caller (the
// ConnManager's listener goroutine) owns conn until this returns; ownership
// then passes to the negotiated peer.
func (pcm *PeerConnManager) onAccept(conn net.Conn) {
	cfg := pcm.peerConfigFor()
	p, err := peer.NewInboundPeer(cfg, conn)
	if err != nil {
		log.Debugf("Failed to negotiate inbound peer %s: %v", conn.RemoteAddr(), err)
		return
	}

	// Inbound connections have no ConnReq of their own; key them by a
	// synthetic id derived from the peer's own id so they can still be
	// looked up and torn down uniformly.
	pcm.trackPeer(1<<63|uint64(p.ID()), p)
}

// Start starts the underlying ConnManager, which in turn begins dialing
// outbound slots and accepting inbound connections through onConnection and
// onAccept.
func (pcm *PeerConnManager) Start() {
	pcm.cm.Start()
}

// Stop shuts down the underlying ConnManager and disconnects every tracked
// peer.
func (pcm *PeerConnManager) Stop() {
	pcm.cm.Stop()

	pcm.mtx.Lock()
	peers := pcm.peers
	pcm.peers = make(map[uint64]*peer.Peer)
	pcm.mtx.Unlock()

	for _, p := range peers {
		p.Disconnect()
	}
}

// Wait blocks until the underlying ConnManager has halted.
func (pcm *PeerConnManager) Wait() {
	pcm.cm.Wait()
}

// Connect requests a new permanent or non-permanent connection to addr,
// mirroring ConnManager.Connect for callers that only hold a
// PeerConnManager.
func (pcm *PeerConnManager) Connect(addr net.Addr, permanent bool) {
	pcm.cm.Connect(&ConnReq{Addr: addr, Permanent: permanent})
}

// NewPeerConnManager builds a PeerConnManager on top of a ConnManager
// configured to dial via dial and accept via listeners, feeding every
// resulting connection through the bitcoin version handshake and recording
// outbound outcomes in cfg.AddrManager.
func NewPeerConnManager(cfg PeerConnConfig, dial func(net.Addr) (net.Conn, error), listeners []net.Listener) (*PeerConnManager, error) {
	if dial == nil {
		return nil, errors.New("connmgr: dial cannot be nil")
	}

	pcm := &PeerConnManager{
		cfg:   cfg,
		peers: make(map[uint64]*peer.Peer),
	}

	var getNewAddress func() (net.Addr, error)
	if cfg.AddrManager != nil {
		getNewAddress = func() (net.Addr, error) {
			ka := cfg.AddrManager.GetAddress()
			if ka == nil {
				return nil, errors.New("connmgr: no addresses available")
			}
			na := ka.NetAddress()
			cfg.AddrManager.Attempt(na)
			return netAddrString{
				network: na.Addr.Network(),
				addr:    addrmgr.NetAddressKey(na),
			}, nil
		}
	}

	cm, err := New(&Config{
		Listeners:       listeners,
		OnAccept:        pcm.onAccept,
		TargetOutbound:  cfg.TargetOutbound,
		Dial:            dial,
		OnConnection:    pcm.onConnection,
		OnDisconnection: pcm.onDisconnection,
		GetNewAddress:   getNewAddress,
	})
	if err != nil {
		return nil, err
	}
	pcm.cm = cm

	return pcm, nil
}
