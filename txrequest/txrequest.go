// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txrequest tracks transaction announcements received from peers
// and decides, for each transaction, which single peer should be asked to
// provide it and when, so that the same transaction is not requested from
// every announcing peer at once.
package txrequest

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/dchest/siphash"
)

// Delay constants applied when computing an announcement's reqtime.
const (
	// NonPrefPeerTxDelay is added to the reqtime of announcements from
	// peers that are not marked preferred.
	NonPrefPeerTxDelay = 2 * time.Second

	// TxidRelayDelay is added to the reqtime of a txid announcement when
	// at least one wtxid-relay peer is connected, giving that peer a
	// chance to offer the transaction by its wtxid first.
	TxidRelayDelay = 2 * time.Second

	// OverloadedPeerTxDelay is added to the reqtime of an announcement
	// from a peer that already has too many requests in flight.
	OverloadedPeerTxDelay = 2 * time.Second

	// MaxPeerAnnouncements is the maximum number of announcements
	// tracked per peer absent relay permission.
	MaxPeerAnnouncements = 5000

	// MaxPeerInFlight is the number of in-flight requests to a single
	// peer above which further announcements from it are delayed.
	MaxPeerInFlight = 100
)

// GenTxid identifies a transaction announcement either by its txid or its
// wtxid.
type GenTxid struct {
	Hash    chainhash.Hash
	IsWtxid bool
}

// TxidGenTxid returns a GenTxid identifying a transaction by its txid.
func TxidGenTxid(hash chainhash.Hash) GenTxid {
	return GenTxid{Hash: hash}
}

// WtxidGenTxid returns a GenTxid identifying a transaction by its wtxid.
func WtxidGenTxid(hash chainhash.Hash) GenTxid {
	return GenTxid{Hash: hash, IsWtxid: true}
}

// state describes where a single announcement sits in the per-hash state
// machine.
type state int

const (
	stateCandidateDelayed state = iota
	stateCandidateReady
	stateRequested
)

// announcement is a single peer's outstanding claim to have a transaction.
type announcement struct {
	peer      int64
	gtxid     GenTxid
	preferred bool
	state     state
	reqtime   time.Time
	expiry    time.Time
}

// Tracker records transaction announcements from peers and arbitrates which
// peer should be asked for each transaction and when.
//
// All exported methods are safe for concurrent use.
type Tracker struct {
	mtx sync.Mutex

	k0, k1 uint64

	// byHash indexes every live announcement by transaction hash and
	// then by announcing peer.
	byHash map[chainhash.Hash]map[int64]*announcement

	peerCount    map[int64]int
	peerInFlight map[int64]int

	wtxidRelayPeers map[int64]struct{}
}

// New returns a Tracker ready for use. The random tie-break key is drawn
// fresh so that announcement ordering cannot be predicted across restarts.
func New() *Tracker {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}

	return &Tracker{
		k0:              binary.LittleEndian.Uint64(buf[:8]),
		k1:              binary.LittleEndian.Uint64(buf[8:]),
		byHash:          make(map[chainhash.Hash]map[int64]*announcement),
		peerCount:       make(map[int64]int),
		peerInFlight:    make(map[int64]int),
		wtxidRelayPeers: make(map[int64]struct{}),
	}
}

// tieBreak computes the SipHash-2-4 of (peer, hash) used to deterministically
// order announcements that share the same reqtime.
func (t *Tracker) tieBreak(peer int64, hash chainhash.Hash) uint64 {
	buf := make([]byte, 8+chainhash.HashSize)
	binary.LittleEndian.PutUint64(buf, uint64(peer))
	copy(buf[8:], hash[:])
	return siphash.Hash(t.k0, t.k1, buf)
}

// SetWtxidRelayPeer records that the given peer relays transactions by
// wtxid, which delays txid-only announcements of the same transaction from
// other peers.
func (t *Tracker) SetWtxidRelayPeer(peer int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.wtxidRelayPeers[peer] = struct{}{}
}

// ReceivedInv registers an announcement of gtxid by peer. hasRelayPermission
// lifts the per-peer announcement cap.
func (t *Tracker) ReceivedInv(peer int64, gtxid GenTxid, preferred bool, now time.Time, hasRelayPermission bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !hasRelayPermission && t.peerCount[peer] >= MaxPeerAnnouncements {
		return
	}

	peers, ok := t.byHash[gtxid.Hash]
	if !ok {
		peers = make(map[int64]*announcement)
		t.byHash[gtxid.Hash] = peers
	}
	if _, exists := peers[peer]; exists {
		return
	}

	reqtime := now
	if !preferred {
		reqtime = reqtime.Add(NonPrefPeerTxDelay)
	}
	if !gtxid.IsWtxid && len(t.wtxidRelayPeers) > 0 {
		reqtime = reqtime.Add(TxidRelayDelay)
	}
	if t.peerInFlight[peer] >= MaxPeerInFlight {
		reqtime = reqtime.Add(OverloadedPeerTxDelay)
	}

	st := stateCandidateDelayed
	if !reqtime.After(now) {
		st = stateCandidateReady
	}

	peers[peer] = &announcement{
		peer:      peer,
		gtxid:     gtxid,
		preferred: preferred,
		state:     st,
		reqtime:   reqtime,
	}
	t.peerCount[peer]++
}

// bestCandidate returns the CANDIDATE_READY announcement for hash with the
// lowest reqtime, breaking ties with the SipHash tie-breaker, or nil if none
// exists.
func (t *Tracker) bestCandidate(hash chainhash.Hash) *announcement {
	var best *announcement
	var bestTie uint64
	for _, ann := range t.byHash[hash] {
		if ann.state != stateCandidateReady {
			continue
		}
		if best == nil || ann.reqtime.Before(best.reqtime) {
			best = ann
			bestTie = t.tieBreak(ann.peer, hash)
			continue
		}
		if ann.reqtime.Equal(best.reqtime) {
			tie := t.tieBreak(ann.peer, hash)
			if tie < bestTie {
				best = ann
				bestTie = tie
			}
		}
	}
	return best
}

// hasRequested reports whether hash currently has a REQUESTED announcement
// outstanding from any peer.
func (t *Tracker) hasRequested(hash chainhash.Hash) bool {
	for _, ann := range t.byHash[hash] {
		if ann.state == stateRequested {
			return true
		}
	}
	return false
}

// GetRequestable promotes due CANDIDATE_DELAYED announcements to
// CANDIDATE_READY, moves overdue REQUESTED announcements of peer into
// expired, and returns the announcements peer should now request.
func (t *Tracker) GetRequestable(peer int64, now time.Time) (requestable, expired []GenTxid) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for hash, peers := range t.byHash {
		for p, ann := range peers {
			switch ann.state {
			case stateRequested:
				if p == peer && !ann.expiry.After(now) {
					expired = append(expired, ann.gtxid)
					t.removeAnnouncementLocked(hash, ann)
				}
			case stateCandidateDelayed:
				if !ann.reqtime.After(now) {
					ann.state = stateCandidateReady
				}
			}
		}
	}

	for hash := range t.byHash {
		if t.hasRequested(hash) {
			continue
		}
		best := t.bestCandidate(hash)
		if best != nil && best.peer == peer {
			requestable = append(requestable, best.gtxid)
		}
	}

	return requestable, expired
}

// RequestedTx transitions hash's CANDIDATE_READY announcement from peer into
// REQUESTED, due to expire at expiry.
func (t *Tracker) RequestedTx(peer int64, hash chainhash.Hash, expiry time.Time) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	peers, ok := t.byHash[hash]
	if !ok {
		return
	}
	ann, ok := peers[peer]
	if !ok || ann.state != stateCandidateReady {
		return
	}
	ann.state = stateRequested
	ann.expiry = expiry
	t.peerInFlight[peer]++
}

// removeAnnouncementLocked deletes ann from the index and decrements its
// peer's counters. Callers must hold t.mtx.
func (t *Tracker) removeAnnouncementLocked(hash chainhash.Hash, ann *announcement) {
	peers := t.byHash[hash]
	delete(peers, ann.peer)
	if len(peers) == 0 {
		delete(t.byHash, hash)
	}

	t.peerCount[ann.peer]--
	if t.peerCount[ann.peer] <= 0 {
		delete(t.peerCount, ann.peer)
	}
	if ann.state == stateRequested {
		t.peerInFlight[ann.peer]--
		if t.peerInFlight[ann.peer] <= 0 {
			delete(t.peerInFlight, ann.peer)
		}
	}
}

// ReceivedResponse removes every announcement of hash, whether it fulfilled
// a request or arrived unsolicited, since the transaction is now resolved
// one way or another.
func (t *Tracker) ReceivedResponse(hash chainhash.Hash) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.forgetLocked(hash)
}

// ForgetTxHash discards all knowledge of hash, e.g. because it was accepted
// or rejected by validation.
func (t *Tracker) ForgetTxHash(hash chainhash.Hash) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.forgetLocked(hash)
}

func (t *Tracker) forgetLocked(hash chainhash.Hash) {
	peers, ok := t.byHash[hash]
	if !ok {
		return
	}
	for _, ann := range peers {
		t.peerCount[ann.peer]--
		if t.peerCount[ann.peer] <= 0 {
			delete(t.peerCount, ann.peer)
		}
		if ann.state == stateRequested {
			t.peerInFlight[ann.peer]--
			if t.peerInFlight[ann.peer] <= 0 {
				delete(t.peerInFlight, ann.peer)
			}
		}
	}
	delete(t.byHash, hash)
}

// DisconnectedPeer discards all announcements from peer, allowing any
// transaction it was the sole candidate for to be requested from its
// remaining announcers.
func (t *Tracker) DisconnectedPeer(peer int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for hash, peers := range t.byHash {
		if ann, ok := peers[peer]; ok {
			t.removeAnnouncementLocked(hash, ann)
		}
	}

	delete(t.peerCount, peer)
	delete(t.peerInFlight, peer)
	delete(t.wtxidRelayPeers, peer)
}

// Count returns the number of announcements tracked for peer.
func (t *Tracker) Count(peer int64) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.peerCount[peer]
}

// CountInFlight returns the number of REQUESTED announcements outstanding
// for peer.
func (t *Tracker) CountInFlight(peer int64) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.peerInFlight[peer]
}

// Size returns the total number of tracked transaction hashes.
func (t *Tracker) Size() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.byHash)
}
