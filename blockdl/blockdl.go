// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockdl schedules parallel block downloads across peers. For
// every peer capable of serving blocks it maintains a downward-growing
// window rooted at the last block height we and that peer agree on, and
// hands out missing blocks within that window in forward height order.
package blockdl

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/chainutil"
)

// Tuning constants from the selection algorithm and stall policy.
const (
	// BlockDownloadWindow bounds how far ahead of the last common block
	// a peer's window is allowed to extend.
	BlockDownloadWindow = 1024

	// MaxBlocksInTransitPerPeer bounds how many outstanding block
	// requests a single peer may carry at once.
	MaxBlocksInTransitPerPeer = 16

	// BlockStallingTimeout is how long a peer may hold up the download
	// window before it is disconnected.
	BlockStallingTimeout = 2 * time.Second
)

// ChainView is the narrow slice of chain state the scheduler needs: our
// active chain's tip and per-height ancestors of arbitrary candidate chains,
// plus the accumulated work backing both. It is deliberately narrower than
// chainutil.ChainManager so a scheduler can be tested against a small fake
// chain instead of a full node.
type ChainView interface {
	ActiveTip() chainutil.BlockIndexHandle
	MinimumChainWork() *big.Int
	ChainWork(handle chainutil.BlockIndexHandle) *big.Int

	// AncestorAt returns the ancestor of tip at the given height, or
	// false if tip's chain doesn't reach that high.
	AncestorAt(tip chainutil.BlockIndexHandle, height int32) (chainutil.BlockIndexHandle, bool)
}

type peerState struct {
	bestKnownBlock  chainutil.BlockIndexHandle
	lastCommonBlock chainutil.BlockIndexHandle
	stalling        bool
	stallingSince   time.Time
}

// Scheduler assigns block downloads to peers within their download windows
// and tracks which peer, if any, is currently holding one up.
//
// Not safe for concurrent use; callers serialize access under their own
// chain mutex, matching §5's "validation-critical state... guarded by a
// single coarse chain mutex".
type Scheduler struct {
	chain ChainView
	peers map[int64]*peerState
}

// NewScheduler returns a Scheduler backed by chain.
func NewScheduler(chain ChainView) *Scheduler {
	return &Scheduler{
		chain: chain,
		peers: make(map[int64]*peerState),
	}
}

// ProcessBlockAvailability records peer's newly announced best known block
// and recomputes the last common block between peer's claimed chain and our
// active chain.
func (s *Scheduler) ProcessBlockAvailability(peer int64, bestKnown chainutil.BlockIndexHandle) {
	ps, ok := s.peers[peer]
	if !ok {
		ps = &peerState{}
		s.peers[peer] = ps
	}
	ps.bestKnownBlock = bestKnown
	s.updateLastCommonBlock(ps)
}

// updateLastCommonBlock walks ps.lastCommonBlock down until it names a
// block that is both an ancestor of ps.bestKnownBlock and part of our
// active chain, i.e. the lowest common ancestor of the two chains.
func (s *Scheduler) updateLastCommonBlock(ps *peerState) {
	if ps.bestKnownBlock.IsZero() {
		return
	}

	height := ps.bestKnownBlock.Height()
	if ourTip := s.chain.ActiveTip().Height(); ourTip < height {
		height = ourTip
	}

	for height > 0 {
		candidate, ok := s.chain.AncestorAt(ps.bestKnownBlock, height)
		if ok {
			if active, ok := s.chain.AncestorAt(s.chain.ActiveTip(), height); ok && active.Hash() == candidate.Hash() {
				ps.lastCommonBlock = candidate
				return
			}
		}
		height--
	}
	ps.lastCommonBlock = chainutil.BlockIndexHandle{}
}

// Forget discards all state for a disconnected peer.
func (s *Scheduler) Forget(peer int64) {
	delete(s.peers, peer)
}

// FindNextBlocksToDownload returns up to count block hashes to request from
// peer, in forward height order, skipping any hash for which
// haveOrInFlight reports true. holdsUpWindow reports whether the walk
// reached the end of peer's download window without filling the request,
// meaning peer is the one holding back further progress.
func (s *Scheduler) FindNextBlocksToDownload(peer int64, count int, haveOrInFlight func(chainhash.Hash) bool) (hashes []chainhash.Hash, holdsUpWindow bool) {
	if count <= 0 {
		return nil, false
	}

	ps, ok := s.peers[peer]
	if !ok || ps.bestKnownBlock.IsZero() {
		return nil, false
	}

	ourWork := s.chain.ChainWork(s.chain.ActiveTip())
	threshold := ourWork
	if minWork := s.chain.MinimumChainWork(); minWork.Cmp(threshold) > 0 {
		threshold = minWork
	}
	if s.chain.ChainWork(ps.bestKnownBlock).Cmp(threshold) < 0 {
		// Not interesting: this peer's chain doesn't clear the bar.
		return nil, false
	}

	windowEnd := ps.lastCommonBlock.Height() + BlockDownloadWindow
	maxHeight := ps.bestKnownBlock.Height()
	if windowEnd < maxHeight {
		maxHeight = windowEnd
	}

	height := ps.lastCommonBlock.Height() + 1
	for ; height <= maxHeight; height++ {
		anc, ok := s.chain.AncestorAt(ps.bestKnownBlock, height)
		if !ok {
			break
		}
		if haveOrInFlight(anc.Hash()) {
			continue
		}
		hashes = append(hashes, anc.Hash())
		if len(hashes) >= count {
			return hashes, false
		}
	}

	// The walk went through the end of the window without filling the
	// caller's request: this peer is the one holding the window up. A walk
	// that stopped at the peer's best-known block (or ran out of ancestors)
	// before the window end does not count.
	return hashes, height > windowEnd
}

// NoteStalling updates peer's stalling bookkeeping given whether it is
// currently holding up its window, and reports whether the stall has
// exceeded BlockStallingTimeout and the peer should be disconnected.
func (s *Scheduler) NoteStalling(peer int64, now time.Time, holdsUpWindow bool) bool {
	ps, ok := s.peers[peer]
	if !ok {
		return false
	}

	if !holdsUpWindow {
		ps.stalling = false
		return false
	}

	if !ps.stalling {
		ps.stalling = true
		ps.stallingSince = now
		return false
	}

	return now.Sub(ps.stallingSince) > BlockStallingTimeout
}

// BlockTimedOut reports whether a block requested at startedAt has exceeded
// its per-block deadline, powTargetSpacing*(1+0.5*otherInFlight), giving
// slower peers more slack when they have many other blocks in flight.
func BlockTimedOut(startedAt, now time.Time, powTargetSpacing time.Duration, otherInFlight int) bool {
	deadline := time.Duration(float64(powTargetSpacing) * (1 + 0.5*float64(otherInFlight)))
	return now.Sub(startedAt) > deadline
}
