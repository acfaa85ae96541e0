// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package headersync implements the two-phase presync/redownload protocol
// used to pull a peer's headers chain without ever committing memory to a
// chain that turns out to have insufficient cumulative proof-of-work.
//
// In the first phase (presync) headers are validated for continuity and
// per-header proof-of-work and folded into a running SHA-256 hash chain, but
// never kept in memory. Once the claimed work crosses an anti-DoS threshold
// the terminal header of that run is remembered as a commitment. The second
// phase (redownload) re-requests the identical range starting from the last
// known fork point and recomputes the same hash chain; headers are only
// handed to the caller once the recomputed chain reaches the recorded
// commitment unchanged, proving the peer didn't substitute a different,
// lower-work chain after the fact.
package headersync

import (
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/chainwork"
	"github.com/btcsuite/btcd-p2pcore/wire"
)

// Anti-DoS timing constants governing how long a caller should tolerate a
// stalled headers sync before disconnecting the peer, taken from
// HEADERS_DOWNLOAD_TIMEOUT_BASE/PER_HEADER.
const (
	HeadersDownloadTimeoutBase      = 15 * time.Minute
	HeadersDownloadTimeoutPerHeader = time.Millisecond
)

// Phase identifies where a Sync sits in the presync/redownload state
// machine.
type Phase int

const (
	PhasePresync Phase = iota
	PhaseRedownload
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhasePresync:
		return "presync"
	case PhaseRedownload:
		return "redownload"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ErrInconsistentHeaders is returned internally when a header fails
// continuity or proof-of-work validation.
var ErrInconsistentHeaders = errors.New("headersync: inconsistent header chain")

// Result is returned from ProcessNextHeaders.
type Result struct {
	// RequestMore indicates the caller should send another getheaders
	// using NextHeadersRequestLocator.
	RequestMore bool

	// Success is only meaningful once the sync has reached PhaseFinal; it
	// reports whether the peer's chain was accepted.
	Success bool

	// ValidatedHeaders holds headers ready for the caller to add to its
	// block index. Only ever populated once the redownload phase reaches
	// its commitment.
	ValidatedHeaders []*wire.BlockHeader
}

// Sync drives a single peer's headers download through the presync and
// redownload phases. It is not safe for concurrent use; callers are
// expected to serialize access per peer.
type Sync struct {
	antiDosThreshold *big.Int

	forkHash   chainhash.Hash
	forkHeight int32

	phase Phase

	presyncWork    *big.Int
	presyncHeight  int32
	presyncTime    time.Time
	presyncLast    chainhash.Hash
	presyncHashing chainhash.Hash
	presyncStarted bool

	commitmentHash    chainhash.Hash
	commitmentHeight  int32
	commitmentHashing chainhash.Hash

	redownloadLast    chainhash.Hash
	redownloadHeight  int32
	redownloadHashing chainhash.Hash
	redownloadBuffer  []*wire.BlockHeader
}

// New creates a Sync rooted at forkHash/forkHeight, our last header in
// common with the peer. minimumChainWork is the static floor a candidate
// chain must clear; nearChaintipWork is the caller's dynamic
// max(tip.chainwork - 144*single_block_proof, 0) figure. The anti-DoS
// threshold used for the presync phase is the larger of the two.
func New(forkHash chainhash.Hash, forkHeight int32, minimumChainWork, nearChaintipWork *big.Int) *Sync {
	threshold := new(big.Int).Set(minimumChainWork)
	if nearChaintipWork.Cmp(threshold) > 0 {
		threshold = new(big.Int).Set(nearChaintipWork)
	}

	return &Sync{
		antiDosThreshold: threshold,
		forkHash:         forkHash,
		forkHeight:       forkHeight,
		phase:            PhasePresync,
		presyncWork:      big.NewInt(0),
		presyncHeight:    forkHeight,
		presyncLast:      forkHash,
		redownloadLast:   forkHash,
		redownloadHeight: forkHeight,
	}
}

// Phase reports the sync's current state.
func (s *Sync) Phase() Phase { return s.phase }

// PresyncWork, PresyncHeight and PresyncTime report the accumulated work,
// height and most recent header timestamp seen in the presync phase, for
// progress reporting.
func (s *Sync) PresyncWork() *big.Int  { return new(big.Int).Set(s.presyncWork) }
func (s *Sync) PresyncHeight() int32   { return s.presyncHeight }
func (s *Sync) PresyncTime() time.Time { return s.presyncTime }

func checkHeaderPoW(h *wire.BlockHeader) bool {
	hash := h.BlockHash()
	target := chainwork.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return false
	}
	return chainwork.HashToBig(&hash).Cmp(target) <= 0
}

func chainHeaderBytes(h *wire.BlockHeader) []byte {
	b, err := h.Bytes()
	if err != nil {
		// BlockHeader.Bytes only fails on out-of-memory conditions
		// inside the underlying bytes.Buffer, which is not
		// recoverable here.
		panic(err)
	}
	return b
}

// chainStep folds header into the running SHA-256 hash chain seeded by
// prev, returning the new running value.
func chainStep(prev chainhash.Hash, h *wire.BlockHeader) chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize+wire.MaxBlockHeaderPayload)
	buf = append(buf, prev[:]...)
	buf = append(buf, chainHeaderBytes(h)...)
	return chainhash.HashH(buf)
}

// ProcessNextHeaders consumes a batch of headers received in response to a
// getheaders request. fullBatch indicates the peer returned the maximum
// number of headers permitted per message, meaning more are likely to
// follow; an empty or short batch means the peer has nothing further to
// offer along this branch.
func (s *Sync) ProcessNextHeaders(headers []*wire.BlockHeader, fullBatch bool) (Result, error) {
	switch s.phase {
	case PhasePresync:
		return s.processPresync(headers, fullBatch)
	case PhaseRedownload:
		return s.processRedownload(headers, fullBatch)
	default:
		return Result{}, errors.New("headersync: sync already finished")
	}
}

func (s *Sync) processPresync(headers []*wire.BlockHeader, fullBatch bool) (Result, error) {
	if len(headers) == 0 {
		s.phase = PhaseFinal
		return Result{Success: false}, nil
	}

	prevHash := s.presyncLast
	for _, h := range headers {
		if h.PrevBlock != prevHash {
			s.phase = PhaseFinal
			return Result{Success: false}, ErrInconsistentHeaders
		}
		if !checkHeaderPoW(h) {
			s.phase = PhaseFinal
			return Result{Success: false}, ErrInconsistentHeaders
		}

		s.presyncHashing = chainStep(s.presyncHashing, h)
		s.presyncWork.Add(s.presyncWork, chainwork.CalcWork(h.Bits))
		s.presyncHeight++
		s.presyncTime = h.Timestamp
		prevHash = h.BlockHash()
		s.presyncStarted = true

		if s.presyncWork.Cmp(s.antiDosThreshold) >= 0 {
			s.commitmentHash = prevHash
			s.commitmentHeight = s.presyncHeight
			s.commitmentHashing = s.presyncHashing
			s.phase = PhaseRedownload
			s.redownloadLast = s.forkHash
			s.redownloadHeight = s.forkHeight
			return Result{RequestMore: true}, nil
		}
	}
	s.presyncLast = prevHash

	if !fullBatch {
		// The peer has nothing more along this branch and we never
		// reached the anti-DoS threshold: not enough claimed work to
		// justify redownloading and storing it.
		s.phase = PhaseFinal
		return Result{Success: false}, nil
	}

	return Result{RequestMore: true}, nil
}

func (s *Sync) processRedownload(headers []*wire.BlockHeader, fullBatch bool) (Result, error) {
	if len(headers) == 0 {
		s.phase = PhaseFinal
		return Result{Success: false}, ErrInconsistentHeaders
	}

	prevHash := s.redownloadLast
	for _, h := range headers {
		if h.PrevBlock != prevHash {
			s.phase = PhaseFinal
			return Result{Success: false}, ErrInconsistentHeaders
		}
		if !checkHeaderPoW(h) {
			s.phase = PhaseFinal
			return Result{Success: false}, ErrInconsistentHeaders
		}

		s.redownloadHashing = chainStep(s.redownloadHashing, h)
		s.redownloadHeight++
		prevHash = h.BlockHash()
		s.redownloadBuffer = append(s.redownloadBuffer, h)

		if s.redownloadHeight == s.commitmentHeight {
			if prevHash != s.commitmentHash || s.redownloadHashing != s.commitmentHashing {
				s.phase = PhaseFinal
				return Result{Success: false}, ErrInconsistentHeaders
			}

			s.phase = PhaseFinal
			validated := s.redownloadBuffer
			s.redownloadBuffer = nil
			return Result{Success: true, ValidatedHeaders: validated}, nil
		}
	}
	s.redownloadLast = prevHash

	return Result{RequestMore: true}, nil
}

// NextHeadersRequestLocator builds the block locator appropriate to the
// sync's current phase: a single hash naming the last header this Sync has
// validated along its current branch.
func (s *Sync) NextHeadersRequestLocator() []*chainhash.Hash {
	var last chainhash.Hash
	switch s.phase {
	case PhasePresync:
		last = s.presyncLast
	case PhaseRedownload:
		last = s.redownloadLast
	default:
		return nil
	}
	h := last
	return []*chainhash.Hash{&h}
}
