// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainutil defines the narrow collaborator interfaces the peer
// manager consumes from the rest of a full node: chain validation and
// storage, outbound message delivery, mempool queries, and the ban list.
// Nothing in this package implements a node; it exists so the message-
// processing core can be built and tested against small fakes instead of a
// concrete blockchain, connection pool, or mempool.
package chainutil

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/txrequest"
	"github.com/btcsuite/btcd-p2pcore/wire"
)

// BlockIndexHandle is an opaque reference to a block-index node owned by a
// ChainManager. The peer manager stores and compares handles but never
// dereferences into chain-manager internals directly.
type BlockIndexHandle struct {
	hash   chainhash.Hash
	height int32
}

// NewBlockIndexHandle builds a handle from a hash/height pair, as returned
// by a ChainManager lookup.
func NewBlockIndexHandle(hash chainhash.Hash, height int32) BlockIndexHandle {
	return BlockIndexHandle{hash: hash, height: height}
}

// Hash returns the block hash the handle refers to.
func (h BlockIndexHandle) Hash() chainhash.Hash { return h.hash }

// Height returns the block height the handle refers to.
func (h BlockIndexHandle) Height() int32 { return h.height }

// IsZero reports whether the handle is the unset zero value.
func (h BlockIndexHandle) IsZero() bool {
	return h.height == 0 && h.hash == (chainhash.Hash{})
}

// ValidationResult classifies the outcome of handing a header or block to a
// ChainManager, driving the misbehavior points a caller assesses in
// response.
type ValidationResult int

const (
	ValidationOK ValidationResult = iota
	BlockConsensus
	BlockMutated
	BlockInvalidHeader
	BlockInvalidPrev
	BlockCheckpoint
	BlockCachedInvalid
	BlockMissingPrev
	BlockHeaderLowWork
	TxPolicyRejected
)

// MisbehaviorPoints returns the points a caller should assess against the
// peer that supplied a header/block yielding this result, per the error
// taxonomy. outboundOnly reports whether the points apply only when the
// peer is an outbound connection (BlockCachedInvalid).
func (r ValidationResult) MisbehaviorPoints() (points uint32, outboundOnly bool) {
	switch r {
	case BlockConsensus, BlockMutated, BlockInvalidHeader, BlockInvalidPrev, BlockCheckpoint:
		return 100, false
	case BlockCachedInvalid:
		return 100, true
	case BlockMissingPrev:
		return 10, false
	default:
		return 0, false
	}
}

// MempoolAcceptResult reports the outcome of offering a transaction to the
// mempool.
type MempoolAcceptResult struct {
	Accepted bool
	Reason   string
}

// TxInfo is the subset of mempool bookkeeping the peer manager needs to
// decide whether and how to relay a transaction.
type TxInfo struct {
	Tx        *wire.MsgTx
	Fee       int64
	Size      int32
	Preferred bool
}

// ChainManager is the collaborator that owns block/header validation and
// the active chain. The peer manager only ever holds BlockIndexHandle
// values referring into it, never raw pointers.
type ChainManager interface {
	AcceptHeader(hdr *wire.BlockHeader) ValidationResult
	ProcessNewBlockHeaders(hdrs []*wire.BlockHeader) ValidationResult
	ProcessNewBlock(block *wire.MsgBlock, force, minPowChecked bool) bool
	ProcessTransaction(tx *wire.MsgTx) MempoolAcceptResult

	ActiveTip() BlockIndexHandle
	ActiveChainAt(height int32) (BlockIndexHandle, bool)
	FindForkInGlobalIndex(locator []*chainhash.Hash) BlockIndexHandle
	BestHeader() BlockIndexHandle
	LookupBlockIndex(hash chainhash.Hash) (BlockIndexHandle, bool)

	// HeaderByHandle returns the full wire header a BlockIndexHandle
	// refers to, so a getheaders reply can be built from locally stored
	// index entries rather than full blocks.
	HeaderByHandle(handle BlockIndexHandle) (wire.BlockHeader, bool)

	// ChainWork returns the accumulated proof-of-work at handle, used by
	// peer.Manager's stale-tip eviction to judge whether a peer's chain
	// has caught up with ours.
	ChainWork(handle BlockIndexHandle) *big.Int
	MinimumChainWork() *big.Int
}

// ConnectionManager is the collaborator that owns sockets and framing.
type ConnectionManager interface {
	PushMessage(peer int64, payload []byte) error
	ForEachNode(f func(peer int64))
	Disconnect(peer int64)
	OutboundTargetReached() bool
	GetDeterministicRandomizer(id uint64) func([]byte) uint64
	GetAddresses() []*wire.NetAddressV2
	WakeMessageHandler()
}

// Mempool is the collaborator that owns unconfirmed transactions.
type Mempool interface {
	ProcessTransaction(tx *wire.MsgTx) MempoolAcceptResult
	Info(gtxid txrequest.GenTxid) (TxInfo, bool)
	Exists(gtxid txrequest.GenTxid) bool
	Get(txid chainhash.Hash) (*wire.MsgTx, bool)
	InfoAll() []TxInfo
	CompareDepthAndScore(a, b chainhash.Hash, useWtxid bool) int
	GetUnbroadcastTxs() []chainhash.Hash
	RemoveUnbroadcastTx(txid chainhash.Hash, reason string)
	GetMinFee() int64
	DynamicMemoryUsage() int64
}

// BanMan is the collaborator that owns the discouragement/ban list.
type BanMan interface {
	IsBanned(addr string) bool
	IsDiscouraged(addr string) bool
	Discourage(addr string)
}

// InflightBlock records a single in-flight block download, per §3.1.
type InflightBlock struct {
	Peer      int64
	Hash      chainhash.Hash
	StartedAt time.Time
	Partial   *wire.MsgCmpctBlock
}
