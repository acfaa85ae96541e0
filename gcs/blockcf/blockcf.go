// Copyright (c) 2017 The btcsuite developers
// Copyright (c) 2017 The Lightning Network Developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package blockcf provides functions for building committed filters for blocks
using Golomb-coded sets in a way that is useful for light clients such as SPV
wallets.

Committed filters are a reversal of how bloom filters are typically used by a
light client: a consensus-validating full node commits to filters for every
block with a predetermined collision probability and light clients match against
the filters locally rather than uploading personal data to other nodes.  If a
filter matches, the light client should fetch the entire block and further
inspect it for relevant transactions.
*/
package blockcf

import (
	"fmt"

	"github.com/btcsuite/btcd-p2pcore/gcs"
	"github.com/btcsuite/btcd-p2pcore/wire"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
)

// P is the Golomb-Rice coding parameter used for block committed filters,
// as defined by BIP0158: a collision probability of 2^-19 per Golomb-coded
// bucket.
const P = 19

// M is the element hash-to-range modulus multiplier for BIP0158's basic
// filter type. Together with N (the number of elements) it sizes the range
// [0, N*M) that FastRange64 hashes elements into before Golomb-Rice coding.
const M = 784931

// opReturn is the OP_RETURN opcode.  A pkScript beginning with it can never
// be spent, and BIP0158 excludes such outputs from the basic filter.
const opReturn = 0x6a

// isUnspendable reports whether a pkScript is provably unspendable: empty,
// or a data-carrier output starting with OP_RETURN.
func isUnspendable(pkScript []byte) bool {
	return len(pkScript) == 0 || pkScript[0] == opReturn
}

// Entries describes all of the filter entries used to create a GCS filter and
// provides methods for appending data structures found in blocks.
type Entries [][]byte

// AddHash adds a hash to an entries slice.
func (e *Entries) AddHash(hash *chainhash.Hash) {
	*e = append(*e, hash[:])
}

// AddScript adds an output or previous output script to an entries slice
// unless the script is empty or an OP_RETURN data carrier, as required by
// BIP0158.
func (e *Entries) AddScript(script []byte) {
	if isUnspendable(script) {
		return
	}
	*e = append(*e, script)
}

// Key creates a block committed filter key by truncating a block hash to the
// key size.
func Key(hash *chainhash.Hash) [gcs.KeySize]byte {
	var key [gcs.KeySize]byte
	copy(key[:], hash[:])
	return key
}

// PrevOutputFetcher supplies the previous output spent by a transaction
// input, which the basic filter type requires but is not itself included in
// block data.  Callers back this with their UTXO view or an index over
// previously validated blocks.
type PrevOutputFetcher interface {
	FetchPrevOutput(op wire.OutPoint) (*wire.TxOut, error)
}

// Regular builds a basic BIP0158 GCS filter for a block.  The filter commits
// to the scriptPubKey of every transaction output in the block and, for
// every input other than the coinbase's, the scriptPubKey of the output it
// spends. Empty or OP_RETURN scripts are excluded from both sets.
func Regular(block *wire.MsgBlock, prevOuts PrevOutputFetcher) (*gcs.Filter, error) {
	var data Entries

	for i, tx := range block.Transactions {
		for _, txOut := range tx.TxOut {
			data.AddScript(txOut.PkScript)
		}

		if i == 0 {
			// The coinbase's inputs have no real previous
			// outputs to commit.
			continue
		}

		for _, txIn := range tx.TxIn {
			prevOut, err := prevOuts.FetchPrevOutput(txIn.PreviousOutPoint)
			if err != nil {
				return nil, fmt.Errorf("blockcf: fetching previous "+
					"output for %v: %w", txIn.PreviousOutPoint, err)
			}
			data.AddScript(prevOut.PkScript)
		}
	}

	if len(data) == 0 {
		return nil, gcs.ErrNoData
	}

	blockHash := block.BlockHash()
	key := Key(&blockHash)

	return gcs.NewFilter(P, M, key, data)
}
