// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"fmt"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/btcsuite/btcd-p2pcore/wire"
)

// directionString returns a string that represents the direction of a
// connection (inbound or outbound).
func directionString(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

// invSummary returns an inventory message as a human-readable string.
func invSummary(invList []*wire.InvVect) string {
	invLen := len(invList)
	if invLen == 0 {
		return "empty"
	}

	if invLen == 1 {
		iv := invList[0]
		switch iv.Type {
		case wire.InvTypeError:
			return fmt.Sprintf("error %s", iv.Hash)
		case wire.InvTypeBlock:
			return fmt.Sprintf("block %s", iv.Hash)
		case wire.InvTypeTx:
			return fmt.Sprintf("tx %s", iv.Hash)
		case wire.InvTypeFilteredBlock:
			return fmt.Sprintf("filtered block %s", iv.Hash)
		}
		return fmt.Sprintf("unknown (%d) %s", uint32(iv.Type), iv.Hash)
	}

	var numTxns, numBlocks uint64
	for _, iv := range invList {
		switch iv.Type {
		case wire.InvTypeTx:
			numTxns++
		case wire.InvTypeBlock:
			numBlocks++
		}
	}
	diff := uint64(invLen) - (numTxns + numBlocks)
	return fmt.Sprintf("txns %d, blocks %d, other %d", numTxns, numBlocks, diff)
}

// locatorSummary returns a block locator as a human-readable string.
func locatorSummary(locator []*chainhash.Hash, stopHash *chainhash.Hash) string {
	if len(locator) > 0 {
		return fmt.Sprintf("locator %s, stop %s", locator[0], stopHash)
	}
	return fmt.Sprintf("no locator, stop %s", stopHash)
}

// messageSummary returns a human-readable string which summarizes a message.
// Not all messages have or need a summary. This is used for debug logging.
func messageSummary(msg wire.Message) string {
	switch msg := msg.(type) {
	case *wire.MsgVersion:
		return fmt.Sprintf("agent %s, pver %d, block %d",
			msg.UserAgent, msg.ProtocolVersion, msg.LastBlock)

	case *wire.MsgAddr:
		return fmt.Sprintf("%d addr", len(msg.AddrList))

	case *wire.MsgAddrV2:
		return fmt.Sprintf("%d addr", len(msg.AddrList))

	case *wire.MsgTx:
		return fmt.Sprintf("hash %s, %d inputs, %d outputs",
			msg.TxHash(), len(msg.TxIn), len(msg.TxOut))

	case *wire.MsgBlock:
		header := &msg.Header
		return fmt.Sprintf("hash %s, ver %d, %d tx, %s", header.BlockHash(),
			header.Version, len(msg.Transactions), header.Timestamp)

	case *wire.MsgInv:
		return invSummary(msg.InvList)

	case *wire.MsgNotFound:
		return invSummary(msg.InvList)

	case *wire.MsgGetData:
		return invSummary(msg.InvList)

	case *wire.MsgGetBlocks:
		return locatorSummary(msg.BlockLocatorHashes, &msg.HashStop)

	case *wire.MsgGetHeaders:
		return locatorSummary(msg.BlockLocatorHashes, &msg.HashStop)

	case *wire.MsgHeaders:
		summary := fmt.Sprintf("num %d", len(msg.Headers))
		if len(msg.Headers) > 0 {
			finalHeader := msg.Headers[len(msg.Headers)-1]
			summary = fmt.Sprintf("%s, final hash %s", summary,
				finalHeader.BlockHash())
		}
		return summary

	case *wire.MsgReject:
		return fmt.Sprintf("cmd %v, code %v, reason %v", msg.Cmd, msg.Code,
			msg.Reason)

	case *wire.MsgFeeFilter:
		return fmt.Sprintf("rate %d", msg.MinFee)
	}

	// No summary for other messages.
	return ""
}
