// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
)

// MsgGetBlockTxn implements the Message interface and represents a bitcoin
// getblocktxn message.  It is used to request specific transactions from a
// block a peer previously announced via a cmpctblock message, identified by
// their index within the block.
//
// This message was not added until protocol version ShortIDsBlocksVersion.
type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint32
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcDecode(r io.Reader, pver uint32, _ MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("getblocktxn message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgGetBlockTxn.BtcDecode", str)
	}

	if err := readElement(r, &msg.BlockHash); err != nil {
		return err
	}

	txCount, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if txCount > maxTxPerBlock {
		str := fmt.Sprintf("too many indexes for message [count %v, "+
			"max %v]", txCount, maxTxPerBlock)
		return messageError("MsgGetBlockTxn.BtcDecode", str)
	}

	// The indexes are differentially encoded relative to the prior index
	// plus one, per BIP0152.
	msg.Indexes = make([]uint32, txCount)
	var indexBase uint64
	for i := uint64(0); i < txCount; i++ {
		offset, err := ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		msg.Indexes[i] = uint32(indexBase + offset)
		indexBase = uint64(msg.Indexes[i]) + 1
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcEncode(w io.Writer, pver uint32, _ MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("getblocktxn message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgGetBlockTxn.BtcEncode", str)
	}

	if uint64(len(msg.Indexes)) > maxTxPerBlock {
		str := fmt.Sprintf("too many indexes for message [count %v, "+
			"max %v]", len(msg.Indexes), maxTxPerBlock)
		return messageError("MsgGetBlockTxn.BtcEncode", str)
	}

	if err := writeElement(w, &msg.BlockHash); err != nil {
		return err
	}

	if err := WriteVarInt(w, pver, uint64(len(msg.Indexes))); err != nil {
		return err
	}

	var indexBase uint64
	for _, index := range msg.Indexes {
		if err := WriteVarInt(w, pver, uint64(index)-indexBase); err != nil {
			return err
		}
		indexBase = uint64(index) + 1
	}

	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetBlockTxn) Command() string {
	return CmdGetBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return MaxBlockPayload
}

// NewMsgGetBlockTxn returns a new bitcoin getblocktxn message that conforms
// to the Message interface.  See MsgGetBlockTxn for details.
func NewMsgGetBlockTxn(blockHash chainhash.Hash, indexes []uint32) *MsgGetBlockTxn {
	return &MsgGetBlockTxn{
		BlockHash: blockHash,
		Indexes:   indexes,
	}
}
