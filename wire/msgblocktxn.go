// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
)

// MsgBlockTxn implements the Message interface and represents a bitcoin
// blocktxn message.  It is used to answer a getblocktxn request with the
// full transactions the requesting peer was missing from a previously
// announced compact block.
//
// This message was not added until protocol version ShortIDsBlocksVersion.
type MsgBlockTxn struct {
	BlockHash    chainhash.Hash
	Transactions []*MsgTx
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32, enc MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("blocktxn message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgBlockTxn.BtcDecode", str)
	}

	if err := readElement(r, &msg.BlockHash); err != nil {
		return err
	}

	txCount, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if txCount > maxTxPerBlock {
		str := fmt.Sprintf("too many transactions for message [count %v, "+
			"max %v]", txCount, maxTxPerBlock)
		return messageError("MsgBlockTxn.BtcDecode", str)
	}

	msg.Transactions = make([]*MsgTx, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		tx := new(MsgTx)
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, tx)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32, enc MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("blocktxn message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgBlockTxn.BtcEncode", str)
	}

	if uint64(len(msg.Transactions)) > maxTxPerBlock {
		str := fmt.Sprintf("too many transactions for message [count %v, "+
			"max %v]", len(msg.Transactions), maxTxPerBlock)
		return messageError("MsgBlockTxn.BtcEncode", str)
	}

	if err := writeElement(w, &msg.BlockHash); err != nil {
		return err
	}

	if err := WriteVarInt(w, pver, uint64(len(msg.Transactions))); err != nil {
		return err
	}

	for _, tx := range msg.Transactions {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgBlockTxn) Command() string {
	return CmdBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return MaxBlockPayload
}

// NewMsgBlockTxn returns a new bitcoin blocktxn message that conforms to
// the Message interface.  See MsgBlockTxn for details.
func NewMsgBlockTxn(blockHash chainhash.Hash, transactions []*MsgTx) *MsgBlockTxn {
	return &MsgBlockTxn{
		BlockHash:    blockHash,
		Transactions: transactions,
	}
}
