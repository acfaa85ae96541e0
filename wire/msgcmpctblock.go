// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
)

// maxShortIDsPerCmpctBlock is the maximum number of short transaction IDs
// that could possibly fit into a cmpctblock message.
const maxShortIDsPerCmpctBlock = maxTxPerBlock

// shortIDLen is the number of bytes a short transaction ID occupies on the
// wire.  BIP0152 truncates the 8 byte siphash output down to 6 bytes.
const shortIDLen = 6

// PrefilledTx houses a transaction the sender of a cmpctblock message chose
// to relay in full, typically the coinbase, along with its index within the
// block.
type PrefilledTx struct {
	// Index is the position of Tx within the block, encoded on the wire
	// as an offset from the previously prefilled index.
	Index uint32

	// Tx is the prefilled transaction itself.
	Tx MsgTx
}

// readPrefilledTx reads the next prefilled transaction from r, using
// indexBase as the running index offset per BIP0152, and returns the index
// base for the following prefilled transaction.
func readPrefilledTx(r io.Reader, pver uint32, enc MessageEncoding, indexBase uint64, ptx *PrefilledTx) (uint64, error) {
	offset, err := ReadVarInt(r, pver)
	if err != nil {
		return 0, err
	}
	ptx.Index = uint32(indexBase + offset)

	if err := ptx.Tx.BtcDecode(r, pver, enc); err != nil {
		return 0, err
	}

	return uint64(ptx.Index) + 1, nil
}

// writePrefilledTx writes ptx to w, encoding its index as an offset from
// indexBase per BIP0152, and returns the index base for the next prefilled
// transaction.
func writePrefilledTx(w io.Writer, pver uint32, enc MessageEncoding, indexBase uint64, ptx *PrefilledTx) (uint64, error) {
	if err := WriteVarInt(w, pver, uint64(ptx.Index)-indexBase); err != nil {
		return 0, err
	}

	if err := ptx.Tx.BtcEncode(w, pver, enc); err != nil {
		return 0, err
	}

	return uint64(ptx.Index) + 1, nil
}

// readShortID reads a truncated 6 byte siphash transaction ID from r.
func readShortID(r io.Reader) (uint64, error) {
	var b [shortIDLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40, nil
}

// writeShortID writes a truncated 6 byte siphash transaction ID to w.
func writeShortID(w io.Writer, id uint64) error {
	b := [shortIDLen]byte{
		byte(id), byte(id >> 8), byte(id >> 16),
		byte(id >> 24), byte(id >> 32), byte(id >> 40),
	}
	_, err := w.Write(b[:])
	return err
}

// MsgCmpctBlock implements the Message interface and represents a bitcoin
// cmpctblock message.  It is used to relay a block to a peer that has
// negotiated BIP0152 compact block relay without sending the full set of
// transactions, using per-connection short transaction IDs plus any
// transactions the sender chooses to prefill (typically the coinbase).
//
// This message was not added until protocol version ShortIDsBlocksVersion.
type MsgCmpctBlock struct {
	Header        BlockHeader
	Nonce         uint64
	ShortIDs      []uint64
	PrefilledTxns []PrefilledTx
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32, enc MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("cmpctblock message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgCmpctBlock.BtcDecode", str)
	}

	if err := readBlockHeader(r, pver, &msg.Header); err != nil {
		return err
	}

	if err := readElement(r, &msg.Nonce); err != nil {
		return err
	}

	idCount, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if idCount > maxShortIDsPerCmpctBlock {
		str := fmt.Sprintf("too many short ids for message [count %v, "+
			"max %v]", idCount, maxShortIDsPerCmpctBlock)
		return messageError("MsgCmpctBlock.BtcDecode", str)
	}
	msg.ShortIDs = make([]uint64, idCount)
	for i := uint64(0); i < idCount; i++ {
		id, err := readShortID(r)
		if err != nil {
			return err
		}
		msg.ShortIDs[i] = id
	}

	txCount, err := ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if txCount > maxTxPerBlock {
		str := fmt.Sprintf("too many prefilled transactions for message "+
			"[count %v, max %v]", txCount, maxTxPerBlock)
		return messageError("MsgCmpctBlock.BtcDecode", str)
	}
	msg.PrefilledTxns = make([]PrefilledTx, txCount)
	var indexBase uint64
	for i := uint64(0); i < txCount; i++ {
		indexBase, err = readPrefilledTx(r, pver, enc, indexBase, &msg.PrefilledTxns[i])
		if err != nil {
			return err
		}
	}

	return nil
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32, enc MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("cmpctblock message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgCmpctBlock.BtcEncode", str)
	}

	if uint64(len(msg.ShortIDs)) > maxShortIDsPerCmpctBlock {
		str := fmt.Sprintf("too many short ids for message [count %v, "+
			"max %v]", len(msg.ShortIDs), maxShortIDsPerCmpctBlock)
		return messageError("MsgCmpctBlock.BtcEncode", str)
	}
	if uint64(len(msg.PrefilledTxns)) > maxTxPerBlock {
		str := fmt.Sprintf("too many prefilled transactions for message "+
			"[count %v, max %v]", len(msg.PrefilledTxns), maxTxPerBlock)
		return messageError("MsgCmpctBlock.BtcEncode", str)
	}

	if err := writeBlockHeader(w, pver, &msg.Header); err != nil {
		return err
	}

	if err := writeElement(w, msg.Nonce); err != nil {
		return err
	}

	if err := WriteVarInt(w, pver, uint64(len(msg.ShortIDs))); err != nil {
		return err
	}
	for _, id := range msg.ShortIDs {
		if err := writeShortID(w, id); err != nil {
			return err
		}
	}

	if err := WriteVarInt(w, pver, uint64(len(msg.PrefilledTxns))); err != nil {
		return err
	}
	var indexBase uint64
	for i := range msg.PrefilledTxns {
		var err error
		indexBase, err = writePrefilledTx(w, pver, enc, indexBase, &msg.PrefilledTxns[i])
		if err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgCmpctBlock) Command() string {
	return CmdCmpctBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) MaxPayloadLength(pver uint32) uint32 {
	return MaxBlockPayload
}

// NewMsgCmpctBlock returns a new bitcoin cmpctblock message that conforms to
// the Message interface.  See MsgCmpctBlock for details.
func NewMsgCmpctBlock(header *BlockHeader) *MsgCmpctBlock {
	return &MsgCmpctBlock{
		Header:        *header,
		ShortIDs:      make([]uint64, 0),
		PrefilledTxns: make([]PrefilledTx, 0),
	}
}
