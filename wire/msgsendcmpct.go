// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
)

// MsgSendCmpct implements the Message interface and represents a bitcoin
// sendcmpct message.  It is used to signal support for and negotiate the
// terms of BIP0152 compact block relay with a peer.
//
// This message was not added until protocol version ShortIDsBlocksVersion.
type MsgSendCmpct struct {
	// AnnounceTxs indicates whether the sender wants the receiver to
	// announce new blocks via a cmpctblock message rather than the
	// classic inv/headers announcement.
	AnnounceTxs bool

	// Version is the compact block relay version the sender is willing
	// to use.  Only version 1 is currently defined.
	Version uint64
}

// BtcDecode decodes r using the bitcoin protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcDecode(r io.Reader, pver uint32, _ MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("sendcmpct message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgSendCmpct.BtcDecode", str)
	}

	return readElements(r, &msg.AnnounceTxs, &msg.Version)
}

// BtcEncode encodes the receiver to w using the bitcoin protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcEncode(w io.Writer, pver uint32, _ MessageEncoding) error {
	if pver < ShortIDsBlocksVersion {
		str := fmt.Sprintf("sendcmpct message invalid for protocol "+
			"version %d", pver)
		return messageError("MsgSendCmpct.BtcEncode", str)
	}

	return writeElements(w, msg.AnnounceTxs, msg.Version)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgSendCmpct) Command() string {
	return CmdSendCmpct
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSendCmpct) MaxPayloadLength(pver uint32) uint32 {
	// 1 byte announce flag + 8 byte version.
	return 9
}

// NewMsgSendCmpct returns a new bitcoin sendcmpct message that conforms to
// the Message interface.  See MsgSendCmpct for details.
func NewMsgSendCmpct(announceTxs bool, version uint64) *MsgSendCmpct {
	return &MsgSendCmpct{
		AnnounceTxs: announceTxs,
		Version:     version,
	}
}
