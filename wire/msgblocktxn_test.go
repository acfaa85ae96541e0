// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

// TestBlockTxnLatest tests the MsgBlockTxn API against the latest protocol
// version.
func TestBlockTxnLatest(t *testing.T) {
	pver := ProtocolVersion

	tx := NewMsgTx(TxVersion)
	tx.AddTxOut(NewTxOut(5000000000, []byte{0x51}))
	hash := mainNetGenesisHash
	msg := NewMsgBlockTxn(hash, []*MsgTx{tx})

	if msg.BlockHash != hash {
		t.Errorf("NewMsgBlockTxn: wrong BlockHash - got %v, want %v",
			msg.BlockHash, hash)
	}

	wantCmd := "blocktxn"
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgBlockTxn: wrong command - got %v want %v",
			cmd, wantCmd)
	}

	wantPayload := uint32(4000000)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, pver, BaseEncoding); err != nil {
		t.Errorf("encode of MsgBlockTxn failed %v err <%v>", msg, err)
	}

	var readmsg MsgBlockTxn
	if err := readmsg.BtcDecode(&buf, pver, BaseEncoding); err != nil {
		t.Errorf("decode of MsgBlockTxn failed [%v] err <%v>", buf, err)
	}

	if !reflect.DeepEqual(msg, &readmsg) {
		t.Errorf("Should get same message for protocol version %d\n"+
			"got: %s want: %s", pver, spew.Sdump(&readmsg), spew.Sdump(msg))
	}
}

// TestBlockTxnWireErrors tests that a blocktxn message is rejected for
// protocol versions predating ShortIDsBlocksVersion.
func TestBlockTxnWireErrors(t *testing.T) {
	pver := ShortIDsBlocksVersion - 1
	msg := NewMsgBlockTxn(mainNetGenesisHash, nil)

	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, pver, BaseEncoding); err == nil {
		t.Errorf("BtcEncode: expected error for protocol version %d", pver)
	}

	if err := msg.BtcDecode(&buf, pver, BaseEncoding); err == nil {
		t.Errorf("BtcDecode: expected error for protocol version %d", pver)
	}
}

// TestBlockTxnOverflowErrors tests that too many transactions is rejected.
func TestBlockTxnOverflowErrors(t *testing.T) {
	pver := ProtocolVersion

	msg := &MsgBlockTxn{
		BlockHash:    mainNetGenesisHash,
		Transactions: make([]*MsgTx, maxTxPerBlock+1),
	}

	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, pver, BaseEncoding); err == nil {
		t.Errorf("BtcEncode: expected error for too many transactions")
	}
}
