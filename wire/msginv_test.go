// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
)

// TestInv tests the MsgInv API.
func TestInv(t *testing.T) {
	pver := ProtocolVersion

	wantCmd := "inv"
	msg := NewMsgInv()
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgInv: wrong command - got %v want %v", cmd, wantCmd)
	}

	wantPayload := uint32(1800009)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	hash := chainhash.Hash{}
	iv := NewInvVect(InvTypeBlock, &hash)
	if err := msg.AddInvVect(iv); err != nil {
		t.Errorf("AddInvVect: %v", err)
	}
	if msg.InvList[0] != iv {
		t.Errorf("AddInvVect: wrong invvect added")
	}

	var err error
	for i := 0; i < MaxInvPerMsg; i++ {
		err = msg.AddInvVect(iv)
	}
	if err == nil {
		t.Errorf("AddInvVect: expected error on too many inventory " +
			"vectors not received")
	}

	msg2 := NewMsgInvSizeHint(MaxInvPerMsg + 1)
	if cap(msg2.InvList) != MaxInvPerMsg {
		t.Errorf("NewMsgInvSizeHint: wrong cap for size hint - got %v, want %v",
			cap(msg2.InvList), MaxInvPerMsg)
	}
}

// TestInvWire tests the MsgInv wire encode and decode for various numbers
// of inventory vectors and protocol versions.
func TestInvWire(t *testing.T) {
	hashStr := "3264bc2ac36a60840790ba1d475d01367e7c723da941069e9dc"
	blockHash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	iv := NewInvVect(InvTypeBlock, blockHash)

	noInv := NewMsgInv()
	noInvEncoded := []byte{0x00}

	multiInv := NewMsgInv()
	multiInv.AddInvVect(iv)
	multiInvEncoded := []byte{
		0x01,                   // Varint for number of inv vectors
		0x02, 0x00, 0x00, 0x00, // InvTypeBlock
		0xdc, 0xe9, 0x69, 0x10, 0x94, 0xda, 0x23, 0xc7,
		0xe7, 0x67, 0x13, 0xd0, 0x75, 0xd4, 0xa1, 0x0b,
		0x79, 0x40, 0x08, 0xa6, 0x36, 0xac, 0xc2, 0x4b,
		0x26, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	tests := []struct {
		in   *MsgInv
		out  *MsgInv
		buf  []byte
		pver uint32
		enc  MessageEncoding
	}{
		{noInv, noInv, noInvEncoded, ProtocolVersion, BaseEncoding},
		{multiInv, multiInv, multiInvEncoded, ProtocolVersion, BaseEncoding},
	}

	for i, test := range tests {
		var buf bytes.Buffer
		if err := test.in.BtcEncode(&buf, test.pver, test.enc); err != nil {
			t.Errorf("BtcEncode #%d error %v", i, err)
			continue
		}
		if !bytes.Equal(buf.Bytes(), test.buf) {
			t.Errorf("BtcEncode #%d\n got: %x want: %x", i, buf.Bytes(), test.buf)
			continue
		}

		var msg MsgInv
		rbuf := bytes.NewReader(test.buf)
		if err := msg.BtcDecode(rbuf, test.pver, test.enc); err != nil {
			t.Errorf("BtcDecode #%d error %v", i, err)
			continue
		}
		if !reflect.DeepEqual(&msg, test.out) {
			t.Errorf("BtcDecode #%d\n got: %v want: %v", i, msg, test.out)
		}
	}
}
