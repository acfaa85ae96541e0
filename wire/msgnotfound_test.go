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

// TestNotFound tests the MsgNotFound API.
func TestNotFound(t *testing.T) {
	pver := ProtocolVersion

	wantCmd := "notfound"
	msg := NewMsgNotFound()
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgNotFound: wrong command - got %v want %v", cmd, wantCmd)
	}

	wantPayload := uint32(1800009)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	hash := chainhash.Hash{}
	iv := NewInvVect(InvTypeTx, &hash)
	if err := msg.AddInvVect(iv); err != nil {
		t.Errorf("AddInvVect: %v", err)
	}
	if msg.InvList[0] != iv {
		t.Errorf("AddInvVect: wrong invvect added")
	}
}

// TestNotFoundWire tests the MsgNotFound wire encode and decode.
func TestNotFoundWire(t *testing.T) {
	hashStr := "d28a3dc7392bf00a9855ee93dd9a81eff82a2c4fe57fbd42cfe71b487accfaf"
	txHash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	iv := NewInvVect(InvTypeTx, txHash)

	noInv := NewMsgNotFound()
	noInvEncoded := []byte{0x00}

	oneInv := NewMsgNotFound()
	oneInv.AddInvVect(iv)

	var buf bytes.Buffer
	if err := oneInv.BtcEncode(&buf, ProtocolVersion, BaseEncoding); err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}

	var decoded MsgNotFound
	if err := decoded.BtcDecode(bytes.NewReader(buf.Bytes()), ProtocolVersion, BaseEncoding); err != nil {
		t.Fatalf("BtcDecode: %v", err)
	}
	if !reflect.DeepEqual(&decoded, oneInv) {
		t.Errorf("round trip mismatch - got %v, want %v", decoded, oneInv)
	}

	var empty bytes.Buffer
	if err := noInv.BtcEncode(&empty, ProtocolVersion, BaseEncoding); err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}
	if !bytes.Equal(empty.Bytes(), noInvEncoded) {
		t.Errorf("BtcEncode empty mismatch - got %x want %x", empty.Bytes(), noInvEncoded)
	}
}
