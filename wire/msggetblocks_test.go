// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd-p2pcore/chainhash"
	"github.com/davecgh/go-spew/spew"
)

// TestGetBlocks tests the MsgGetBlocks API.
func TestGetBlocks(t *testing.T) {
	pver := ProtocolVersion

	// Block 99500 hash.
	hashStr := "000000000002e7ad7b9eef9479e4aabc65cb831269cc20d2632c13684406dee"
	hashStop, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}

	wantCmd := "getblocks"
	msg := NewMsgGetBlocks(hashStop)
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgGetBlocks: wrong command - got %v want %v", cmd, wantCmd)
	}

	wantPayload := uint32(16045)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	hash := chainhash.Hash{}
	if err := msg.AddBlockLocatorHash(&hash); err != nil {
		t.Errorf("AddBlockLocatorHash: %v", err)
	}
	if msg.BlockLocatorHashes[0] != &hash {
		t.Errorf("AddBlockLocatorHash: wrong hash added")
	}

	var addErr error
	for i := 0; i < MaxBlockLocatorsPerMsg; i++ {
		addErr = msg.AddBlockLocatorHash(&hash)
	}
	if addErr == nil {
		t.Errorf("AddBlockLocatorHash: expected error on too many " +
			"block locator hashes not received")
	}
}

// TestGetBlocksWire tests the MsgGetBlocks wire encode and decode.
func TestGetBlocksWire(t *testing.T) {
	hashStr := "000000000002e7ad7b9eef9479e4aabc65cb831269cc20d2632c13684406dee"
	hashStop, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}

	hashLocator := mainNetGenesisHash

	noLocators := NewMsgGetBlocks(hashStop)
	noLocators.ProtocolVersion = 60002

	withLocator := NewMsgGetBlocks(hashStop)
	withLocator.ProtocolVersion = 60002
	withLocator.AddBlockLocatorHash(&hashLocator)

	tests := []struct {
		in   *MsgGetBlocks
		out  *MsgGetBlocks
		pver uint32
		enc  MessageEncoding
	}{
		{noLocators, noLocators, ProtocolVersion, BaseEncoding},
		{withLocator, withLocator, ProtocolVersion, BaseEncoding},
	}

	for i, test := range tests {
		var buf bytes.Buffer
		if err := test.in.BtcEncode(&buf, test.pver, test.enc); err != nil {
			t.Errorf("BtcEncode #%d error %v", i, err)
			continue
		}

		var msg MsgGetBlocks
		rbuf := bytes.NewReader(buf.Bytes())
		if err := msg.BtcDecode(rbuf, test.pver, test.enc); err != nil {
			t.Errorf("BtcDecode #%d error %v", i, err)
			continue
		}
		if !reflect.DeepEqual(&msg, test.out) {
			t.Errorf("BtcDecode #%d\n got: %s want: %s", i,
				spew.Sdump(&msg), spew.Sdump(test.out))
		}
	}
}

// TestGetBlocksWireErrors tests the MsgGetBlocks wire error cases.
func TestGetBlocksWireErrors(t *testing.T) {
	hashStr := "000000000002e7ad7b9eef9479e4aabc65cb831269cc20d2632c13684406dee"
	hashStop, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}

	tooMany := NewMsgGetBlocks(hashStop)
	tooMany.BlockLocatorHashes = make([]*chainhash.Hash, MaxBlockLocatorsPerMsg+1)
	for i := range tooMany.BlockLocatorHashes {
		tooMany.BlockLocatorHashes[i] = &mainNetGenesisHash
	}

	var buf bytes.Buffer
	if err := tooMany.BtcEncode(&buf, ProtocolVersion, BaseEncoding); err == nil {
		t.Error("BtcEncode: expected error for too many locator hashes")
	}

	// Decode side: too many locators encoded directly.
	var raw bytes.Buffer
	if err := writeElement(&raw, ProtocolVersion); err != nil {
		t.Fatalf("writeElement: %v", err)
	}
	if err := WriteVarInt(&raw, ProtocolVersion, MaxBlockLocatorsPerMsg+1); err != nil {
		t.Fatalf("WriteVarInt: %v", err)
	}

	var msg MsgGetBlocks
	if err := msg.BtcDecode(bytes.NewReader(raw.Bytes()), ProtocolVersion, BaseEncoding); err == nil {
		t.Error("BtcDecode: expected error for too many locator hashes")
	}
}
