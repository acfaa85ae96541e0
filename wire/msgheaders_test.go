// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

// TestHeaders tests the MsgHeaders API.
func TestHeaders(t *testing.T) {
	pver := ProtocolVersion

	wantCmd := "headers"
	msg := NewMsgHeaders()
	if cmd := msg.Command(); cmd != wantCmd {
		t.Errorf("NewMsgHeaders: wrong command - got %v want %v", cmd, wantCmd)
	}

	wantPayload := uint32(162009)
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload != wantPayload {
		t.Errorf("MaxPayloadLength: wrong max payload length for "+
			"protocol version %d - got %v, want %v", pver,
			maxPayload, wantPayload)
	}

	bh := NewBlockHeader(1, &mainNetGenesisHash, &mainNetGenesisMerkleRoot,
		0x1d00ffff, 0x1e0f3)
	if err := msg.AddBlockHeader(bh); err != nil {
		t.Errorf("AddBlockHeader: %v", err)
	}
	if msg.Headers[0] != bh {
		t.Errorf("AddBlockHeader: wrong header added")
	}

	var err error
	for i := 0; i < MaxBlockHeadersPerMsg; i++ {
		err = msg.AddBlockHeader(bh)
	}
	if err == nil {
		t.Errorf("AddBlockHeader: expected error on too many block " +
			"headers not received")
	}
}

// TestHeadersWire tests the MsgHeaders wire encode and decode.
func TestHeadersWire(t *testing.T) {
	bh := NewBlockHeader(1, &mainNetGenesisHash, &mainNetGenesisMerkleRoot,
		0x1d00ffff, 0x1e0f3)

	noHeaders := NewMsgHeaders()
	noHeadersEncoded := []byte{0x00}

	oneHeader := NewMsgHeaders()
	oneHeader.AddBlockHeader(bh)

	tests := []struct {
		in   *MsgHeaders
		out  *MsgHeaders
		buf  []byte
		pver uint32
		enc  MessageEncoding
	}{
		{noHeaders, noHeaders, noHeadersEncoded, ProtocolVersion, BaseEncoding},
	}

	for i, test := range tests {
		var buf bytes.Buffer
		if err := test.in.BtcEncode(&buf, test.pver, test.enc); err != nil {
			t.Errorf("BtcEncode #%d error %v", i, err)
			continue
		}
		if !bytes.Equal(buf.Bytes(), test.buf) {
			t.Errorf("BtcEncode #%d\n got: %s want: %s", i,
				spew.Sdump(buf.Bytes()), spew.Sdump(test.buf))
			continue
		}

		var msg MsgHeaders
		rbuf := bytes.NewReader(test.buf)
		if err := msg.BtcDecode(rbuf, test.pver, test.enc); err != nil {
			t.Errorf("BtcDecode #%d error %v", i, err)
			continue
		}
		if !reflect.DeepEqual(&msg, test.out) {
			t.Errorf("BtcDecode #%d\n got: %s want: %s", i,
				spew.Sdump(&msg), spew.Sdump(test.out))
		}
	}

	// Round trip a message containing a single header.
	var buf bytes.Buffer
	if err := oneHeader.BtcEncode(&buf, ProtocolVersion, BaseEncoding); err != nil {
		t.Fatalf("BtcEncode: %v", err)
	}

	var decoded MsgHeaders
	if err := decoded.BtcDecode(bytes.NewReader(buf.Bytes()), ProtocolVersion, BaseEncoding); err != nil {
		t.Fatalf("BtcDecode: %v", err)
	}
	if !reflect.DeepEqual(&decoded, oneHeader) {
		t.Errorf("round trip mismatch - got %s want %s",
			spew.Sdump(&decoded), spew.Sdump(oneHeader))
	}
}

// TestHeadersWireErrors tests the MsgHeaders wire error cases.
func TestHeadersWireErrors(t *testing.T) {
	bh := NewBlockHeader(1, &mainNetGenesisHash, &mainNetGenesisMerkleRoot,
		0x1d00ffff, 0x1e0f3)

	// A non-zero transaction count following a header must be rejected.
	var buf bytes.Buffer
	if err := WriteVarInt(&buf, ProtocolVersion, 1); err != nil {
		t.Fatalf("WriteVarInt: %v", err)
	}
	if err := writeBlockHeader(&buf, ProtocolVersion, bh); err != nil {
		t.Fatalf("writeBlockHeader: %v", err)
	}
	if err := WriteVarInt(&buf, ProtocolVersion, 1); err != nil {
		t.Fatalf("WriteVarInt: %v", err)
	}

	var msg MsgHeaders
	if err := msg.BtcDecode(bytes.NewReader(buf.Bytes()), ProtocolVersion, BaseEncoding); err == nil {
		t.Error("BtcDecode: expected error for non-zero transaction count")
	}

	// A header count that exceeds MaxBlockHeadersPerMsg must be rejected.
	var buf2 bytes.Buffer
	if err := WriteVarInt(&buf2, ProtocolVersion, MaxBlockHeadersPerMsg+1); err != nil {
		t.Fatalf("WriteVarInt: %v", err)
	}
	var msg2 MsgHeaders
	if err := msg2.BtcDecode(bytes.NewReader(buf2.Bytes()), ProtocolVersion, BaseEncoding); err == nil {
		t.Error("BtcDecode: expected error for too many headers")
	}
}
