// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 70016

	// MultipleAddressVersion is the protocol version which added multiple
	// addresses per message (0.2.9).
	MultipleAddressVersion uint32 = 209

	// NetAddressTimeVersion is the protocol version which added the
	// timestamp field to the network address.
	NetAddressTimeVersion uint32 = 31402

	// BIP0031Version is the protocol version AFTER which a pong message
	// and nonce field in ping were added.
	BIP0031Version uint32 = 60000

	// BIP0035Version is the protocol version which added the mempool
	// message.
	BIP0035Version uint32 = 60002

	// BIP0037Version is the protocol version which added new connection
	// bloom filtering related messages and extended the version message
	// with a relay flag.
	BIP0037Version uint32 = 70001

	// RejectVersion is the protocol version which added the reject
	// message.
	RejectVersion uint32 = 70002

	// FeeFilterVersion is the protocol version which added the
	// feefilter message.
	FeeFilterVersion uint32 = 70013

	// AddrV2Version is the protocol version which added the addrv2 and
	// sendaddrv2 messages.
	AddrV2Version uint32 = 70016

	// SendHeadersVersion is the protocol version which added the
	// sendheaders message and started preferring to announce blocks via
	// headers rather than inv.
	SendHeadersVersion uint32 = 70012

	// NodeCFVersion is the protocol version which added the compact
	// filter (BIP0157/BIP0158) messages.
	NodeCFVersion uint32 = 70015

	// WitnessVersion is the protocol version which added SegWit support.
	WitnessVersion uint32 = 70012

	// WTxIdRelayVersion is the protocol version which allows a peer to
	// negotiate transaction relay by wtxid via the wtxidrelay message,
	// which must be sent before the version handshake completes.
	WTxIdRelayVersion uint32 = 70016

	// ShortIDsBlocksVersion is the protocol version which added the
	// sendcmpct, cmpctblock, getblocktxn and blocktxn messages used for
	// BIP0152 compact block relay.
	ShortIDsBlocksVersion uint32 = 70014
)

// ServiceFlag identifies services supported by a peer.
type ServiceFlag uint64

const (
	// SFNodeNetwork is a flag used to indicate a peer is a full node.
	SFNodeNetwork ServiceFlag = 1 << iota

	// SFNodeGetUTXO is a flag used to indicate a peer supports the
	// unsupported getutxo service.
	SFNodeGetUTXO

	// SFNodeBloom is a flag used to indicate a peer supports bloom
	// filtering.
	SFNodeBloom

	// SFNodeWitness is a flag used to indicate a peer supports blocks
	// and transactions including witness data (SegWit).
	SFNodeWitness

	// SFNodeXthin is a flag used to indicate a peer supports xthin blocks.
	SFNodeXthin

	// SFNodeCompactFilters is a flag used to indicate a peer supports
	// serving compact filters (BIP157/BIP158) starting from genesis.
	SFNodeCompactFilters

	// SFNodeNetworkLimited is a flag used to indicate a peer supports a
	// limited version of the network, only serving the last 288 blocks.
	SFNodeNetworkLimited
)

// Map of service flags back to their constant names for pretty printing.
var sfStrings = map[ServiceFlag]string{
	SFNodeNetwork:        "SFNodeNetwork",
	SFNodeGetUTXO:        "SFNodeGetUTXO",
	SFNodeBloom:          "SFNodeBloom",
	SFNodeWitness:        "SFNodeWitness",
	SFNodeXthin:          "SFNodeXthin",
	SFNodeCompactFilters: "SFNodeCompactFilters",
	SFNodeNetworkLimited: "SFNodeNetworkLimited",
}

// orderedSFStrings is an ordered list of service flags from highest to
// lowest.
var orderedSFStrings = []ServiceFlag{
	SFNodeNetwork,
	SFNodeGetUTXO,
	SFNodeBloom,
	SFNodeWitness,
	SFNodeXthin,
	SFNodeCompactFilters,
	SFNodeNetworkLimited,
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	if f == 0 {
		return "0x0"
	}

	s := ""
	for _, flag := range orderedSFStrings {
		if f&flag == flag {
			s += sfStrings[flag] + "|"
			f -= flag
		}
	}

	s = strings.TrimRight(s, "|")
	if f != 0 {
		s += "|0x" + strconv.FormatUint(uint64(f), 16)
	}
	s = strings.TrimLeft(s, "|")
	return s
}

// BitcoinNet represents which bitcoin network a message belongs to.
type BitcoinNet uint32

// Constants used to indicate the message bitcoin network. They can also be
// used to seek to the next message when a stream's state is unknown, but
// this package does not provide that functionality since it's generally a
// better idea to simply disconnect clients that are misbehaving over TCP.
const (
	// MainNet represents the main bitcoin network.
	MainNet BitcoinNet = 0xd9b4bef9

	// TestNet represents the regression test network.
	TestNet BitcoinNet = 0xdab5bffa

	// TestNet3 represents the test network (version 3).
	TestNet3 BitcoinNet = 0x0709110b

	// SimNet represents the simulation test network.
	SimNet BitcoinNet = 0x12141c16

	// SigNet represents the public signet.
	SigNet BitcoinNet = 0x0a03cf40
)

// bnStrings is a map of bitcoin networks back to their constant names for
// pretty printing.
var bnStrings = map[BitcoinNet]string{
	MainNet:  "MainNet",
	TestNet:  "TestNet",
	TestNet3: "TestNet3",
	SimNet:   "SimNet",
	SigNet:   "SigNet",
}

// String returns the BitcoinNet in human-readable form.
func (n BitcoinNet) String() string {
	if s, ok := bnStrings[n]; ok {
		return s
	}

	return fmt.Sprintf("Unknown BitcoinNet (%d)", uint32(n))
}
