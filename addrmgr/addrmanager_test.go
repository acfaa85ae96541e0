// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd-p2pcore/wire"
)

// naTest is used to describe a test to be performed against the
// NetAddressKey function.
type naTest struct {
	in   *wire.NetAddressV2
	want string
}

// naTests houses all of the tests to be performed against the NetAddressKey
// function.
var naTests = make([]naTest, 0)

func addNaTests() {
	// IPv4
	addNaTest("127.0.0.1", 8333, "127.0.0.1:8333")
	addNaTest("127.0.0.1", 8334, "127.0.0.1:8334")

	addNaTest("1.0.0.1", 8333, "1.0.0.1:8333")
	addNaTest("2.2.2.2", 8334, "2.2.2.2:8334")
	addNaTest("27.253.252.251", 8335, "27.253.252.251:8335")
	addNaTest("123.3.2.1", 8336, "123.3.2.1:8336")

	addNaTest("10.0.0.1", 8333, "10.0.0.1:8333")
	addNaTest("10.1.1.1", 8334, "10.1.1.1:8334")
	addNaTest("10.2.2.2", 8335, "10.2.2.2:8335")
	addNaTest("10.10.10.10", 8336, "10.10.10.10:8336")

	addNaTest("192.168.0.1", 8333, "192.168.0.1:8333")
	addNaTest("192.168.192.192", 8336, "192.168.192.192:8336")

	// IPv6
	addNaTest("::1", 8333, "[::1]:8333")
	addNaTest("fe80::1", 8334, "[fe80::1]:8334")
	addNaTest("fe80::1:1", 8333, "[fe80::1:1]:8333")
	addNaTest("2001:470::1", 8335, "[2001:470::1]:8335")
}

func addNaTest(ip string, port uint16, want string) {
	nip := net.ParseIP(ip)
	var addrBytes []byte
	if v4 := nip.To4(); v4 != nil {
		addrBytes = v4
	} else {
		addrBytes = nip.To16()
	}
	na := wire.NetAddressV2FromBytes(time.Now(), wire.SFNodeNetwork, addrBytes, port)
	naTests = append(naTests, naTest{na, want})
}

func lookupFunc(host string) ([]net.IP, error) {
	return nil, errors.New("not implemented")
}

func naFromIP(ip string) *wire.NetAddressV2 {
	nip := net.ParseIP(ip)
	var addrBytes []byte
	if v4 := nip.To4(); v4 != nil {
		addrBytes = v4
	} else {
		addrBytes = nip.To16()
	}
	return wire.NetAddressV2FromBytes(time.Now(), wire.SFNodeNetwork, addrBytes, 0)
}

func TestAddLocalAddress(t *testing.T) {
	var tests = []struct {
		address string
		valid   bool
	}{
		{"192.168.0.100", false},
		{"204.124.1.1", true},
		{"::1", false},
		{"fe80::1", false},
		{"2620:100::1", true},
	}
	amgr := New("", nil)
	for x, test := range tests {
		result := amgr.AddLocalAddress(naFromIP(test.address), InterfacePrio)
		if result == nil && !test.valid {
			t.Errorf("TestAddLocalAddress test #%d failed: %s should have "+
				"been rejected", x, test.address)
			continue
		}
		if result != nil && test.valid {
			t.Errorf("TestAddLocalAddress test #%d failed: %s should not have "+
				"been rejected", x, test.address)
			continue
		}
	}
}

func TestGetAddress(t *testing.T) {
	n := New("testdir", lookupFunc)
	if rv := n.GetAddress(); rv != nil {
		t.Errorf("GetAddress failed: got: %v want: %v\n", rv, nil)
	}
}

func TestGetBestLocalAddress(t *testing.T) {
	localAddrs := []string{
		"192.168.0.100",
		"::1",
		"fe80::1",
		"2001:470::1",
	}

	var tests = []struct {
		remoteAddr string
		want1      string
		want2      string
	}{
		{
			// Remote connection from public IPv4
			"204.124.8.1",
			net.IPv4zero.String(),
			"204.124.8.100",
		},
		{
			// Remote connection from private IPv4
			"172.16.0.254",
			net.IPv4zero.String(),
			net.IPv4zero.String(),
		},
		{
			// Remote connection from public IPv6
			"2602:100:abcd::102",
			"2001:470::1",
			"2001:470::1",
		},
	}

	amgr := New("", nil)
	for _, localAddr := range localAddrs {
		amgr.AddLocalAddress(naFromIP(localAddr), InterfacePrio)
	}

	// Test against want1.
	for x, test := range tests {
		got := amgr.GetBestLocalAddress(naFromIP(test.remoteAddr))
		gotLegacy := got.ToLegacy()
		if gotLegacy == nil || !net.ParseIP(test.want1).Equal(gotLegacy.IP) {
			t.Errorf("TestGetBestLocalAddress test1 #%d failed for remote address %s: want %s got %v",
				x, test.remoteAddr, test.want1, got.Addr)
			continue
		}
	}

	// Add a public IP to the list of local addresses.
	amgr.AddLocalAddress(naFromIP("204.124.8.100"), InterfacePrio)

	// Test against want2.
	for x, test := range tests {
		got := amgr.GetBestLocalAddress(naFromIP(test.remoteAddr))
		gotLegacy := got.ToLegacy()
		if gotLegacy == nil || !net.ParseIP(test.want2).Equal(gotLegacy.IP) {
			t.Errorf("TestGetBestLocalAddress test2 #%d failed for remote address %s: want %s got %v",
				x, test.remoteAddr, test.want2, got.Addr)
			continue
		}
	}
}

func TestNetAddressKey(t *testing.T) {
	addNaTests()

	t.Logf("Running %d tests", len(naTests))
	for i, test := range naTests {
		key := NetAddressKey(test.in)
		if key != test.want {
			t.Errorf("NetAddressKey #%d\n got: %s want: %s", i, key, test.want)
			continue
		}
	}
}
