// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"net"
)

// DnsDiscover looks up the list of peers resolved by DNS for the given seed
// host.
func DnsDiscover(seeder string) ([]net.IP, error) {
	peers, err := Lookup(seeder)
	if err != nil {
		return nil, err
	}

	return peers, nil
}
