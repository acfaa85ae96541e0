// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	mrand "math/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd-p2pcore/wire"
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is succesfull.
type OnSeed func(addrs []*wire.NetAddress)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(string) ([]net.IP, error)

// SeedFromDNS uses DNS seeding to populate the address manager with peers.
// defaultPort is used for every address resolved from seeders, since DNS
// seed results carry no port information of their own.
func SeedFromDNS(seeders []string, defaultPort uint16, lookupFn LookupFunc, seedFn OnSeed) {
	for _, seeder := range seeders {
		go func(seeder string) {
			randSource := mrand.New(mrand.NewSource(time.Now().UnixNano()))

			seedpeers, err := lookupFn(seeder)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", seeder, err)
				return
			}
			numPeers := len(seedpeers)

			log.Infof("%d addresses found from DNS seed %s", numPeers, seeder)

			if numPeers == 0 {
				return
			}
			addresses := make([]*wire.NetAddress, len(seedpeers))
			for i, peer := range seedpeers {
				// bitcoind seeds with addresses from a time
				// randomly selected between 3 and 7 days ago.
				timestamp := time.Now().Add(-1 * time.Second *
					time.Duration(secondsIn3Days+randSource.Int31n(secondsIn4Days)))
				addresses[i] = wire.NewNetAddressTimestamp(
					timestamp, 0, peer, defaultPort)
			}

			seedFn(addresses)
		}(seeder)
	}
}

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	secondsIn3Days int32 = 24 * 60 * 60 * 3
	secondsIn4Days int32 = 24 * 60 * 60 * 4
)
