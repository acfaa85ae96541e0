// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd-p2pcore/wire"
)

const (
	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tries without a single success before we
	// assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 5

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// minChance is the minimum chance an address is given of being
	// selected regardless of how many times it has failed to connect.
	minChance = 0.01
)

// KnownAddress tracks information about a known network address that is used
// to determine how desirable it is to keep in the address manager and to
// pick when a peer address is needed.
//
// The accessor methods, chance and isBad take the KnownAddress' own lock. The
// address manager also reads and updates the fields directly while holding
// its own lock.
type KnownAddress struct {
	mtx         sync.Mutex
	na          *wire.NetAddressV2
	srcAddr     *wire.NetAddressV2
	attempts    int
	lastattempt time.Time
	lastsuccess time.Time
	tried       bool
	refs        int // reference count of new buckets
}

// NetAddress returns the underlying address associated with the known
// address.
func (ka *KnownAddress) NetAddress() *wire.NetAddressV2 {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.na
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.lastattempt
}

// chance returns the selection probability for a known address.  An address
// with no failed attempts starts at 1.0; an attempt within the last ten
// minutes (or one dated in the future) scales that by 0.01, and every failed
// attempt divides it by 1.5, bottoming out at minChance so no address becomes
// permanently unreachable.
func (ka *KnownAddress) chance() float64 {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()

	c := 1.0
	if !ka.lastattempt.IsZero() && time.Since(ka.lastattempt) < 10*time.Minute {
		c *= 0.01
	}

	c /= math.Pow(1.5, float64(ka.attempts))
	return math.Max(c, minChance)
}

// isBad returns true if the address in question has not been tried in the
// last minute and meets one of the following criteria:
//  1. It claims to be from the future
//  2. It hasn't been seen in over a month
//  3. It has failed at least numRetries times and never succeeded
//  4. It has failed maxFailures times in the last minBadDays days
//
// All addresses that meet these criteria are assumed to be worthless and not
// worth keeping hold of.
func (ka *KnownAddress) isBad() bool {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()

	if ka.lastattempt.After(time.Now().Add(-1 * time.Minute)) {
		return false
	}

	// From the future?
	if ka.na.Timestamp.After(time.Now().Add(10 * time.Minute)) {
		return true
	}

	// Over a month old?
	if ka.na.Timestamp.Before(time.Now().Add(-1 * numMissingDays * 24 * time.Hour)) {
		return true
	}

	// Never succeeded?
	if ka.lastsuccess.IsZero() && ka.attempts >= numRetries {
		return true
	}

	// Hasn't succeeded in too long?
	if !ka.lastsuccess.After(time.Now().Add(-1*minBadDays*24*time.Hour)) &&
		ka.attempts >= maxFailures {
		return true
	}

	return false
}
