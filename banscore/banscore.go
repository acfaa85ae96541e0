// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package banscore tracks per-peer misbehavior and the local set of
// addresses that have crossed the discouragement threshold.
package banscore

import (
	"fmt"
	"sync"
)

// DiscourageThreshold is the score at which a peer is marked for
// disconnection and added to the local discouragement filter.
const DiscourageThreshold = 100

// Score is a monotonically increasing misbehavior counter. Unlike the
// decaying dual persistent/transient score used elsewhere in the ecosystem,
// points here never age out: once a peer misbehaves, that weighs against it
// for the rest of the connection.
//
// The zero value is ready for use.
type Score struct {
	mtx    sync.Mutex
	points uint32
}

// Increase adds points to the score and returns the resulting total.
//
// This function is safe for concurrent access.
func (s *Score) Increase(points uint32) uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.points += points
	return s.points
}

// Int returns the current score.
//
// This function is safe for concurrent access.
func (s *Score) Int() uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.points
}

// Reset sets the score back to zero.
//
// This function is safe for concurrent access.
func (s *Score) Reset() {
	s.mtx.Lock()
	s.points = 0
	s.mtx.Unlock()
}

// ShouldDiscourage reports whether the score has crossed
// DiscourageThreshold.
//
// This function is safe for concurrent access.
func (s *Score) ShouldDiscourage() bool {
	return s.Int() >= DiscourageThreshold
}

// String returns the ban score as a human-readable string.
func (s *Score) String() string {
	return fmt.Sprintf("%d/%d", s.Int(), DiscourageThreshold)
}

// Filter is the local record of addresses that have been discouraged or
// outright banned. It has no expiry sweep of its own; discouragement is
// permanent for the process lifetime, matching the "local discouragement
// filter" the invariants describe, while explicit bans carry their own
// expiry and are swept lazily on lookup.
type Filter struct {
	mtx         sync.Mutex
	discouraged map[string]struct{}
	banned      map[string]int64
	now         func() int64
}

// NewFilter returns an empty Filter. now supplies the current Unix time and
// exists so tests can control expiry without sleeping.
func NewFilter(now func() int64) *Filter {
	return &Filter{
		discouraged: make(map[string]struct{}),
		banned:      make(map[string]int64),
		now:         now,
	}
}

// Discourage adds addr to the local discouragement filter.
func (f *Filter) Discourage(addr string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.discouraged[addr] = struct{}{}
}

// IsDiscouraged reports whether addr has previously been discouraged.
func (f *Filter) IsDiscouraged(addr string) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	_, ok := f.discouraged[addr]
	return ok
}

// Ban adds addr to the ban list until the given Unix expiry time.
func (f *Filter) Ban(addr string, expiresUnix int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.banned[addr] = expiresUnix
}

// IsBanned reports whether addr is currently under an unexpired ban,
// sweeping it from the list if the ban has lapsed.
func (f *Filter) IsBanned(addr string) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	expires, ok := f.banned[addr]
	if !ok {
		return false
	}
	if f.now() >= expires {
		delete(f.banned, addr)
		return false
	}
	return true
}
