// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	crand "crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd-p2pcore/wire"
	"github.com/dchest/siphash"
)

// peersFilename is the default filename to store serialized peers.
const peersFilename = "peers.json"

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the network.
type AddrManager struct {
	mtx sync.Mutex

	peersStore *Store
	lookupFunc func(string) ([]net.IP, error)
	rand       *rand.Rand
	key        [32]byte

	addrIndex map[string]*KnownAddress
	addrNew   [newBucketCount]map[string]*KnownAddress
	addrTried [triedBucketCount][]*KnownAddress

	// triedCollisions tracks tried-bucket slots contested between their
	// current occupant and a challenger that arrived while the bucket was
	// full, keyed by the challenger's address key. ResolveCollisions
	// settles each one once the incumbent has had a chance to be
	// retested.
	triedCollisions map[string]triedCollision

	addrChanged bool
	started     int32
	shutdown    int32

	wg   sync.WaitGroup
	quit chan struct{}

	nTried int
	nNew   int

	lamtx          sync.Mutex
	localAddresses map[string]*localAddress

	getTriedBucket func(netAddr *wire.NetAddressV2) int
	getNewBucket   func(netAddr, srcAddr *wire.NetAddressV2) int

	triedBucketSize int

	// version controls whether savePeers persists the services bitfield
	// for each address (version 2) or omits it for backward compatibility
	// with older peers files (version 1).
	version int
}

// serializedKnownAddress is the serializable state of a known address. It
// excludes convenience fields that can be derived from the address manager's
// state.
type serializedKnownAddress struct {
	Addr        string
	Src         string
	Attempts    int
	TimeStamp   int64
	LastAttempt int64
	LastSuccess int64
	Services    wire.ServiceFlag `json:",omitempty"`
}

// serializedAddrManager is the serializable state of an address manager
// instance.
type serializedAddrManager struct {
	Version      int
	Key          [32]byte
	Addresses    []*serializedKnownAddress
	NewBuckets   [newBucketCount][]string
	TriedBuckets [triedBucketCount][]string
}

type localAddress struct {
	na    *wire.NetAddressV2
	score AddressPriority
}

// LocalAddr represents network address information for a local address.
type LocalAddr struct {
	Address string
	Port    uint16
	Score   int32
}

// AddressPriority describes the hierarchy of local address discovery
// methods.
type AddressPriority int

const (
	// InterfacePrio signifies the address is on a local interface.
	InterfacePrio AddressPriority = iota

	// BoundPrio signifies the address has been explicitly bound to.
	BoundPrio

	// UpnpPrio signifies the address was obtained from UPnP.
	UpnpPrio

	// HTTPPrio signifies the address was obtained from an external HTTP
	// service.
	HTTPPrio

	// ManualPrio signifies the address was provided by the operator.
	ManualPrio
)

const (
	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address cache
	// to disk for future use.
	dumpAddressInterval = time.Minute * 10

	// resolveCollisionsInterval is how often staged tried-bucket
	// collisions are reconsidered. It is longer than dumpAddressInterval
	// so an incumbent flagged by a collision gets a realistic chance at a
	// feeler reconnection before ResolveCollisions judges it.
	resolveCollisionsInterval = time.Minute * 15

	// defaultTriedBucketSize is the default value for the maximum number
	// of addresses in each tried address bucket.
	defaultTriedBucketSize = 256

	// triedBucketCount is the number of buckets tried addresses are split
	// over.
	triedBucketCount = 64

	// newBucketSize is the maximum number of addresses in each new
	// address bucket.
	newBucketSize = 64

	// newBucketCount is the number of buckets new addresses are spread
	// over.
	newBucketCount = 1024

	// triedBucketsPerGroup is the number of tried buckets over which an
	// address group is spread.
	triedBucketsPerGroup = 8

	// newBucketsPerGroup is the number of new buckets over which a source
	// address group is spread.
	newBucketsPerGroup = 64

	// newBucketsPerAddress is the number of buckets a frequently seen new
	// address may end up in.
	newBucketsPerAddress = 8

	// getKnownAddressLimit is the maximum number of known addresses
	// returned from a single call to AddressCache.
	getKnownAddressLimit = 2500

	// getKnownAddressPercentage is the percentage of known addresses
	// returned from AddressCache.
	getKnownAddressPercentage = 23

	// serializationVersion is the on-disk format version written by
	// current code.  Older peers files without a services field are
	// still readable and are treated as version 1.
	serializationVersion = 2
)

// updateAddress adds or updates the given address in the manager, weighted by
// the reference count of the address's source.
func (a *AddrManager) updateAddress(netAddr, srcAddr *wire.NetAddressV2) {
	if !routableV2(netAddr) {
		return
	}

	addrKey := NetAddressKey(netAddr)
	ka := a.find(netAddr)
	if ka != nil {
		if netAddr.Timestamp.After(ka.na.Timestamp) ||
			(ka.na.Services&netAddr.Services) != netAddr.Services {

			ka.mtx.Lock()
			naCopy := *ka.na
			naCopy.Timestamp = netAddr.Timestamp
			naCopy.AddService(netAddr.Services)
			ka.na = &naCopy
			ka.mtx.Unlock()
		}

		if ka.tried {
			return
		}

		if ka.refs == newBucketsPerAddress {
			return
		}

		factor := int32(2 * ka.refs)
		if a.rand.Int31n(factor) != 0 {
			return
		}
	} else {
		netAddrCopy := *netAddr
		ka = &KnownAddress{na: &netAddrCopy, srcAddr: srcAddr}
		a.addrIndex[addrKey] = ka
		a.nNew++
		a.addrChanged = true
	}

	bucket := a.getNewBucket(netAddr, srcAddr)
	if _, ok := a.addrNew[bucket][addrKey]; ok {
		return
	}

	if len(a.addrNew[bucket]) >= newBucketSize {
		a.expireNew(bucket)
	}

	ka.refs++
	a.addrNew[bucket][addrKey] = ka
	a.addrChanged = true

	log.Tracef("Added new address %s for a total of %d addresses", addrKey,
		a.nTried+a.nNew)
}

// expireNew makes space in a new bucket by evicting bad entries, or the
// single oldest entry if none are outright bad.
func (a *AddrManager) expireNew(bucket int) {
	var oldest *KnownAddress
	removedBad := false
	for k, v := range a.addrNew[bucket] {
		if v.isBad() {
			delete(a.addrNew[bucket], k)
			a.addrChanged = true
			removedBad = true
			v.refs--
			if v.refs == 0 {
				a.nNew--
				delete(a.addrIndex, k)
			}
			continue
		}
		if oldest == nil || !v.na.Timestamp.After(oldest.na.Timestamp) {
			oldest = v
		}
	}

	if oldest != nil && !removedBad {
		key := NetAddressKey(oldest.na)
		delete(a.addrNew[bucket], key)
		a.addrChanged = true
		oldest.refs--
		if oldest.refs == 0 {
			a.nNew--
			delete(a.addrIndex, key)
		}
	}
}

// triedCollision records a tried-bucket slot contested between its current
// occupant and a challenger address that arrived while the bucket was full.
type triedCollision struct {
	bucket int
	index  int
}

// getOldestAddressIndex returns the index of the oldest address in a tried
// bucket, used when the bucket must be evicted to make room.
func (a *AddrManager) getOldestAddressIndex(bucket int) int {
	var oldest *KnownAddress
	var idx int
	for i, ka := range a.addrTried[bucket] {
		if i == 0 || oldest.na.Timestamp.After(ka.na.Timestamp) {
			oldest = ka
			idx = i
		}
	}
	return idx
}

// siphashKeys splits a 32-byte manager secret into the two 64-bit keys
// siphash.Hash requires, so bucket placement is a keyed MAC rather than a
// hash an outside observer could invert without knowing key.
func siphashKeys(key [32]byte) (k0, k1 uint64) {
	return binary.LittleEndian.Uint64(key[0:8]), binary.LittleEndian.Uint64(key[8:16])
}

// getNewBucket returns a pseudorandom new bucket index for the provided
// addresses.
func getNewBucket(key [32]byte, netAddr, srcAddr *wire.NetAddressV2) int {
	k0, k1 := siphashKeys(key)

	data1 := []byte(groupKeyV2(netAddr))
	data1 = append(data1, []byte(groupKeyV2(srcAddr))...)
	hash64 := siphash.Hash(k0, k1, data1) % newBucketsPerGroup
	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash64)

	data2 := []byte(groupKeyV2(srcAddr))
	data2 = append(data2, hashbuf[:]...)
	return int(siphash.Hash(k0, k1, data2) % newBucketCount)
}

// getTriedBucket returns a pseudorandom tried bucket index for the provided
// address.
func getTriedBucket(key [32]byte, netAddr *wire.NetAddressV2) int {
	k0, k1 := siphashKeys(key)

	data1 := []byte(NetAddressKey(netAddr))
	hash64 := siphash.Hash(k0, k1, data1) % triedBucketsPerGroup
	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash64)

	data2 := []byte(groupKeyV2(netAddr))
	data2 = append(data2, hashbuf[:]...)
	return int(siphash.Hash(k0, k1, data2) % triedBucketCount)
}

// addressHandler is the main handler for periodic peers-file persistence and
// collision resolution. It must be run as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := time.NewTicker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
	resolveCollisionsTicker := time.NewTicker(resolveCollisionsInterval)
	defer resolveCollisionsTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()
		case <-resolveCollisionsTicker.C:
			a.ResolveCollisions()
		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
}

// savePeers persists all known addresses to the peers file.
func (a *AddrManager) savePeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if !a.addrChanged {
		return
	}

	sam := new(serializedAddrManager)
	sam.Version = a.version
	copy(sam.Key[:], a.key[:])

	sam.Addresses = make([]*serializedKnownAddress, len(a.addrIndex))
	i := 0
	for k, v := range a.addrIndex {
		ska := new(serializedKnownAddress)
		ska.Addr = k
		ska.TimeStamp = v.na.Timestamp.Unix()
		ska.Src = NetAddressKey(v.srcAddr)
		ska.Attempts = v.attempts
		ska.LastAttempt = v.lastattempt.Unix()
		ska.LastSuccess = v.lastsuccess.Unix()
		if a.version >= 2 {
			ska.Services = v.na.Services
		}
		sam.Addresses[i] = ska
		i++
	}
	for i := range a.addrNew {
		sam.NewBuckets[i] = make([]string, len(a.addrNew[i]))
		j := 0
		for k := range a.addrNew[i] {
			sam.NewBuckets[i][j] = k
			j++
		}
	}
	for i := range a.addrTried {
		sam.TriedBuckets[i] = make([]string, len(a.addrTried[i]))
		for j, ka := range a.addrTried[i] {
			sam.TriedBuckets[i][j] = NetAddressKey(ka.na)
		}
	}

	w, err := a.peersStore.Writer()
	if err != nil {
		log.Errorf("Error opening file %s: %v", a.peersStore, err)
		return
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(&sam); err != nil {
		log.Errorf("Failed to encode file %s: %v", a.peersStore, err)
		w.Close()
		return
	}
	if err := w.Close(); err != nil {
		log.Errorf("Error closing file %s: %v", a.peersStore, err)
		return
	}
	a.addrChanged = false
}

// loadPeers loads known addresses from the peers file, if any.
func (a *AddrManager) loadPeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	err := a.deserializePeers()
	if err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersStore, err)
		if rerr := a.peersStore.Remove(); rerr != nil {
			log.Warnf("Failed to remove corrupt peers file %s: %v",
				a.peersStore, rerr)
		}
		a.reset()
		return
	}
	log.Infof("Loaded %d addresses from file '%s'", a.numAddresses(), a.peersStore)
}

func (a *AddrManager) deserializePeers() error {
	r, err := a.peersStore.Reader()
	if err == ErrNotExist {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s error opening file: %v", a.peersStore, err)
	}
	defer r.Close()

	var sam serializedAddrManager
	dec := json.NewDecoder(r)
	if err := dec.Decode(&sam); err != nil {
		return fmt.Errorf("error reading %s: %v", a.peersStore, err)
	}

	copy(a.key[:], sam.Key[:])

	for _, v := range sam.Addresses {
		ka := new(KnownAddress)
		ka.na, err = a.DeserializeNetAddress(v.Addr)
		if err != nil {
			return fmt.Errorf("failed to deserialize netaddress %s: %v", v.Addr, err)
		}
		ka.srcAddr, err = a.DeserializeNetAddress(v.Src)
		if err != nil {
			return fmt.Errorf("failed to deserialize netaddress %s: %v", v.Src, err)
		}
		if sam.Version >= 2 {
			ka.na.Services = v.Services
		}
		ka.attempts = v.Attempts
		ka.lastattempt = time.Unix(v.LastAttempt, 0)
		ka.lastsuccess = time.Unix(v.LastSuccess, 0)
		a.addrIndex[NetAddressKey(ka.na)] = ka
	}

	for i := range sam.NewBuckets {
		for _, val := range sam.NewBuckets[i] {
			ka, ok := a.addrIndex[val]
			if !ok {
				return fmt.Errorf("new buckets contains %s but none in address list", val)
			}
			if ka.refs == 0 {
				a.nNew++
			}
			ka.refs++
			a.addrNew[i][val] = ka
		}
	}
	for i := range sam.TriedBuckets {
		for _, val := range sam.TriedBuckets[i] {
			ka, ok := a.addrIndex[val]
			if !ok {
				return fmt.Errorf("tried buckets contains %s but none in address list", val)
			}
			ka.tried = true
			a.nTried++
			a.addrTried[i] = append(a.addrTried[i], ka)
		}
	}

	for k, v := range a.addrIndex {
		if v.refs == 0 && !v.tried {
			return fmt.Errorf("address %s after deserialization with no references", k)
		}
		if v.refs > 0 && v.tried {
			return fmt.Errorf("address %s after deserialization which is both new and tried", k)
		}
	}

	return nil
}

// DeserializeNetAddress converts an address string of the form produced by
// NetAddressKey back into a network address.
func (a *AddrManager) DeserializeNetAddress(addr string) (*wire.NetAddressV2, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	return a.HostToNetAddress(host, uint16(port), wire.SFNodeNetwork)
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.
func (a *AddrManager) Start() {
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting address manager")
	a.loadPeers()

	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager by stopping the main
// handler.
func (a *AddrManager) Stop() error {
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of shutting down")
		return nil
	}

	close(a.quit)
	a.wg.Wait()
	return nil
}

// AddAddresses adds new addresses to the address manager. It enforces a max
// number of addresses and silently ignores duplicates.
func (a *AddrManager) AddAddresses(addrs []*wire.NetAddressV2, srcAddr *wire.NetAddressV2) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, na := range addrs {
		a.updateAddress(na, srcAddr)
	}
}

// AddAddress adds a new address to the address manager. It enforces a max
// number of addresses and silently ignores duplicates.
func (a *AddrManager) AddAddress(addr, srcAddr *wire.NetAddressV2) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.updateAddress(addr, srcAddr)
}

// numAddresses returns the number of addresses known to the manager.
//
// The caller must hold the manager lock (for reads).
func (a *AddrManager) numAddresses() int {
	return a.nTried + a.nNew
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.numAddresses() < needAddressThreshold
}

// getAddresses returns every address known to the manager, including bad
// ones, without shuffling or filtering.
func (a *AddrManager) getAddresses() []*wire.NetAddressV2 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	addrs := make([]*wire.NetAddressV2, 0, len(a.addrIndex))
	for _, v := range a.addrIndex {
		addrs = append(addrs, v.na)
	}
	return addrs
}

// AddressCache returns a randomized subset of the known good addresses.
func (a *AddrManager) AddressCache() []*wire.NetAddressV2 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	addrLen := len(a.addrIndex)
	if addrLen == 0 {
		return nil
	}

	allAddr := make([]*wire.NetAddressV2, 0, addrLen)
	for _, v := range a.addrIndex {
		if v.isBad() {
			continue
		}
		if v.lastsuccess.IsZero() {
			continue
		}
		allAddr = append(allAddr, v.na)
	}

	addrLen = len(allAddr)
	numAddresses := addrLen * getKnownAddressPercentage / 100
	if numAddresses > getKnownAddressLimit {
		numAddresses = getKnownAddressLimit
	}

	for i := 0; i < numAddresses; i++ {
		j := a.rand.Intn(addrLen-i) + i
		allAddr[i], allAddr[j] = allAddr[j], allAddr[i]
	}

	return allAddr[0:numAddresses]
}

// reset reinitializes the random source and allocates fresh bucket storage.
func (a *AddrManager) reset() {
	a.addrIndex = make(map[string]*KnownAddress)
	a.triedCollisions = make(map[string]triedCollision)

	io.ReadFull(crand.Reader, a.key[:])
	for i := range a.addrNew {
		a.addrNew[i] = make(map[string]*KnownAddress)
	}
	for i := range a.addrTried {
		a.addrTried[i] = nil
	}
	a.addrChanged = true
	a.getNewBucket = func(netAddr, srcAddr *wire.NetAddressV2) int {
		return getNewBucket(a.key, netAddr, srcAddr)
	}
	a.getTriedBucket = func(netAddr *wire.NetAddressV2) int {
		return getTriedBucket(a.key, netAddr)
	}
}

// HostToNetAddress parses and returns a network address given a hostname in a
// supported format (IPv4, IPv6, Tor v2, Tor v3). If the hostname cannot be
// parsed directly, it is resolved using the address manager's lookup
// function.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*wire.NetAddressV2, error) {
	if len(host) == wire.TorV2EncodedSize && strings.HasSuffix(host, ".onion") {
		data, err := base32.StdEncoding.DecodeString(strings.ToUpper(host[:16]))
		if err != nil {
			return nil, err
		}
		return wire.NetAddressV2FromBytes(time.Now(), services, data, port), nil
	}
	if len(host) == wire.TorV3EncodedSize && strings.HasSuffix(host, ".onion") {
		data, err := base32.StdEncoding.DecodeString(strings.ToUpper(host[:56]))
		if err != nil {
			return nil, err
		}
		return wire.NetAddressV2FromBytes(time.Now(), services, data[:wire.TorV3Size], port), nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if a.lookupFunc == nil {
			return nil, fmt.Errorf("no lookup function available to resolve %s", host)
		}
		ips, err := a.lookupFunc(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		ip = ips[0]
	}

	if v4 := ip.To4(); v4 != nil {
		return wire.NetAddressV2FromBytes(time.Now(), services, v4, port), nil
	}
	return wire.NetAddressV2FromBytes(time.Now(), services, ip.To16(), port), nil
}

// NetAddressKey returns a string key in the form of host:port uniquely
// identifying the address, suitable for use as a map key.
func NetAddressKey(na *wire.NetAddressV2) string {
	port := strconv.FormatUint(uint64(na.Port), 10)
	return net.JoinHostPort(na.Addr.String(), port)
}

// GetAddress returns a single address that should be routable. It picks a
// random one from the possible addresses with preference given to ones that
// have not been used recently, and should not pick 'close' addresses
// consecutively.
func (a *AddrManager) GetAddress() *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.numAddresses() == 0 {
		return nil
	}

	large := 1 << 30
	factor := 1.0
	if a.nTried > 0 && (a.nNew == 0 || a.rand.Intn(2) == 0) {
		for {
			bucket := a.rand.Intn(len(a.addrTried))
			if len(a.addrTried[bucket]) == 0 {
				continue
			}

			randEntry := a.rand.Intn(len(a.addrTried[bucket]))
			ka := a.addrTried[bucket][randEntry]

			randval := a.rand.Intn(large)
			if float64(randval) < (factor * ka.chance() * float64(large)) {
				return ka
			}
			factor *= 1.2
		}
	}

	for {
		bucket := a.rand.Intn(len(a.addrNew))
		if len(a.addrNew[bucket]) == 0 {
			continue
		}

		var ka *KnownAddress
		nth := a.rand.Intn(len(a.addrNew[bucket]))
		for _, value := range a.addrNew[bucket] {
			if nth == 0 {
				ka = value
			}
			nth--
		}
		randval := a.rand.Intn(large)
		if float64(randval) < (factor * ka.chance() * float64(large)) {
			return ka
		}
		factor *= 1.2
	}
}

func (a *AddrManager) find(addr *wire.NetAddressV2) *KnownAddress {
	return a.addrIndex[NetAddressKey(addr)]
}

// Attempt marks the provided address as having been attempted and updates
// the last attempt time. If the address is unknown an error is returned.
func (a *AddrManager) Attempt(addr *wire.NetAddressV2) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return makeError("Attempt", fmt.Sprintf("address %s not found", NetAddressKey(addr)))
	}

	ka.mtx.Lock()
	ka.attempts++
	ka.lastattempt = time.Now()
	ka.mtx.Unlock()
	return nil
}

// Connected marks the provided address as connected and working at the
// current time. If the address is unknown an error is returned.
func (a *AddrManager) Connected(addr *wire.NetAddressV2) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return makeError("Connected", fmt.Sprintf("address %s not found", NetAddressKey(addr)))
	}

	now := time.Now()
	if now.After(ka.na.Timestamp.Add(time.Minute * 20)) {
		ka.mtx.Lock()
		naCopy := *ka.na
		naCopy.Timestamp = now
		ka.na = &naCopy
		ka.mtx.Unlock()
	}
	return nil
}

// Good marks the provided address as good. This should be called after a
// successful outbound connection and version exchange with a peer. If the
// address is unknown an error is returned.
func (a *AddrManager) Good(addr *wire.NetAddressV2) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return makeError("Good", fmt.Sprintf("address %s not found", NetAddressKey(addr)))
	}

	now := time.Now()
	ka.lastsuccess = now
	ka.lastattempt = now
	ka.attempts = 0

	if ka.tried {
		return nil
	}

	addrKey := NetAddressKey(addr)
	inNew := false
	for i := range a.addrNew {
		if _, ok := a.addrNew[i][addrKey]; ok {
			inNew = true
			break
		}
	}
	if !inNew {
		return makeError("Good", fmt.Sprintf("%s is not marked as a new address", addrKey))
	}

	bucket := a.getTriedBucket(ka.na)

	if len(a.addrTried[bucket]) < a.triedBucketSize {
		a.promoteToTried(ka, addrKey, bucket)
		delete(a.triedCollisions, addrKey)
		return nil
	}

	// The bucket is full. Rather than evict its oldest occupant outright,
	// stage a collision against it; ResolveCollisions decides the outcome
	// once the incumbent has had a chance to be retested.
	a.triedCollisions[addrKey] = triedCollision{
		bucket: bucket,
		index:  a.getOldestAddressIndex(bucket),
	}
	return nil
}

// promoteToTried removes ka from every new bucket referencing it under
// addrKey and moves it into bucket within addrTried. Callers must hold mtx.
func (a *AddrManager) promoteToTried(ka *KnownAddress, addrKey string, bucket int) {
	for i := range a.addrNew {
		if _, ok := a.addrNew[i][addrKey]; ok {
			delete(a.addrNew[i], addrKey)
			ka.refs--
		}
	}
	a.nNew--

	ka.tried = true
	a.addrTried[bucket] = append(a.addrTried[bucket], ka)
	a.nTried++
	a.addrChanged = true
}

// ResolveCollisions settles every staged tried-bucket collision. An
// incumbent that now looks bad (isBad) loses its slot to the challenger and
// is demoted back into a new bucket; a challenger that has itself gone bad
// while waiting is dropped without disturbing the incumbent. Anything that
// is neither clearly good nor clearly bad yet is left staged for another
// round, giving a feeler connection to the incumbent time to settle it.
func (a *AddrManager) ResolveCollisions() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for addrKey, coll := range a.triedCollisions {
		candidate := a.addrIndex[addrKey]
		if candidate == nil || candidate.tried {
			delete(a.triedCollisions, addrKey)
			continue
		}
		if coll.bucket >= len(a.addrTried) || coll.index >= len(a.addrTried[coll.bucket]) {
			delete(a.triedCollisions, addrKey)
			continue
		}
		incumbent := a.addrTried[coll.bucket][coll.index]

		addrNewAvailableIndex := -1
		for i := range a.addrNew {
			if _, ok := a.addrNew[i][addrKey]; ok {
				addrNewAvailableIndex = i
				break
			}
		}
		if addrNewAvailableIndex == -1 {
			delete(a.triedCollisions, addrKey)
			continue
		}

		switch {
		case incumbent.isBad():
			for i := range a.addrNew {
				if _, ok := a.addrNew[i][addrKey]; ok {
					delete(a.addrNew[i], addrKey)
					candidate.refs--
				}
			}
			a.nNew--

			candidate.tried = true
			a.addrTried[coll.bucket][coll.index] = candidate

			newBucket := a.getNewBucket(incumbent.na, incumbent.srcAddr)
			if len(a.addrNew[newBucket]) >= newBucketSize {
				newBucket = addrNewAvailableIndex
			}
			incumbent.tried = false
			incumbent.refs++
			a.nNew++
			a.addrNew[newBucket][NetAddressKey(incumbent.na)] = incumbent
			a.addrChanged = true
			delete(a.triedCollisions, addrKey)

		case candidate.isBad():
			delete(a.triedCollisions, addrKey)

		default:
			// Neither side is provably bad yet; leave it staged.
		}
	}
}

// SetServices sets the services for the provided address. If the address is
// unknown an error is returned.
func (a *AddrManager) SetServices(addr *wire.NetAddressV2, services wire.ServiceFlag) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return makeError("SetServices", fmt.Sprintf("address %s not found", NetAddressKey(addr)))
	}

	if ka.na.Services != services {
		ka.mtx.Lock()
		naCopy := *ka.na
		naCopy.Services = services
		ka.na = &naCopy
		ka.mtx.Unlock()
	}
	return nil
}

// AddLocalAddress adds na to the list of known local addresses to advertise
// with the given priority.
func (a *AddrManager) AddLocalAddress(na *wire.NetAddressV2, priority AddressPriority) error {
	if !routableV2(na) {
		return fmt.Errorf("address %s is not routable", NetAddressKey(na))
	}

	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	key := NetAddressKey(na)
	la, ok := a.localAddresses[key]
	if !ok || la.score < priority {
		if ok {
			la.score = priority + 1
		} else {
			a.localAddresses[key] = &localAddress{na: na, score: priority}
		}
	}
	return nil
}

// HasLocalAddress reports whether the manager has the provided local
// address.
func (a *AddrManager) HasLocalAddress(na *wire.NetAddressV2) bool {
	key := NetAddressKey(na)
	a.lamtx.Lock()
	_, ok := a.localAddresses[key]
	a.lamtx.Unlock()
	return ok
}

// LocalAddresses returns a summary of local address information.
func (a *AddrManager) LocalAddresses() []LocalAddr {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	addrs := make([]LocalAddr, 0, len(a.localAddresses))
	for _, addr := range a.localAddresses {
		addrs = append(addrs, LocalAddr{
			Address: addr.na.Addr.String(),
			Port:    addr.na.Port,
		})
	}
	return addrs
}

// NetAddressReach represents the connection state between two addresses.
type NetAddressReach int

const (
	// Unreachable represents a publicly unreachable connection state.
	Unreachable NetAddressReach = iota

	// Default represents the default connection state between two
	// addresses.
	Default

	// Teredo represents a connection state between two RFC4380 addresses.
	Teredo

	// Ipv6Weak represents a weak IPv6 connection state between two
	// addresses.
	Ipv6Weak

	// Ipv4 represents an IPv4 connection state between two addresses.
	Ipv4

	// Ipv6Strong represents a connection state between two IPv6
	// addresses.
	Ipv6Strong

	// Private represents a connection state between two Tor addresses.
	Private
)

// getReachabilityFrom returns the relative reachability of the provided
// local address to the provided remote address.
func getReachabilityFrom(localAddr, remoteAddr *wire.NetAddressV2) NetAddressReach {
	if !routableV2(remoteAddr) {
		return Unreachable
	}

	if remoteAddr.IsTorV3() {
		if localAddr.IsTorV3() {
			return Private
		}
		return Default
	}

	remoteLegacy := remoteAddr.ToLegacy()
	if remoteLegacy == nil {
		return Unreachable
	}

	if localAddr.IsTorV3() {
		return Default
	}
	localLegacy := localAddr.ToLegacy()
	if localLegacy == nil {
		return Default
	}

	if isOnionCatTor(remoteLegacy.IP) {
		if isOnionCatTor(localLegacy.IP) {
			return Private
		}
		if isRoutable(localLegacy.IP) && isIPv4(localLegacy.IP) {
			return Ipv4
		}
		return Default
	}

	if isRFC4380(remoteLegacy.IP) {
		if !isRoutable(localLegacy.IP) {
			return Default
		}
		if isRFC4380(localLegacy.IP) {
			return Teredo
		}
		if isIPv4(localLegacy.IP) {
			return Ipv4
		}
		return Ipv6Weak
	}

	if isIPv4(remoteLegacy.IP) {
		if isRoutable(localLegacy.IP) && isIPv4(localLegacy.IP) {
			return Ipv4
		}
		return Unreachable
	}

	var tunnelled bool
	if isRFC3964(localLegacy.IP) || isRFC6052(localLegacy.IP) || isRFC6145(localLegacy.IP) {
		tunnelled = true
	}

	if !isRoutable(localLegacy.IP) {
		return Default
	}
	if isRFC4380(localLegacy.IP) {
		return Teredo
	}
	if isIPv4(localLegacy.IP) {
		return Ipv4
	}
	if tunnelled {
		return Ipv6Weak
	}
	return Ipv6Strong
}

// GetBestLocalAddress returns the most appropriate local address to use for
// the given remote address.
func (a *AddrManager) GetBestLocalAddress(remoteAddr *wire.NetAddressV2) *wire.NetAddressV2 {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	bestreach := Default
	var bestscore AddressPriority
	var bestAddress *wire.NetAddressV2
	for _, la := range a.localAddresses {
		reach := getReachabilityFrom(la.na, remoteAddr)
		if reach > bestreach || (reach == bestreach && la.score > bestscore) {
			bestreach = reach
			bestscore = la.score
			bestAddress = la.na
		}
	}

	if bestAddress != nil {
		return bestAddress
	}

	remoteLegacy := remoteAddr.ToLegacy()
	var ip net.IP
	if remoteLegacy == nil || (!isIPv4(remoteLegacy.IP) && !isOnionCatTor(remoteLegacy.IP)) {
		ip = net.IPv6zero
	} else {
		ip = net.IPv4zero
	}
	return wire.NetAddressV2FromBytes(time.Now(), wire.SFNodeNetwork, ip.To16(), 0)
}

// New constructs a new address manager instance. Use Start to begin
// processing asynchronous address updates. The address manager uses
// lookupFunc for necessary DNS lookups.
func New(dataDir string, lookupFunc func(string) ([]net.IP, error)) *AddrManager {
	am := AddrManager{
		peersStore:      NewStore(filepath.Join(dataDir, peersFilename)),
		lookupFunc:      lookupFunc,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:            make(chan struct{}),
		localAddresses:  make(map[string]*localAddress),
		triedBucketSize: defaultTriedBucketSize,
		version:         serializationVersion,
	}
	am.reset()
	return &am
}
