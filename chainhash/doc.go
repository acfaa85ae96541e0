// Package chainhash defines the hash functions used.
//
// This package provides a wrapper around the hash function used.  This is
// designed to isolate the code that needs to be changed to support coins
// with different hash functions (i.e, bitcoin vs decred).
package chainhash
