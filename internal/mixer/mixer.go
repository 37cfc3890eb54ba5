// Package mixer provides the deterministic 128-bit hash mixer used
// throughout the sHLL engine. Only the low 64 bits of the mix are ever
// consumed downstream.
package mixer

import "github.com/spaolacci/murmur3"

// Hash mixes an arbitrary byte key into a 64-bit value via the low 64
// bits of a 128-bit MurmurHash3 digest, seeded with the library's
// fixed default seed (never varied per-set, since the persisted
// register format depends on stable hashing). Same input always
// yields the same output; there are no cryptographic guarantees.
func Hash(key []byte) uint64 {
	_, lo := murmur3.Sum128(key)
	return lo
}

// HashString is a convenience wrapper avoiding a string->[]byte copy
// at call sites that already hold a string.
func HashString(key string) uint64 {
	return Hash([]byte(key))
}
