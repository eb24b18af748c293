// Package rng implements splittable, deterministic pseudo-random keys.
//
// A Key identifies an independent random stream. Keys are derived from
// one another with Split, Next and Fold; the same seed plus the same
// sequence of derivations always yields the same keys, and the draws
// produced from a key (Normal, Perm) are bit-for-bit reproducible.
// There is no shared mutable state: a Key is a value.
package rng

import "math/rand/v2"

// Key is a splittable PRNG key. The zero value is a valid key but
// callers should derive keys from an explicit seed via NewKey.
type Key uint64

// Derivation tags keep Split, Next and Fold streams disjoint.
const (
	tagNext  = 0x01
	tagLeft  = 0x02
	tagRight = 0x03
)

// mix64 is the SplitMix64 finalizer, used as the key derivation function.
func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func derive(k Key, tag uint64) Key {
	return Key(mix64(uint64(k) ^ mix64(tag)))
}

// NewKey creates a root key from an explicit seed.
func NewKey(seed uint64) Key {
	return Key(mix64(seed))
}

// Split derives two statistically independent child keys.
func (k Key) Split() (Key, Key) {
	return derive(k, tagLeft), derive(k, tagRight)
}

// Next derives the successor key, advancing the stream by one.
func (k Key) Next() Key {
	return derive(k, tagNext)
}

// Fold derives a child key tagged by an arbitrary integer, for
// indexing into a family of sub-streams.
func (k Key) Fold(tag uint64) Key {
	return derive(k, 0x10+tag)
}

// source returns a deterministic generator seeded by the key.
func (k Key) source() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(k), mix64(uint64(k))))
}

// Normal returns n independent standard normal float32 draws.
func (k Key) Normal(n int) []float32 {
	r := k.source()
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64())
	}
	return out
}

// NormalFloat64 returns n independent standard normal float64 draws.
// The underlying stream is the same as Normal's, so a float64 consumer
// sees the exact values Normal truncates to float32.
func (k Key) NormalFloat64(n int) []float64 {
	r := k.source()
	out := make([]float64, n)
	for i := range out {
		out[i] = r.NormFloat64()
	}
	return out
}

// Perm returns a deterministic pseudo-random permutation of [0, n).
func (k Key) Perm(n int) []int {
	return k.source().Perm(n)
}
