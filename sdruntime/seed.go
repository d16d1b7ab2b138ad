package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

// Randomness is the deterministic random-generation context for a seeded request.
// It is scoped to the device the pipeline is bound to, so the same seed on
// different devices yields independent streams (as device generators do).
type Randomness struct {
	Seed   int64
	Device Device
}

// NewRandomness derives the randomness context for seed on device.
func NewRandomness(seed int64, device Device) *Randomness {
	return &Randomness{Seed: seed, Device: device}
}

// Source returns a fresh PRNG positioned at the start of the stream.
// Every call returns an identical sequence for the same Randomness.
func (r *Randomness) Source() *mrand.Rand {
	return mrand.New(mrand.NewPCG(uint64(r.Seed), uint64(r.Device)+1))
}

// RandomSeed generates a non-negative seed from crypto/rand.
// Used by backends that need an explicit seed value for unseeded requests.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is extremely rare; fall back rather than panic
		return mrand.Int64()
	}

	// Clear the sign bit so the result is always non-negative
	return int64(binary.LittleEndian.Uint64(buf[:]) &^ (1 << 63))
}
