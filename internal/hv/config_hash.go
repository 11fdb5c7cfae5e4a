package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// LayoutHash identifies a board layout. Traces and device trees produced by
// boards with the same hash describe the same addresses and lines.
type LayoutHash [32]byte

// RegionConfig captures one device window for hashing.
type RegionConfig struct {
	Name    string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// ComputeLayoutHash hashes the RAM window and the device regions in order.
func ComputeLayoutHash(ramBase, ramSize uint64, regions []RegionConfig) LayoutHash {
	h := sha256.New()

	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(ramBase)
	put(ramSize)

	for _, r := range regions {
		h.Write([]byte(r.Name))
		h.Write([]byte{0})
		put(r.Base)
		put(r.Size)
		put(uint64(r.IRQLine))
	}

	var out LayoutHash
	copy(out[:], h.Sum(nil))
	return out
}

func (h LayoutHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex digits.
func (h LayoutHash) Short() string {
	return h.String()[:12]
}
