package hash

import (
	"sync"

	"github.com/zeebo/blake3"
)

// Pool is a global blake3 hasher pool. It is meant to amortize allocations
// of blake3 hashers over time by allowing clients to reuse them.
var pool = &sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// GetHasher will get a blake3 hasher from the pool.
// Consumers are expected to call Reset() on the hasher before putting it back in
// the pool.
func GetHasher() *blake3.Hasher {
	return pool.Get().(*blake3.Hasher)
}

// PutHasher returns the hasher back to the pool.
func PutHasher(hasher *blake3.Hasher) {
	pool.Put(hasher)
}

// Checksum returns the blake3 digest of data. It guards records on disk, never
// anything that goes over the wire.
func Checksum(data ...[]byte) (out [32]byte) {
	h := GetHasher()
	defer func() {
		h.Reset()
		PutHasher(h)
	}()
	for _, d := range data {
		h.Write(d)
	}
	h.Sum(out[:0])
	return out
}
