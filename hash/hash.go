package hash

import (
	"github.com/minio/sha256-simd"

	"github.com/jannickheisch/tinyISP/common/types"
)

const (
	// Size is an alias to minio sha256.Size (32 bytes).
	Size = sha256.Size
)

var (
	// New is an alias to minio sha256.New.
	New = sha256.New
	// Sum is an alias to minio sha256.Sum256.
	Sum = sha256.Sum256
)

// Concat returns the sha256 digest of the concatenation of chunks.
func Concat(chunks ...[]byte) (out types.Hash32) {
	h := New()
	for _, c := range chunks {
		h.Write(c) // never returns an error: https://golang.org/pkg/hash/#Hash
	}
	h.Sum(out[:0])
	return out
}

// Sum20 returns the first 20 bytes of the sha256 digest of the concatenation of chunks.
func Sum20(chunks ...[]byte) types.Hash20 {
	full := Concat(chunks...)
	return types.BytesToHash20(full[:])
}

// DomainPrefix separates tinySSB tags and message ids from other uses of sha256.
const DomainPrefix = "tinyssb-v0"

// Tag derives a demultiplexing tag: the first TagSize bytes of sha256(DomainPrefix ++ seed).
func Tag(seed ...[]byte) types.Tag {
	h := New()
	h.Write([]byte(DomainPrefix))
	for _, s := range seed {
		h.Write(s)
	}
	var full types.Hash32
	h.Sum(full[:0])
	return types.BytesToTag(full[:])
}
