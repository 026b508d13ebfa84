package repo

import (
	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/hash"
)

func hashOf(chunk []byte) types.Hash20 {
	return hash.Sum20(chunk)
}
