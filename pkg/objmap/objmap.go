// Package objmap maps block numbers to the KV keys under which blocks are
// stored. The mapping is total, injective, and stable across runs; keys for
// consecutive blocks sort lexicographically in block order.
package objmap

import (
	"fmt"
	"strconv"
	"strings"
)

const prefix = "blks_"

// Name returns the KV key for block n.
func Name(n uint64) string {
	return fmt.Sprintf("%s%016x", prefix, n)
}

// Parse returns the block number encoded in a key produced by Name. The
// second return value is false if the key is not an object name.
func Parse(key string) (uint64, bool) {
	if !strings.HasPrefix(key, prefix) || len(key) != len(prefix)+16 {
		return 0, false
	}
	n, err := strconv.ParseUint(key[len(prefix):], 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
