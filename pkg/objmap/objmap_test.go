package objmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNameStable tests that the mapping is fixed across runs
func TestNameStable(t *testing.T) {
	assert.Equal(t, "blks_0000000000000000", Name(0))
	assert.Equal(t, "blks_00000000000000ff", Name(255))
	assert.Equal(t, "blks_ffffffffffffffff", Name(^uint64(0)))
}

// TestNameInjective tests that distinct blocks map to distinct keys which
// sort in block order
func TestNameInjective(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for n := uint64(0); n < 1000; n++ {
		key := Name(n)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
		if prev != "" {
			assert.Less(t, prev, key)
		}
		prev = key
	}
}

// TestParseRoundTrip tests Name/Parse inversion and rejection of other keys
func TestParseRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 255, 256, 1 << 40, ^uint64(0)} {
		got, ok := Parse(Name(n))
		require.True(t, ok)
		assert.Equal(t, n, got)
	}

	for _, key := range []string{"", "DeletedTo", "LastBlk", "blks_", "blks_xyz", "blks_00000000000000"} {
		_, ok := Parse(key)
		assert.False(t, ok, "key %q should not parse", key)
	}
}
