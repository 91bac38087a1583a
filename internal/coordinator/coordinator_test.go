package coordinator

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// testAddress derives a deterministic address from a seed string.
func testAddress(seed string) common.Address {
	hash := sha256.Sum256([]byte(seed))
	return common.BytesToAddress(hash[:])
}

func TestNewZeroShardsFails(t *testing.T) {
	c, err := New(0)
	require.Error(t, err)
	require.Nil(t, c)
}

func TestShardForDeterministicAndInRange(t *testing.T) {
	for _, count := range []uint32{1, 2, 4, 7, 64} {
		c, err := New(count)
		require.NoError(t, err)

		for i := 0; i < 500; i++ {
			addr := testAddress(fmt.Sprintf("account-%d", i))
			shard := c.ShardFor(addr)
			if shard >= count {
				t.Fatalf("shard %d out of range [0,%d)", shard, count)
			}
			// Same address must always resolve to the same shard.
			if again := c.ShardFor(addr); again != shard {
				t.Fatalf("non-deterministic mapping: %d then %d", shard, again)
			}
		}
	}
}

func TestSameShard(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	a := testAddress("same-shard-a")
	require.True(t, c.SameShard(a, a))

	// Find an address on a different shard than a.
	for i := 0; ; i++ {
		b := testAddress(fmt.Sprintf("same-shard-b-%d", i))
		if c.ShardFor(b) != c.ShardFor(a) {
			require.False(t, c.SameShard(a, b))
			require.False(t, c.SameShard(b, a))
			break
		}
	}
}

func TestAllShards(t *testing.T) {
	c, err := New(6)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, c.AllShards())
	require.True(t, c.ValidShard(5))
	require.False(t, c.ValidShard(6))
}

// TestDistributionUniform checks that a large, varied address sample spreads
// roughly evenly over the shards.
func TestDistributionUniform(t *testing.T) {
	const shards = 8
	const samples = 20000

	c, err := New(shards)
	require.NoError(t, err)

	counts := make([]int, shards)
	for i := 0; i < samples; i++ {
		counts[c.ShardFor(testAddress(fmt.Sprintf("uniform-%d", i)))]++
	}

	mean := samples / shards
	for shard, n := range counts {
		// Allow 20% deviation from the mean; keccak should do far better.
		if n < mean*8/10 || n > mean*12/10 {
			t.Errorf("shard %d holds %d of %d addresses (mean %d), distribution skewed",
				shard, n, samples, mean)
		}
	}
}
