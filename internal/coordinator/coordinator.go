package coordinator

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Coordinator maps account addresses onto shards. The mapping is pure
// configuration: every node in the network derives the same shard for the
// same address, so no synchronization is required.
type Coordinator struct {
	shardCount uint32
}

// New creates a coordinator for the given shard count.
// A zero shard count is a configuration error.
func New(shardCount uint32) (*Coordinator, error) {
	if shardCount == 0 {
		return nil, fmt.Errorf("invalid configuration: shard count must be positive, got 0")
	}
	return &Coordinator{shardCount: shardCount}, nil
}

// ShardFor returns the shard that owns addr. The address is hashed with
// keccak-256 and the first 8 bytes of the digest, read big-endian, are
// reduced modulo the shard count.
func (c *Coordinator) ShardFor(addr common.Address) uint32 {
	digest := crypto.Keccak256(addr.Bytes())
	return uint32(binary.BigEndian.Uint64(digest[:8]) % uint64(c.shardCount))
}

// SameShard reports whether both addresses live on the same shard.
func (c *Coordinator) SameShard(a, b common.Address) bool {
	return c.ShardFor(a) == c.ShardFor(b)
}

// AllShards returns every shard id, in order.
func (c *Coordinator) AllShards() []uint32 {
	shards := make([]uint32, c.shardCount)
	for i := range shards {
		shards[i] = uint32(i)
	}
	return shards
}

// ShardCount returns the configured number of shards.
func (c *Coordinator) ShardCount() uint32 {
	return c.shardCount
}

// ValidShard reports whether id names a configured shard.
func (c *Coordinator) ValidShard(id uint32) bool {
	return id < c.shardCount
}
