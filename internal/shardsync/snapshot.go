package shardsync

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// Bloom sizing for the per-snapshot account filter.
const (
	bloomFalsePositiveRate = 0.001
	bloomMinEntries        = 1024
)

// Snapshot is an immutable capture of one shard's state: the accounts it
// held, the root committing to them, and the height they were sealed at.
type Snapshot struct {
	ShardID   uint32           `json:"shard_id"`
	Height    uint64           `json:"height"`
	StateRoot common.Hash      `json:"state_root"`
	Accounts  []common.Address `json:"accounts"`

	filter *bloomfilter.Filter
}

// addrHasher feeds the first 8 bytes of an address into a bloom filter.
// Only Sum64 is ever called.
type addrHasher common.Address

func (h addrHasher) Write(p []byte) (n int, err error) { panic("not implemented") }
func (h addrHasher) Sum(b []byte) []byte               { panic("not implemented") }
func (h addrHasher) Reset()                            { panic("not implemented") }
func (h addrHasher) BlockSize() int                    { panic("not implemented") }
func (h addrHasher) Size() int                         { return 8 }
func (h addrHasher) Sum64() uint64                     { return binary.BigEndian.Uint64(h[:8]) }

var _ hash.Hash64 = addrHasher{}

// NewSnapshot builds a snapshot over the given account set.
func NewSnapshot(shardID uint32, height uint64, root common.Hash, accounts []common.Address) *Snapshot {
	s := &Snapshot{
		ShardID:   shardID,
		Height:    height,
		StateRoot: root,
		Accounts:  append([]common.Address(nil), accounts...),
	}
	s.buildFilter()
	return s
}

func (s *Snapshot) buildFilter() {
	n := uint64(len(s.Accounts))
	if n < bloomMinEntries {
		n = bloomMinEntries
	}
	filter, err := bloomfilter.NewOptimal(n, bloomFalsePositiveRate)
	if err != nil {
		return // filter stays nil, Contains falls back to the exact scan
	}
	for _, addr := range s.Accounts {
		filter.Add(addrHasher(addr))
	}
	s.filter = filter
}

// Contains reports whether the snapshot includes addr. The bloom filter
// rejects most misses without touching the account list.
func (s *Snapshot) Contains(addr common.Address) bool {
	if s.filter != nil && !s.filter.Contains(addrHasher(addr)) {
		return false
	}
	for _, a := range s.Accounts {
		if a == addr {
			return true
		}
	}
	return false
}

// Encode serializes the snapshot for the transport collaborator.
func (s *Snapshot) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSnapshot parses a snapshot received from a peer and rebuilds its
// membership filter.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.buildFilter()
	return &s, nil
}
