// Package shardsync produces and verifies evidence of shard state, letting a
// light node or recovering peer validate a shard's claims without replaying
// its transactions.
package shardsync

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sharding-experiment/shardledger/internal/ledger"
	"github.com/sharding-experiment/shardledger/internal/merkle"
)

// proofCacheBytes bounds the memory spent on cached proofs.
const proofCacheBytes = 32 << 20

// ErrAccountNotInShard is returned when asked to prove an account the shard
// does not hold; the tree cannot prove absence.
var ErrAccountNotInShard = errors.New("account not present in shard")

// SyncStatus describes how far a shard's local state lags its peers.
// The caller sets it based on height comparisons; Sync only records it.
type SyncStatus string

const (
	StatusSynced    SyncStatus = "synced"
	StatusSyncing   SyncStatus = "syncing"
	StatusOutOfSync SyncStatus = "out_of_sync"
)

// Sync tracks snapshots and sync status per shard and generates merkle
// proofs over shard state. Proof verification lives on the proof object
// itself and never touches the ledger.
type Sync struct {
	mu        sync.RWMutex
	mgr       *ledger.Manager
	snapshots map[uint32]*Snapshot
	status    map[uint32]SyncStatus
	proofs    *fastcache.Cache
}

// New creates a Sync over the manager's shards. All shards start Syncing.
func New(mgr *ledger.Manager) *Sync {
	status := make(map[uint32]SyncStatus)
	for _, shard := range mgr.Coordinator().AllShards() {
		status[shard] = StatusSyncing
	}
	return &Sync{
		mgr:       mgr,
		snapshots: make(map[uint32]*Snapshot),
		status:    status,
		proofs:    fastcache.New(proofCacheBytes),
	}
}

// CaptureSnapshot builds a snapshot of the shard's current state and records
// it as the latest known snapshot for that shard.
func (s *Sync) CaptureSnapshot(shard uint32) (*Snapshot, error) {
	l, err := s.mgr.Shard(shard)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot(shard, l.Height(), l.Root(), l.Addresses())

	s.mu.Lock()
	s.snapshots[shard] = snap
	s.mu.Unlock()
	return snap, nil
}

// StoreSnapshot records the latest known snapshot for a shard. Snapshots
// older than the one already held are ignored.
func (s *Sync) StoreSnapshot(shard uint32, snap *Snapshot) error {
	if snap.ShardID != shard {
		return fmt.Errorf("snapshot for shard %d stored under shard %d", snap.ShardID, shard)
	}
	if !s.mgr.Coordinator().ValidShard(shard) {
		return fmt.Errorf("store snapshot: %w", ledger.ErrUnknownShard)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snapshots[shard]; ok && prev.Height > snap.Height {
		return nil
	}
	s.snapshots[shard] = snap
	return nil
}

// Snapshot returns the latest known snapshot for a shard.
func (s *Sync) Snapshot(shard uint32) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[shard]
	return snap, ok
}

// ValidateSnapshot checks a snapshot's declared state root against the
// shard's currently cached root. A mismatch signals divergence, not an
// error: snapshots arrive from untrusted peers by design.
func (s *Sync) ValidateSnapshot(shard uint32, snap *Snapshot) bool {
	root, err := s.mgr.StateRoot(shard)
	if err != nil {
		return false
	}
	return snap != nil && snap.ShardID == shard && snap.StateRoot == root
}

// GenerateMerkleProof builds the sibling path from addr's account leaf to
// the shard root. Proofs against the shard's committed root are cached.
func (s *Sync) GenerateMerkleProof(shard uint32, addr common.Address) (*merkle.Proof, error) {
	l, err := s.mgr.Shard(shard)
	if err != nil {
		return nil, err
	}

	// Proofs are always built from the live account set. The cache is only
	// coherent while that set still matches the committed root; once a
	// mutation lands uncommitted, serving a cached proof next to a freshly
	// built one would hand out two different roots in the same window.
	committedRoot := l.Root()
	clean := !l.Dirty()
	cacheKey := append(committedRoot.Bytes(), addr.Bytes()...)
	if clean {
		if enc := s.proofs.Get(nil, cacheKey); len(enc) > 0 {
			var proof merkle.Proof
			if rlp.DecodeBytes(enc, &proof) == nil {
				return &proof, nil
			}
		}
	}

	addrs, leaves := l.Leaves()
	idx := sort.Search(len(addrs), func(i int) bool {
		return bytes.Compare(addrs[i][:], addr[:]) >= 0
	})
	if idx >= len(addrs) || addrs[idx] != addr {
		return nil, fmt.Errorf("shard %d proof for %s: %w", shard, addr.Hex(), ErrAccountNotInShard)
	}

	proof, err := merkle.BuildProof(leaves, idx)
	if err != nil {
		return nil, err
	}

	// Only proofs matching the committed root are worth caching; the ledger
	// may have moved on since the leaves were read above.
	if clean && proof.Root == committedRoot {
		if enc, err := rlp.EncodeToBytes(proof); err == nil {
			s.proofs.Set(cacheKey, enc)
		}
	}
	return proof, nil
}

// SetStatus records the caller's view of a shard's sync state.
func (s *Sync) SetStatus(shard uint32, status SyncStatus) error {
	if !s.mgr.Coordinator().ValidShard(shard) {
		return fmt.Errorf("set status: %w", ledger.ErrUnknownShard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[shard] = status
	return nil
}

// Status returns the recorded sync state for a shard.
func (s *Sync) Status(shard uint32) SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[shard]
}

// SyncedShards lists shards recorded as Synced, in order.
func (s *Sync) SyncedShards() []uint32 {
	return s.shardsInStatus(StatusSynced)
}

// OutOfSyncShards lists shards recorded as OutOfSync, in order. Callers use
// this to trigger resyncs.
func (s *Sync) OutOfSyncShards() []uint32 {
	return s.shardsInStatus(StatusOutOfSync)
}

func (s *Sync) shardsInStatus(want SyncStatus) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint32
	for shard, status := range s.status {
		if status == want {
			out = append(out, shard)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
