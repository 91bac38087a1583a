package shardsync

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/kylelemons/godebug/pretty"

	"github.com/sharding-experiment/shardledger/internal/coordinator"
	"github.com/sharding-experiment/shardledger/internal/ledger"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestWorld(t *testing.T) (*ledger.Manager, *Sync) {
	t.Helper()
	coord, err := coordinator.New(4)
	if err != nil {
		t.Fatal(err)
	}
	mgr := ledger.NewManager(coord)
	return mgr, New(mgr)
}

func addrInShard(t *testing.T, coord *coordinator.Coordinator, shard uint32, seed string) common.Address {
	t.Helper()
	for i := 0; i < 100000; i++ {
		hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", seed, i)))
		addr := common.BytesToAddress(hash[:])
		if coord.ShardFor(addr) == shard {
			return addr
		}
	}
	t.Fatalf("no address found in shard %d", shard)
	return common.Address{}
}

// populateShard funds n accounts on the shard and commits the root.
func populateShard(t *testing.T, mgr *ledger.Manager, shard uint32, n int) []common.Address {
	t.Helper()
	addrs := make([]common.Address, n)
	for i := range addrs {
		addrs[i] = addrInShard(t, mgr.Coordinator(), shard, fmt.Sprintf("populate-%d", i))
		mgr.Credit(addrs[i], uint256.NewInt(uint64(100+i)))
	}
	if _, err := mgr.UpdateShardRoot(shard); err != nil {
		t.Fatal(err)
	}
	return addrs
}

// =============================================================================
// Merkle proofs
// =============================================================================

func TestProofRoundTrip(t *testing.T) {
	mgr, sync := newTestWorld(t)
	addrs := populateShard(t, mgr, 1, 9)

	for _, addr := range addrs {
		proof, err := sync.GenerateMerkleProof(1, addr)
		if err != nil {
			t.Fatalf("GenerateMerkleProof(%s): %v", addr.Hex(), err)
		}
		if !proof.Verify() {
			t.Errorf("proof for %s did not verify", addr.Hex())
		}
		root, _ := mgr.StateRoot(1)
		if proof.Root != root {
			t.Errorf("proof root %s != shard root %s", proof.Root.Hex(), root.Hex())
		}
	}
}

func TestStaleProofDetectedAfterMutation(t *testing.T) {
	mgr, sync := newTestWorld(t)
	addrs := populateShard(t, mgr, 1, 5)

	oldProof, err := sync.GenerateMerkleProof(1, addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !oldProof.Verify() {
		t.Fatal("fresh proof should verify")
	}

	// Mutate a different account in the same shard and recommit the root.
	mgr.Credit(addrs[3], uint256.NewInt(1))
	newRoot, _ := mgr.UpdateShardRoot(1)

	// The old proof is still internally consistent against its own root,
	// but that root no longer matches the ledger.
	if !oldProof.Verify() {
		t.Error("old proof should still verify against its embedded root")
	}
	if oldProof.Root == newRoot {
		t.Error("ledger root did not move after mutation")
	}

	// A freshly generated proof tracks the new root.
	freshProof, err := sync.GenerateMerkleProof(1, addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !freshProof.Verify() || freshProof.Root != newRoot {
		t.Error("fresh proof should verify against the new root")
	}
}

func TestProofForMissingAccount(t *testing.T) {
	mgr, sync := newTestWorld(t)
	populateShard(t, mgr, 1, 3)

	missing := addrInShard(t, mgr.Coordinator(), 1, "never-funded")
	if _, err := sync.GenerateMerkleProof(1, missing); !errors.Is(err, ErrAccountNotInShard) {
		t.Errorf("expected ErrAccountNotInShard, got %v", err)
	}
}

func TestProofCacheReturnsEqualProof(t *testing.T) {
	mgr, sync := newTestWorld(t)
	addrs := populateShard(t, mgr, 2, 6)

	first, err := sync.GenerateMerkleProof(2, addrs[1])
	if err != nil {
		t.Fatal(err)
	}
	second, err := sync.GenerateMerkleProof(2, addrs[1])
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(first, second); diff != "" {
		t.Errorf("cached proof differs from original (-first +second):\n%s", diff)
	}
}

func TestProofsShareOneRootWhileMutationsUncommitted(t *testing.T) {
	mgr, sync := newTestWorld(t)
	addrs := populateShard(t, mgr, 1, 6)

	// Warm the cache for addrs[0] at the committed root.
	cached, err := sync.GenerateMerkleProof(1, addrs[0])
	if err != nil {
		t.Fatal(err)
	}

	// Mutate another account without recommitting the root.
	mgr.Credit(addrs[4], uint256.NewInt(9))

	// Every proof generated now must reflect the live account set: the
	// cached committed-root proof may not be served next to a live one.
	first, err := sync.GenerateMerkleProof(1, addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	second, err := sync.GenerateMerkleProof(1, addrs[4])
	if err != nil {
		t.Fatal(err)
	}
	if first.Root != second.Root {
		t.Errorf("proofs in the same window disagree on the root: %s vs %s",
			first.Root.Hex(), second.Root.Hex())
	}
	if first.Root == cached.Root {
		t.Error("stale cached proof served after an uncommitted mutation")
	}
	if !first.Verify() || !second.Verify() {
		t.Error("live proofs must verify against their own root")
	}

	// Recommitting restores cache service at the new root.
	if _, err := mgr.UpdateShardRoot(1); err != nil {
		t.Fatal(err)
	}
	recommitted, err := sync.GenerateMerkleProof(1, addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	if recommitted.Root != first.Root {
		t.Error("recommitted root differs from the live root the proofs used")
	}
}

// =============================================================================
// Snapshots
// =============================================================================

func TestCaptureAndValidateSnapshot(t *testing.T) {
	mgr, sync := newTestWorld(t)
	addrs := populateShard(t, mgr, 0, 4)

	snap, err := sync.CaptureSnapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	if !sync.ValidateSnapshot(0, snap) {
		t.Error("snapshot of current state should validate")
	}
	if !snap.Contains(addrs[0]) {
		t.Error("snapshot should contain a funded account")
	}
	if snap.Contains(addrInShard(t, mgr.Coordinator(), 0, "absent")) {
		t.Error("snapshot should not contain an unknown account")
	}

	// Divergence: mutate and recommit, the old snapshot no longer validates.
	mgr.Credit(addrs[2], uint256.NewInt(5))
	mgr.UpdateShardRoot(0)
	if sync.ValidateSnapshot(0, snap) {
		t.Error("stale snapshot should fail validation")
	}
}

func TestSnapshotEncodeDecode(t *testing.T) {
	mgr, sync := newTestWorld(t)
	populateShard(t, mgr, 3, 5)

	snap, err := sync.CaptureSnapshot(3)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSnapshot(enc)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.ShardID != snap.ShardID || decoded.Height != snap.Height || decoded.StateRoot != snap.StateRoot {
		t.Error("decoded snapshot header mismatch")
	}
	if diff := pretty.Compare(snap.Accounts, decoded.Accounts); diff != "" {
		t.Errorf("decoded account list differs (-orig +decoded):\n%s", diff)
	}
	for _, addr := range snap.Accounts {
		if !decoded.Contains(addr) {
			t.Errorf("decoded snapshot lost account %s", addr.Hex())
		}
	}
}

func TestStoreSnapshotKeepsNewest(t *testing.T) {
	_, sync := newTestWorld(t)

	newer := NewSnapshot(1, 10, common.Hash{0x01}, nil)
	older := NewSnapshot(1, 5, common.Hash{0x02}, nil)

	if err := sync.StoreSnapshot(1, newer); err != nil {
		t.Fatal(err)
	}
	if err := sync.StoreSnapshot(1, older); err != nil {
		t.Fatal(err)
	}
	got, ok := sync.Snapshot(1)
	if !ok || got.Height != 10 {
		t.Error("older snapshot displaced a newer one")
	}

	if err := sync.StoreSnapshot(2, newer); err == nil {
		t.Error("snapshot stored under the wrong shard id")
	}
}

// =============================================================================
// Sync status
// =============================================================================

func TestSyncStatusTracking(t *testing.T) {
	_, sync := newTestWorld(t)

	// Everything starts as syncing.
	if len(sync.SyncedShards()) != 0 || len(sync.OutOfSyncShards()) != 0 {
		t.Error("fresh Sync should have no synced or out-of-sync shards")
	}

	sync.SetStatus(0, StatusSynced)
	sync.SetStatus(2, StatusSynced)
	sync.SetStatus(3, StatusOutOfSync)

	if diff := pretty.Compare(sync.SyncedShards(), []uint32{0, 2}); diff != "" {
		t.Errorf("synced shards mismatch:\n%s", diff)
	}
	if diff := pretty.Compare(sync.OutOfSyncShards(), []uint32{3}); diff != "" {
		t.Errorf("out-of-sync shards mismatch:\n%s", diff)
	}
	if sync.Status(1) != StatusSyncing {
		t.Error("untouched shard should remain syncing")
	}
	if err := sync.SetStatus(9, StatusSynced); err == nil {
		t.Error("unknown shard accepted")
	}
}
