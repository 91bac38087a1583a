package xshard

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/shardledger/internal/coordinator"
)

func testCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	coord, err := coordinator.New(4)
	require.NoError(t, err)
	return coord
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

func newTestTx(t *testing.T, coord *coordinator.Coordinator, seed string) Transaction {
	t.Helper()
	return Transaction{
		ID:     seed,
		From:   addrInShard(t, coord, 0, seed+"-from"),
		To:     addrInShard(t, coord, 2, seed+"-to"),
		Amount: uint256.NewInt(40),
	}
}

func receipt(id string, phase Phase, shard uint32, success bool, errMsg string) TransactionReceipt {
	return TransactionReceipt{TxID: id, Phase: phase, Shard: shard, Success: success, Error: errMsg}
}

func TestRegisterRejectsSameShard(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := Transaction{
		From:   addrInShard(t, coord, 1, "same-a"),
		To:     addrInShard(t, coord, 1, "same-b"),
		Amount: uint256.NewInt(1),
	}
	_, err := p.RegisterTransaction(tx)
	require.ErrorIs(t, err, ErrSameShard)
}

func TestRegisterGeneratesIDAndShards(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "gen")
	tx.ID = ""
	id, err := p.RegisterTransaction(tx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := p.Transaction(id)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got.SenderShard)
	require.Equal(t, uint32(2), got.RecipientShard)

	status, err := p.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "dup")
	_, err := p.RegisterTransaction(tx)
	require.NoError(t, err)
	_, err = p.RegisterTransaction(tx)
	require.Error(t, err)
}

func TestHappyPathCommit(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "happy")
	id, err := p.RegisterTransaction(tx)
	require.NoError(t, err)

	pending, err := p.PendingShards(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{0, 2}, pending)

	status, err := p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, true, ""))
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	pending, _ = p.PendingShards(id)
	require.Equal(t, []uint32{2}, pending)

	status, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 2, true, ""))
	require.NoError(t, err)
	require.Equal(t, StatusReadyToCommit, status)

	// Commit phase now waits on both shards again.
	pending, _ = p.PendingShards(id)
	require.ElementsMatch(t, []uint32{0, 2}, pending)

	status, err = p.ProcessCommitReceipt(receipt(id, PhaseCommit, 0, true, ""))
	require.NoError(t, err)
	require.Equal(t, StatusReadyToCommit, status)

	status, err = p.ProcessCommitReceipt(receipt(id, PhaseCommit, 2, true, ""))
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)

	pending, err = p.PendingShards(id)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 1, p.CountInState(StatusCommitted))
	require.Len(t, p.TransactionsInState(StatusCommitted), 1)

	require.NoError(t, p.Forget(id))
	_, err = p.Status(id)
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestPrepareFailureAborts(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "abort")
	id, err := p.RegisterTransaction(tx)
	require.NoError(t, err)

	// Recipient shard prepared fine, sender shard rejects.
	_, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 2, true, ""))
	require.NoError(t, err)
	status, err := p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, false, "insufficient balance"))
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)

	// Shard 2 answered a successful prepare, so it still needs a release.
	require.Equal(t, []uint32{2}, p.ReleasePending(id))
	p.MarkReleased(id, 2)
	require.Empty(t, p.ReleasePending(id))

	// A late successful prepare from shard 0 does not revive the
	// transaction, but the reservation it reports still needs releasing.
	status, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, true, ""))
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Equal(t, []uint32{0}, p.ReleasePending(id))
	p.MarkReleased(id, 0)

	// Late failure receipts change nothing.
	status, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, false, "retry"))
	require.NoError(t, err)
	require.Equal(t, StatusAborted, status)
	require.Empty(t, p.ReleasePending(id))

	// Commit receipts are out of order for an aborted transaction.
	_, err = p.ProcessCommitReceipt(receipt(id, PhaseCommit, 0, true, ""))
	require.Error(t, err)
}

func TestCommitFailureIsInconsistency(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "inconsistent")
	id, err := p.RegisterTransaction(tx)
	require.NoError(t, err)

	_, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, true, ""))
	require.NoError(t, err)
	_, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 2, true, ""))
	require.NoError(t, err)

	_, err = p.ProcessCommitReceipt(receipt(id, PhaseCommit, 0, false, "peer crashed"))
	require.ErrorIs(t, err, ErrProtocolInconsistency)

	// Not silently resolved: the transaction stays visible, not terminal.
	status, err := p.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusReadyToCommit, status)
	require.Error(t, p.Forget(id))
}

func TestCallerDrivenAbort(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	tx := newTestTx(t, coord, "timeout")
	id, err := p.RegisterTransaction(tx)
	require.NoError(t, err)

	// Sender prepared, recipient never answered; caller times out.
	_, err = p.ProcessPrepareReceipt(receipt(id, PhasePrepare, 0, true, ""))
	require.NoError(t, err)

	require.NoError(t, p.Abort(id, "prepare timeout"))
	status, _ := p.Status(id)
	require.Equal(t, StatusAborted, status)
	require.Equal(t, []uint32{0}, p.ReleasePending(id))

	// Abort is idempotent; aborting a committed tx is not allowed.
	require.NoError(t, p.Abort(id, "again"))

	tx2 := newTestTx(t, coord, "committed")
	id2, err := p.RegisterTransaction(tx2)
	require.NoError(t, err)
	p.ProcessPrepareReceipt(receipt(id2, PhasePrepare, 0, true, ""))
	p.ProcessPrepareReceipt(receipt(id2, PhasePrepare, 2, true, ""))
	p.ProcessCommitReceipt(receipt(id2, PhaseCommit, 0, true, ""))
	p.ProcessCommitReceipt(receipt(id2, PhaseCommit, 2, true, ""))
	require.Error(t, p.Abort(id2, "too late"))
}

func TestCountInState(t *testing.T) {
	coord := testCoordinator(t)
	p := NewProtocol(coord)

	for i := 0; i < 3; i++ {
		_, err := p.RegisterTransaction(newTestTx(t, coord, fmt.Sprintf("count-%d", i)))
		require.NoError(t, err)
	}
	require.Equal(t, 3, p.CountInState(StatusPending))
	require.Equal(t, 0, p.CountInState(StatusCommitted))
	require.Empty(t, p.TransactionsInState(StatusAborted))
}
