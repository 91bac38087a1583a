package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardledger/internal/coordinator"
)

// Manager owns one independent Ledger per shard and routes account
// operations through the coordinator. Shards mutate fully in parallel:
// no Manager operation ever holds more than one shard's lock at a time.
// Multi-shard locking discipline belongs to the cross-shard protocol.
type Manager struct {
	coord  *coordinator.Coordinator
	shards []*Ledger
}

// NewManager creates an empty ledger per configured shard.
func NewManager(coord *coordinator.Coordinator) *Manager {
	shards := make([]*Ledger, coord.ShardCount())
	for i := range shards {
		shards[i] = newLedger(uint32(i))
	}
	return &Manager{coord: coord, shards: shards}
}

// Coordinator returns the routing configuration this manager was built with.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// Shard returns the ledger for the given shard id.
func (m *Manager) Shard(id uint32) (*Ledger, error) {
	if !m.coord.ValidShard(id) {
		return nil, fmt.Errorf("shard %d: %w", id, ErrUnknownShard)
	}
	return m.shards[id], nil
}

// shardOf resolves the ledger owning addr.
func (m *Manager) shardOf(addr common.Address) *Ledger {
	return m.shards[m.coord.ShardFor(addr)]
}

// GetOrCreateAccount returns the account at addr on the given shard,
// creating a zero-balance entry if none exists.
func (m *Manager) GetOrCreateAccount(shard uint32, addr common.Address) (*Account, error) {
	l, err := m.Shard(shard)
	if err != nil {
		return nil, err
	}
	return l.GetOrCreateAccount(addr), nil
}

// GetBalance resolves the shard for addr and returns its balance.
// Unknown accounts hold zero; this is not an error.
func (m *Manager) GetBalance(addr common.Address) *uint256.Int {
	return m.shardOf(addr).BalanceOf(addr)
}

// AvailableBalance returns addr's balance minus in-flight reservations.
func (m *Manager) AvailableBalance(addr common.Address) *uint256.Int {
	return m.shardOf(addr).AvailableBalance(addr)
}

// GetNonce returns addr's nonce.
func (m *Manager) GetNonce(addr common.Address) uint64 {
	return m.shardOf(addr).NonceOf(addr)
}

// Credit adds amount to addr on its home shard.
func (m *Manager) Credit(addr common.Address, amount *uint256.Int) {
	m.shardOf(addr).Credit(addr, amount)
}

// Transfer executes a same-shard transfer. Endpoints on different shards are
// rejected with ErrCrossShard: those transfers belong to the cross-shard
// protocol, not the manager.
func (m *Manager) Transfer(from, to common.Address, amount *uint256.Int) error {
	if !m.coord.SameShard(from, to) {
		return fmt.Errorf("transfer %s -> %s: %w", from.Hex(), to.Hex(), ErrCrossShard)
	}
	return m.shardOf(from).Transfer(from, to, amount)
}

// PrepareTransfer runs the prepare phase on the sender's shard: validate
// balance and nonce, then reserve the amount out of the spendable balance.
func (m *Manager) PrepareTransfer(txID string, from common.Address, amount *uint256.Int, nonce uint64) error {
	return m.shardOf(from).Reserve(txID, from, amount, nonce)
}

// CommitDebit finalizes the sender side of a cross-shard transaction.
func (m *Manager) CommitDebit(txID string, from common.Address) error {
	return m.shardOf(from).FinalizeDebit(txID)
}

// CommitCredit finalizes the recipient side of a cross-shard transaction.
func (m *Manager) CommitCredit(txID string, to common.Address, amount *uint256.Int) error {
	m.shardOf(to).Credit(to, amount)
	return nil
}

// Release drops the reservation txID holds on the sender's shard. Idempotent:
// releasing an already-released reservation reports false and changes nothing.
func (m *Manager) Release(txID string, from common.Address) bool {
	return m.shardOf(from).Release(txID)
}

// UpdateShardRoot recomputes and caches the state root for one shard.
func (m *Manager) UpdateShardRoot(shard uint32) (common.Hash, error) {
	l, err := m.Shard(shard)
	if err != nil {
		return common.Hash{}, err
	}
	return l.UpdateRoot(), nil
}

// StateRoot returns the cached state root for one shard.
func (m *Manager) StateRoot(shard uint32) (common.Hash, error) {
	l, err := m.Shard(shard)
	if err != nil {
		return common.Hash{}, err
	}
	return l.Root(), nil
}

// TotalAccountCount sums account counts across all shards, for diagnostics.
func (m *Manager) TotalAccountCount() int {
	total := 0
	for _, l := range m.shards {
		total += l.AccountCount()
	}
	return total
}
