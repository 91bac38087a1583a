package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardledger/internal/merkle"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrUnknownShard        = errors.New("unknown shard")
	ErrCrossShard          = errors.New("endpoints resolve to different shards")
	ErrNoReservation       = errors.New("no reservation recorded for transaction")
)

// reservation holds funds set aside for a cross-shard transaction between
// prepare and commit. The balance itself is untouched until commit; the
// reserved amount is simply excluded from the sender's spendable balance.
type reservation struct {
	From   common.Address
	Amount *uint256.Int
}

// Ledger is the account state of a single shard. A reader/writer lock lets
// any number of balance queries run concurrently while mutations serialize
// against each other. A Ledger never takes another shard's lock.
type Ledger struct {
	mu       sync.RWMutex
	shardID  uint32
	accounts map[common.Address]*Account
	reserved map[string]*reservation // txID -> reservation
	root     common.Hash
	height   uint64

	// version counts account mutations; rootVersion is the version the
	// cached root was computed at. They diverge while mutations are
	// uncommitted.
	version     uint64
	rootVersion uint64
}

func newLedger(shardID uint32) *Ledger {
	return &Ledger{
		shardID:  shardID,
		accounts: make(map[common.Address]*Account),
		reserved: make(map[string]*reservation),
	}
}

// ShardID returns the shard this ledger belongs to.
func (l *Ledger) ShardID() uint32 { return l.shardID }

// GetOrCreateAccount returns a copy of the account at addr, creating a fresh
// zero-balance entry if none exists. It never fails.
func (l *Ledger) GetOrCreateAccount(addr common.Address) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOrCreate(addr).Copy()
}

func (l *Ledger) getOrCreate(addr common.Address) *Account {
	acct, ok := l.accounts[addr]
	if !ok {
		acct = newAccount(addr)
		l.accounts[addr] = acct
		l.version++
	}
	return acct
}

// GetAccount returns a copy of the account at addr, or false if unknown.
func (l *Ledger) GetAccount(addr common.Address) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return nil, false
	}
	return acct.Copy(), true
}

// BalanceOf returns the account balance; unknown accounts hold zero.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[addr]; ok {
		return new(uint256.Int).Set(acct.Balance)
	}
	return uint256.NewInt(0)
}

// AvailableBalance returns balance minus any amounts reserved for in-flight
// cross-shard transactions.
func (l *Ledger) AvailableBalance(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked(addr)
}

func (l *Ledger) availableLocked(addr common.Address) *uint256.Int {
	avail := uint256.NewInt(0)
	if acct, ok := l.accounts[addr]; ok {
		avail.Set(acct.Balance)
	}
	for _, res := range l.reserved {
		if res.From == addr {
			// Reservations never exceed the balance they were taken from.
			avail.Sub(avail, res.Amount)
		}
	}
	return avail
}

// NonceOf returns the account nonce; unknown accounts hold zero.
func (l *Ledger) NonceOf(addr common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[addr]; ok {
		return acct.Nonce
	}
	return 0
}

// AccountCount returns the number of accounts in the shard.
func (l *Ledger) AccountCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// Credit adds amount to addr, creating the account if needed.
func (l *Ledger) Credit(addr common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.getOrCreate(addr)
	acct.Balance.Add(acct.Balance, amount)
	l.version++
}

// Transfer atomically moves amount between two accounts of this shard.
// The debit and credit happen under a single lock acquisition, so no
// intermediate state is observable. Reserved funds are not spendable.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sender, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("sender %s: %w", from.Hex(), ErrUnknownAccount)
	}
	if l.availableLocked(from).Lt(amount) {
		return fmt.Errorf("transfer %s from %s: %w", amount.Dec(), from.Hex(), ErrInsufficientBalance)
	}

	sender.Balance.Sub(sender.Balance, amount)
	sender.Nonce++
	recipient := l.getOrCreate(to)
	recipient.Balance.Add(recipient.Balance, amount)
	l.version++
	return nil
}

// Reserve validates the sender and sets amount aside for txID. The amount
// leaves the spendable balance immediately, so a concurrent cross-shard
// transaction cannot double-spend it. Repeating a prepare for the same txID
// is a no-op.
func (l *Ledger) Reserve(txID string, from common.Address, amount *uint256.Int, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reserved[txID]; ok {
		return nil
	}
	acct, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("sender %s: %w", from.Hex(), ErrUnknownAccount)
	}
	if acct.Nonce > nonce {
		return fmt.Errorf("nonce too low: account at %d, transaction built against %d", acct.Nonce, nonce)
	}
	if acct.Nonce < nonce {
		return fmt.Errorf("nonce too high: account at %d, transaction built against %d", acct.Nonce, nonce)
	}
	if l.availableLocked(from).Lt(amount) {
		return fmt.Errorf("reserve %s for %s: %w", amount.Dec(), from.Hex(), ErrInsufficientBalance)
	}

	l.reserved[txID] = &reservation{
		From:   from,
		Amount: new(uint256.Int).Set(amount),
	}
	return nil
}

// FinalizeDebit consumes the reservation for txID: the reserved amount is
// removed from the sender's balance for good and the nonce advances.
func (l *Ledger) FinalizeDebit(txID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reserved[txID]
	if !ok {
		return fmt.Errorf("commit %s on shard %d: %w", txID, l.shardID, ErrNoReservation)
	}
	acct := l.accounts[res.From]
	acct.Balance.Sub(acct.Balance, res.Amount)
	acct.Nonce++
	delete(l.reserved, txID)
	l.version++
	return nil
}

// Release drops the reservation for txID, restoring the sender's spendable
// balance. The balance itself was never debited, so releasing twice cannot
// double-credit: the second call finds nothing and reports false.
func (l *Ledger) Release(txID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[txID]; !ok {
		return false
	}
	delete(l.reserved, txID)
	return true
}

// HasReservation reports whether txID currently holds reserved funds.
func (l *Ledger) HasReservation(txID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.reserved[txID]
	return ok
}

// sortedLocked returns the shard's accounts ordered by address bytes.
// Callers must hold at least the read lock.
func (l *Ledger) sortedLocked() []*Account {
	accts := make([]*Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accts = append(accts, acct)
	}
	sort.Slice(accts, func(i, j int) bool {
		return bytes.Compare(accts[i].Address[:], accts[j].Address[:]) < 0
	})
	return accts
}

// Addresses returns the shard's account addresses in leaf order.
func (l *Ledger) Addresses() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accts := l.sortedLocked()
	addrs := make([]common.Address, len(accts))
	for i, acct := range accts {
		addrs[i] = acct.Address
	}
	return addrs
}

// Leaves returns the addresses and leaf hashes of the shard in tree order.
func (l *Ledger) Leaves() ([]common.Address, []common.Hash) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accts := l.sortedLocked()
	addrs := make([]common.Address, len(accts))
	leaves := make([]common.Hash, len(accts))
	for i, acct := range accts {
		addrs[i] = acct.Address
		leaves[i] = acct.LeafHash()
	}
	return addrs, leaves
}

// UpdateRoot recomputes and caches the shard state root from the current
// account set. Called after every committed mutation batch.
func (l *Ledger) UpdateRoot() common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	accts := l.sortedLocked()
	leaves := make([]common.Hash, len(accts))
	for i, acct := range accts {
		leaves[i] = acct.LeafHash()
	}
	l.root = merkle.Root(leaves)
	l.rootVersion = l.version
	return l.root
}

// Dirty reports whether accounts changed since the last UpdateRoot, i.e.
// whether the cached root still describes the live account set.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version != l.rootVersion
}

// Root returns the cached state root.
func (l *Ledger) Root() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.root
}

// SetHeight records the height of the last applied update.
func (l *Ledger) SetHeight(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h > l.height {
		l.height = h
	}
}

// Height returns the height of the last applied update.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}
