package xshard

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/sharding-experiment/shardledger/internal/coordinator"
)

var (
	// ErrSameShard rejects registrations whose endpoints share a shard;
	// those are plain ledger transfers, not 2PC work.
	ErrSameShard = errors.New("endpoints resolve to the same shard")

	// ErrUnknownTransaction is returned for receipt or query operations on
	// an id the protocol has never seen (or has already forgotten).
	ErrUnknownTransaction = errors.New("unknown cross-shard transaction")

	// ErrProtocolInconsistency flags a commit-phase failure after a
	// successful prepare. Validation already happened in prepare, so this
	// indicates a bug or a crashed peer, never a business rejection.
	ErrProtocolInconsistency = errors.New("commit-phase failure after successful prepare")
)

// entry is the protocol's bookkeeping for one in-flight transaction.
type entry struct {
	tx       Transaction
	status   Status
	prepare  map[uint32]TransactionReceipt
	commit   map[uint32]TransactionReceipt
	releases []uint32 // shards holding reservations that still need a compensating release
}

// needsRelease reports whether shard is already queued for release.
func (e *entry) needsRelease(shard uint32) bool {
	for _, s := range e.releases {
		if s == shard {
			return true
		}
	}
	return false
}

// Protocol drives the two-phase commit over cross-shard transactions. It
// performs no networking itself: an external orchestrator delivers receipts
// as they arrive, possibly from remote shard owners. All receipt maps are
// owned here and need only per-protocol synchronization.
type Protocol struct {
	mu    sync.RWMutex
	coord *coordinator.Coordinator
	txs   map[string]*entry
}

// NewProtocol creates an empty protocol over the given shard routing.
func NewProtocol(coord *coordinator.Coordinator) *Protocol {
	return &Protocol{
		coord: coord,
		txs:   make(map[string]*entry),
	}
}

// RegisterTransaction creates a Pending entry for tx and returns its id,
// generating one when absent. Transactions whose endpoints share a shard are
// rejected: use the shard manager's transfer instead.
func (p *Protocol) RegisterTransaction(tx Transaction) (string, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.SenderShard = p.coord.ShardFor(tx.From)
	tx.RecipientShard = p.coord.ShardFor(tx.To)
	if tx.SenderShard == tx.RecipientShard {
		return "", fmt.Errorf("register %s: %w", tx.ID, ErrSameShard)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[tx.ID]; ok {
		return "", fmt.Errorf("register %s: transaction id already registered", tx.ID)
	}
	p.txs[tx.ID] = &entry{
		tx:      tx,
		status:  StatusPending,
		prepare: make(map[uint32]TransactionReceipt),
		commit:  make(map[uint32]TransactionReceipt),
	}
	return tx.ID, nil
}

// Transaction returns a registered transaction by id.
func (p *Protocol) Transaction(id string) (Transaction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%s: %w", id, ErrUnknownTransaction)
	}
	return e.tx, nil
}

// ProcessPrepareReceipt records a prepare-phase receipt. When every involved
// shard has answered successfully the transaction becomes ReadyToCommit; a
// single failure aborts it and marks the shards that still hold reservations
// for compensating release.
func (p *Protocol) ProcessPrepareReceipt(r TransactionReceipt) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.txs[r.TxID]
	if !ok {
		return "", fmt.Errorf("prepare receipt %s: %w", r.TxID, ErrUnknownTransaction)
	}
	if e.status.Terminal() {
		// Late receipt for a decided transaction. A successful prepare
		// landing after an abort means that shard now holds a reservation
		// the abort decision never saw; queue it for release.
		if e.status == StatusAborted && r.Success && !e.needsRelease(r.Shard) {
			e.prepare[r.Shard] = r
			e.releases = append(e.releases, r.Shard)
		}
		return e.status, nil
	}
	e.prepare[r.Shard] = r

	if !r.Success {
		e.status = StatusAborted
		e.releases = e.releases[:0]
		for _, shard := range e.tx.InvolvedShards() {
			if prev, ok := e.prepare[shard]; ok && prev.Success {
				e.releases = append(e.releases, shard)
			}
		}
		log.Printf("xshard: tx %s aborted in prepare by shard %d: %s", r.TxID, r.Shard, r.Error)
		return e.status, nil
	}

	for _, shard := range e.tx.InvolvedShards() {
		prev, ok := e.prepare[shard]
		if !ok || !prev.Success {
			return e.status, nil // still waiting
		}
	}
	e.status = StatusReadyToCommit
	return e.status, nil
}

// ProcessCommitReceipt records a commit-phase receipt. When every involved
// shard has committed the transaction becomes Committed. A failed commit
// receipt is surfaced as ErrProtocolInconsistency rather than resolved
// silently; the transaction stays queryable for the operator.
func (p *Protocol) ProcessCommitReceipt(r TransactionReceipt) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.txs[r.TxID]
	if !ok {
		return "", fmt.Errorf("commit receipt %s: %w", r.TxID, ErrUnknownTransaction)
	}
	if e.status != StatusReadyToCommit && e.status != StatusCommitted {
		return e.status, fmt.Errorf("commit receipt %s in state %s: receipt out of order", r.TxID, e.status)
	}
	e.commit[r.Shard] = r

	if !r.Success {
		log.Printf("xshard: PROTOCOL INCONSISTENCY: tx %s shard %d failed commit after successful prepare: %s",
			r.TxID, r.Shard, r.Error)
		return e.status, fmt.Errorf("tx %s shard %d: %w", r.TxID, r.Shard, ErrProtocolInconsistency)
	}

	for _, shard := range e.tx.InvolvedShards() {
		prev, ok := e.commit[shard]
		if !ok || !prev.Success {
			return e.status, nil // still waiting
		}
	}
	e.status = StatusCommitted
	return e.status, nil
}

// Abort moves a non-terminal transaction to Aborted. Callers use this to
// implement timeout policies around PendingShards; the protocol itself has
// no timer. Aborting an already-aborted transaction is a no-op; aborting a
// committed one is an error.
func (p *Protocol) Abort(id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.txs[id]
	if !ok {
		return fmt.Errorf("abort %s: %w", id, ErrUnknownTransaction)
	}
	switch e.status {
	case StatusAborted:
		return nil
	case StatusCommitted:
		return fmt.Errorf("abort %s: transaction already committed", id)
	}
	e.status = StatusAborted
	e.releases = e.releases[:0]
	for _, shard := range e.tx.InvolvedShards() {
		if prev, ok := e.prepare[shard]; ok && prev.Success {
			e.releases = append(e.releases, shard)
		}
	}
	log.Printf("xshard: tx %s aborted by caller: %s", id, reason)
	return nil
}

// Status returns the lifecycle state for id.
func (p *Protocol) Status(id string) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrUnknownTransaction)
	}
	return e.status, nil
}

// PendingShards returns the shards that have not yet answered the current
// phase, for caller-owned timeout and retry logic. Terminal transactions
// have no pending shards.
func (p *Protocol) PendingShards(id string) ([]uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.txs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownTransaction)
	}

	var waitingOn map[uint32]TransactionReceipt
	switch e.status {
	case StatusPending:
		waitingOn = e.prepare
	case StatusReadyToCommit:
		waitingOn = e.commit
	default:
		return nil, nil
	}

	var pending []uint32
	for _, shard := range e.tx.InvolvedShards() {
		if _, ok := waitingOn[shard]; !ok {
			pending = append(pending, shard)
		}
	}
	return pending, nil
}

// ReleasePending returns the shards recorded as still holding a reservation
// for an aborted transaction.
func (p *Protocol) ReleasePending(id string) []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.txs[id]; ok {
		return append([]uint32(nil), e.releases...)
	}
	return nil
}

// MarkReleased records that a compensating release reached the given shard.
func (p *Protocol) MarkReleased(id string, shard uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.txs[id]
	if !ok {
		return
	}
	kept := e.releases[:0]
	for _, s := range e.releases {
		if s != shard {
			kept = append(kept, s)
		}
	}
	e.releases = kept
}

// CountInState returns the number of transactions currently in the state.
func (p *Protocol) CountInState(status Status) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, e := range p.txs {
		if e.status == status {
			count++
		}
	}
	return count
}

// TransactionsInState lists the transactions currently in the state.
func (p *Protocol) TransactionsInState(status Status) []Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Transaction
	for _, e := range p.txs {
		if e.status == status {
			out = append(out, e.tx)
		}
	}
	return out
}

// Forget garbage-collects a terminal transaction once the caller has
// recorded its receipts. Forgetting a live transaction is an error.
func (p *Protocol) Forget(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.txs[id]
	if !ok {
		return fmt.Errorf("forget %s: %w", id, ErrUnknownTransaction)
	}
	if !e.status.Terminal() {
		return fmt.Errorf("forget %s: transaction still %s", id, e.status)
	}
	delete(p.txs, id)
	return nil
}
