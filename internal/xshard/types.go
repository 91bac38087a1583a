// Package xshard implements the two-phase commit state machine for
// transactions whose endpoints live on different shards.
package xshard

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Phase identifies which half of the 2PC exchange a receipt belongs to.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseCommit  Phase = "commit"
)

// Status is the lifecycle state of a cross-shard transaction.
// Pending -> ReadyToCommit -> Committed, or -> Aborted from either
// non-terminal state. There is no partial-commit state: the transaction
// applies to both shards or to neither.
type Status string

const (
	StatusPending       Status = "pending"
	StatusReadyToCommit Status = "ready_to_commit"
	StatusCommitted     Status = "committed"
	StatusAborted       Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// Transaction is a transfer between accounts on two different shards.
type Transaction struct {
	ID             string         `json:"id"`
	From           common.Address `json:"from"`
	To             common.Address `json:"to"`
	Amount         *uint256.Int   `json:"amount"`
	Nonce          uint64         `json:"nonce"` // sender nonce the transfer was built against
	SenderShard    uint32         `json:"sender_shard"`
	RecipientShard uint32         `json:"recipient_shard"`
}

// InvolvedShards returns the shards participating in the transaction.
func (tx *Transaction) InvolvedShards() []uint32 {
	return []uint32{tx.SenderShard, tx.RecipientShard}
}

// TransactionReceipt records one shard's answer to one phase of a
// cross-shard transaction. Immutable once issued.
type TransactionReceipt struct {
	TxID    string `json:"tx_id"`
	Phase   Phase  `json:"phase"`
	Shard   uint32 `json:"shard"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Wire shapes exchanged between the orchestrator and shard nodes.
// Amounts travel as decimal strings.

// PrepareRequest asks a shard to validate and reserve for a transaction.
type PrepareRequest struct {
	TxID   string `json:"tx_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}

// CommitRequest asks a shard to finalize its side of a prepared transaction.
type CommitRequest struct {
	TxID   string `json:"tx_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// AbortRequest asks a shard to release any reservation held for a transaction.
type AbortRequest struct {
	TxID string `json:"tx_id"`
	From string `json:"from"`
}

// AbortResponse confirms the release.
type AbortResponse struct {
	TxID     string `json:"tx_id"`
	Released bool   `json:"released"`
}
