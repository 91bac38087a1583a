package shard

import (
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockHash is the sha256 digest of a block's JSON encoding.
type BlockHash [32]byte

// Block seals one batch of applied transactions for a shard: the height,
// the state root committing to the ledger after the batch, and the ids of
// the transactions ordered in it.
type Block struct {
	ShardID   uint32      `json:"shard_id"`
	Height    uint64      `json:"height"`
	PrevHash  BlockHash   `json:"prev_hash"`
	Timestamp uint64      `json:"timestamp"`
	StateRoot common.Hash `json:"state_root"`
	TxIDs     []string    `json:"tx_ids"`
}

// Hash returns the block's digest.
func (b *Block) Hash() BlockHash {
	data, _ := json.Marshal(b)
	return sha256.Sum256(data)
}

// Chain maintains the light block chain for one shard. It records ordering
// and state roots only; account state lives in the ledger.
type Chain struct {
	mu         sync.RWMutex
	shardID    uint32
	blocks     []*Block
	height     uint64
	currentTxs []string
}

// NewChain creates a chain holding only the genesis block.
func NewChain(shardID uint32) *Chain {
	genesis := &Block{
		ShardID:   shardID,
		Height:    0,
		Timestamp: uint64(time.Now().Unix()),
	}
	return &Chain{
		shardID: shardID,
		blocks:  []*Block{genesis},
	}
}

// NoteTx queues a transaction id for inclusion in the next block.
func (c *Chain) NoteTx(txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTxs = append(c.currentTxs, txID)
}

// PendingCount returns the number of transactions queued for the next block.
func (c *Chain) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.currentTxs)
}

// Seal produces the next block over the queued transactions, committing the
// given state root.
func (c *Chain) Seal(stateRoot common.Hash) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := &Block{
		ShardID:   c.shardID,
		Height:    c.height + 1,
		PrevHash:  c.blocks[c.height].Hash(),
		Timestamp: uint64(time.Now().Unix()),
		StateRoot: stateRoot,
		TxIDs:     c.currentTxs,
	}
	c.blocks = append(c.blocks, block)
	c.height++
	c.currentTxs = nil
	return block
}

// Height returns the height of the latest sealed block.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// Head returns the latest sealed block.
func (c *Chain) Head() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[c.height]
}
