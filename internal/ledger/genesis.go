package ledger

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GenesisAccount is one pre-funded account in a genesis file.
type GenesisAccount struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"` // base units, decimal
	Nonce   uint64         `json:"nonce,omitempty"`
}

// Genesis is the JSON document written by cmd/genesis.
type Genesis struct {
	Accounts []GenesisAccount `json:"accounts"`
}

// ApplyGenesis seeds every shard from the genesis file at path and refreshes
// all shard roots. Returns the number of accounts applied.
func (m *Manager) ApplyGenesis(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read genesis file: %w", err)
	}
	var gen Genesis
	if err := json.Unmarshal(data, &gen); err != nil {
		return 0, fmt.Errorf("failed to parse genesis file: %w", err)
	}

	for _, ga := range gen.Accounts {
		balance, err := uint256.FromDecimal(ga.Balance)
		if err != nil {
			return 0, fmt.Errorf("genesis account %s: invalid balance %q: %w", ga.Address.Hex(), ga.Balance, err)
		}
		l := m.shardOf(ga.Address)
		l.mu.Lock()
		acct := l.getOrCreate(ga.Address)
		acct.Balance.Set(balance)
		acct.Nonce = ga.Nonce
		l.mu.Unlock()
	}

	for _, shard := range m.coord.AllShards() {
		if _, err := m.UpdateShardRoot(shard); err != nil {
			return 0, err
		}
	}
	return len(gen.Accounts), nil
}
