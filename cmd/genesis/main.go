// Command genesis generates a deterministic genesis file: a fixed number of
// sha256-derived test addresses, each funded with the same starting balance.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sharding-experiment/shardledger/config"
	"github.com/sharding-experiment/shardledger/internal/coordinator"
	"github.com/sharding-experiment/shardledger/internal/ledger"
)

const defaultBalance = "1000000000000000000" // 1e18 base units per account

func main() {
	out := flag.String("out", "", "Output path (empty = genesis_path from config)")
	accounts := flag.Int("accounts", 0, "Number of test accounts (0 = use config)")
	balance := flag.String("balance", defaultBalance, "Starting balance per account")
	flag.Parse()

	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *out == "" {
		*out = cfg.GenesisPath
	}
	if *accounts == 0 {
		*accounts = cfg.TestAccountNum
	}
	if *accounts <= 0 {
		log.Fatal("account count must be positive")
	}

	coord, err := coordinator.New(uint32(cfg.ShardNum))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	gen := ledger.Genesis{Accounts: make([]ledger.GenesisAccount, 0, *accounts)}
	perShard := make(map[uint32]int)
	for i := 0; i < *accounts; i++ {
		seed := fmt.Sprintf("shard-test-account-%d", i)
		hash := sha256.Sum256([]byte(seed))
		addr := common.BytesToAddress(hash[:])
		gen.Accounts = append(gen.Accounts, ledger.GenesisAccount{
			Address: addr,
			Balance: *balance,
		})
		perShard[coord.ShardFor(addr)]++
	}

	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode genesis: %v", err)
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("Failed to write genesis file: %v", err)
	}

	log.Printf("Wrote %d accounts to %s", *accounts, *out)
	for _, shard := range coord.AllShards() {
		log.Printf("Shard %d: %d accounts", shard, perShard[shard])
	}
}
