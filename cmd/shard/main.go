package main

import (
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sharding-experiment/shardledger/config"
	"github.com/sharding-experiment/shardledger/internal/coordinator"
	"github.com/sharding-experiment/shardledger/internal/ledger"
	"github.com/sharding-experiment/shardledger/internal/shard"
)

func main() {
	shardID := flag.Int("id", -1, "Shard ID")
	port := flag.Int("port", 8545, "HTTP port")
	genesisPath := flag.String("genesis", "", "Genesis file path (empty = use config)")
	flag.Parse()

	// Allow environment variable override
	if *shardID == -1 {
		if id, err := strconv.Atoi(os.Getenv("SHARD_ID")); err == nil {
			*shardID = id
		} else {
			log.Fatal("SHARD_ID required")
		}
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *genesisPath == "" {
		*genesisPath = cfg.GenesisPath
	}

	coord, err := coordinator.New(uint32(cfg.ShardNum))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	mgr := ledger.NewManager(coord)

	if *genesisPath != "" {
		n, err := mgr.ApplyGenesis(*genesisPath)
		if err != nil {
			log.Fatalf("Failed to apply genesis: %v", err)
		}
		log.Printf("Shard %d: Applied genesis with %d accounts", *shardID, n)
	}

	blockInterval := time.Duration(cfg.BlockTimeMs) * time.Millisecond
	server, err := shard.NewServer(uint32(*shardID), mgr, blockInterval)
	if err != nil {
		log.Fatalf("Failed to create shard server: %v", err)
	}
	defer server.Close()

	log.Fatal(server.Start(*port))
}
