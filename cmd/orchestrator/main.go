package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"github.com/sharding-experiment/shardledger/config"
	"github.com/sharding-experiment/shardledger/internal/coordinator"
	"github.com/sharding-experiment/shardledger/internal/orchestrator"
)

func main() {
	numShards := flag.Int("shards", 0, "Number of shards (0 = use config.json)")
	port := flag.Int("port", 8080, "HTTP port")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	var networkConfig config.NetworkConfig
	if err != nil {
		log.Printf("No config.json found, using defaults")
	} else {
		if *numShards == 0 && cfg.ShardNum > 0 {
			*numShards = cfg.ShardNum
		}
		networkConfig = cfg.Network
		if networkConfig.DelayEnabled {
			log.Printf("Network delay simulation enabled: %d-%dms",
				networkConfig.MinDelayMs, networkConfig.MaxDelayMs)
		}
	}

	// Allow environment variable overrides
	if envShards := os.Getenv("NUM_SHARDS"); envShards != "" {
		if n, err := strconv.Atoi(envShards); err == nil {
			*numShards = n
		}
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	if *numShards == 0 {
		*numShards = 4
	}

	log.Printf("Starting orchestrator with %d shards", *numShards)

	coord, err := coordinator.New(uint32(*numShards))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	service := orchestrator.NewService(coord, networkConfig, nil)
	log.Fatal(service.Start(*port))
}
