package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardledger/internal/ledger"
	"github.com/sharding-experiment/shardledger/internal/shardsync"
	"github.com/sharding-experiment/shardledger/internal/xshard"
)

// DefaultBlockInterval is used when the config does not set block_time_ms.
const DefaultBlockInterval = 3 * time.Second

// Server exposes one shard's ledger over HTTP: balance queries, local
// transfers, the 2PC prepare/commit/abort endpoints driven by the
// orchestrator, and the sync endpoints serving snapshots and proofs.
type Server struct {
	shardID       uint32
	mgr           *ledger.Manager
	chain         *Chain
	sync          *shardsync.Sync
	router        *mux.Router
	blockInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// NewServer creates a shard server and starts its block producer.
func NewServer(shardID uint32, mgr *ledger.Manager, blockInterval time.Duration) (*Server, error) {
	s, err := newServer(shardID, mgr, blockInterval)
	if err != nil {
		return nil, err
	}
	s.done = make(chan struct{})
	go s.blockProducer()
	return s, nil
}

// NewServerForTest creates a server without starting the block producer.
func NewServerForTest(shardID uint32, mgr *ledger.Manager) (*Server, error) {
	return newServer(shardID, mgr, DefaultBlockInterval)
}

func newServer(shardID uint32, mgr *ledger.Manager, blockInterval time.Duration) (*Server, error) {
	if !mgr.Coordinator().ValidShard(shardID) {
		return nil, fmt.Errorf("shard server: %w", ledger.ErrUnknownShard)
	}
	if blockInterval <= 0 {
		blockInterval = DefaultBlockInterval
	}
	s := &Server{
		shardID:       shardID,
		mgr:           mgr,
		chain:         NewChain(shardID),
		sync:          shardsync.New(mgr),
		router:        mux.NewRouter(),
		blockInterval: blockInterval,
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Sync returns the server's sync component.
func (s *Server) Sync() *shardsync.Sync { return s.sync }

// SealBlock commits the shard root, seals the next block and records its
// height on the ledger. Exposed for tests; the block producer calls it on a
// timer.
func (s *Server) SealBlock() (*Block, error) {
	root, err := s.mgr.UpdateShardRoot(s.shardID)
	if err != nil {
		return nil, err
	}
	block := s.chain.Seal(root)
	l, err := s.mgr.Shard(s.shardID)
	if err != nil {
		return nil, err
	}
	l.SetHeight(block.Height)
	if _, err := s.sync.CaptureSnapshot(s.shardID); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Server) blockProducer() {
	ticker := time.NewTicker(s.blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Printf("Shard %d: Block producer stopping", s.shardID)
			return
		case <-ticker.C:
			block, err := s.SealBlock()
			if err != nil {
				log.Printf("Shard %d: Failed to seal block: %v", s.shardID, err)
				continue
			}
			log.Printf("Shard %d: Sealed block %d with %d txs, root %s",
				s.shardID, block.Height, len(block.TxIDs), block.StateRoot.Hex())
		}
	}
}

// Close stops the block producer. Idempotent; safe on test servers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
}

func (s *Server) setupRoutes() {
	// Account endpoints
	s.router.HandleFunc("/balance/{address}", s.handleGetBalance).Methods("GET")
	s.router.HandleFunc("/transfer", s.handleLocalTransfer).Methods("POST")
	s.router.HandleFunc("/faucet", s.handleFaucet).Methods("POST")

	// Cross-shard endpoints (called by the orchestrator)
	s.router.HandleFunc("/cross-shard/prepare", s.handlePrepare).Methods("POST")
	s.router.HandleFunc("/cross-shard/commit", s.handleCommit).Methods("POST")
	s.router.HandleFunc("/cross-shard/abort", s.handleAbort).Methods("POST")

	// State sync endpoints
	s.router.HandleFunc("/stateroot", s.handleGetStateRoot).Methods("GET")
	s.router.HandleFunc("/sync/snapshot", s.handleCaptureSnapshot).Methods("GET")
	s.router.HandleFunc("/sync/snapshot", s.handleStoreSnapshot).Methods("POST")
	s.router.HandleFunc("/sync/proof/{address}", s.handleGetProof).Methods("GET")
	s.router.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

// Start serves the shard API on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Shard %d starting on %s", s.shardID, addr)
	return http.ListenAndServe(addr, s.router)
}

// ownsAddress reports whether addr routes to this server's shard.
func (s *Server) ownsAddress(addr common.Address) bool {
	return s.mgr.Coordinator().ShardFor(addr) == s.shardID
}

func parseAmount(raw string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}

// Handler implementations

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := common.HexToAddress(vars["address"])
	if !s.ownsAddress(addr) {
		http.Error(w, fmt.Sprintf("address %s not owned by shard %d", addr.Hex(), s.shardID), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"address":   addr.Hex(),
		"balance":   s.mgr.GetBalance(addr).Dec(),
		"available": s.mgr.AvailableBalance(addr).Dec(),
		"nonce":     fmt.Sprintf("%d", s.mgr.GetNonce(addr)),
	})
}

type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleLocalTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.ownsAddress(from) {
		http.Error(w, fmt.Sprintf("sender %s not owned by shard %d", from.Hex(), s.shardID), http.StatusBadRequest)
		return
	}

	if err := s.mgr.Transfer(from, to, amount); err != nil {
		if errors.Is(err, ledger.ErrCrossShard) {
			http.Error(w, "cross-shard transfer: submit to the orchestrator instead", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txID := uuid.New().String()
	s.chain.NoteTx(txID)
	json.NewEncoder(w).Encode(map[string]string{"status": "success", "tx_id": txID})
}

type FaucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	addr := common.HexToAddress(req.Address)
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.ownsAddress(addr) {
		http.Error(w, fmt.Sprintf("address %s not owned by shard %d", addr.Hex(), s.shardID), http.StatusBadRequest)
		return
	}
	s.mgr.Credit(addr, amount)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// Cross-shard handlers

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req xshard.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt := xshard.TransactionReceipt{
		TxID:  req.TxID,
		Phase: xshard.PhasePrepare,
		Shard: s.shardID,
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)
	switch {
	case s.ownsAddress(from):
		amount, err := parseAmount(req.Amount)
		if err != nil {
			receipt.Error = err.Error()
			break
		}
		if err := s.mgr.PrepareTransfer(req.TxID, from, amount, req.Nonce); err != nil {
			receipt.Error = err.Error()
			break
		}
		receipt.Success = true
	case s.ownsAddress(to):
		// Nothing to reserve on the recipient side; acknowledge so the
		// credit can be finalized at commit.
		receipt.Success = true
	default:
		receipt.Error = fmt.Sprintf("neither endpoint owned by shard %d", s.shardID)
	}

	s.chain.NoteTx(req.TxID)
	log.Printf("Shard %d: Prepare %s - success=%v", s.shardID, req.TxID, receipt.Success)
	json.NewEncoder(w).Encode(receipt)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req xshard.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt := xshard.TransactionReceipt{
		TxID:  req.TxID,
		Phase: xshard.PhaseCommit,
		Shard: s.shardID,
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)
	switch {
	case s.ownsAddress(from):
		if err := s.mgr.CommitDebit(req.TxID, from); err != nil {
			receipt.Error = err.Error()
			break
		}
		receipt.Success = true
	case s.ownsAddress(to):
		amount, err := parseAmount(req.Amount)
		if err != nil {
			receipt.Error = err.Error()
			break
		}
		if err := s.mgr.CommitCredit(req.TxID, to, amount); err != nil {
			receipt.Error = err.Error()
			break
		}
		receipt.Success = true
	default:
		receipt.Error = fmt.Sprintf("neither endpoint owned by shard %d", s.shardID)
	}

	log.Printf("Shard %d: Commit %s - success=%v", s.shardID, req.TxID, receipt.Success)
	json.NewEncoder(w).Encode(receipt)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req xshard.AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	released := false
	from := common.HexToAddress(req.From)
	if s.ownsAddress(from) {
		released = s.mgr.Release(req.TxID, from)
	}

	log.Printf("Shard %d: Abort %s - released=%v", s.shardID, req.TxID, released)
	json.NewEncoder(w).Encode(xshard.AbortResponse{TxID: req.TxID, Released: released})
}

// Sync handlers

func (s *Server) handleGetStateRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.mgr.StateRoot(s.shardID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_id":   s.shardID,
		"height":     s.chain.Height(),
		"state_root": root.Hex(),
	})
}

func (s *Server) handleCaptureSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sync.CaptureSnapshot(s.shardID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleStoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap shardsync.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sync.StoreSnapshot(snap.ShardID, &snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "stored",
		"validated": s.sync.ValidateSnapshot(snap.ShardID, &snap),
	})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := common.HexToAddress(vars["address"])
	if !s.ownsAddress(addr) {
		http.Error(w, fmt.Sprintf("address %s not owned by shard %d", addr.Hex(), s.shardID), http.StatusBadRequest)
		return
	}

	proof, err := s.sync.GenerateMerkleProof(s.shardID, addr)
	if err != nil {
		if errors.Is(err, shardsync.ErrAccountNotInShard) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(proof)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[uint32]shardsync.SyncStatus)
	for _, shard := range s.mgr.Coordinator().AllShards() {
		statuses[shard] = s.sync.Status(shard)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_id": s.shardID,
		"statuses": statuses,
		"synced":   s.sync.SyncedShards(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_id":      s.shardID,
		"shard_count":   s.mgr.Coordinator().ShardCount(),
		"height":        s.chain.Height(),
		"account_count": s.mgr.TotalAccountCount(),
		"pending_txs":   s.chain.PendingCount(),
	})
}
