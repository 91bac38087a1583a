// Package orchestrator runs the coordinator side of the cross-shard
// protocol: it accepts transfer submissions, drives prepare and commit
// against the owning shard nodes over HTTP, and compensates aborted
// transactions by releasing their reservations.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/shardledger/config"
	"github.com/sharding-experiment/shardledger/internal/coordinator"
	"github.com/sharding-experiment/shardledger/internal/network"
	"github.com/sharding-experiment/shardledger/internal/xshard"
)

const (
	HTTPClientTimeout = 10 * time.Second
	phaseTimeout      = 5 * time.Second
)

// ShardURLResolver maps a shard id to the base URL of its node.
type ShardURLResolver func(shard uint32) string

// DefaultShardURL resolves shard ids to the compose-network hostnames.
func DefaultShardURL(shard uint32) string {
	return fmt.Sprintf("http://shard-%d:8545", shard)
}

// Service coordinates cross-shard transactions.
type Service struct {
	router     *mux.Router
	coord      *coordinator.Coordinator
	protocol   *xshard.Protocol
	httpClient *http.Client
	shardURL   ShardURLResolver
}

// NewService creates an orchestrator over the given shard routing. resolver
// may be nil, in which case shard nodes are addressed by their compose
// hostnames.
func NewService(coord *coordinator.Coordinator, networkConfig config.NetworkConfig, resolver ShardURLResolver) *Service {
	if resolver == nil {
		resolver = DefaultShardURL
	}
	s := &Service{
		router:     mux.NewRouter(),
		coord:      coord,
		protocol:   xshard.NewProtocol(coord),
		httpClient: network.NewHTTPClient(networkConfig, HTTPClientTimeout),
		shardURL:   resolver,
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing.
func (s *Service) Router() *mux.Router {
	return s.router
}

// Protocol exposes the underlying state machine for testing.
func (s *Service) Protocol() *xshard.Protocol {
	return s.protocol
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/cross-shard/submit", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/cross-shard/status/{txid}", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/cross-shard/pending/{txid}", s.handlePendingShards).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/shards", s.handleShards).Methods("GET")
}

// Start serves the orchestrator API on the given port.
func (s *Service) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Orchestrator starting on %s (managing %d shards)", addr, s.coord.ShardCount())
	return http.ListenAndServe(addr, s.router)
}

// SubmitRequest is a cross-shard transfer submission.
type SubmitRequest struct {
	TxID   string `json:"tx_id,omitempty"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid amount %q: %v", req.Amount, err), http.StatusBadRequest)
		return
	}

	tx := xshard.Transaction{
		ID:     req.TxID,
		From:   common.HexToAddress(req.From),
		To:     common.HexToAddress(req.To),
		Amount: amount,
		Nonce:  req.Nonce,
	}
	txID, err := s.protocol.RegisterTransaction(tx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("Received cross-shard tx %s: shard %d -> shard %d, amount %s",
		txID, s.coord.ShardFor(tx.From), s.coord.ShardFor(tx.To), amount.Dec())

	status := s.execute(r.Context(), txID)
	json.NewEncoder(w).Encode(map[string]string{
		"tx_id":  txID,
		"status": string(status),
	})
}

// execute drives the registered transaction through both phases and returns
// its final status. Aborted transactions have their reservations released
// before this returns.
func (s *Service) execute(ctx context.Context, txID string) xshard.Status {
	tx, err := s.protocol.Transaction(txID)
	if err != nil {
		return ""
	}

	status := s.runPhase(ctx, tx, xshard.PhasePrepare)
	if status == xshard.StatusReadyToCommit {
		status = s.runPhase(ctx, tx, xshard.PhaseCommit)
	}
	if status == xshard.StatusAborted {
		s.releaseReservations(ctx, tx)
	}
	return status
}

// runPhase fans the phase request out to every involved shard, feeds the
// receipts back into the protocol, and returns the resulting status.
func (s *Service) runPhase(ctx context.Context, tx xshard.Transaction, phase xshard.Phase) xshard.Status {
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range tx.InvolvedShards() {
		shard := shard
		g.Go(func() error {
			receipt := s.callShard(gctx, tx, phase, shard)
			var err error
			if phase == xshard.PhasePrepare {
				_, err = s.protocol.ProcessPrepareReceipt(receipt)
			} else {
				_, err = s.protocol.ProcessCommitReceipt(receipt)
			}
			if err != nil {
				log.Printf("Orchestrator: tx %s %s receipt from shard %d: %v", tx.ID, phase, shard, err)
			}
			return nil
		})
	}
	g.Wait()

	status, err := s.protocol.Status(tx.ID)
	if err != nil {
		return ""
	}
	// A shard that never answered leaves the transaction stuck in the
	// current phase; treat the timeout as an abort decision.
	if status == xshard.StatusPending {
		if err := s.protocol.Abort(tx.ID, "prepare phase incomplete"); err == nil {
			status = xshard.StatusAborted
		}
	}
	return status
}

// callShard posts one phase request to one shard and returns its receipt.
// Transport failures become failed receipts so the protocol can abort.
func (s *Service) callShard(ctx context.Context, tx xshard.Transaction, phase xshard.Phase, shard uint32) xshard.TransactionReceipt {
	failed := func(err error) xshard.TransactionReceipt {
		return xshard.TransactionReceipt{
			TxID: tx.ID, Phase: phase, Shard: shard,
			Success: false, Error: err.Error(),
		}
	}

	var payload interface{}
	var path string
	switch phase {
	case xshard.PhasePrepare:
		path = "/cross-shard/prepare"
		payload = xshard.PrepareRequest{
			TxID: tx.ID, From: tx.From.Hex(), To: tx.To.Hex(),
			Amount: tx.Amount.Dec(), Nonce: tx.Nonce,
		}
	case xshard.PhaseCommit:
		path = "/cross-shard/commit"
		payload = xshard.CommitRequest{
			TxID: tx.ID, From: tx.From.Hex(), To: tx.To.Hex(),
			Amount: tx.Amount.Dec(),
		}
	}

	var receipt xshard.TransactionReceipt
	if err := s.postJSON(ctx, s.shardURL(shard)+path, payload, &receipt); err != nil {
		log.Printf("Orchestrator: tx %s %s to shard %d failed: %v", tx.ID, phase, shard, err)
		return failed(err)
	}
	return receipt
}

// releaseReservations sends compensating aborts to the shards the protocol
// recorded as still holding a reservation. The sender shard is always
// included: a prepare can apply its reservation and still reach the
// protocol as a failure when the response is lost in transport, so the
// release list alone cannot prove the sender holds nothing. Release is
// idempotent on the shard side, so the extra abort is safe.
func (s *Service) releaseReservations(ctx context.Context, tx xshard.Transaction) {
	shards := s.protocol.ReleasePending(tx.ID)
	senderListed := false
	for _, shard := range shards {
		if shard == tx.SenderShard {
			senderListed = true
			break
		}
	}
	if !senderListed {
		shards = append(shards, tx.SenderShard)
	}

	for _, shard := range shards {
		var resp xshard.AbortResponse
		req := xshard.AbortRequest{TxID: tx.ID, From: tx.From.Hex()}
		if err := s.postJSON(ctx, s.shardURL(shard)+"/cross-shard/abort", req, &resp); err != nil {
			// Left on the release list; the operator can retry via the
			// protocol's pending-release view.
			log.Printf("Orchestrator: tx %s release to shard %d failed: %v", tx.ID, shard, err)
			continue
		}
		s.protocol.MarkReleased(tx.ID, shard)
		log.Printf("Orchestrator: tx %s released reservation on shard %d (released=%v)", tx.ID, shard, resp.Released)
	}
}

func (s *Service) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, phaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txid"]

	status, err := s.protocol.Status(txID)
	if err != nil {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"tx_id":  txID,
		"status": string(status),
	})
}

func (s *Service) handlePendingShards(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txid"]

	pending, err := s.protocol.PendingShards(txID)
	if err != nil {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tx_id":   txID,
		"pending": pending,
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]int{
		"pending":         s.protocol.CountInState(xshard.StatusPending),
		"ready_to_commit": s.protocol.CountInState(xshard.StatusReadyToCommit),
		"committed":       s.protocol.CountInState(xshard.StatusCommitted),
		"aborted":         s.protocol.CountInState(xshard.StatusAborted),
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Service) handleShards(w http.ResponseWriter, r *http.Request) {
	shards := make([]map[string]interface{}, 0, s.coord.ShardCount())
	for _, id := range s.coord.AllShards() {
		shards = append(shards, map[string]interface{}{
			"id":  id,
			"url": s.shardURL(id),
		})
	}
	json.NewEncoder(w).Encode(shards)
}
