package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/agentvault/internal/chain"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// JSON-RPC and ERC-4337 bundler error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeServerError      = -32000
	CodeRejectedByEP     = -32500
	CodeRejectedByPM     = -32501
	CodeExpiredSponsor   = -32503
	CodeExecutionFailure = 3
)

// MetricsRecorder is an optional interface for recording relay metrics.
type MetricsRecorder interface {
	IncRelayRequest(method string, ok bool)
	SetMempoolSize(n int)
	ObserveBundle(succeeded, failed int, droppedCodes []string)
}

// Config controls bundling and sponsorship.
type Config struct {
	Beneficiary    common.Address
	BundleInterval time.Duration
	MaxBundleSize  int
	// Paymaster is the sponsoring paymaster; zero disables pm_sponsorUserOperation.
	Paymaster common.Address
	// SponsorshipTTL bounds how long a sponsorship stays valid.
	SponsorshipTTL time.Duration
}

type pending struct {
	op   *userop.UserOperation
	hash common.Hash
}

type rpcHandler func(ctx context.Context, params []json.RawMessage) (any, error)

// Server is a devnet relay: node, bundler and paymaster endpoints over one
// JSON-RPC surface. Accepted operations wait in the mempool until the next
// bundle.
type Server struct {
	chain   *chain.Chain
	cfg     Config
	methods map[string]rpcHandler
	metrics MetricsRecorder

	mu      sync.Mutex
	mempool []pending
	seen    map[common.Hash]struct{}
	done    chan struct{}
}

// NewServer creates a relay in front of c.
func NewServer(c *chain.Chain, cfg Config) *Server {
	if cfg.BundleInterval <= 0 {
		cfg.BundleInterval = time.Second
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = 16
	}
	if cfg.SponsorshipTTL <= 0 {
		cfg.SponsorshipTTL = 10 * time.Minute
	}
	s := &Server{
		chain: c,
		cfg:   cfg,
		seen:  make(map[common.Hash]struct{}),
		done:  make(chan struct{}),
	}
	s.methods = map[string]rpcHandler{
		"eth_chainId":                  s.chainID,
		"eth_blockNumber":              s.blockNumber,
		"eth_gasPrice":                 s.gasPrice,
		"eth_maxPriorityFeePerGas":     s.maxPriorityFee,
		"eth_getBalance":               s.getBalance,
		"eth_getCode":                  s.getCode,
		"eth_getTransactionCount":      s.getTransactionCount,
		"eth_call":                     s.call,
		"eth_estimateGas":              s.estimateGas,
		"eth_sendRawTransaction":       s.sendRawTransaction,
		"eth_getTransactionReceipt":    s.getTransactionReceipt,
		"eth_supportedEntryPoints":     s.supportedEntryPoints,
		"eth_estimateUserOperationGas": s.estimateUserOperationGas,
		"eth_sendUserOperation":        s.sendUserOperation,
		"eth_getUserOperationReceipt":  s.getUserOperationReceipt,
		"pm_sponsorUserOperation":      s.sponsorUserOperation,
	}
	return s
}

// SetMetrics sets the optional metrics recorder.
func (s *Server) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Handler returns the HTTP handler serving JSON-RPC on POST /.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/", s.serveRPC)
	return r
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeResponse(w, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: err.Error()}})
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var reqs []request
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeResponse(w, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: err.Error()}})
			return
		}
		out := make([]response, 0, len(reqs))
		for _, req := range reqs {
			out = append(out, s.dispatch(r.Context(), req))
		}
		writeResponse(w, out)
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: err.Error()}})
		return
	}
	writeResponse(w, s.dispatch(r.Context(), req))
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	h, ok := s.methods[req.Method]
	if !ok {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("the method %s does not exist/is not available", req.Method)}
		s.countRequest(req.Method, false)
		return resp
	}
	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &Error{Code: CodeInvalidParams, Message: "params must be an array"}
			s.countRequest(req.Method, false)
			return resp
		}
	}

	result, err := h(ctx, params)
	if err != nil {
		resp.Error = toRPCError(err)
		slog.Debug("relay call failed", "method", req.Method, "error", err)
		s.countRequest(req.Method, false)
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeServerError, Message: err.Error()}
		s.countRequest(req.Method, false)
		return resp
	}
	resp.Result = raw
	s.countRequest(req.Method, true)
	return resp
}

func (s *Server) countRequest(method string, ok bool) {
	if s.metrics != nil {
		s.metrics.IncRelayRequest(method, ok)
	}
}

func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var opErr *chain.OpError
	if errors.As(err, &opErr) {
		code := CodeRejectedByEP
		if strings.HasPrefix(opErr.Code, "AA3") {
			code = CodeRejectedByPM
		}
		return &Error{Code: code, Message: opErr.Error()}
	}
	return &Error{Code: CodeServerError, Message: err.Error()}
}

func writeResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Start bundles the mempool on a timer. It blocks until Stop is called or
// the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BundleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Bundle()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Stop signals the bundling goroutine to exit.
func (s *Server) Stop() {
	close(s.done)
}

// Pending returns the number of operations waiting in the mempool.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mempool)
}

// Bundle submits up to MaxBundleSize pending operations in one handleOps.
func (s *Server) Bundle() []*userop.Receipt {
	s.mu.Lock()
	n := len(s.mempool)
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	if n > s.cfg.MaxBundleSize {
		n = s.cfg.MaxBundleSize
	}
	batch := s.mempool[:n:n]
	s.mempool = append([]pending(nil), s.mempool[n:]...)
	for _, p := range batch {
		delete(s.seen, p.hash)
	}
	left := len(s.mempool)
	s.mu.Unlock()

	ops := make([]*userop.UserOperation, len(batch))
	for i, p := range batch {
		ops[i] = p.op
	}
	txHash, receipts, dropped := s.chain.HandleOps(ops, s.cfg.Beneficiary)

	var ok, failed int
	for _, r := range receipts {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	codes := make([]string, 0, len(dropped))
	for _, d := range dropped {
		code := "unknown"
		var opErr *chain.OpError
		if errors.As(d.Err, &opErr) {
			code = opErr.Code
		}
		codes = append(codes, code)
		slog.Warn("user operation dropped from bundle", "user_op_hash", d.UserOpHash.Hex(), "error", d.Err)
	}
	if s.metrics != nil {
		s.metrics.ObserveBundle(ok, failed, codes)
		s.metrics.SetMempoolSize(left)
	}
	slog.Info("bundle submitted",
		"tx_hash", txHash.Hex(),
		"included", len(receipts),
		"failed_validation", failed,
		"dropped", len(dropped),
	)
	return receipts
}

func (s *Server) enqueue(op *userop.UserOperation, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[hash]; dup {
		return &Error{Code: CodeInvalidParams, Message: "user operation already in mempool"}
	}
	for _, p := range s.mempool {
		if p.op.Sender == op.Sender && p.op.Nonce.Cmp(op.Nonce) == 0 {
			return &Error{Code: CodeInvalidParams, Message: "replacement of a pending user operation is not supported"}
		}
	}
	s.mempool = append(s.mempool, pending{op: op, hash: hash})
	s.seen[hash] = struct{}{}
	if s.metrics != nil {
		s.metrics.SetMempoolSize(len(s.mempool))
	}
	return nil
}
