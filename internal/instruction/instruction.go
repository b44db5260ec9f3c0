// Package instruction is the operator-side client. It encodes calls into a
// user operation, prices it through a sponsor or a gas estimate, signs the
// canonical hash with the operator key, submits it to the relay and waits
// for the receipt.
package instruction

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Default polling parameters.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 60 * time.Second
)

// Relay is the JSON-RPC surface the client needs.
type Relay interface {
	Call(ctx context.Context, result any, method string, params ...any) error
}

// MetricsRecorder is an optional interface for recording client metrics.
type MetricsRecorder interface {
	IncInstruction(outcome string, sponsored bool)
	ObserveReceiptWait(seconds float64)
	IncRelayError(method string)
}

// Config describes the network and payment path.
type Config struct {
	EntryPoint   common.Address
	ChainID      *big.Int
	Version      userop.Version
	Sponsored    bool
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Deployment is attached as the factory call when the sender has no code yet.
type Deployment struct {
	Factory     common.Address
	FactoryData []byte
}

// Request is one instruction to send.
type Request struct {
	Sender common.Address
	Calls  []abis.Call
	Key    *ecdsa.PrivateKey
	// Proofs carries one Merkle proof per call for schema-path targets.
	Proofs   [][]common.Hash
	NonceKey *big.Int
	Deploy   *Deployment
}

// Result is the outcome of an included instruction.
type Result struct {
	TransactionHash common.Hash     `json:"transaction_hash"`
	UserOpHash      common.Hash     `json:"user_op_hash"`
	Success         bool            `json:"success"`
	Reason          string          `json:"reason,omitempty"`
	Receipt         *userop.Receipt `json:"receipt,omitempty"`
}

// Client sends instructions through a relay.
type Client struct {
	relay   Relay
	codec   userop.Codec
	cfg     Config
	metrics MetricsRecorder
	now     func() time.Time
}

// New creates a client.
func New(r Relay, cfg Config) (*Client, error) {
	codec, err := userop.CodecFor(cfg.Version)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Client{relay: r, codec: codec, cfg: cfg, now: time.Now}, nil
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Sponsored reports whether the client asks the relay's paymaster to pay.
func (c *Client) Sponsored() bool { return c.cfg.Sponsored }

// Send builds, signs and submits req, then waits for its receipt. An
// included but unsuccessful instruction returns its Result together with a
// *RejectedError.
func (c *Client) Send(ctx context.Context, req Request) (*Result, error) {
	hash, err := c.Submit(ctx, req)
	if err != nil {
		c.count("relay_error")
		return nil, err
	}
	res, err := c.Wait(ctx, hash)
	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		c.count("timeout")
	case err != nil:
		c.count("relay_error")
	case res.Success:
		c.count("approved")
	default:
		c.count("rejected")
		err = &RejectedError{UserOpHash: res.UserOpHash, TxHash: res.TransactionHash, Reason: res.Reason}
	}
	return res, err
}

func (c *Client) count(outcome string) {
	if c.metrics != nil {
		c.metrics.IncInstruction(outcome, c.cfg.Sponsored)
	}
}

// Submit builds, prices, signs and submits req, returning the user
// operation hash without waiting.
func (c *Client) Submit(ctx context.Context, req Request) (common.Hash, error) {
	op, err := c.Build(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := c.sign(op, req)
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := c.codec.MarshalRPC(op)
	if err != nil {
		return common.Hash{}, err
	}
	var got common.Hash
	if err := c.call(ctx, &got, "eth_sendUserOperation", raw, c.cfg.EntryPoint); err != nil {
		return common.Hash{}, err
	}
	if got != hash {
		return common.Hash{}, fmt.Errorf("%w: local %s, relay %s", ErrHashMismatch, hash.Hex(), got.Hex())
	}
	slog.Info("instruction submitted",
		"user_op_hash", hash.Hex(),
		"sender", req.Sender.Hex(),
		"nonce", op.Nonce.String(),
		"sponsored", c.cfg.Sponsored,
	)
	return hash, nil
}

// Build assembles an unsigned, priced user operation for req.
func (c *Client) Build(ctx context.Context, req Request) (*userop.UserOperation, error) {
	if len(req.Calls) == 0 {
		return nil, ErrNoCalls
	}
	if req.Key == nil {
		return nil, ErrNoKey
	}
	callData, err := abis.EncodeExecute(req.Calls)
	if err != nil {
		return nil, fmt.Errorf("encoding calls: %w", err)
	}
	nonce, err := c.Nonce(ctx, req.Sender, req.NonceKey)
	if err != nil {
		return nil, err
	}

	op := &userop.UserOperation{
		Sender:   req.Sender,
		Nonce:    nonce,
		CallData: callData,
	}
	if req.Deploy != nil {
		var code hexutil.Bytes
		if err := c.call(ctx, &code, "eth_getCode", req.Sender, "latest"); err != nil {
			return nil, err
		}
		if len(code) == 0 {
			op.Factory = req.Deploy.Factory
			op.FactoryData = common.CopyBytes(req.Deploy.FactoryData)
		}
	}

	if err := c.price(ctx, op); err != nil {
		return nil, err
	}
	op.Signature, err = placeholderSignature(req.Proofs)
	if err != nil {
		return nil, err
	}

	raw, err := c.codec.MarshalRPC(op)
	if err != nil {
		return nil, err
	}
	if c.cfg.Sponsored {
		var sp userop.Sponsorship
		if err := c.call(ctx, &sp, "pm_sponsorUserOperation", raw, c.cfg.EntryPoint); err != nil {
			return nil, err
		}
		if err := sp.Apply(op); err != nil {
			return nil, fmt.Errorf("applying sponsorship: %w", err)
		}
		return op, nil
	}
	var est userop.GasEstimate
	if err := c.call(ctx, &est, "eth_estimateUserOperationGas", raw, c.cfg.EntryPoint); err != nil {
		return nil, err
	}
	est.Apply(op)
	return op, nil
}

// price fills the fee fields: the tip is the relay's quote and the cap
// leaves room for one tip on top of the current gas price.
func (c *Client) price(ctx context.Context, op *userop.UserOperation) error {
	var gasPrice, tip hexutil.Big
	if err := c.call(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return err
	}
	if err := c.call(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		return err
	}
	op.MaxPriorityFeePerGas = new(big.Int).Set(tip.ToInt())
	op.MaxFeePerGas = new(big.Int).Add(gasPrice.ToInt(), tip.ToInt())
	return nil
}

func placeholderSignature(proofs [][]common.Hash) ([]byte, error) {
	if len(proofs) == 0 {
		return userop.DummySignature(), nil
	}
	return abis.EncodeSignatureBundle(userop.DummySignature(), proofs)
}

// sign signs the canonical hash and attaches proofs when present.
func (c *Client) sign(op *userop.UserOperation, req Request) (common.Hash, error) {
	hash, err := userop.Sign(op, c.codec, c.cfg.EntryPoint, c.cfg.ChainID, req.Key)
	if err != nil {
		return common.Hash{}, err
	}
	if len(req.Proofs) > 0 {
		op.Signature, err = abis.EncodeSignatureBundle(op.Signature, req.Proofs)
		if err != nil {
			return common.Hash{}, fmt.Errorf("bundling proofs: %w", err)
		}
	}
	return hash, nil
}

// Nonce reads the sender's next nonce for key from the entry point.
func (c *Client) Nonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	data, err := abis.EntryPoint.Pack("getNonce", sender, key)
	if err != nil {
		return nil, err
	}
	out, err := c.View(ctx, c.cfg.EntryPoint, data)
	if err != nil {
		return nil, err
	}
	vals, err := abis.EntryPoint.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// View runs a read-only eth_call against to.
func (c *Client) View(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	msg := map[string]any{"to": to, "data": hexutil.Bytes(data)}
	if err := c.call(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// AccountAddress asks factory for the counterfactual account of
// (owner, agentID).
func (c *Client) AccountAddress(ctx context.Context, factory, owner common.Address, agentID *big.Int) (common.Address, error) {
	data, err := abis.Factory.Pack("getAddress", owner, agentID)
	if err != nil {
		return common.Address{}, err
	}
	out, err := c.View(ctx, factory, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := abis.Factory.Unpack("getAddress", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding account address: %w", err)
	}
	return vals[0].(common.Address), nil
}

// Receipt fetches the receipt for hash, or nil if it is not included yet.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	var r *userop.Receipt
	if err := c.call(ctx, &r, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return r, nil
}

// Wait polls for the receipt of hash every PollInterval until it appears or
// PollTimeout elapses. Cancelling ctx returns ctx.Err() rather than a
// TimeoutError.
func (c *Client) Wait(ctx context.Context, hash common.Hash) (*Result, error) {
	start := c.now()
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(pollCtx, hash)
		if err != nil && pollCtx.Err() == nil {
			return nil, err
		}
		if r != nil {
			if c.metrics != nil {
				c.metrics.ObserveReceiptWait(c.now().Sub(start).Seconds())
			}
			return &Result{
				TransactionHash: r.Receipt.TransactionHash,
				UserOpHash:      hash,
				Success:         r.Success,
				Reason:          r.Reason,
				Receipt:         r,
			}, nil
		}
		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &TimeoutError{UserOpHash: hash, Waited: c.now().Sub(start)}
		}
	}
}

func (c *Client) call(ctx context.Context, result any, method string, params ...any) error {
	if err := c.relay.Call(ctx, result, method, params...); err != nil {
		if c.metrics != nil {
			c.metrics.IncRelayError(method)
		}
		return wrapRelay(method, err)
	}
	return nil
}
