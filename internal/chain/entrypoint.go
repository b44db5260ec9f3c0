package chain

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OpError is a pre-inclusion failure. Operations that hit one are dropped
// from the bundle and never get a receipt.
type OpError struct {
	Code   string
	Reason string
}

func (e *OpError) Error() string { return e.Code + " " + e.Reason }

var seqMask = new(big.Int).SetUint64(^uint64(0))

// Gas figures handed out by EstimateGas and Sponsor.
const (
	basePreVerificationGas   = 45_000
	baseVerificationGas      = 120_000
	deploymentGas            = 250_000
	baseCallGas              = 60_000
	callGasPerByte           = 16
	paymasterVerificationGas = 50_000
	paymasterPostOpGas       = 20_000
)

func splitNonce(n *big.Int) (key string, seq uint64) {
	if n == nil {
		return "0", 0
	}
	k := new(big.Int).Rsh(n, 64)
	s := new(big.Int).And(n, seqMask)
	return k.Text(16), s.Uint64()
}

// GetNonce returns key<<64 | next sequence for sender.
func (c *Chain) GetNonce(sender common.Address, key *big.Int) *big.Int {
	k := "0"
	if key != nil {
		k = key.Text(16)
	}
	c.mu.RLock()
	seq := c.opNonces[sender][k]
	c.mu.RUnlock()
	n := new(big.Int)
	if key != nil {
		n.Lsh(key, 64)
	}
	return n.Or(n, new(big.Int).SetUint64(seq))
}

func (c *Chain) consumeNonce(sender common.Address, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.opNonces[sender]
	if !ok {
		m = make(map[string]uint64)
		c.opNonces[sender] = m
	}
	m[key]++
}

// DepositOf returns addr's entry-point deposit.
func (c *Chain) DepositOf(addr common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneInt(c.deposits[addr])
}

func (c *Chain) addDeposit(addr common.Address, delta *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits[addr] = new(big.Int).Add(cloneInt(c.deposits[addr]), delta)
}

// DepositTo moves native value from from into addr's entry-point deposit.
func (c *Chain) DepositTo(from, addr common.Address, amount *big.Int) error {
	data, err := abis.EntryPoint.Pack("depositTo", addr)
	if err != nil {
		return err
	}
	_, err = c.Call(from, c.cfg.EntryPoint, amount, data)
	return err
}

// effectivePrice is min(maxFee, baseFee + maxPriorityFee).
func (c *Chain) effectivePrice(op *userop.UserOperation) *big.Int {
	p := new(big.Int).Add(c.cfg.BaseFee, cloneInt(op.MaxPriorityFeePerGas))
	if maxFee := cloneInt(op.MaxFeePerGas); p.Cmp(maxFee) > 0 {
		p = maxFee
	}
	return p
}

// CheckOp runs the checks a bundler performs before accepting op.
func (c *Chain) CheckOp(op *userop.UserOperation) error {
	key, seq := splitNonce(op.Nonce)
	c.mu.RLock()
	current := c.opNonces[op.Sender][key]
	_, deployed := c.accounts[op.Sender]
	c.mu.RUnlock()

	if seq < current {
		return &OpError{Code: "AA25", Reason: fmt.Sprintf("invalid account nonce: %d already used", seq)}
	}
	switch {
	case deployed && op.Factory != (common.Address{}):
		return &OpError{Code: "AA10", Reason: "sender already constructed"}
	case !deployed && op.Factory == (common.Address{}):
		return &OpError{Code: "AA20", Reason: "account not deployed"}
	}
	if len(op.Signature) == 0 {
		return &OpError{Code: "AA24", Reason: "missing signature"}
	}
	if cloneInt(op.MaxFeePerGas).Cmp(c.cfg.BaseFee) < 0 {
		return &OpError{Code: "AA21", Reason: "max fee per gas below base fee"}
	}
	prefund := op.RequiredPrefund()
	if op.HasPaymaster() {
		if c.DepositOf(op.Paymaster).Cmp(prefund) < 0 {
			return &OpError{Code: "AA31", Reason: "paymaster deposit too low"}
		}
		return nil
	}
	available := new(big.Int).Add(c.DepositOf(op.Sender), c.BalanceOf(op.Sender))
	if available.Cmp(prefund) < 0 {
		return &OpError{Code: "AA21", Reason: "didn't pay prefund"}
	}
	return nil
}

// EstimateGas returns gas limits for op under the devnet cost model.
func (c *Chain) EstimateGas(op *userop.UserOperation) (userop.GasEstimate, error) {
	c.mu.RLock()
	_, deployed := c.accounts[op.Sender]
	c.mu.RUnlock()
	if !deployed && op.Factory == (common.Address{}) {
		return userop.GasEstimate{}, &OpError{Code: "AA20", Reason: "account not deployed"}
	}
	verification := int64(baseVerificationGas)
	if !deployed {
		verification += deploymentGas
	}
	est := userop.GasEstimate{
		PreVerificationGas:   userop.BigToHex(big.NewInt(basePreVerificationGas + callGasPerByte*int64(len(op.CallData)))),
		VerificationGasLimit: userop.BigToHex(big.NewInt(verification)),
		CallGasLimit:         userop.BigToHex(big.NewInt(baseCallGas + callGasPerByte*int64(len(op.CallData)))),
	}
	if op.HasPaymaster() {
		est.PaymasterVerificationGasLimit = userop.BigToHex(big.NewInt(paymasterVerificationGas))
		est.PaymasterPostOpGasLimit = userop.BigToHex(big.NewInt(paymasterPostOpGas))
	}
	return est, nil
}

// Dropped is an operation excluded from a bundle.
type Dropped struct {
	UserOpHash common.Hash
	Err        error
}

// HandleOps includes ops in one block, in nonce order per sender. Validation
// failures are still included: the nonce is consumed, gas is charged, and
// the receipt reports success=false with the rejection reason.
func (c *Chain) HandleOps(ops []*userop.UserOperation, beneficiary common.Address) (common.Hash, []*userop.Receipt, []Dropped) {
	c.exec.Lock()
	defer c.exec.Unlock()

	sorted := make([]*userop.UserOperation, len(ops))
	copy(sorted, ops)
	sortBySender(sorted)

	block := c.sealBlock()
	hashes := make([]common.Hash, 0, len(sorted))
	for _, op := range sorted {
		hashes = append(hashes, c.UserOpHash(op))
	}
	txHash := bundleHash(block, hashes)

	var receipts []*userop.Receipt
	var dropped []Dropped
	for i, op := range sorted {
		r, err := c.handleOp(op, hashes[i], beneficiary)
		if err != nil {
			dropped = append(dropped, Dropped{UserOpHash: hashes[i], Err: err})
			continue
		}
		r.Receipt = userop.TxReceipt{
			TransactionHash: txHash,
			BlockNumber:     userop.BigToHex(new(big.Int).SetUint64(block)),
			BlockHash:       crypto.Keccak256Hash(txHash.Bytes()),
			GasUsed:         r.ActualGasUsed,
			Status:          1,
		}
		receipts = append(receipts, r)
	}

	c.mu.Lock()
	for _, r := range receipts {
		c.receipts[r.UserOpHash] = r
	}
	c.mu.Unlock()
	return txHash, receipts, dropped
}

// sortBySender groups ops by sender, senders in order of first appearance,
// and orders each sender's ops by nonce.
func sortBySender(ops []*userop.UserOperation) {
	first := make(map[common.Address]int, len(ops))
	for i, op := range ops {
		if _, ok := first[op.Sender]; !ok {
			first[op.Sender] = i
		}
	}
	sort.SliceStable(ops, func(i, j int) bool {
		fi, fj := first[ops[i].Sender], first[ops[j].Sender]
		if fi != fj {
			return fi < fj
		}
		return cloneInt(ops[i].Nonce).Cmp(cloneInt(ops[j].Nonce)) < 0
	})
}

func bundleHash(block uint64, hashes []common.Hash) common.Hash {
	buf := make([]byte, 8, 8+32*len(hashes))
	binary.BigEndian.PutUint64(buf, block)
	for _, h := range hashes {
		buf = append(buf, h.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

func (c *Chain) handleOp(op *userop.UserOperation, hash common.Hash, beneficiary common.Address) (*userop.Receipt, error) {
	key, seq := splitNonce(op.Nonce)
	c.mu.RLock()
	current := c.opNonces[op.Sender][key]
	c.mu.RUnlock()
	if seq != current {
		return nil, &OpError{Code: "AA25", Reason: fmt.Sprintf("invalid account nonce: want %d, got %d", current, seq)}
	}

	if op.Factory != (common.Address{}) {
		if err := c.deploy(op); err != nil {
			return nil, err
		}
	}
	acct, ok := c.Account(op.Sender)
	if !ok {
		return nil, &OpError{Code: "AA20", Reason: "account not deployed"}
	}

	payer := op.Sender
	if op.HasPaymaster() {
		payer = op.Paymaster
	}
	prefund := op.RequiredPrefund()
	if err := c.collectPrefund(op, payer, prefund); err != nil {
		return nil, err
	}
	c.consumeNonce(op.Sender, key)

	gasUsed := new(big.Int).Add(cloneInt(op.PreVerificationGas), cloneInt(op.VerificationGasLimit))
	gasUsed.Add(gasUsed, cloneInt(op.PaymasterVerificationGasLimit))

	r := &userop.Receipt{
		UserOpHash: hash,
		EntryPoint: c.cfg.EntryPoint,
		Sender:     op.Sender,
		Nonce:      userop.BigToHex(op.Nonce),
	}
	if op.HasPaymaster() {
		pm := op.Paymaster
		r.Paymaster = &pm
	}

	outcome := acct.Validate(op.CallData, op.Signature, hash)
	if outcome.Approved() {
		gasUsed.Add(gasUsed, cloneInt(op.CallGasLimit))
		gasUsed.Add(gasUsed, cloneInt(op.PaymasterPostOpGasLimit))
		if _, err := c.callAtomic(c.cfg.EntryPoint, op.Sender, nil, op.CallData); err != nil {
			r.Reason = "execution reverted: " + err.Error()
		} else {
			r.Success = true
		}
	} else {
		r.Reason = outcome.Reason.Error()
	}

	cost := new(big.Int).Mul(gasUsed, c.effectivePrice(op))
	if cost.Cmp(prefund) > 0 {
		cost.Set(prefund)
	}
	c.addDeposit(payer, new(big.Int).Sub(prefund, cost))
	if err := c.transfer(c.cfg.EntryPoint, beneficiary, cost); err != nil {
		slog.Error("paying bundle beneficiary", "error", err, "user_op_hash", hash.Hex())
	}
	r.ActualGasUsed = userop.BigToHex(gasUsed)
	r.ActualGasCost = userop.BigToHex(cost)

	slog.Debug("user operation included",
		"user_op_hash", hash.Hex(),
		"sender", op.Sender.Hex(),
		"success", r.Success,
		"reason", r.Reason,
	)
	return r, nil
}

func (c *Chain) deploy(op *userop.UserOperation) error {
	if _, ok := c.Account(op.Sender); ok {
		return &OpError{Code: "AA10", Reason: "sender already constructed"}
	}
	if _, err := c.Call(c.cfg.EntryPoint, op.Factory, nil, op.FactoryData); err != nil {
		return &OpError{Code: "AA13", Reason: "initCode failed: " + err.Error()}
	}
	if _, ok := c.Account(op.Sender); !ok {
		return &OpError{Code: "AA14", Reason: "initCode must return sender"}
	}
	return nil
}

// collectPrefund takes prefund out of payer's deposit, topping the deposit
// up from the sender's balance when the sender pays its own gas.
func (c *Chain) collectPrefund(op *userop.UserOperation, payer common.Address, prefund *big.Int) error {
	have := c.DepositOf(payer)
	if have.Cmp(prefund) < 0 {
		if op.HasPaymaster() {
			return &OpError{Code: "AA31", Reason: "paymaster deposit too low"}
		}
		missing := new(big.Int).Sub(prefund, have)
		if err := c.transfer(op.Sender, c.cfg.EntryPoint, missing); err != nil {
			return &OpError{Code: "AA21", Reason: "didn't pay prefund"}
		}
		c.addDeposit(payer, missing)
	}
	c.addDeposit(payer, new(big.Int).Neg(prefund))
	return nil
}

// Receipt returns the receipt for an included operation.
func (c *Chain) Receipt(hash common.Hash) (*userop.Receipt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receipts[hash]
	return r, ok
}

// entryPoint exposes the entry point's ABI surface to other contracts and
// to eth_call.
type entryPoint struct {
	chain *Chain
}

func (e *entryPoint) Call(caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	m, args, err := abis.Decode(abis.EntryPoint, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "getNonce":
		return m.Outputs.Pack(e.chain.GetNonce(args[0].(common.Address), args[1].(*big.Int)))
	case "balanceOf":
		return m.Outputs.Pack(e.chain.DepositOf(args[0].(common.Address)))
	case "depositTo":
		// The value has already moved to the entry point.
		e.chain.addDeposit(args[0].(common.Address), cloneInt(value))
		return nil, nil
	default:
		return nil, fmt.Errorf("entry point: unsupported method %s", m.Name)
	}
}
