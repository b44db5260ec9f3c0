// Package account implements the agent smart account: it validates
// operator-signed instructions against its spending policy, allow-lists and
// Merkle action root, and forwards approved calls on behalf of the agent.
package account

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/merkle"
	"github.com/alecgard/agentvault/internal/policy"
	"github.com/alecgard/agentvault/internal/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrOnlyOwner           = errors.New("only owner")
	ErrOnlyAdmin           = errors.New("only admin")
	ErrNotEntryPoint       = errors.New("caller is not the entry point")
	ErrBatchLengthMismatch = errors.New("batch length mismatch")
	ErrAlreadyInitialized  = errors.New("account already initialized")
	ErrNotInitialized      = errors.New("account not initialized")
	ErrInvalidSignature    = errors.New("invalid operator signature")
)

// MagicValue is returned by IsValidSignature for a valid signature.
var MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ProofInvalidError is returned when a schema-path call has no valid proof.
type ProofInvalidError struct {
	Target common.Address
	Leaf   common.Hash
}

func (e *ProofInvalidError) Error() string {
	return fmt.Sprintf("no valid action proof for %s (leaf %s)", e.Target.Hex(), e.Leaf.Hex())
}

// Caller forwards a call from the account to another contract.
type Caller interface {
	Call(from, to common.Address, value *big.Int, data []byte) ([]byte, error)
}

// TrustRegistry exposes the factory's globally trusted contracts and tokens.
type TrustRegistry interface {
	IsTrustedContract(addr common.Address) bool
	IsTrustedToken(addr common.Address) bool
}

// Event is an entry in the account's log.
type Event struct {
	Name   string         `json:"name"`
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value,omitempty"`
	Data   []byte         `json:"data,omitempty"`
}

// Params initializes a freshly deployed account.
type Params struct {
	Owner      common.Address
	Admin      common.Address
	Operator   common.Address
	AgentID    *big.Int
	DailyLimit *big.Int
	ExpiresAt  uint64
}

// Account is one agent smart account.
type Account struct {
	mu sync.Mutex

	address    common.Address
	entryPoint common.Address
	caller     Caller
	registry   TrustRegistry
	verifier   merkle.Verifier
	now        func() uint64

	initialized bool
	owner       common.Address
	admin       common.Address
	operator    common.Address
	agentID     *big.Int

	policy      policy.Policy
	spend       policy.DailySpend
	targets     *policy.AddressSet
	tokens      *policy.AddressSet
	actionsRoot common.Hash
	schemas     map[common.Address]schema.LeafBuilder

	events []Event
}

// New returns an uninitialized account bound to entryPoint. registry may be nil.
func New(address, entryPoint common.Address, caller Caller, registry TrustRegistry, now func() uint64) *Account {
	return &Account{
		address:    address,
		entryPoint: entryPoint,
		caller:     caller,
		registry:   registry,
		verifier:   merkle.AuthorizedActionSet{},
		now:        now,
		targets:    policy.NewAddressSet(),
		tokens:     policy.NewAddressSet(),
		schemas:    make(map[common.Address]schema.LeafBuilder),
	}
}

// Initialize sets roles and the initial policy. It can run only once.
func (a *Account) Initialize(p Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}
	a.initialized = true
	a.owner = p.Owner
	a.admin = p.Admin
	a.operator = p.Operator
	a.agentID = new(big.Int).Set(p.AgentID)
	a.policy = policy.Policy{
		DailyLimit:            new(big.Int).Set(p.DailyLimit),
		ExpiresAt:             p.ExpiresAt,
		RequiresApprovalAbove: new(big.Int),
	}
	a.spend = policy.DailySpend{Amount: new(big.Int), LastReset: a.now()}
	return nil
}

func (a *Account) Address() common.Address    { return a.address }
func (a *Account) EntryPoint() common.Address { return a.entryPoint }

func (a *Account) Owner() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

func (a *Account) Admin() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admin
}

func (a *Account) Operator() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.operator
}

func (a *Account) AgentID() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.agentID)
}

// Policy returns a copy of the current policy.
func (a *Account) Policy() policy.Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy.Clone()
}

// DailySpend returns a copy of the spend window as stored.
func (a *Account) DailySpend() policy.DailySpend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spend.Clone()
}

// RemainingToday returns what may still be spent in the current window.
func (a *Account) RemainingToday() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return policy.Remaining(a.policy, a.spend, a.now())
}

func (a *Account) ActionsRoot() common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actionsRoot
}

// IsTargetAllowed reports whether target passes the simple allow-list path.
func (a *Account) IsTargetAllowed(target common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetAllowedLocked(target)
}

// IsTokenAllowed reports whether token is allowed.
func (a *Account) IsTokenAllowed(token common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenAllowedLocked(token)
}

func (a *Account) targetAllowedLocked(target common.Address) bool {
	if a.targets.Contains(target) {
		return true
	}
	return a.registry != nil && a.registry.IsTrustedContract(target)
}

func (a *Account) tokenAllowedLocked(token common.Address) bool {
	if a.tokens.Contains(token) {
		return true
	}
	return a.registry != nil && a.registry.IsTrustedToken(token)
}

// Events returns a copy of the account log.
func (a *Account) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// SetTargetAllowed toggles target in the allow-list.
func (a *Account) SetTargetAllowed(caller, target common.Address, allowed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrOnlyOwner
	}
	a.targets.Set(target, allowed)
	a.events = append(a.events, Event{Name: "TargetAllowed", Target: target})
	return nil
}

// SetTokenAllowed toggles token in the allow-list.
func (a *Account) SetTokenAllowed(caller, token common.Address, allowed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrOnlyOwner
	}
	a.tokens.Set(token, allowed)
	a.events = append(a.events, Event{Name: "TokenAllowed", Target: token})
	return nil
}

// UpdatePolicy replaces the policy. The spend window is left untouched.
func (a *Account) UpdatePolicy(caller common.Address, p policy.Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrOnlyOwner
	}
	a.policy = p.Clone()
	a.events = append(a.events, Event{Name: "PolicyUpdated", Target: a.address})
	return nil
}

// SetExecutionSchema registers builder as the decoder for target. A nil
// builder removes the entry.
func (a *Account) SetExecutionSchema(caller, target common.Address, builder schema.LeafBuilder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrOnlyOwner
	}
	if builder == nil {
		delete(a.schemas, target)
		return nil
	}
	a.schemas[target] = builder
	a.events = append(a.events, Event{Name: "ExecutionSchemaSet", Target: target})
	return nil
}

// SetActionsRoot replaces the Merkle root of authorized complex actions.
func (a *Account) SetActionsRoot(caller common.Address, root common.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.admin {
		return ErrOnlyAdmin
	}
	a.actionsRoot = root
	a.events = append(a.events, Event{Name: "ActionsRootSet", Target: a.address, Data: root.Bytes()})
	return nil
}

// Execute forwards one call. Only the entry point may call it.
func (a *Account) Execute(caller, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if caller != a.entryPoint {
		return nil, ErrNotEntryPoint
	}
	return a.forward(target, value, data)
}

// ExecuteBatch forwards each call in order. Argument arrays must match.
func (a *Account) ExecuteBatch(caller common.Address, targets []common.Address, values []*big.Int, datas [][]byte) error {
	if caller != a.entryPoint {
		return ErrNotEntryPoint
	}
	if len(targets) != len(values) || len(targets) != len(datas) {
		return ErrBatchLengthMismatch
	}
	for i := range targets {
		if _, err := a.forward(targets[i], values[i], datas[i]); err != nil {
			return fmt.Errorf("batch call %d: %w", i, err)
		}
	}
	return nil
}

func (a *Account) forward(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	out, err := a.caller.Call(a.address, target, value, data)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.events = append(a.events, Event{Name: "Executed", Target: target, Value: new(big.Int).Set(value), Data: data})
	a.mu.Unlock()
	return out, nil
}

// IsValidSignature accepts an ECDSA signature by the owner or operator over
// hash, either bare or wrapped in a proof bundle.
func (a *Account) IsValidSignature(hash common.Hash, signature []byte) [4]byte {
	sig := signature
	if len(sig) != crypto.SignatureLength {
		inner, _, err := abis.DecodeSignatureBundle(signature)
		if err != nil {
			return [4]byte{}
		}
		sig = inner
	}
	signer, err := recoverSigner(hash, sig)
	if err != nil {
		return [4]byte{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if signer == a.owner || signer == a.operator {
		return MagicValue
	}
	return [4]byte{}
}

func recoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// storage is the part of an account a reverted call must undo.
type storage struct {
	initialized bool
	owner       common.Address
	admin       common.Address
	operator    common.Address
	agentID     *big.Int
	policy      policy.Policy
	spend       policy.DailySpend
	targets     *policy.AddressSet
	tokens      *policy.AddressSet
	actionsRoot common.Hash
	schemas     map[common.Address]schema.LeafBuilder
	events      []Event
}

// Snapshot captures the account's storage. Calling the returned function
// puts it back.
func (a *Account) Snapshot() func() {
	a.mu.Lock()
	saved := storage{
		initialized: a.initialized,
		owner:       a.owner,
		admin:       a.admin,
		operator:    a.operator,
		policy:      a.policy.Clone(),
		spend:       a.spend.Clone(),
		targets:     a.targets.Clone(),
		tokens:      a.tokens.Clone(),
		actionsRoot: a.actionsRoot,
		schemas:     make(map[common.Address]schema.LeafBuilder, len(a.schemas)),
		events:      append([]Event(nil), a.events...),
	}
	if a.agentID != nil {
		saved.agentID = new(big.Int).Set(a.agentID)
	}
	for t, b := range a.schemas {
		saved.schemas[t] = b
	}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.initialized = saved.initialized
		a.owner = saved.owner
		a.admin = saved.admin
		a.operator = saved.operator
		a.agentID = saved.agentID
		a.policy = saved.policy
		a.spend = saved.spend
		a.targets = saved.targets
		a.tokens = saved.tokens
		a.actionsRoot = saved.actionsRoot
		a.schemas = saved.schemas
		a.events = saved.events
	}
}
