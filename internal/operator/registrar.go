package operator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/crypto"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingName  = errors.New("operator name is required")
	ErrMissingAgent = errors.New("agent id must be a positive integer")
	ErrMissingOwner = errors.New("owner address is required")
	ErrMissingLimit = errors.New("daily limit must be positive")
	ErrExpired      = errors.New("expiry must be in the future")
)

// Creator persists a new operator.
type Creator interface {
	Create(ctx context.Context, in CreateOperatorInput) (*Operator, error)
}

// AccountPredictor returns the counterfactual smart-account address for
// (owner, agentID).
type AccountPredictor interface {
	AccountAddress(ctx context.Context, owner common.Address, agentID *big.Int) (common.Address, error)
}

// RegisterInput describes an operator to register. A nil Key generates a
// fresh signing key.
type RegisterInput struct {
	Name      string
	AgentID   *big.Int
	Owner     common.Address
	RateLimit int
	Key       *ecdsa.PrivateKey

	// Initial account policy, applied when the account is deployed on the
	// operator's first instruction.
	DailyLimit *big.Int
	ExpiresAt  time.Time
}

// Registration is the result of Register. APIKey is shown once.
type Registration struct {
	Operator *Operator `json:"operator"`
	APIKey   string    `json:"api_key"`
}

// Registrar creates operators: signing key, API key and account address.
type Registrar struct {
	store   Creator
	cipher  *crypto.Cipher
	predict AccountPredictor
}

// NewRegistrar creates a registrar. A nil cipher stores keys unencrypted.
func NewRegistrar(store Creator, cipher *crypto.Cipher, predict AccountPredictor) *Registrar {
	return &Registrar{store: store, cipher: cipher, predict: predict}
}

// Register creates an operator bound to the account for (Owner, AgentID).
func (r *Registrar) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	switch {
	case in.Name == "":
		return nil, ErrMissingName
	case in.AgentID == nil || in.AgentID.Sign() <= 0:
		return nil, ErrMissingAgent
	case in.Owner == (common.Address{}):
		return nil, ErrMissingOwner
	case in.DailyLimit == nil || in.DailyLimit.Sign() <= 0:
		return nil, ErrMissingLimit
	case !in.ExpiresAt.After(time.Now()):
		return nil, ErrExpired
	}

	key := in.Key
	if key == nil {
		var err error
		if key, err = ethcrypto.GenerateKey(); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
	}
	signer, sealed, err := r.cipher.SealKey(key)
	if err != nil {
		return nil, fmt.Errorf("sealing signing key: %w", err)
	}
	account, err := r.predict.AccountAddress(ctx, in.Owner, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("predicting account address: %w", err)
	}
	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	o, err := r.store.Create(ctx, CreateOperatorInput{
		Name:         in.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		AgentID:      in.AgentID.String(),
		Owner:        in.Owner.Hex(),
		Account:      account.Hex(),
		Signer:       signer.Hex(),
		EncryptedKey: sealed,
		DailyLimit:   in.DailyLimit.String(),
		ExpiresAt:    in.ExpiresAt.UTC(),
		RateLimit:    in.RateLimit,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("operator registered", "operator_id", o.ID, "agent_id", o.AgentID, "account", o.Account, "signer", o.Signer)
	return &Registration{Operator: o, APIKey: plaintext}, nil
}

// SigningKey decrypts the operator's signing key.
func SigningKey(c *crypto.Cipher, o *Operator) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(o.Signer) {
		return nil, fmt.Errorf("operator %s has no signer address", o.ID)
	}
	key, err := c.OpenKey(o.EncryptedKey, common.HexToAddress(o.Signer))
	if err != nil {
		return nil, fmt.Errorf("opening key for operator %s: %w", o.ID, err)
	}
	return key, nil
}

// AddressSource reads account addresses from a deployed factory.
type AddressSource interface {
	AccountAddress(ctx context.Context, factory, owner common.Address, agentID *big.Int) (common.Address, error)
}

// FactoryPredictor predicts accounts by asking the factory at Factory.
type FactoryPredictor struct {
	Factory common.Address
	Source  AddressSource
}

func (p FactoryPredictor) AccountAddress(ctx context.Context, owner common.Address, agentID *big.Int) (common.Address, error) {
	return p.Source.AccountAddress(ctx, p.Factory, owner, agentID)
}
