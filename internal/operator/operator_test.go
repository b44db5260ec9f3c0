package operator

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/crypto"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type memStore struct {
	byHash map[string]*Operator
	seq    int
}

func (m *memStore) Create(_ context.Context, in CreateOperatorInput) (*Operator, error) {
	m.seq++
	o := &Operator{
		ID:           "op-" + string(rune('0'+m.seq)),
		Name:         in.Name,
		APIKeyHash:   in.APIKeyHash,
		APIKeyPrefix: in.APIKeyPrefix,
		AgentID:      in.AgentID,
		Owner:        in.Owner,
		Account:      in.Account,
		Signer:       in.Signer,
		EncryptedKey: in.EncryptedKey,
		DailyLimit:   in.DailyLimit,
		ExpiresAt:    in.ExpiresAt,
		RateLimit:    in.RateLimit,
		CreatedAt:    time.Now(),
	}
	if m.byHash == nil {
		m.byHash = map[string]*Operator{}
	}
	m.byHash[in.APIKeyHash] = o
	return o, nil
}

func (m *memStore) GetByKeyHash(_ context.Context, hash string) (*Operator, error) {
	o, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

type fixedPredictor struct {
	addr common.Address
	err  error
}

func (f fixedPredictor) AccountAddress(context.Context, common.Address, *big.Int) (common.Address, error) {
	return f.addr, f.err
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestRegister(t *testing.T) {
	store := &memStore{}
	cipher := testCipher(t)
	account := common.HexToAddress("0x00000000000000000000000000000000000acc07")
	r := NewRegistrar(store, cipher, fixedPredictor{addr: account})

	reg, err := r.Register(context.Background(), RegisterInput{
		Name:       "payments-bot",
		AgentID:    big.NewInt(42),
		Owner:      common.HexToAddress("0xa1"),
		RateLimit:  30,
		DailyLimit: big.NewInt(500),
		ExpiresAt:  time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	o := reg.Operator
	if o.Account != account.Hex() {
		t.Errorf("expected account %s, got %s", account.Hex(), o.Account)
	}
	if o.AgentID != "42" {
		t.Errorf("expected agent id 42, got %s", o.AgentID)
	}
	if !strings.HasPrefix(reg.APIKey, auth.KeyPrefix) {
		t.Errorf("api key should start with %q", auth.KeyPrefix)
	}
	if o.APIKeyHash != auth.HashKey(reg.APIKey) {
		t.Error("stored hash should match the issued key")
	}

	key, err := SigningKey(cipher, o)
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey).Hex() != o.Signer {
		t.Error("decrypted key should match the signer address")
	}

	// The issued API key authenticates through the adapter.
	svc := auth.NewService(NewAuthAdapter(store))
	got, err := svc.Authenticate(context.Background(), reg.APIKey)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Account != o.Account || got.RateLimit != 30 {
		t.Errorf("unexpected auth operator: %+v", got)
	}
}

func TestRegisterImportsKey(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := NewRegistrar(&memStore{}, nil, fixedPredictor{addr: common.HexToAddress("0x1")})
	reg, err := r.Register(context.Background(), RegisterInput{
		Name:       "imported",
		AgentID:    big.NewInt(1),
		Owner:      common.HexToAddress("0xa1"),
		Key:        key,
		DailyLimit: big.NewInt(1),
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Operator.Signer != ethcrypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Error("imported key should be the signer")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistrar(&memStore{}, nil, fixedPredictor{})
	owner := common.HexToAddress("0xa1")

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"missing name", RegisterInput{AgentID: big.NewInt(1), Owner: owner}, ErrMissingName},
		{"missing agent", RegisterInput{Name: "x", Owner: owner}, ErrMissingAgent},
		{"zero agent", RegisterInput{Name: "x", AgentID: big.NewInt(0), Owner: owner}, ErrMissingAgent},
		{"missing owner", RegisterInput{Name: "x", AgentID: big.NewInt(1)}, ErrMissingOwner},
		{"missing limit", RegisterInput{Name: "x", AgentID: big.NewInt(1), Owner: owner}, ErrMissingLimit},
		{"expired", RegisterInput{Name: "x", AgentID: big.NewInt(1), Owner: owner, DailyLimit: big.NewInt(1), ExpiresAt: time.Now().Add(-time.Minute)}, ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRegisterPredictorError(t *testing.T) {
	r := NewRegistrar(&memStore{}, nil, fixedPredictor{err: errors.New("rpc down")})
	_, err := r.Register(context.Background(), RegisterInput{
		Name: "x", AgentID: big.NewInt(1), Owner: common.HexToAddress("0xa1"),
		DailyLimit: big.NewInt(1), ExpiresAt: time.Now().Add(time.Hour),
	})
	if err == nil || !strings.Contains(err.Error(), "rpc down") {
		t.Errorf("expected predictor error, got %v", err)
	}
}

func TestSigningKeyRequiresSigner(t *testing.T) {
	_, err := SigningKey(nil, &Operator{ID: "op-1"})
	if err == nil {
		t.Fatal("expected error for operator without signer")
	}
}

func TestEncodeCursor(t *testing.T) {
	ts := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	id := "550e8400-e29b-41d4-a716-446655440000"

	cursor := encodeCursor(ts, id)
	if cursor == "" {
		t.Fatal("expected non-empty cursor")
	}

	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error decoding cursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"missing separator", "bm9waXBl"},            // "nopipe"
		{"invalid time", "YmFkLXRpbWV8c29tZS1pZA=="}, // "bad-time|some-id"
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := decodeCursor(tt.cursor); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
