package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix starts every operator API key.
const KeyPrefix = "avk_"

// Operator represents an authenticated operator process.
type Operator struct {
	ID        string
	Name      string
	AgentID   string
	Account   string
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// OperatorLookup is the interface for retrieving operators by their key hash.
type OperatorLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Operator, error)
}

// MetricsRecorder is an optional interface for recording auth outcomes.
type MetricsRecorder interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// Service provides authentication operations backed by an operator store.
type Service struct {
	store   OperatorLookup
	metrics MetricsRecorder
}

// NewService creates a new authentication service.
func NewService(store OperatorLookup) *Service {
	return &Service{store: store}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Authenticate resolves a plaintext API key to its operator.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*Operator, error) {
	op, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err == nil && op == nil {
		err = fmt.Errorf("no operator for key")
	}
	if s.metrics != nil {
		if err != nil {
			s.metrics.IncAuthFailure("operator")
		} else {
			s.metrics.IncAuthSuccess("operator")
		}
	}
	return op, err
}

// GenerateAPIKey creates a new API key with the "avk_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
