package operator

import "time"

// Operator is an off-chain process allowed to sign instructions for one
// agent's smart account. The signing key is stored encrypted.
type Operator struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	AgentID      string    `json:"agent_id"`
	Owner        string    `json:"owner"`
	Account      string    `json:"account"`
	Signer       string    `json:"signer"`
	EncryptedKey string    `json:"-"`
	DailyLimit   string    `json:"daily_limit"`
	ExpiresAt    time.Time `json:"expires_at"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateOperatorInput holds the fields required to register an operator.
type CreateOperatorInput struct {
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"api_key_hash"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	AgentID      string    `json:"agent_id"`
	Owner        string    `json:"owner"`
	Account      string    `json:"account"`
	Signer       string    `json:"signer"`
	EncryptedKey string    `json:"encrypted_key"`
	DailyLimit   string    `json:"daily_limit"`
	ExpiresAt    time.Time `json:"expires_at"`
	RateLimit    int       `json:"rate_limit"`
}

// UpdateOperatorInput holds optional fields for a partial update.
type UpdateOperatorInput struct {
	Name      *string `json:"name,omitempty"`
	RateLimit *int    `json:"rate_limit,omitempty"`
}

// ListParams controls cursor-based pagination for listing operators.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
