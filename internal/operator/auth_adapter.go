package operator

import (
	"context"

	"github.com/alecgard/agentvault/internal/auth"
)

// Lookup is the store surface the adapter needs.
type Lookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Operator, error)
}

// AuthAdapter wraps an operator store to satisfy auth.OperatorLookup.
type AuthAdapter struct {
	store Lookup
}

// NewAuthAdapter creates an adapter that bridges the store to auth.OperatorLookup.
func NewAuthAdapter(store Lookup) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up an operator by API key hash and converts to auth.Operator.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Operator, error) {
	o, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Operator{
		ID:        o.ID,
		Name:      o.Name,
		AgentID:   o.AgentID,
		Account:   o.Account,
		RateLimit: o.RateLimit,
	}, nil
}
