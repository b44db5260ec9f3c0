package ratelimit

// Scoped checks an operator bucket and, when configured, a shared bucket for
// the smart account the operator drives. Several operators may share one
// account; the account bucket bounds their combined instruction rate.
type Scoped struct {
	limiter     *Limiter
	accountRate int
}

// NewScoped wraps limiter. accountRate of zero disables the account scope.
func NewScoped(limiter *Limiter, accountRate int) *Scoped {
	return &Scoped{limiter: limiter, accountRate: accountRate}
}

// Take consumes from every applicable bucket and returns the tightest
// decision. A request is allowed only if all buckets allow it.
func (s *Scoped) Take(operatorID string, operatorRate int, account string) Decision {
	d := s.limiter.Take("operator:"+operatorID, operatorRate)
	if s.accountRate <= 0 || account == "" {
		return d
	}
	// A denied operator bucket must not drain the shared account bucket.
	if !d.Allowed {
		return d
	}
	ad := s.limiter.Take("account:"+account, s.accountRate)
	if !ad.Allowed || ad.Remaining < d.Remaining {
		return ad
	}
	return d
}
