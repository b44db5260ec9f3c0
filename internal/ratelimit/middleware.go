package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/agentvault/internal/auth"
)

// Middleware applies Scoped limits to the authenticated operator and the
// account it drives. Requests with no operator in context are not limited.
//
// Every limited response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset (Unix seconds until the bucket is full).
func Middleware(s *Scoped, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := auth.OperatorFromContext(r.Context())
			if op == nil {
				next.ServeHTTP(w, r)
				return
			}
			d := s.Take(op.ID, op.RateLimit, op.Account)
			d.writeHeaders(w.Header())
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			for _, fn := range onReject {
				fn()
			}
			rejectTooMany(w)
		})
	}
}

func (d Decision) writeHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

var tooManyBody, _ = json.Marshal(map[string]map[string]string{
	"error": {"code": "rate_limited", "message": "Rate limit exceeded. Try again later."},
})

func rejectTooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(tooManyBody)
}
