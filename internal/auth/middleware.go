package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey struct{}

// ContextWithOperator returns ctx carrying op.
func ContextWithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, ctxKey{}, op)
}

// OperatorFromContext returns the authenticated operator, or nil.
func OperatorFromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(ctxKey{}).(*Operator)
	return op
}

// OperatorAuthMiddleware resolves the bearer API key to an operator and
// stores it in the request context. Unknown keys get a 401.
func OperatorAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return bearerGuard(func(r *http.Request, token string) (*http.Request, string) {
		op, err := svc.Authenticate(r.Context(), token)
		if err != nil {
			return nil, "invalid api key"
		}
		return r.WithContext(ContextWithOperator(r.Context(), op)), ""
	})
}

// AdminAuthMiddleware admits only the configured admin key. With no admin
// key configured every admin route answers 401.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return bearerGuard(func(r *http.Request, token string) (*http.Request, string) {
		if adminKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
			return nil, "invalid admin key"
		}
		return r, ""
	})
}

// bearerGuard runs check on the bearer token. check returns the request to
// continue with, or a rejection message.
func bearerGuard(check func(r *http.Request, token string) (*http.Request, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			admitted, reason := check(r, token)
			if reason != "" {
				writeUnauthorized(w, reason)
				return
			}
			next.ServeHTTP(w, admitted)
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	var resp errorResponse
	resp.Error.Code = "unauthorized"
	resp.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(resp)
}
