package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/agentvault/internal/auth"
)

// auditLog records a state-changing call. Operator calls carry the agent and
// account they acted for; anything else was made with the admin key.
func auditLog(r *http.Request, action, resourceType, resourceID string, detail ...any) {
	actor := slog.Group("actor", "kind", "admin")
	if op := auth.OperatorFromContext(r.Context()); op != nil {
		actor = slog.Group("actor",
			"kind", "operator",
			"operator_id", op.ID,
			"agent_id", op.AgentID,
			"account", op.Account,
		)
	}
	attrs := append([]any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		actor,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}, detail...)
	slog.Info("audit", attrs...)
}

// clientIP prefers the first hop of X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
