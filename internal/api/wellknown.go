package api

import "net/http"

type manifestAuth struct {
	Type   string `json:"type"`
	Header string `json:"header"`
	Prefix string `json:"key_prefix"`
}

type manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	APIBase     string            `json:"api_base"`
	Auth        manifestAuth      `json:"auth"`
	EntryPoints []string          `json:"entry_point_versions"`
	Endpoints   map[string]string `json:"endpoints"`
	Health      string            `json:"health"`
}

// serviceManifest is served at /.well-known/agentvault.json so operator
// processes can discover the API without configuration.
var serviceManifest = manifest{
	Name:        "AgentVault",
	Description: "Policy-constrained smart accounts and capital pools for autonomous agents",
	Version:     "0.1.0",
	APIBase:     "/api/v1",
	Auth:        manifestAuth{Type: "bearer", Header: "Authorization", Prefix: "avk_"},
	EntryPoints: []string{"v0.7", "v0.6"},
	Endpoints: map[string]string{
		"account":      "/api/v1/account",
		"instructions": "/api/v1/instructions",
		"payments":     "/api/v1/payments",
		"pulls":        "/api/v1/pulls",
		"ledger":       "/api/v1/ledger",
	},
	Health: "/health",
}

func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceManifest)
}
