package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxRequestBody caps decoded request bodies. Batched instructions with
// proofs stay well under it.
const maxRequestBody = 1 << 20

var errTrailingData = errors.New("unexpected data after JSON body")

// errorEnvelope is the body of every non-2xx response:
//
//	{"error": {"code": "policy_violation", "message": "..."}}
type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes exactly one JSON value from the request body into v.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}
