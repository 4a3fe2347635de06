package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"unibus/internal/store"
	"unibus/internal/swap"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeErr maps domain errors onto problem responses. The two 409 titles are
// distinct so clients can tell a lost race (already acted) from an invariant
// violation (conflict).
func writeErr(w http.ResponseWriter, err error, instance string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), instance)
	case errors.Is(err, store.ErrAlreadyActed):
		writeProblem(w, http.StatusConflict, "Already Acted", err.Error(), instance)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), instance)
	case errors.Is(err, store.ErrUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "Store Unavailable", err.Error(), instance)
	case errors.Is(err, swap.ErrValidation):
		writeProblem(w, http.StatusBadRequest, "Validation Failed", err.Error(), instance)
	case errors.Is(err, swap.ErrForbidden):
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error(), instance)
	}
}
