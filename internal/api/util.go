package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeKindError maps the error taxonomy onto HTTP status codes. The
// response body carries only the kind, never internal detail.
func writeKindError(w http.ResponseWriter, err error) {
	kind := errs.Kind(err)
	code := http.StatusInternalServerError
	switch {
	case errors.Is(kind, errs.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(kind, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(kind, errs.ErrAuthInvalid):
		code = http.StatusUnauthorized
	case errors.Is(kind, errs.ErrCancelled):
		code = 499 // client closed request
	}
	writeError(w, code, kind.Error())
}
