package server

import (
	"encoding/json"
	"net/http"
)

// writeMiddlewareError writes a small JSON error body for failures raised by
// the rate-limiting middleware before a request reaches internal/wsapi. CORS
// rejections are written with http.Error as plain text instead.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: message})
}
