package handlers

import (
	"net/http"
)

// HealthCheck reports liveness and the configured storage backend.
func HealthCheck(backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": backend})
	}
}
