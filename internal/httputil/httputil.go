// Package httputil holds the JSON response helpers the relay's HTTP
// discovery surface uses.
package httputil

import (
	"encoding/json"
	"net/http"
)

// OkJSON writes a 200 JSON response. Discovery bodies are never cached.
func OkJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error body with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// InternalError writes the 500 {error} body discovery endpoints promise on
// unexpected failure.
func InternalError(w http.ResponseWriter, err error) {
	Error(w, http.StatusInternalServerError, err.Error())
}

// QueryString returns a query parameter with a default value.
func QueryString(r *http.Request, name, defaultVal string) string {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	return val
}
