package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryLimit reads ?limit= (or ?page_size=), clamped to [1, ceiling].
func queryLimit(r *http.Request, def, ceiling int) int {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("limit"))
	if raw == "" {
		raw = strings.TrimSpace(q.Get("page_size"))
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}

// truthy accepts the usual spellings of a boolean query flag.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
