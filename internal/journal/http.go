package journal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// MaxHTTPLimit caps the limit query parameter accepted by [Handler].
const MaxHTTPLimit = 1000

// Handler serves the newest entries of j as a JSON array, newest first. The
// optional limit query parameter selects how many; it defaults to
// [DefaultLimit] and is capped at [MaxHTTPLimit].
func Handler(j Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, MaxHTTPLimit)
		}

		entries, err := j.Recent(r.Context(), limit)
		if err != nil {
			slog.Warn("journal: recent entries unavailable", "err", err)
			http.Error(w, "journal unavailable", http.StatusServiceUnavailable)
			return
		}
		if entries == nil {
			entries = []Entry{}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			slog.Debug("journal: write response", "err", err)
		}
	})
}
