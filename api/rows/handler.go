// Package rows exposes the rows persisted by the monitor agent.
package rows

import (
	"encoding/json"
	"net/http"

	"github.com/kilianp07/peakshave/api"
	"github.com/kilianp07/peakshave/core/monitor"
)

// Path is the route of the handler.
const Path = "/api/rows"

// NewHandler returns rows via GET /api/rows?start=&end=&channel=. channel may
// be repeated.
func NewHandler(store monitor.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var q monitor.Query
		var err error
		if q.Start, err = api.ParseTime(r, "start"); err != nil {
			http.Error(w, "bad start: "+err.Error(), http.StatusBadRequest)
			return
		}
		if q.End, err = api.ParseTime(r, "end"); err != nil {
			http.Error(w, "bad end: "+err.Error(), http.StatusBadRequest)
			return
		}
		q.Channels = r.URL.Query()["channel"]
		out, err := store.Rows(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if out == nil {
			out = []monitor.Row{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
