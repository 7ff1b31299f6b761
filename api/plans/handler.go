// Package plans exposes the controller plan log.
package plans

import (
	"encoding/json"
	"net/http"

	"github.com/kilianp07/peakshave/api"
	"github.com/kilianp07/peakshave/core/planlog"
)

// Path is the route of the handler.
const Path = "/api/plans"

// NewHandler returns plan log records via GET /api/plans?start=&end=&status=.
func NewHandler(store planlog.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var q planlog.Query
		var err error
		if q.Start, err = api.ParseTime(r, "start"); err != nil {
			http.Error(w, "bad start: "+err.Error(), http.StatusBadRequest)
			return
		}
		if q.End, err = api.ParseTime(r, "end"); err != nil {
			http.Error(w, "bad end: "+err.Error(), http.StatusBadRequest)
			return
		}
		q.Status = r.URL.Query().Get("status")
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []planlog.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
