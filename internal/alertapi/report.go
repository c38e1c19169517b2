package alertapi

import (
	"net/http"

	"github.com/linnemanlabs/sentinel/internal/aggregate"
)

func (a *API) handlePending(w http.ResponseWriter, _ *http.Request) {
	recs := a.pending.Snapshot()
	if recs == nil {
		recs = []aggregate.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": len(recs),
		"records": recs,
	})
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	s, err := a.reporter.Flush(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "manual flush failed")
		body := map[string]any{"error": "report not delivered"}
		if s != nil {
			body["summary"] = s
		}
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	status := "sent"
	if s.Total == 0 {
		status = "safe"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "summary": s})
}
