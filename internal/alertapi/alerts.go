package alertapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

// maxLine bounds a single NDJSON line.
const maxLine = 1 << 20

type ingestResponse struct {
	Accepted []string               `json:"accepted"`
	Skipped  map[stream.Verdict]int `json:"skipped,omitempty"`
}

// lines splits body into one alert per element. A body holding a single JSON
// value is one alert even when pretty-printed; anything else is NDJSON.
func lines(body []byte) ([][]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if json.Valid(body) {
		return [][]byte{body}, nil
	}
	var out [][]byte
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	return out, sc.Err()
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	batch, err := lines(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	resp := ingestResponse{Accepted: []string{}, Skipped: map[stream.Verdict]int{}}
	for _, line := range batch {
		al, verdict := stream.Filter(line, a.minLevel)
		if a.onLine != nil {
			a.onLine(verdict)
		}
		if verdict != stream.Accepted {
			if verdict != stream.Blank {
				resp.Skipped[verdict]++
			}
			continue
		}

		id := triage.NewID()
		if err := a.dispatch.Dispatch(triage.WithID(ctx, id), al); err != nil {
			a.logger.Warn(ctx, "alert dispatch aborted", "err", err, "accepted", len(resp.Accepted))
			writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
			return
		}
		resp.Accepted = append(resp.Accepted, id)
	}

	if len(resp.Accepted) == 0 && resp.Skipped[stream.Malformed] == len(batch) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	a.logger.Info(ctx, "alerts ingested", "accepted", len(resp.Accepted), "lines", len(batch))
	writeJSON(w, http.StatusAccepted, resp)
}
