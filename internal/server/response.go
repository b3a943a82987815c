package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// envelope is the JSON shape every handler returns, per spec §6: an
// explicit top-level error field distinguishes a declined answer from a
// datastore outage, both of which use HTTP 200 (the caller inspects Error,
// not the status code) — client errors (bad input) still use 4xx.
type envelope struct {
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, data any) {
	writeEnvelope(w, log, status, data, "")
}

func writeError(w http.ResponseWriter, log zerolog.Logger, status int, message string) {
	writeEnvelope(w, log, status, nil, message)
}

func writeEnvelope(w http.ResponseWriter, log zerolog.Logger, status int, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	env := envelope{
		Data:  data,
		Error: errMsg,
		Metadata: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}
