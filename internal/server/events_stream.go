package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/urbangrid/gridcore/internal/events"
)

// handleEventsStream serves GET /api/events/stream (SSE): the in-process
// events.Bus fanned out live to any connected dashboard, grounded on the
// teacher's unified SSE events handler. ?types= filters to a comma-separated
// subset of event kinds; ?city_id= filters to one city.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.log, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var allowedKinds map[events.Kind]bool
	if typesFilter := r.URL.Query().Get("types"); typesFilter != "" {
		allowedKinds = make(map[events.Kind]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedKinds[events.Kind(strings.TrimSpace(t))] = true
		}
	}
	cityFilter := normaliseCityID(r.URL.Query().Get("city_id"))

	ch, unsubscribe := s.bus.Subscribe(32)
	defer unsubscribe()

	s.log.Debug().Str("types_filter", r.URL.Query().Get("types")).Str("city_id", cityFilter).Msg("client connected to event stream")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			if allowedKinds != nil && !allowedKinds[ev.Kind] {
				continue
			}
			if cityFilter != "" && ev.CityID != cityFilter {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()

		case <-heartbeat.C:
			writeSSE(w, events.Event{Kind: "heartbeat", Timestamp: time.Now().UTC()})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
