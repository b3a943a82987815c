package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/orchestrator"
)

// normaliseCityID lowercases a path/query city_id, per spec §6: "accept
// city_id as a case-insensitive slug and normalise to lowercase".
func normaliseCityID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// handleListCities serves GET /api/cities.
func (s *Server) handleListCities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, http.StatusOK, s.registry.List())
}

// handleSelectCity serves POST /api/cities/{city_id}/select: starts or
// hot-swaps the scheduler's processing loop onto this city (spec §4.9).
func (s *Server) handleSelectCity(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	if _, ok := s.registry.Get(cityID); !ok {
		writeError(w, s.log, http.StatusNotFound, "unknown city: "+cityID)
		return
	}
	if s.scheduler.CurrentCity() == "" {
		s.scheduler.Start(cityID, s.cycleInterval)
	} else {
		s.scheduler.UpdateCity(cityID)
	}
	writeJSON(w, s.log, http.StatusOK, map[string]string{"selected": cityID})
}

// handleCurrentCity serves GET /api/cities/current.
func (s *Server) handleCurrentCity(w http.ResponseWriter, r *http.Request) {
	cityID := s.scheduler.CurrentCity()
	if cityID == "" {
		writeJSON(w, s.log, http.StatusOK, map[string]any{"city_id": nil})
		return
	}
	city, _ := s.registry.Get(cityID)
	writeJSON(w, s.log, http.StatusOK, city)
}

// handleProcessCity serves POST /api/cities/{city_id}/process: a synchronous
// live-pull C5 run (spec §4.5, §6).
func (s *Server) handleProcessCity(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	if _, ok := s.registry.Get(cityID); !ok {
		writeError(w, s.log, http.StatusNotFound, "unknown city: "+cityID)
		return
	}
	summary, err := s.engine.ProcessCity(r.Context(), cityID)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

// handleProcessCityStream serves POST /api/cities/{city_id}/process/stream:
// the bus-fed C5 run over whatever C6 has already landed in raw-latest.
func (s *Server) handleProcessCityStream(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	if _, ok := s.registry.Get(cityID); !ok {
		writeError(w, s.log, http.StatusNotFound, "unknown city: "+cityID)
		return
	}
	summary, err := s.engine.ProcessCityFromStream(r.Context(), cityID)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

// handleLatestSnapshots serves GET /api/cities/{city_id}/snapshots?zone_id=&limit=.
func (s *Server) handleLatestSnapshots(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	limit := parseIntOr(r.URL.Query().Get("limit"), 100)

	snapshots, err := s.store.LatestSnapshots(r.Context(), cityID, limit)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}

	if zoneID := r.URL.Query().Get("zone_id"); zoneID != "" {
		filtered := make([]domain.ZoneSnapshot, 0, len(snapshots))
		for _, snap := range snapshots {
			if snap.ZoneID == zoneID {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}

	writeJSON(w, s.log, http.StatusOK, snapshots)
}

// handleQueryAlerts serves GET /api/cities/{city_id}/alerts?zone_id=&level=&since=&limit=.
func (s *Server) handleQueryAlerts(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	q := r.URL.Query()
	limit := parseIntOr(q.Get("limit"), 100)

	var since *int64
	if v := q.Get("since"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = &parsed
		}
	}

	alerts, err := s.store.QueryAlerts(r.Context(), cityID, q.Get("zone_id"), since, limit)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}

	if level := q.Get("level"); level != "" {
		filtered := make([]domain.Alert, 0, len(alerts))
		for _, a := range alerts {
			if string(a.Level) == level {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	writeJSON(w, s.log, http.StatusOK, alerts)
}

// handleCostSummary serves GET /api/cities/{city_id}/cost.
func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	cityID := normaliseCityID(chi.URLParam(r, "city_id"))
	summary, err := s.cost.Summarize(r.Context(), cityID)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, s.log, http.StatusOK, summary)
}

// handleStartScenario serves POST /api/scenarios: mints a session id the
// caller threads through subsequent scenario messages (spec §4.7/§6). The
// orchestrator itself is stateless of the HTTP layer, it only tracks
// sessions by the id it is handed.
func (s *Server) handleStartScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, http.StatusOK, map[string]string{"session_id": uuid.NewString()})
}

type scenarioMessageRequest struct {
	CityID  string `json:"city_id"`
	ZoneID  string `json:"zone_id"`
	Message string `json:"message"`
}

// handleScenarioMessage serves POST /api/scenarios/{session_id}/messages.
func (s *Server) handleScenarioMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var body scenarioMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Message == "" {
		writeError(w, s.log, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := s.orchestrator.Handle(r.Context(), orchestrator.Request{
		SessionID: sessionID,
		CityID:    normaliseCityID(body.CityID),
		ZoneID:    body.ZoneID,
		Message:   body.Message,
	})
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}

	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"assistant_reply": resp.AssistantReply,
		"scenario_result": resp.ScenarioResult,
		"trace":           resp.Trace,
	})
}

// handleListAgentRuns serves GET /api/agent-runs?city_id=&limit=.
func (s *Server) handleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cityID := normaliseCityID(q.Get("city_id"))
	limit := parseIntOr(q.Get("limit"), 50)

	runs, err := s.store.ListAgentRuns(r.Context(), cityID, limit)
	if err != nil {
		writeError(w, s.log, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, s.log, http.StatusOK, runs)
}

// handleGetAgentRun serves GET /api/agent-runs/{id}.
func (s *Server) handleGetAgentRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetAgentRun(r.Context(), id)
	if err != nil {
		writeError(w, s.log, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, s.log, http.StatusOK, run)
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
