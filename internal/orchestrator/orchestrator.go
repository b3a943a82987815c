// Package orchestrator implements C7: the scenario orchestrator that maps a
// free-text message to an intent, invokes read-only tools over the state
// store and grounding catalog, and synthesises an evidence-first structured
// result plus a deterministic reply. Grounded on the teacher's planner
// session-state idiom (a concurrent map of per-session counters) but
// stripped of any LLM call — the whole pipeline here is template-driven.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/domain"
)

// maxClarifications caps how many times a session is asked to disambiguate
// a zone before the orchestrator proceeds without one (spec §4.7/§8 inv. 7).
const maxClarifications = 3

// sessionIdleTimeout expires abandoned sessions (spec §9: "implementation-
// defined idle timeout").
const sessionIdleTimeout = 30 * time.Minute

// toolDeadline bounds each sequential tool call (spec §4.7 step 3).
const toolDeadline = 5 * time.Second

// intentKeywords is the fixed keyword table driving intent classification
// (spec §4.7 step 1). Checked in order; first match wins.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{"power_outage", []string{"no power", "blackout", "power out", "power outage", "lights out", "electricity out"}},
	{"aqi_spike", []string{"air quality", "smog", "smoke", "aqi", "can't breathe", "pollution"}},
	{"road_closure", []string{"road closed", "road is closed", "road closure", "blocked road", "street closed", "detour"}},
	{"failure", []string{"failure", "broken", "down", "malfunction", "tripped"}},
}

// zoneRequiredIntents lists intents whose evidence gathering is scoped to a
// zone, triggering the clarification policy when none is resolved.
var zoneRequiredIntents = map[string]bool{
	"power_outage": true,
	"aqi_spike":    true,
	"road_closure": true,
	"failure":      true,
}

// sessionState is the orchestrator's per-session memory.
type sessionState struct {
	mu                 sync.Mutex
	clarificationCount int
	resolvedZone       string
	lastSeen           time.Time
	scenarioID         string // lazily created on the session's first turn
}

// Orchestrator is C7.
type Orchestrator struct {
	store   domain.StateStore
	catalog domain.GroundingCatalog
	log     zerolog.Logger

	sessMu   sync.Mutex
	sessions map[string]*sessionState
}

func New(store domain.StateStore, catalog domain.GroundingCatalog, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store, catalog: catalog,
		log:      log.With().Str("component", "orchestrator").Logger(),
		sessions: make(map[string]*sessionState),
	}
}

// Request is C7's input envelope.
type Request struct {
	SessionID string
	CityID    string
	ZoneID    string // optional, pre-resolved by the caller
	Message   string
}

// Response is C7's output envelope.
type Response struct {
	AssistantReply string
	ScenarioResult domain.ScenarioResult
	Trace          []domain.TraceStep
}

// Handle runs the full pipeline described in spec §4.7.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	sess := o.session(req.SessionID)
	scenarioID := o.ensureScenario(ctx, sess, req)
	intent := classifyIntent(req.Message)

	sess.mu.Lock()
	if req.ZoneID != "" {
		sess.resolvedZone = req.ZoneID
	}
	resolvedZone := sess.resolvedZone
	clarifications := sess.clarificationCount
	sess.mu.Unlock()

	if zoneRequiredIntents[intent] && resolvedZone == "" && clarifications < maxClarifications {
		return o.clarify(ctx, sess, req, intent, scenarioID)
	}

	var trace []domain.TraceStep

	snapshots, alerts, dur, err := o.toolCityState(ctx, req.CityID)
	trace = append(trace, domain.TraceStep{Tool: "city_state", Duration: dur, Error: errString(err)})

	activeEvents, dur, err := o.toolActiveEvents(ctx, req.CityID, intent)
	trace = append(trace, domain.TraceStep{Tool: "active_events", Duration: dur, Error: errString(err)})

	outages, dur, err := o.toolServiceOutages(ctx, req.CityID, resolvedZone)
	trace = append(trace, domain.TraceStep{Tool: "service_outages", Duration: dur, Error: errString(err)})

	playbooks, dur, err := o.toolPlaybooks(ctx, req.CityID, intent)
	trace = append(trace, domain.TraceStep{Tool: "playbooks", Duration: dur, Error: errString(err)})

	result := synthesizeEvidence(intent, resolvedZone, snapshots, activeEvents, outages, playbooks)
	reply := templateReply(intent, resolvedZone, result, alerts)

	o.recordRun(ctx, req, intent, reply, trace)
	o.recordScenarioRun(ctx, scenarioID, result)

	return Response{AssistantReply: reply, ScenarioResult: result, Trace: trace}, nil
}

func (o *Orchestrator) clarify(ctx context.Context, sess *sessionState, req Request, intent, scenarioID string) (Response, error) {
	sess.mu.Lock()
	sess.clarificationCount++
	sess.mu.Unlock()

	snapshots, err := o.store.LatestSnapshots(ctx, req.CityID, 10)
	if err != nil {
		snapshots = nil
	}
	candidates := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		candidates = append(candidates, s.ZoneID)
	}
	sort.Strings(candidates)

	reply := "Which zone are you reporting this for? "
	if len(candidates) > 0 {
		reply += "Candidates: " + strings.Join(candidates, ", ") + "."
	} else {
		reply += "I don't have any zones on record yet for this city."
	}

	result := domain.ScenarioResult{Intent: intent, ClarifyingQuestion: true, EvidenceIDs: []string{}, AffectedZones: []string{}}
	o.recordRun(ctx, req, intent, reply, nil)
	o.recordScenarioRun(ctx, scenarioID, result)
	return Response{AssistantReply: reply, ScenarioResult: result, Trace: nil}, nil
}

func (o *Orchestrator) toolCityState(ctx context.Context, cityID string) ([]domain.ZoneSnapshot, []domain.Alert, time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, toolDeadline)
	defer cancel()

	snapshots, err := o.store.LatestSnapshots(ctx, cityID, 50)
	if err != nil {
		return nil, nil, time.Since(start), err
	}
	alerts, err := o.store.QueryAlerts(ctx, cityID, "", nil, 20)
	return snapshots, alerts, time.Since(start), err
}

func (o *Orchestrator) toolActiveEvents(ctx context.Context, cityID, intent string) ([]domain.ActiveEvent, time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, toolDeadline)
	defer cancel()
	events, err := o.catalog.ActiveEvents(ctx, cityID, intentToEventType(intent))
	return events, time.Since(start), err
}

func (o *Orchestrator) toolServiceOutages(ctx context.Context, cityID, zoneID string) ([]domain.ServiceOutage, time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, toolDeadline)
	defer cancel()
	outages, err := o.catalog.ServiceOutages(ctx, cityID, zoneID)
	return outages, time.Since(start), err
}

func (o *Orchestrator) toolPlaybooks(ctx context.Context, cityID, intent string) ([]domain.Playbook, time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, toolDeadline)
	defer cancel()
	books, err := o.catalog.Playbooks(ctx, cityID, intentToEventType(intent))
	return books, time.Since(start), err
}

// classifyIntent implements spec §4.7 step 1: first keyword match wins,
// defaulting to general.
func classifyIntent(message string) string {
	lower := strings.ToLower(message)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.intent
			}
		}
	}
	return "general"
}

// intentToEventType maps an orchestrator intent to the grounding catalog's
// event_type vocabulary (outage/aqi_spike/road_closure/failure).
func intentToEventType(intent string) string {
	if intent == "power_outage" {
		return "outage"
	}
	if intent == "general" {
		return ""
	}
	return intent
}

// synthesizeEvidence implements spec §4.7 step 4.
func synthesizeEvidence(intent, resolvedZone string, snapshots []domain.ZoneSnapshot, activeEvents []domain.ActiveEvent, outages []domain.ServiceOutage, playbooks []domain.Playbook) domain.ScenarioResult {
	evidenceIDs := make([]string, 0, len(activeEvents)+len(outages))
	zoneSet := make(map[string]struct{})

	for _, e := range activeEvents {
		evidenceIDs = append(evidenceIDs, e.EventID)
		if e.ZoneID != "" {
			zoneSet[e.ZoneID] = struct{}{}
		}
	}
	for _, ou := range outages {
		if ou.EventID != "" {
			evidenceIDs = append(evidenceIDs, ou.EventID)
		}
		if ou.ZoneID != "" {
			zoneSet[ou.ZoneID] = struct{}{}
		}
	}

	var affectedZones []string
	if len(zoneSet) > 0 {
		for z := range zoneSet {
			affectedZones = append(affectedZones, z)
		}
		sort.Strings(affectedZones)
	} else if resolvedZone != "" {
		affectedZones = []string{resolvedZone}
	} else {
		affectedZones = highestRiskZones(snapshots, 5)
	}

	confidence := 0.3
	if len(evidenceIDs) > 0 {
		confidence = 0.85
	} else if resolvedZone != "" {
		confidence = 0.6
	}

	statement := fmt.Sprintf("Likely %s condition affecting %s.", intent, strings.Join(nonEmpty(affectedZones, "an unresolved zone"), ", "))

	return domain.ScenarioResult{
		Intent:             intent,
		ClarifyingQuestion: false,
		EvidenceIDs:        evidenceIDs,
		AffectedZones:      affectedZones,
		RecommendedActions: playbooks,
		Hypotheses:         []domain.Hypothesis{{Statement: statement, Confidence: confidence}},
	}
}

// highestRiskZones ranks snapshots by risk_score.score descending, capped
// at n (spec §4.7 step 4's evidence-free fallback).
func highestRiskZones(snapshots []domain.ZoneSnapshot, n int) []string {
	ranked := make([]domain.ZoneSnapshot, len(snapshots))
	copy(ranked, snapshots)
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Analytics.RiskScore.Score > ranked[j].Analytics.RiskScore.Score
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.ZoneID)
	}
	return out
}

// templateReply implements spec §4.7 step 5: deterministic assembly, no
// LLM call in the core path.
func templateReply(intent, resolvedZone string, result domain.ScenarioResult, alerts []domain.Alert) string {
	var b strings.Builder
	switch intent {
	case "power_outage":
		b.WriteString("I've logged a possible power outage report")
	case "aqi_spike":
		b.WriteString("I've logged an air-quality concern")
	case "road_closure":
		b.WriteString("I've logged a road-closure report")
	case "failure":
		b.WriteString("I've logged an equipment-failure report")
	default:
		b.WriteString("I've recorded your message")
	}
	if resolvedZone != "" {
		fmt.Fprintf(&b, " for zone %s", resolvedZone)
	}
	b.WriteString(". ")

	if len(result.EvidenceIDs) > 0 {
		fmt.Fprintf(&b, "I found %d related record(s) in the grounding catalog. ", len(result.EvidenceIDs))
	} else {
		b.WriteString("No matching active events or outages are on record. ")
	}
	if len(result.RecommendedActions) > 0 {
		fmt.Fprintf(&b, "Recommended next step: %s. ", result.RecommendedActions[0].Name)
	}
	if len(alerts) > 0 {
		fmt.Fprintf(&b, "Note: %d active alert(s) for this city. ", len(alerts))
	}
	b.WriteString("See the Scenario panel for full evidence and trace detail.")
	return b.String()
}

func nonEmpty(zones []string, fallback string) []string {
	if len(zones) == 0 {
		return []string{fallback}
	}
	return zones
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *Orchestrator) session(id string) *sessionState {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	o.evictIdleLocked()

	s, ok := o.sessions[id]
	if !ok {
		s = &sessionState{}
		o.sessions[id] = s
	}
	s.lastSeen = time.Now()
	return s
}

func (o *Orchestrator) evictIdleLocked() {
	cutoff := time.Now().Add(-sessionIdleTimeout)
	for id, s := range o.sessions {
		s.mu.Lock()
		stale := s.lastSeen.Before(cutoff) && !s.lastSeen.IsZero()
		s.mu.Unlock()
		if stale {
			delete(o.sessions, id)
		}
	}
}

// ensureScenario lazily creates and persists the Scenario row marking a
// session's first turn, reusing it for every subsequent turn in the same
// session (spec §3: Scenario groups a sequence of ScenarioRuns). Best-effort:
// a datastore outage here degrades to an in-memory-only id per spec §7.
func (o *Orchestrator) ensureScenario(ctx context.Context, sess *sessionState, req Request) string {
	sess.mu.Lock()
	id := sess.scenarioID
	sess.mu.Unlock()
	if id != "" {
		return id
	}

	id = uuid.NewString()
	scenario := domain.Scenario{ID: id, SessionID: req.SessionID, CityID: req.CityID, CreatedAt: time.Now().UTC()}
	if err := o.store.CreateScenario(ctx, scenario); err != nil {
		o.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("scenario persistence failed")
	}

	sess.mu.Lock()
	sess.scenarioID = id
	sess.mu.Unlock()
	return id
}

// recordScenarioRun persists one evaluated turn of the session's scenario.
// Best-effort, same rationale as recordRun.
func (o *Orchestrator) recordScenarioRun(ctx context.Context, scenarioID string, result domain.ScenarioResult) {
	run := domain.ScenarioRun{ID: uuid.NewString(), ScenarioID: scenarioID, Ts: time.Now().UTC(), Result: result}
	if err := o.store.WriteScenarioRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Str("scenario_id", scenarioID).Msg("scenario run persistence failed")
	}
}

// recordRun persists an AgentRun for observability and replay (spec §3/§4.7).
// Best-effort: a datastore outage here must not fail the turn already
// answered to the caller (spec §7's propagation rule).
func (o *Orchestrator) recordRun(ctx context.Context, req Request, intent, reply string, trace []domain.TraceStep) {
	run := domain.AgentRun{
		ID: uuid.NewString(), SessionID: req.SessionID, CityID: req.CityID, ZoneID: req.ZoneID,
		Ts: time.Now().UTC(), UserMessage: req.Message, AssistantReply: reply, Intent: intent, Trace: trace,
	}
	if err := o.store.WriteAgentRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("agent run persistence failed")
	}
}
