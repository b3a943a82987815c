package orchestrator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/domain"
)

type fakeStore struct {
	domain.StateStore
	snapshots     []domain.ZoneSnapshot
	alerts        []domain.Alert
	agentRuns     []domain.AgentRun
	scenarios     []domain.Scenario
	scenarioRuns  []domain.ScenarioRun
	writeAgentRunErr error
}

func (f *fakeStore) LatestSnapshots(ctx context.Context, cityID string, limit int) ([]domain.ZoneSnapshot, error) {
	return f.snapshots, nil
}

func (f *fakeStore) QueryAlerts(ctx context.Context, cityID, zoneID string, since *int64, limit int) ([]domain.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) WriteAgentRun(ctx context.Context, run domain.AgentRun) error {
	if f.writeAgentRunErr != nil {
		return f.writeAgentRunErr
	}
	f.agentRuns = append(f.agentRuns, run)
	return nil
}

func (f *fakeStore) CreateScenario(ctx context.Context, scenario domain.Scenario) error {
	f.scenarios = append(f.scenarios, scenario)
	return nil
}

func (f *fakeStore) WriteScenarioRun(ctx context.Context, run domain.ScenarioRun) error {
	f.scenarioRuns = append(f.scenarioRuns, run)
	return nil
}

type fakeCatalog struct {
	domain.GroundingCatalog
	events    []domain.ActiveEvent
	outages   []domain.ServiceOutage
	playbooks []domain.Playbook
}

func (f *fakeCatalog) ActiveEvents(ctx context.Context, cityID, eventType string) ([]domain.ActiveEvent, error) {
	return f.events, nil
}

func (f *fakeCatalog) ServiceOutages(ctx context.Context, cityID, zoneID string) ([]domain.ServiceOutage, error) {
	return f.outages, nil
}

func (f *fakeCatalog) Playbooks(ctx context.Context, cityID, eventType string) ([]domain.Playbook, error) {
	return f.playbooks, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestClassifyIntent(t *testing.T) {
	assert.Equal(t, "power_outage", classifyIntent("there's a blackout on my street"))
	assert.Equal(t, "aqi_spike", classifyIntent("the air quality is terrible here"))
	assert.Equal(t, "road_closure", classifyIntent("the road is closed downtown"))
	assert.Equal(t, "failure", classifyIntent("the transformer is broken"))
	assert.Equal(t, "general", classifyIntent("just checking in"))
}

func TestHandle_AsksForClarificationWhenZoneRequiredAndUnresolved(t *testing.T) {
	store := &fakeStore{snapshots: []domain.ZoneSnapshot{{ZoneID: "Z_001"}, {ZoneID: "Z_002"}}}
	o := New(store, &fakeCatalog{}, testLogger())

	resp, err := o.Handle(context.Background(), Request{SessionID: "s1", CityID: "nyc", Message: "there's a blackout"})
	require.NoError(t, err)
	assert.True(t, resp.ScenarioResult.ClarifyingQuestion)
	assert.Contains(t, resp.AssistantReply, "Z_001")
	assert.Contains(t, resp.AssistantReply, "Z_002")
}

func TestHandle_ProceedsWhenZoneProvided(t *testing.T) {
	store := &fakeStore{}
	catalog := &fakeCatalog{
		events:    []domain.ActiveEvent{{EventID: "evt-1", ZoneID: "Z_001", Type: "power_outage"}},
		playbooks: []domain.Playbook{{Name: "Dispatch repair crew"}},
	}
	o := New(store, catalog, testLogger())

	resp, err := o.Handle(context.Background(), Request{SessionID: "s2", CityID: "nyc", ZoneID: "Z_001", Message: "no power here"})
	require.NoError(t, err)
	assert.False(t, resp.ScenarioResult.ClarifyingQuestion)
	assert.Equal(t, "power_outage", resp.ScenarioResult.Intent)
	assert.Contains(t, resp.ScenarioResult.EvidenceIDs, "evt-1")
	assert.Contains(t, resp.AssistantReply, "Dispatch repair crew")
	require.Len(t, store.agentRuns, 1)
	assert.Equal(t, "power_outage", store.agentRuns[0].Intent)
}

func TestHandle_GeneralIntentNeverRequiresClarification(t *testing.T) {
	store := &fakeStore{}
	o := New(store, &fakeCatalog{}, testLogger())

	resp, err := o.Handle(context.Background(), Request{SessionID: "s3", CityID: "nyc", Message: "hello there"})
	require.NoError(t, err)
	assert.False(t, resp.ScenarioResult.ClarifyingQuestion)
	assert.Equal(t, "general", resp.ScenarioResult.Intent)
}

func TestHandle_ClarificationCapsAtMax(t *testing.T) {
	store := &fakeStore{}
	o := New(store, &fakeCatalog{}, testLogger())

	for i := 0; i < maxClarifications; i++ {
		resp, err := o.Handle(context.Background(), Request{SessionID: "s4", CityID: "nyc", Message: "blackout again"})
		require.NoError(t, err)
		assert.True(t, resp.ScenarioResult.ClarifyingQuestion)
	}

	// after maxClarifications, the orchestrator proceeds without a resolved zone
	resp, err := o.Handle(context.Background(), Request{SessionID: "s4", CityID: "nyc", Message: "blackout again"})
	require.NoError(t, err)
	assert.False(t, resp.ScenarioResult.ClarifyingQuestion)
}

func TestHandle_PersistenceFailureDoesNotFailTurn(t *testing.T) {
	store := &fakeStore{writeAgentRunErr: assert.AnError}
	o := New(store, &fakeCatalog{}, testLogger())

	resp, err := o.Handle(context.Background(), Request{SessionID: "s5", CityID: "nyc", Message: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AssistantReply)
}

func TestSynthesizeEvidence_FallsBackToHighestRiskZones(t *testing.T) {
	snapshots := []domain.ZoneSnapshot{
		{ZoneID: "Z_001", Analytics: domain.Analytics{RiskScore: domain.RiskScore{Score: 10}}},
		{ZoneID: "Z_002", Analytics: domain.Analytics{RiskScore: domain.RiskScore{Score: 90}}},
	}
	result := synthesizeEvidence("general", "", snapshots, nil, nil, nil)
	require.NotEmpty(t, result.AffectedZones)
	assert.Equal(t, "Z_002", result.AffectedZones[0])
}

func TestTemplateReply_MentionsEvidenceAndActions(t *testing.T) {
	result := domain.ScenarioResult{
		EvidenceIDs:        []string{"evt-1"},
		RecommendedActions: []domain.Playbook{{Name: "Dispatch repair crew"}},
	}
	reply := templateReply("power_outage", "Z_001", result, []domain.Alert{{Message: "hi"}})
	assert.Contains(t, reply, "Z_001")
	assert.Contains(t, reply, "1 related record")
	assert.Contains(t, reply, "Dispatch repair crew")
	assert.Contains(t, reply, "1 active alert")
}
