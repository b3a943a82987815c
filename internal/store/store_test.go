package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/database"
	"github.com/urbangrid/gridcore/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "gridstate.db"),
		Profile: database.ProfileLedger,
		Name:    "gridstate",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestWriteSnapshotAndLatestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := domain.ZoneSnapshot{
		CityID: "nyc", ZoneID: "Z_001", Timestamp: time.Now().Add(-time.Hour),
		Analytics: domain.Analytics{DemandForecast: domain.DemandForecast{NextHourKWh: 100}},
	}
	newer := domain.ZoneSnapshot{
		CityID: "nyc", ZoneID: "Z_001", Timestamp: time.Now(),
		Analytics: domain.Analytics{DemandForecast: domain.DemandForecast{NextHourKWh: 200}},
	}
	require.NoError(t, s.WriteSnapshot(ctx, older))
	require.NoError(t, s.WriteSnapshot(ctx, newer))

	otherZone := domain.ZoneSnapshot{CityID: "nyc", ZoneID: "Z_002", Timestamp: time.Now()}
	require.NoError(t, s.WriteSnapshot(ctx, otherZone))

	latest, err := s.LatestSnapshots(ctx, "nyc", 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	for _, snap := range latest {
		if snap.ZoneID == "Z_001" {
			assert.InDelta(t, 200, snap.Analytics.DemandForecast.NextHourKWh, 0.001)
		}
	}
}

func TestZoneDemandHistoryOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, kwh := range []float64{100, 200, 300} {
		snap := domain.ZoneSnapshot{
			CityID: "nyc", ZoneID: "Z_001", Timestamp: base.Add(time.Duration(i) * time.Minute),
			Analytics: domain.Analytics{DemandForecast: domain.DemandForecast{NextHourKWh: kwh}},
		}
		require.NoError(t, s.WriteSnapshot(ctx, snap))
	}

	history, err := s.ZoneDemandHistory(ctx, "nyc", "Z_001", 10)
	require.NoError(t, err)
	require.Equal(t, []float64{100, 200, 300}, history)
}

func TestInsertAndQueryAlerts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alerts := []domain.Alert{
		{CityID: "nyc", ZoneID: "Z_001", Ts: time.Now(), Level: domain.AlertWarning, Type: domain.AlertTypeAQI, Message: "hi aqi"},
		{CityID: "nyc", ZoneID: "Z_002", Ts: time.Now(), Level: domain.AlertAlert, Type: domain.AlertTypeHighRisk, Message: "hi risk"},
	}
	require.NoError(t, s.InsertAlerts(ctx, alerts))
	require.NoError(t, s.InsertAlerts(ctx, nil)) // no-op on empty

	all, err := s.QueryAlerts(ctx, "nyc", "", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := s.QueryAlerts(ctx, "nyc", "Z_001", nil, 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "hi aqi", scoped[0].Message)
}

func TestUpsertAndReadRawLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, s.UpsertRawLatest(ctx, "weather", "nyc", "Z_001", map[string]any{"temp_c": 21.0}, now, now))
	require.NoError(t, s.UpsertRawLatest(ctx, "weather", "nyc", "Z_001", map[string]any{"temp_c": 25.0}, now+1, now+1))
	require.NoError(t, s.UpsertRawLatest(ctx, "aqi", "nyc", "Z_001", map[string]any{"aqi": 80.0}, now, now))

	raw, err := s.ReadRawLatest(ctx, "nyc")
	require.NoError(t, err)
	require.Contains(t, raw, "Z_001")
	assert.InDelta(t, 25.0, raw["Z_001"].Weather["temp_c"], 0.001)
	assert.InDelta(t, 80.0, raw["Z_001"].AQI["aqi"], 0.001)

	_, err = s.ReadRawLatest(ctx, "unknown-city")
	require.NoError(t, err)
}

func TestUpsertRawLatestUnknownTopic(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertRawLatest(context.Background(), "nonsense", "nyc", "Z_001", nil, 0, 0)
	assert.Error(t, err)
}

func TestAppendAndPruneLiveFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.AppendLiveFeed(ctx, "weather", "nyc", "Z_001", old.Unix(), map[string]any{"temp_c": 1.0}))
	require.NoError(t, s.AppendLiveFeed(ctx, "weather", "nyc", "Z_001", time.Now().Unix(), map[string]any{"temp_c": 2.0}))

	n, err := s.PruneLiveFeed(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestWriteAndListAgentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := domain.AgentRun{
		ID: "run-1", SessionID: "sess-1", CityID: "nyc", Ts: time.Now(),
		UserMessage: "what is happening", AssistantReply: "zone Z_001 is at risk",
		Intent: "status", Trace: []domain.TraceStep{{Tool: "city_state"}},
	}
	require.NoError(t, s.WriteAgentRun(ctx, run))

	runs, err := s.ListAgentRuns(ctx, "nyc", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	require.Len(t, runs[0].Trace, 1)
	assert.Equal(t, "city_state", runs[0].Trace[0].Tool)

	fetched, err := s.GetAgentRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", fetched.SessionID)

	_, err = s.GetAgentRun(ctx, "does-not-exist")
	assert.Error(t, err)
}

func TestCreateScenarioAndWriteScenarioRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scenario := domain.Scenario{ID: "scn-1", SessionID: "sess-1", CityID: "nyc", CreatedAt: time.Now()}
	require.NoError(t, s.CreateScenario(ctx, scenario))

	run := domain.ScenarioRun{
		ID: "scnrun-1", ScenarioID: "scn-1", Ts: time.Now(),
		Result: domain.ScenarioResult{Intent: "power_outage", AffectedZones: []string{"Z_001"}},
	}
	require.NoError(t, s.WriteScenarioRun(ctx, run))
}

func TestWriteProcessingSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	summary := domain.ProcessingSummary{
		CityID: "nyc", Timestamp: time.Now(), Total: 2, Successful: 1, Failed: 1,
		Statuses: []domain.ZoneStatus{{ZoneID: "Z_001", OK: true}, {ZoneID: "Z_002", OK: false, Error: "boom"}},
	}
	assert.NoError(t, s.WriteProcessingSummary(ctx, summary))
}

func TestIncidentCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.IncidentCount(ctx, "nyc")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, s.UpsertRawLatest(ctx, "311", "nyc", "Z_001", map[string]any{"report": "pothole"}, time.Now().Unix(), time.Now().Unix()))

	count, err = s.IncidentCount(ctx, "nyc")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSanitizeDropsUnsupportedDepthAndTypes(t *testing.T) {
	clean := sanitize(map[string]any{"a": 1, "b": []any{"x", 2.5}}, maxSanitizeDepth)
	m, ok := clean.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, m["a"])

	deep := sanitize("leaf", 0)
	assert.Equal(t, "<max-depth-exceeded>", deep)
}
