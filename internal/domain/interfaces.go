package domain

import (
	"context"
	"time"
)

// StateStore is C2's typed access surface over the durable state layer.
// All methods must be safe for concurrent use, convert native identifiers to
// string at the boundary, and serialise timestamps as RFC-3339 on read.
type StateStore interface {
	WriteSnapshot(ctx context.Context, snap ZoneSnapshot) error
	LatestSnapshots(ctx context.Context, cityID string, limit int) ([]ZoneSnapshot, error)
	ZoneDemandHistory(ctx context.Context, cityID, zoneID string, limit int) ([]float64, error)

	InsertAlerts(ctx context.Context, alerts []Alert) error
	QueryAlerts(ctx context.Context, cityID, zoneID string, since *int64, limit int) ([]Alert, error)

	UpsertRawLatest(ctx context.Context, topic, cityID, zoneID string, payload map[string]any, ts, ingestedAt int64) error
	ReadRawLatest(ctx context.Context, cityID string) (map[string]ZoneRaw, error)

	AppendLiveFeed(ctx context.Context, topic, cityID, zoneID string, ts int64, payload map[string]any) error

	WriteProcessingSummary(ctx context.Context, summary ProcessingSummary) error

	WriteAgentRun(ctx context.Context, run AgentRun) error
	ListAgentRuns(ctx context.Context, cityID string, limit int) ([]AgentRun, error)
	GetAgentRun(ctx context.Context, id string) (AgentRun, error)

	// CreateScenario and WriteScenarioRun persist the orchestrator's
	// session-scoped replay trail: one Scenario per session/city pairing,
	// one ScenarioRun per turn within it.
	CreateScenario(ctx context.Context, scenario Scenario) error
	WriteScenarioRun(ctx context.Context, run ScenarioRun) error

	// IncidentCount returns the number of outstanding raw_311 (civic report)
	// rows for a city, the incident source C8's cost rollup consults.
	IncidentCount(ctx context.Context, cityID string) (int, error)

	// PruneLiveFeed deletes live-feed rows older than cutoff, returning the
	// count removed. Used by the scheduler's housekeeping job.
	PruneLiveFeed(ctx context.Context, cutoff time.Time) (int64, error)
}

// ZoneRaw is the per-zone view returned by StateStore.ReadRawLatest: the
// three raw-latest topics C5's bus-fed path needs to fuse a snapshot.
type ZoneRaw struct {
	Weather map[string]any
	AQI     map[string]any
	Traffic map[string]any
}

// GroundingCatalog is C3's read-only query surface.
type GroundingCatalog interface {
	Assets(ctx context.Context, cityID, zoneID, assetType string) ([]Asset, error)
	ActiveEvents(ctx context.Context, cityID, eventType string) ([]ActiveEvent, error)
	ServiceOutages(ctx context.Context, cityID, zoneID string) ([]ServiceOutage, error)
	Playbooks(ctx context.Context, cityID, eventType string) ([]Playbook, error)
}
