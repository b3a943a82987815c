package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/database"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "catalog.db"),
		Profile: database.ProfileStandard,
		Name:    "catalog",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestAssetsFilteredByType(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO asset_registry (city_id, zone_id, asset_type, name, metadata) VALUES (?, ?, ?, ?, ?)`,
		"nyc", "Z_001", "substation", "Substation 1", `{"capacity_mw":10}`)
	require.NoError(t, err)
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO asset_registry (city_id, zone_id, asset_type, name, metadata) VALUES (?, ?, ?, ?, ?)`,
		"nyc", "Z_001", "feeder", "Feeder A", ``)
	require.NoError(t, err)

	all, err := c.Assets(ctx, "nyc", "Z_001", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	subs, err := c.Assets(ctx, "nyc", "Z_001", "substation")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Substation 1", subs[0].Name)
	assert.EqualValues(t, 10, subs[0].Meta["capacity_mw"])
}

func TestActiveEventsNewestFirst(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := c.db.ExecContext(ctx, `INSERT INTO active_events (event_id, city_id, type, zone_id, severity, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		"evt-1", "nyc", "power_outage", "Z_001", "high", now.Add(-time.Hour).Format(time.RFC3339Nano))
	require.NoError(t, err)
	_, err = c.db.ExecContext(ctx, `INSERT INTO active_events (event_id, city_id, type, zone_id, severity, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		"evt-2", "nyc", "aqi_spike", "Z_002", "medium", now.Format(time.RFC3339Nano))
	require.NoError(t, err)

	events, err := c.ActiveEvents(ctx, "nyc", "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-2", events[0].EventID)

	filtered, err := c.ActiveEvents(ctx, "nyc", "power_outage")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "evt-1", filtered[0].EventID)
}

func TestServiceOutagesWithAndWithoutETA(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO service_outages (city_id, zone_id, service_type, pct_affected, start_ts, eta_ts, event_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"nyc", "Z_001", "power", 40.0, now.Format(time.RFC3339Nano), now.Add(time.Hour).Format(time.RFC3339Nano), "evt-1")
	require.NoError(t, err)
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO service_outages (city_id, zone_id, service_type, pct_affected, start_ts, eta_ts, event_id) VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
		"nyc", "Z_002", "water", 10.0, now.Format(time.RFC3339Nano))
	require.NoError(t, err)

	outages, err := c.ServiceOutages(ctx, "nyc", "")
	require.NoError(t, err)
	require.Len(t, outages, 2)

	scoped, err := c.ServiceOutages(ctx, "nyc", "Z_001")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.NotNil(t, scoped[0].ETATs)
	assert.Equal(t, "evt-1", scoped[0].EventID)
}

func TestPlaybooksSeedsDefaultsOnce(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, err := c.Playbooks(ctx, "nyc", "")
	require.NoError(t, err)
	assert.Equal(t, len(defaultPlaybooks), len(first))

	outage, err := c.Playbooks(ctx, "nyc", "outage")
	require.NoError(t, err)
	for _, p := range outage {
		assert.Equal(t, "outage", p.EventType)
	}

	// a second call must not duplicate the seed rows
	second, err := c.Playbooks(ctx, "nyc", "")
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))

	// a different city seeds independently
	sfPlaybooks, err := c.Playbooks(ctx, "sf", "")
	require.NoError(t, err)
	assert.Equal(t, len(defaultPlaybooks), len(sfPlaybooks))
}
