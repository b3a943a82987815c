// Package catalog implements C3: the read-only grounding catalog the
// orchestrator (C7) and engine (C5) consult for assets, active incidents,
// service outages, and playbooks. Grounded on the teacher's repository
// pattern over the catalog SQLite database (Conn()-scoped parameterised
// queries, no ORM).
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urbangrid/gridcore/internal/database"
	"github.com/urbangrid/gridcore/internal/domain"
)

// Catalog is the SQLite-backed implementation of domain.GroundingCatalog.
type Catalog struct {
	db *database.DB
}

func New(db *database.DB) *Catalog {
	return &Catalog{db: db}
}

var _ domain.GroundingCatalog = (*Catalog)(nil)

// defaultPlaybooks is the seed set applied to every city the first time its
// playbook table is queried empty, per the system's baked-in response plan.
var defaultPlaybooks = []domain.Playbook{
	{EventType: "outage", ActionID: "dispatch_crew", Name: "Dispatch repair crew", Description: "Send a field crew to the affected substation or feeder.", ETAMinutes: 60, CostEstimate: 500},
	{EventType: "outage", ActionID: "load_shed_zone", Name: "Shed load in zone", Description: "Temporarily reduce load in the affected zone to protect adjacent infrastructure.", ETAMinutes: 15, CostEstimate: 0},
	{EventType: "aqi_spike", ActionID: "notify_public", Name: "Issue public air-quality notice", Description: "Push an advisory for sensitive groups in the affected zone.", ETAMinutes: 5, CostEstimate: 0},
	{EventType: "aqi_spike", ActionID: "reduce_industrial", Name: "Request industrial throttling", Description: "Ask permitted high-emission operators in the zone to curtail output.", ETAMinutes: 120, CostEstimate: 2000},
	{EventType: "road_closure", ActionID: "reroute_crews", Name: "Reroute field crews", Description: "Redirect crews around the closure to maintain response times.", ETAMinutes: 30, CostEstimate: 100},
	{EventType: "failure", ActionID: "isolate_asset", Name: "Isolate failed asset", Description: "Open upstream breakers to isolate the failed asset from the grid.", ETAMinutes: 45, CostEstimate: 300},
}

// Assets returns the read-only asset registry entries matching a city/zone,
// optionally filtered by asset type ("" matches all).
func (c *Catalog) Assets(ctx context.Context, cityID, zoneID, assetType string) ([]domain.Asset, error) {
	query := `SELECT city_id, zone_id, asset_type, name, metadata FROM asset_registry WHERE city_id = ? AND zone_id = ?`
	args := []interface{}{cityID, zoneID}
	if assetType != "" {
		query += ` AND asset_type = ?`
		args = append(args, assetType)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		var a domain.Asset
		var meta sql.NullString
		if err := rows.Scan(&a.CityID, &a.ZoneID, &a.Type, &a.Name, &meta); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &a.Meta)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveEvents returns ongoing incidents for a city, optionally filtered by
// type ("" matches all).
func (c *Catalog) ActiveEvents(ctx context.Context, cityID, eventType string) ([]domain.ActiveEvent, error) {
	query := `SELECT event_id, city_id, type, zone_id, severity, ts FROM active_events WHERE city_id = ?`
	args := []interface{}{cityID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY ts DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active events: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveEvent
	for rows.Next() {
		var e domain.ActiveEvent
		var tsStr string
		if err := rows.Scan(&e.EventID, &e.CityID, &e.Type, &e.ZoneID, &e.Severity, &tsStr); err != nil {
			return nil, fmt.Errorf("scan active event: %w", err)
		}
		e.Ts, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ServiceOutages returns outage records for a city, optionally scoped to a
// zone ("" matches all zones).
func (c *Catalog) ServiceOutages(ctx context.Context, cityID, zoneID string) ([]domain.ServiceOutage, error) {
	query := `SELECT city_id, zone_id, service_type, pct_affected, start_ts, eta_ts, event_id FROM service_outages WHERE city_id = ?`
	args := []interface{}{cityID}
	if zoneID != "" {
		query += ` AND zone_id = ?`
		args = append(args, zoneID)
	}
	query += ` ORDER BY start_ts DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query service outages: %w", err)
	}
	defer rows.Close()

	var out []domain.ServiceOutage
	for rows.Next() {
		var o domain.ServiceOutage
		var startStr string
		var etaStr, eventID sql.NullString
		if err := rows.Scan(&o.CityID, &o.ZoneID, &o.ServiceType, &o.PctAffected, &startStr, &etaStr, &eventID); err != nil {
			return nil, fmt.Errorf("scan service outage: %w", err)
		}
		o.StartTs, _ = time.Parse(time.RFC3339Nano, startStr)
		if etaStr.Valid && etaStr.String != "" {
			t, err := time.Parse(time.RFC3339Nano, etaStr.String)
			if err == nil {
				o.ETATs = &t
			}
		}
		o.EventID = eventID.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Playbooks returns the action catalog for a city/event type, seeding the
// baked-in default set on first access if the city has none yet.
func (c *Catalog) Playbooks(ctx context.Context, cityID, eventType string) ([]domain.Playbook, error) {
	if err := c.ensureSeeded(ctx, cityID); err != nil {
		return nil, err
	}

	query := `SELECT city_id, event_type, action_id, name, description, eta_minutes, cost_estimate FROM playbooks WHERE city_id = ?`
	args := []interface{}{cityID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query playbooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Playbook
	for rows.Next() {
		var p domain.Playbook
		if err := rows.Scan(&p.CityID, &p.EventType, &p.ActionID, &p.Name, &p.Description, &p.ETAMinutes, &p.CostEstimate); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) ensureSeeded(ctx context.Context, cityID string) error {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM playbooks WHERE city_id = ?`, cityID).Scan(&count); err != nil {
		return fmt.Errorf("count playbooks: %w", err)
	}
	if count > 0 {
		return nil
	}

	return database.WithTransaction(c.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO playbooks (city_id, event_type, action_id, name, description, eta_minutes, cost_estimate)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(city_id, event_type, action_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare playbook seed: %w", err)
		}
		defer stmt.Close()

		for _, pb := range defaultPlaybooks {
			if _, err := stmt.ExecContext(ctx, cityID, pb.EventType, pb.ActionID, pb.Name, pb.Description, pb.ETAMinutes, pb.CostEstimate); err != nil {
				return fmt.Errorf("seed playbook %s/%s: %w", pb.EventType, pb.ActionID, err)
			}
		}
		return nil
	})
}
