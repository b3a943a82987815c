// Package store implements C2: the durable state layer backing
// domain.StateStore. It persists the append-only snapshot/alert/processing
// logs and the upserted raw-latest projection against the gridstate SQLite
// database, grounded on the teacher's internal/database repository pattern
// (database.WithTransaction, Conn()-scoped prepared statements).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/urbangrid/gridcore/internal/database"
	"github.com/urbangrid/gridcore/internal/domain"
)

// maxSanitizeDepth bounds the recursive walk in sanitize, so a pathological
// or cyclic payload (shouldn't happen with map[string]any, but a defensive
// bound per spec's boundary-sanitization requirement) can't blow the stack.
const maxSanitizeDepth = 20

// Store is the SQLite-backed implementation of domain.StateStore, scoped to
// the gridstate database.
type Store struct {
	db *database.DB
}

func New(db *database.DB) *Store {
	return &Store{db: db}
}

var _ domain.StateStore = (*Store)(nil)

// WriteSnapshot appends one row to the snapshots log. Snapshots are never
// updated in place; "latest" is always a query, never a second write.
func (s *Store) WriteSnapshot(ctx context.Context, snap domain.ZoneSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (city_id, zone_id, ts, payload) VALUES (?, ?, ?, ?)`,
		snap.CityID, snap.ZoneID, snap.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshots returns, per zone, the most recent snapshot row for a
// city, ordered by zone ID, capped at limit distinct zones.
func (s *Store) LatestSnapshots(ctx context.Context, cityID string, limit int) ([]domain.ZoneSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.payload FROM snapshots s
		INNER JOIN (
			SELECT zone_id, MAX(ts) AS max_ts FROM snapshots WHERE city_id = ? GROUP BY zone_id
		) latest ON s.zone_id = latest.zone_id AND s.ts = latest.max_ts
		WHERE s.city_id = ?
		ORDER BY s.zone_id
		LIMIT ?`, cityID, cityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.ZoneSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap domain.ZoneSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ZoneDemandHistory returns the most recent forecast.next_hour_kwh values
// for a zone, oldest first, the input C4's history-aware branches consume.
// Recent snapshot runs stand in for a dedicated demand-meter history since
// demand forecasts are themselves derived from the same observed signals.
func (s *Store) ZoneDemandHistory(ctx context.Context, cityID, zoneID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM snapshots WHERE city_id = ? AND zone_id = ? ORDER BY ts DESC LIMIT ?`,
		cityID, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("query zone demand history: %w", err)
	}
	defer rows.Close()

	var history []float64
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan demand history row: %w", err)
		}
		var snap domain.ZoneSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		history = append(history, snap.Analytics.DemandForecast.NextHourKWh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first, matching the order a caller expects of a time series
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// InsertAlerts appends a batch of alerts within a single transaction.
func (s *Store) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO alerts (city_id, zone_id, ts, level, type, message, details, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare alert insert: %w", err)
		}
		defer stmt.Close()

		for _, a := range alerts {
			if _, err := stmt.ExecContext(ctx,
				a.CityID, a.ZoneID, a.Ts.UTC().Format(time.RFC3339Nano),
				string(a.Level), string(a.Type), a.Message, a.Details, a.Source,
			); err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
		}
		return nil
	})
}

// QueryAlerts returns alerts for a city, optionally scoped to a zone and/or
// bounded to entries at or after `since` (unix seconds), newest first.
func (s *Store) QueryAlerts(ctx context.Context, cityID, zoneID string, since *int64, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, city_id, zone_id, ts, level, type, message, details, source FROM alerts WHERE city_id = ?`
	args := []interface{}{cityID}

	if zoneID != "" {
		query += ` AND zone_id = ?`
		args = append(args, zoneID)
	}
	if since != nil {
		query += ` AND ts >= ?`
		args = append(args, time.Unix(*since, 0).UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var tsStr, details, source sql.NullString
		if err := rows.Scan(&a.ID, &a.CityID, &a.ZoneID, &tsStr, &a.Level, &a.Type, &a.Message, &details, &source); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if tsStr.Valid {
			a.Ts, _ = time.Parse(time.RFC3339Nano, tsStr.String)
		}
		a.Details = details.String
		a.Source = source.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertRawLatest replaces the single most-recent payload for (city, zone,
// topic), enforcing the one-row-per-key invariant via the schema's primary
// key together with an INSERT ... ON CONFLICT.
func (s *Store) UpsertRawLatest(ctx context.Context, topic, cityID, zoneID string, payload map[string]any, ts, ingestedAt int64) error {
	table, err := rawTableFor(topic)
	if err != nil {
		return err
	}
	clean := sanitize(payload, maxSanitizeDepth)
	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (city_id, zone_id, ts, ingested_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(city_id, zone_id) DO UPDATE SET
			ts = excluded.ts, ingested_at = excluded.ingested_at, payload = excluded.payload`, table)

	_, err = s.db.ExecContext(ctx, query,
		cityID, zoneID,
		time.Unix(ts, 0).UTC().Format(time.RFC3339Nano),
		time.Unix(ingestedAt, 0).UTC().Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert raw latest (%s): %w", topic, err)
	}
	return nil
}

// ReadRawLatest fuses the weather/aqi/traffic raw-latest tables into a
// per-zone view, the shape C5's bus-fed path consumes directly.
func (s *Store) ReadRawLatest(ctx context.Context, cityID string) (map[string]domain.ZoneRaw, error) {
	out := make(map[string]domain.ZoneRaw)

	assign := func(table string, set func(*domain.ZoneRaw, map[string]any)) error {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT zone_id, payload FROM %s WHERE city_id = ?`, table), cityID)
		if err != nil {
			return fmt.Errorf("query %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var zoneID, payload string
			if err := rows.Scan(&zoneID, &payload); err != nil {
				return fmt.Errorf("scan %s: %w", table, err)
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(payload), &body); err != nil {
				continue
			}
			zr := out[zoneID]
			set(&zr, body)
			out[zoneID] = zr
		}
		return rows.Err()
	}

	if err := assign("raw_weather", func(z *domain.ZoneRaw, b map[string]any) { z.Weather = b }); err != nil {
		return nil, err
	}
	if err := assign("raw_aqi", func(z *domain.ZoneRaw, b map[string]any) { z.AQI = b }); err != nil {
		return nil, err
	}
	if err := assign("raw_traffic", func(z *domain.ZoneRaw, b map[string]any) { z.Traffic = b }); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendLiveFeed inserts one ingest-ordered row into the append-only
// live_feed log, msgpack-encoding the payload to match the column's
// payload_msgpack BLOB type (spec §4.6's live-feed batches).
func (s *Store) AppendLiveFeed(ctx context.Context, topic, cityID, zoneID string, ts int64, payload map[string]any) error {
	clean := sanitize(payload, maxSanitizeDepth)
	data, err := msgpack.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal live feed payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO live_feed (topic, city_id, zone_id, ts, ingested_at, payload_msgpack) VALUES (?, ?, ?, ?, ?, ?)`,
		topic, cityID, zoneID, time.Unix(ts, 0).UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return fmt.Errorf("append live feed: %w", err)
	}
	return nil
}

// WriteProcessingSummary appends one row per ProcessCity run.
func (s *Store) WriteProcessingSummary(ctx context.Context, summary domain.ProcessingSummary) error {
	statuses, err := json.Marshal(summary.Statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_summaries (city_id, ts, total, successful, failed, statuses) VALUES (?, ?, ?, ?, ?, ?)`,
		summary.CityID, summary.Timestamp.UTC().Format(time.RFC3339Nano),
		summary.Total, summary.Successful, summary.Failed, string(statuses),
	)
	if err != nil {
		return fmt.Errorf("insert processing summary: %w", err)
	}
	return nil
}

// WriteAgentRun persists one orchestrator turn for observability and replay.
func (s *Store) WriteAgentRun(ctx context.Context, run domain.AgentRun) error {
	trace, err := json.Marshal(run.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, session_id, city_id, zone_id, ts, user_message, assistant_reply, intent, trace)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.CityID, run.ZoneID, run.Ts.UTC().Format(time.RFC3339Nano),
		run.UserMessage, run.AssistantReply, run.Intent, string(trace),
	)
	if err != nil {
		return fmt.Errorf("insert agent run: %w", err)
	}
	return nil
}

// ListAgentRuns returns a city's orchestrator turns, newest first.
func (s *Store) ListAgentRuns(ctx context.Context, cityID string, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, city_id, zone_id, ts, user_message, assistant_reply, intent, trace
		 FROM agent_runs WHERE city_id = ? ORDER BY ts DESC LIMIT ?`, cityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query agent runs: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetAgentRun fetches a single orchestrator turn by id.
func (s *Store) GetAgentRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, city_id, zone_id, ts, user_message, assistant_reply, intent, trace
		 FROM agent_runs WHERE id = ?`, id)
	run, err := scanAgentRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.AgentRun{}, fmt.Errorf("agent run %q not found: %w", id, err)
		}
		return domain.AgentRun{}, err
	}
	return run, nil
}

// rowScanner is the subset of *sql.Row/*sql.Rows that scanAgentRun needs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRun(r rowScanner) (domain.AgentRun, error) {
	var run domain.AgentRun
	var tsStr, zoneID, trace sql.NullString
	if err := r.Scan(&run.ID, &run.SessionID, &run.CityID, &zoneID, &tsStr,
		&run.UserMessage, &run.AssistantReply, &run.Intent, &trace); err != nil {
		return domain.AgentRun{}, fmt.Errorf("scan agent run: %w", err)
	}
	run.ZoneID = zoneID.String
	if tsStr.Valid {
		run.Ts, _ = time.Parse(time.RFC3339Nano, tsStr.String)
	}
	if trace.Valid && trace.String != "" {
		if err := json.Unmarshal([]byte(trace.String), &run.Trace); err != nil {
			return domain.AgentRun{}, fmt.Errorf("unmarshal trace: %w", err)
		}
	}
	return run, nil
}

// CreateScenario persists one Scenario row marking the start of a session's
// replay trail (spec §3: AgentRun/Scenario/ScenarioRun persisted append-only
// for observability and replay).
func (s *Store) CreateScenario(ctx context.Context, scenario domain.Scenario) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, session_id, city_id, created_at) VALUES (?, ?, ?, ?)`,
		scenario.ID, scenario.SessionID, scenario.CityID, scenario.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}
	return nil
}

// WriteScenarioRun persists one evaluated turn of a Scenario.
func (s *Store) WriteScenarioRun(ctx context.Context, run domain.ScenarioRun) error {
	result, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("marshal scenario result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenario_runs (id, scenario_id, ts, result) VALUES (?, ?, ?, ?)`,
		run.ID, run.ScenarioID, run.Ts.UTC().Format(time.RFC3339Nano), string(result),
	)
	if err != nil {
		return fmt.Errorf("insert scenario run: %w", err)
	}
	return nil
}

// PruneLiveFeed deletes live-feed rows older than cutoff, returning the
// count removed (the scheduler's housekeeping job, spec §9's bounded
// retention for the append-only live-feed log).
func (s *Store) PruneLiveFeed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM live_feed WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune live feed: %w", err)
	}
	return res.RowsAffected()
}

// IncidentCount returns the number of outstanding civic reports (raw_311)
// for a city, the "311-equivalent source" spec §4.8 feeds incident_usd from.
func (s *Store) IncidentCount(ctx context.Context, cityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_311 WHERE city_id = ?`, cityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count raw_311: %w", err)
	}
	return count, nil
}

func rawTableFor(topic string) (string, error) {
	switch topic {
	case "weather":
		return "raw_weather", nil
	case "aqi":
		return "raw_aqi", nil
	case "traffic":
		return "raw_traffic", nil
	case "power_demand":
		return "raw_power_demand", nil
	case "grid_alerts":
		return "raw_grid_alerts", nil
	case "311":
		return "raw_311", nil
	default:
		return "", fmt.Errorf("unknown raw-latest topic %q", topic)
	}
}

// sanitize walks a decoded JSON value and drops nothing: JSON-native values
// pass through, other types are re-encoded through a JSON round-trip (or
// stringified when that fails), and anything past maxSanitizeDepth is
// replaced with a placeholder rather than recursed into.
func sanitize(v any, depth int) any {
	if depth <= 0 {
		return "<max-depth-exceeded>"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitize(val, depth-1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val, depth-1)
		}
		return out
	case string, float64, bool, nil, int, int64:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return generic
	}
}
