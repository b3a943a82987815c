// Package cache provides a TTL-expiring, SQLite-backed cache of C1
// providers' last live responses (weather, AQI, tariff), which weather and
// tariff read back as their stale-cache fallback tier. Grounded on the teacher's
// clientdata.Repository (JSON blobs with an expires_at cutoff, cache-first
// reads that fall back to stale data when nothing fresh exists).
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TTLs per table. Signal data changes far faster than the teacher's
// financial reference data, so these are much shorter.
const (
	TTLWeather = 30 * time.Minute
	TTLAQI     = 15 * time.Minute
	TTLTraffic = 5 * time.Minute
	TTLTariff  = 24 * time.Hour
)

// AllTables lists the accepted logical table names. All of them are stored
// in the single provider_cache table, with the name as a cache_key prefix.
var AllTables = []string{"weather_cache", "aqi_cache", "traffic_cache", "tariff_cache"}

var validTables = func() map[string]bool {
	m := make(map[string]bool, len(AllTables))
	for _, t := range AllTables {
		m[t] = true
	}
	return m
}()

// Repository provides cache-first lookups for provider fallback tiers.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an already-migrated cache.db connection.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func validateTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("invalid cache table: %s", table)
	}
	return nil
}

// Store upserts data under key with expiration = now + ttl.
func (r *Repository) Store(table, key string, data interface{}, ttl time.Duration) error {
	if err := validateTable(table); err != nil {
		return err
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache payload: %w", err)
	}
	expiresAt := time.Now().Add(ttl).Unix()
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO provider_cache (cache_key, data, expires_at) VALUES (?, ?, ?)`,
		table+":"+key, string(jsonData), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry in %s: %w", table, err)
	}
	return nil
}

// GetIfFresh returns data only if expires_at > now.
func (r *Repository) GetIfFresh(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	var data string
	err := r.db.QueryRow(
		`SELECT data FROM provider_cache WHERE cache_key = ? AND expires_at > ?`,
		table+":"+key, time.Now().Unix(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry from %s: %w", table, err)
	}
	return json.RawMessage(data), nil
}

// GetStale returns data regardless of expiration — the last fallback rung
// before a provider must return a synthetic record.
func (r *Repository) GetStale(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	var data string
	err := r.db.QueryRow(
		`SELECT data FROM provider_cache WHERE cache_key = ?`,
		table+":"+key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stale cache entry from %s: %w", table, err)
	}
	return json.RawMessage(data), nil
}

// DeleteExpired removes expired rows from provider_cache (every logical
// table at once), returning the count
// deleted. Used by the scheduler's housekeeping job.
func (r *Repository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM provider_cache WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}
