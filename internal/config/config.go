// Package config loads the backend's configuration from environment
// variables (optionally via a .env file), with defaults matching spec §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration. All fields are loaded once at
// startup via Load(); there is no settings-database override layer here
// since the core has no notion of a mutable settings store.
type Config struct {
	DataDir string // base directory for all SQLite databases, always absolute

	BusAddr       string // message bus bootstrap address (C6)
	StateStoreURI string // reserved for a future non-SQLite state store
	CityScopeDB   string // reserved: the gridstate db's internal name is schema-fixed, see database.Migrate

	DefaultCity     string // default-city slug, lowercased
	CycleIntervalS  int    // producer cycle interval, seconds
	MaxZonesPerCity int    // hard cap on zones processed per cycle (<=5)

	CarbonPricePerTon float64 // $/metric ton CO2, default 50
	DefaultPriceKWh   float64 // $/kWh fallback tariff, default 0.12
	PriceOverAQIPoint float64 // $ per AQI point over 50, default 0.5
	PriceOverIncident float64 // $ per incident, default 50

	ColdstoreBucket string // optional S3-compatible bucket for cold exports
	LogLevel        string
	Port            int
	DevMode         bool
}

const hardMaxZonesPerCity = 5

// Load reads configuration from environment variables, creating DataDir if
// it does not exist. dataDirOverride, if given and non-empty, takes
// precedence over GRIDCORE_DATA_DIR.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load() // ignore absence of .env

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("GRIDCORE_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	maxZones := getEnvAsInt("GRIDCORE_MAX_ZONES_PER_CITY", hardMaxZonesPerCity)
	if maxZones > hardMaxZonesPerCity {
		maxZones = hardMaxZonesPerCity
	}

	cfg := &Config{
		DataDir: absDataDir,

		BusAddr:       getEnv("GRIDCORE_BUS_ADDR", "ws://localhost:9100/bus"),
		StateStoreURI: getEnv("GRIDCORE_STATE_STORE_URI", ""),
		CityScopeDB:   getEnv("GRIDCORE_CITY_SCOPE_DB", "gridstate"),

		DefaultCity:     normaliseCity(getEnv("GRIDCORE_DEFAULT_CITY", "nyc")),
		CycleIntervalS:  getEnvAsInt("GRIDCORE_CYCLE_INTERVAL_SECONDS", 300),
		MaxZonesPerCity: maxZones,

		CarbonPricePerTon: getEnvAsFloat("GRIDCORE_CARBON_PRICE_PER_TON", 50.0),
		DefaultPriceKWh:   getEnvAsFloat("GRIDCORE_DEFAULT_PRICE_PER_KWH", 0.12),
		PriceOverAQIPoint: getEnvAsFloat("GRIDCORE_PRICE_PER_AQI_POINT", 0.5),
		PriceOverIncident: getEnvAsFloat("GRIDCORE_PRICE_PER_INCIDENT", 50.0),

		ColdstoreBucket: getEnv("COLDSTORE_BUCKET", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Port:            getEnvAsInt("GO_PORT", 8080),
		DevMode:         getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that Load cannot enforce via defaults alone.
func (c *Config) Validate() error {
	if c.MaxZonesPerCity < 1 || c.MaxZonesPerCity > hardMaxZonesPerCity {
		return fmt.Errorf("max zones per city must be in [1,%d], got %d", hardMaxZonesPerCity, c.MaxZonesPerCity)
	}
	if c.CycleIntervalS < 1 {
		return fmt.Errorf("cycle interval must be positive, got %d", c.CycleIntervalS)
	}
	return nil
}

func normaliseCity(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out = append(out, b)
	}
	return string(out)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
