package providers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/database"
	"github.com/urbangrid/gridcore/internal/domain"
)

// newTestCacheRepo gives each test its own cache.db. None of the provider
// *_API_URL env vars are set in a test process, so every liveFetch
// short-circuits and the fallback/synthetic tiers below run deterministically.
func newTestCacheRepo(t *testing.T) *cache.Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return cache.NewRepository(db.Conn())
}

func discardLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestWeatherProvider_NoLiveNoCache_FallsBackToMonthlyMean(t *testing.T) {
	p := NewWeatherProvider(newHTTPClient(), newTestCacheRepo(t), discardLog())

	sig, err := p.Fetch(context.Background(), 40.71, -74.01, "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFallback, sig.Tier)
	assert.Equal(t, monthlyMeanC["nyc"], sig.Temperature)
}

func TestWeatherProvider_UnknownCityNoCache_FallsBackToSynthetic(t *testing.T) {
	p := NewWeatherProvider(newHTTPClient(), newTestCacheRepo(t), discardLog())

	sig, err := p.Fetch(context.Background(), 0, 0, "atlantis")
	require.NoError(t, err)
	assert.Equal(t, domain.TierSynthetic, sig.Tier)
}

func TestWeatherProvider_StaleCacheOutranksMonthlyMean(t *testing.T) {
	repo := newTestCacheRepo(t)
	p := NewWeatherProvider(newHTTPClient(), repo, discardLog())

	cacheKey := "nyc:40.7100,-74.0100"
	require.NoError(t, repo.Store("weather_cache", cacheKey, domain.WeatherSignal{
		Source: "weather_live", Tier: domain.TierLive, Temperature: 99,
	}, -time.Hour)) // already expired: GetStale must still surface it

	sig, err := p.Fetch(context.Background(), 40.71, -74.01, "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFallback, sig.Tier)
	assert.Equal(t, "weather_stale_cache", sig.Source)
	assert.Equal(t, 99.0, sig.Temperature)
}

func TestAQIProvider_NoLiveNoDataset_FallsBackToSynthetic(t *testing.T) {
	p := NewAQIProvider(newHTTPClient(), newTestCacheRepo(t), discardLog())

	sig, err := p.Fetch(context.Background(), 40.71, -74.01, "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierSynthetic, sig.Tier)
	assert.Equal(t, 50.0, sig.AQI)
}

func TestTrafficProvider_NoLive_FallsBackToSyntheticUnknown(t *testing.T) {
	p := NewTrafficProvider(newHTTPClient(), discardLog())

	sig, err := p.Fetch(context.Background(), 40.71, -74.01, "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierSynthetic, sig.Tier)
	assert.Equal(t, "unknown", sig.Congestion)
}

func TestCongestionFromRatio_MatchesSpecThresholds(t *testing.T) {
	assert.Equal(t, "free", congestionFromRatio(95, 100))
	assert.Equal(t, "moderate", congestionFromRatio(75, 100))
	assert.Equal(t, "heavy", congestionFromRatio(55, 100))
	assert.Equal(t, "severe", congestionFromRatio(20, 100))
	assert.Equal(t, "unknown", congestionFromRatio(50, 0))
}

func TestTariffProvider_NoLiveNoCacheNoDataset_FallsBackToDefaultPrice(t *testing.T) {
	p := NewTariffProvider(newHTTPClient(), newTestCacheRepo(t), discardLog())
	p.SetDefaultPrice(0.15)

	sig, err := p.Fetch(context.Background(), "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierSynthetic, sig.Tier)
	assert.Equal(t, 0.15, sig.PricePerKWh)
	assert.Equal(t, "NY", sig.StateCode)
}

func TestTariffProvider_StaleCacheOutranksDefault(t *testing.T) {
	repo := newTestCacheRepo(t)
	p := NewTariffProvider(newHTTPClient(), repo, discardLog())

	require.NoError(t, repo.Store("tariff_cache", "NY", domain.TariffSignal{
		Source: "tariff_live", Tier: domain.TierLive, PricePerKWh: 0.22, StateCode: "NY",
	}, -time.Hour))

	sig, err := p.Fetch(context.Background(), "nyc")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFallback, sig.Tier)
	assert.Equal(t, 0.22, sig.PricePerKWh)
}
