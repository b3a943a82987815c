package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/database"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db.Conn())
}

func TestStoreAndGetIfFresh_RoundTrips(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.Store("weather_cache", "nyc:40.71,-74.01", map[string]float64{"temp": 12.5}, time.Hour))

	raw, err := repo.GetIfFresh("weather_cache", "nyc:40.71,-74.01")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.JSONEq(t, `{"temp":12.5}`, string(raw))
}

func TestGetIfFresh_MissingKeyReturnsNilNoError(t *testing.T) {
	repo := newTestRepository(t)
	raw, err := repo.GetIfFresh("weather_cache", "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestGetStale_ReturnsExpiredRowGetIfFreshRejects(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.Store("aqi_cache", "sf:37.77,-122.42", map[string]float64{"aqi": 42}, -time.Hour))

	fresh, err := repo.GetIfFresh("aqi_cache", "sf:37.77,-122.42")
	require.NoError(t, err)
	assert.Nil(t, fresh, "an already-expired entry must not be returned as fresh")

	stale, err := repo.GetStale("aqi_cache", "sf:37.77,-122.42")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.JSONEq(t, `{"aqi":42}`, string(stale))
}

func TestStore_RejectsUnknownTable(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.Store("not_a_real_table", "k", "v", time.Hour)
	assert.Error(t, err)
}

func TestDeleteExpired_RemovesOnlyExpiredRows(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.Store("traffic_cache", "stale", "x", -time.Minute))
	require.NoError(t, repo.Store("traffic_cache", "fresh", "y", time.Hour))

	n, err := repo.DeleteExpired()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.GetIfFresh("traffic_cache", "fresh")
	require.NoError(t, err)
	stale, err := repo.GetStale("traffic_cache", "stale")
	require.NoError(t, err)
	assert.Nil(t, stale, "expired row should have been deleted")
}
