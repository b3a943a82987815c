package city

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ListAndGet(t *testing.T) {
	r := NewRegistry()

	cities := r.List()
	require.Len(t, cities, 3)
	assert.Equal(t, "nyc", cities[0].ID)
	assert.Equal(t, "sf", cities[1].ID)
	assert.Equal(t, "chicago", cities[2].ID)

	nyc, ok := r.Get("nyc")
	require.True(t, ok)
	assert.Equal(t, "New York City", nyc.Name)

	_, ok = r.Get("atlantis")
	assert.False(t, ok)
}

func TestRegistry_ZonesExactCountAndWithinBounds(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"nyc", "sf", "chicago"} {
		city, ok := r.Get(id)
		require.True(t, ok)

		zones, err := r.Zones(id)
		require.NoError(t, err)
		assert.Len(t, zones, city.ZoneCount)

		seen := make(map[string]bool, len(zones))
		for _, z := range zones {
			assert.False(t, seen[z.ID], "duplicate zone id %s", z.ID)
			seen[z.ID] = true

			assert.GreaterOrEqual(t, z.Centre.Lat, city.Bounds.MinLat)
			assert.LessOrEqual(t, z.Centre.Lat, city.Bounds.MaxLat)
			assert.GreaterOrEqual(t, z.Centre.Lon, city.Bounds.MinLon)
			assert.LessOrEqual(t, z.Centre.Lon, city.Bounds.MaxLon)
		}
	}
}

func TestRegistry_ZonesDeterministic(t *testing.T) {
	r := NewRegistry()
	a, err := r.Zones("nyc")
	require.NoError(t, err)
	b, err := r.Zones("nyc")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRegistry_ZonesUnknownCity(t *testing.T) {
	r := NewRegistry()
	_, err := r.Zones("nowhere")
	assert.Error(t, err)
}
