// Package city holds the static city/zone registry (spec §3's City entity)
// and the deterministic zone-grid derivation C5 needs to enumerate a city's
// zones. Grounded on original_source's city_config.py: a small in-memory
// table of named cities, re-expressed as Go data rather than translated.
package city

import (
	"fmt"
	"math"

	"github.com/urbangrid/gridcore/internal/domain"
)

// Registry is an immutable, in-memory City catalog, built once at startup.
type Registry struct {
	cities map[string]domain.City
	order  []string
}

// NewRegistry builds the static catalog described by spec §3 / original
// city_config.py: nyc, sf, chicago.
func NewRegistry() *Registry {
	cities := []domain.City{
		{
			ID: "nyc", Name: "New York City", Region: "NY, USA",
			Centre:    domain.Coord{Lat: 40.7128, Lon: -74.0060},
			Bounds:    domain.BBox{MinLat: 40.4957, MinLon: -74.2557, MaxLat: 40.9176, MaxLon: -73.7002},
			ZoneCount: 25,
		},
		{
			ID: "sf", Name: "San Francisco", Region: "CA, USA",
			Centre:    domain.Coord{Lat: 37.7749, Lon: -122.4194},
			Bounds:    domain.BBox{MinLat: 37.7080, MinLon: -122.5149, MaxLat: 37.8324, MaxLon: -122.3549},
			ZoneCount: 16,
		},
		{
			ID: "chicago", Name: "Chicago", Region: "IL, USA",
			Centre:    domain.Coord{Lat: 41.8781, Lon: -87.6298},
			Bounds:    domain.BBox{MinLat: 41.6445, MinLon: -87.9401, MaxLat: 42.0230, MaxLon: -87.5237},
			ZoneCount: 20,
		},
	}

	r := &Registry{cities: make(map[string]domain.City, len(cities))}
	for _, c := range cities {
		r.cities[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r
}

// List returns all cities in registration order.
func (r *Registry) List() []domain.City {
	out := make([]domain.City, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.cities[id])
	}
	return out
}

// Get returns the city by (already lowercased) id.
func (r *Registry) Get(cityID string) (domain.City, bool) {
	c, ok := r.cities[cityID]
	return c, ok
}

// Zones deterministically derives the regular grid of zones for a city from
// its bounding box and target zone count: the closest rows*cols layout to a
// square that is >= ZoneCount, trimmed to exactly ZoneCount cells by
// dropping the excess from the last row, matching spec §3 ("derived
// deterministically from (city, zone count); not persisted").
func (r *Registry) Zones(cityID string) ([]domain.Zone, error) {
	c, ok := r.Get(cityID)
	if !ok {
		return nil, fmt.Errorf("unknown city: %s", cityID)
	}
	return deriveGrid(c), nil
}

func deriveGrid(c domain.City) []domain.Zone {
	n := c.ZoneCount
	if n <= 0 {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := int(math.Ceil(float64(n) / float64(cols)))

	latStep := (c.Bounds.MaxLat - c.Bounds.MinLat) / float64(rows)
	lonStep := (c.Bounds.MaxLon - c.Bounds.MinLon) / float64(cols)

	zones := make([]domain.Zone, 0, n)
	idx := 1
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			if idx > n {
				break
			}
			bounds := domain.BBox{
				MinLat: c.Bounds.MinLat + float64(row)*latStep,
				MaxLat: c.Bounds.MinLat + float64(row+1)*latStep,
				MinLon: c.Bounds.MinLon + float64(col)*lonStep,
				MaxLon: c.Bounds.MinLon + float64(col+1)*lonStep,
			}
			zones = append(zones, domain.Zone{
				ID: fmt.Sprintf("Z_%03d", idx),
				Centre: domain.Coord{
					Lat: (bounds.MinLat + bounds.MaxLat) / 2,
					Lon: (bounds.MinLon + bounds.MaxLon) / 2,
				},
				Bounds: bounds,
				Row:    row,
				Col:    col,
			})
			idx++
		}
	}
	return zones
}
