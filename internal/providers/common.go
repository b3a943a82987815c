// Package providers implements C1: the four external signal providers
// (weather, air quality, traffic, tariff). The providers share one fallback
// chain, grounded on the teacher's internal/clients/exchangerate client: try
// a live fetch, fall back to a cached/dataset value (traffic has no such
// tier), and as a last resort return a synthetic record so the engine is never blocked on
// missing data (spec §4.1, §7, §9's "fallback chain as a first-class
// construct").
package providers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/domain"
)

// DefaultTimeout bounds every provider's per-call latency, per spec §4.1's
// "recommended <= 10s".
const DefaultTimeout = 10 * time.Second

// httpClient is shared across providers; each call still gets its own
// context deadline via DefaultTimeout.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// haversineKM returns the great-circle distance between two points in km.
func haversineKM(a, b domain.Coord) float64 {
	const earthRadiusKM = 6371.0
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Providers bundles the four C1 implementations, constructed once at
// startup and shared by C5.
type Providers struct {
	Weather *WeatherProvider
	AQI     *AQIProvider
	Traffic *TrafficProvider
	Tariff  *TariffProvider
}

// New wires all four providers against the shared cache repository.
func New(cacheRepo *cache.Repository, log zerolog.Logger) *Providers {
	client := newHTTPClient()
	return &Providers{
		Weather: NewWeatherProvider(client, cacheRepo, log),
		AQI:     NewAQIProvider(client, cacheRepo, log),
		Traffic: NewTrafficProvider(client, log),
		Tariff:  NewTariffProvider(client, cacheRepo, log),
	}
}

// ctxWithTimeout is a small helper so every Fetch method bounds its own
// call the same way.
func ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultTimeout)
}
