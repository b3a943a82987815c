package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/domain"
)

// monthlyMeanC is the fallback table: mean temperature in Celsius by city
// slug, coarse but deterministic. Used when the live fetch fails.
var monthlyMeanC = map[string]float64{
	"nyc":     12.5,
	"sf":      14.0,
	"chicago": 10.0,
}

// WeatherProvider implements C1's weather signal with a four-rung
// fallback: live HTTP fetch -> stale cache -> monthly-mean table -> neutral
// synthetic.
type WeatherProvider struct {
	client    *http.Client
	cacheRepo *cache.Repository
	log       zerolog.Logger
	baseURL   string
}

func NewWeatherProvider(client *http.Client, cacheRepo *cache.Repository, log zerolog.Logger) *WeatherProvider {
	return &WeatherProvider{
		client:    client,
		cacheRepo: cacheRepo,
		log:       log.With().Str("provider", "weather").Logger(),
		baseURL:   os.Getenv("WEATHER_API_URL"), // empty disables live fetch, goes straight to fallback
	}
}

type weatherAPIResponse struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Description string  `json:"description"`
}

// Fetch implements the §4.1 weather envelope.
func (p *WeatherProvider) Fetch(ctx context.Context, lat, lon float64, cityID string) (*domain.WeatherSignal, error) {
	cacheKey := fmt.Sprintf("%s:%.4f,%.4f", cityID, lat, lon)

	if sig, ok := p.liveFetch(ctx, lat, lon, cityID); ok {
		_ = p.cacheRepo.Store("weather_cache", cacheKey, sig, cache.TTLWeather)
		return sig, nil
	}

	if raw, err := p.cacheRepo.GetStale("weather_cache", cacheKey); err == nil && raw != nil {
		var sig domain.WeatherSignal
		if json.Unmarshal(raw, &sig) == nil {
			sig.Tier = domain.TierFallback
			sig.Source = "weather_stale_cache"
			return &sig, nil
		}
	}

	if mean, ok := monthlyMeanC[cityID]; ok {
		return &domain.WeatherSignal{
			Source: "weather_fallback", Timestamp: time.Now().UTC(),
			Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierFallback,
			Temperature: mean, Humidity: 55, WindSpeed: 3, Description: "monthly mean fallback",
		}, nil
	}

	return &domain.WeatherSignal{
		Source: "weather_fallback", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierSynthetic,
		Temperature: 18, Humidity: 50, WindSpeed: 2, Description: "synthetic neutral",
	}, nil
}

func (p *WeatherProvider) liveFetch(ctx context.Context, lat, lon float64, cityID string) (*domain.WeatherSignal, bool) {
	if p.baseURL == "" {
		return nil, false
	}
	ctx, cancel := ctxWithTimeout(ctx)
	defer cancel()

	u := fmt.Sprintf("%s?lat=%s&lon=%s", p.baseURL, formatCoord(lat), formatCoord(lon))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("weather request build failed")
		return nil, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("weather live fetch failed")
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.log.Debug().Int("status", resp.StatusCode).Msg("weather live fetch non-200")
		return nil, false
	}
	var body weatherAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.log.Debug().Err(err).Msg("weather payload decode failed")
		return nil, false
	}
	return &domain.WeatherSignal{
		Source: "weather_live", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierLive,
		Temperature: body.Temperature, Humidity: body.Humidity,
		WindSpeed: body.WindSpeed, Description: body.Description,
	}, true
}

func formatCoord(v float64) string {
	return url.QueryEscape(fmt.Sprintf("%.6f", v))
}
