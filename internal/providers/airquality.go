package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/domain"
)

// aqiDatasetPoint is one row of the fallback CSV (spec §6: "CSVs for AQI
// (columns include lat, lon, aqi, pm2.5, city)").
type aqiDatasetPoint struct {
	Lat, Lon, AQI, PM25 float64
	City                string
}

const aqiNearestMaxKM = 50.0

// AQIProvider implements C1's air-quality signal: live fetch -> nearest-
// point lookup over a CSV-derived dataset (haversine <= 50km) -> synthetic.
type AQIProvider struct {
	client    *http.Client
	cacheRepo *cache.Repository
	log       zerolog.Logger
	baseURL   string

	datasetOnce sync.Once
	dataset     []aqiDatasetPoint
}

func NewAQIProvider(client *http.Client, cacheRepo *cache.Repository, log zerolog.Logger) *AQIProvider {
	return &AQIProvider{
		client:    client,
		cacheRepo: cacheRepo,
		log:       log.With().Str("provider", "airquality").Logger(),
		baseURL:   os.Getenv("AQI_API_URL"),
	}
}

type aqiAPIResponse struct {
	AQI        float64            `json:"aqi"`
	Components map[string]float64 `json:"components"`
}

// Fetch implements the §4.1 air-quality envelope.
func (p *AQIProvider) Fetch(ctx context.Context, lat, lon float64, cityID string) (*domain.AQISignal, error) {
	cacheKey := fmt.Sprintf("%s:%.4f,%.4f", cityID, lat, lon)

	if sig, ok := p.liveFetch(ctx, lat, lon); ok {
		_ = p.cacheRepo.Store("aqi_cache", cacheKey, sig, cache.TTLAQI)
		return sig, nil
	}

	if pt, ok := p.nearestDatasetPoint(lat, lon); ok {
		return &domain.AQISignal{
			Source: "aqi_dataset_fallback", Timestamp: time.Now().UTC(),
			Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierFallback,
			AQI:        pt.AQI,
			Components: map[string]float64{"pm2.5": pt.PM25},
		}, nil
	}

	return &domain.AQISignal{
		Source: "synthetic", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierSynthetic,
		AQI: 50,
	}, nil
}

func (p *AQIProvider) liveFetch(ctx context.Context, lat, lon float64) (*domain.AQISignal, bool) {
	if p.baseURL == "" {
		return nil, false
	}
	ctx, cancel := ctxWithTimeout(ctx)
	defer cancel()

	u := fmt.Sprintf("%s?lat=%s&lon=%s", p.baseURL, formatCoord(lat), formatCoord(lon))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("aqi live fetch failed")
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		p.log.Debug().Int("status", resp.StatusCode).Msg("aqi live fetch rate-limited or failed")
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var body aqiAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false
	}
	return &domain.AQISignal{
		Source: "aqi_live", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierLive,
		AQI: body.AQI, Components: body.Components,
	}, true
}

// nearestDatasetPoint loads the dataset CSV lazily (missing file is not
// fatal per spec §6) and returns the closest point within aqiNearestMaxKM.
func (p *AQIProvider) nearestDatasetPoint(lat, lon float64) (aqiDatasetPoint, bool) {
	p.datasetOnce.Do(func() { p.dataset = loadAQIDataset(p.log) })
	if len(p.dataset) == 0 {
		return aqiDatasetPoint{}, false
	}

	target := domain.Coord{Lat: lat, Lon: lon}
	best := -1
	bestDist := aqiNearestMaxKM
	for i, pt := range p.dataset {
		d := haversineKM(target, domain.Coord{Lat: pt.Lat, Lon: pt.Lon})
		if d <= bestDist {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return aqiDatasetPoint{}, false
	}
	return p.dataset[best], true
}

func loadAQIDataset(log zerolog.Logger) []aqiDatasetPoint {
	path := os.Getenv("AQI_DATASET_CSV")
	if path == "" {
		path = "data/fallback/aqi_points.csv"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("aqi dataset unavailable, skipping to synthetic tier")
		return nil
	}
	defer f.Close()

	var points []aqiDatasetPoint
	scanner := bufio.NewScanner(f)
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			continue // skip "lat,lon,aqi,pm2.5,city"
		}
		cols := strings.Split(line, ",")
		if len(cols) < 5 {
			continue
		}
		lat, err1 := strconv.ParseFloat(cols[0], 64)
		lon, err2 := strconv.ParseFloat(cols[1], 64)
		aqi, err3 := strconv.ParseFloat(cols[2], 64)
		pm25, err4 := strconv.ParseFloat(cols[3], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		points = append(points, aqiDatasetPoint{Lat: lat, Lon: lon, AQI: aqi, PM25: pm25, City: cols[4]})
	}
	return points
}
