// Package cost implements C8: per-city energy/CO2/AQI/incident cost rollups
// computed from the latest snapshots and the tariff provider. Grounded on
// the teacher's evaluation-layer style of small, named constants feeding a
// single aggregation function (see internal/analytics for the sibling
// pattern) rather than a generic "pricing engine" abstraction.
package cost

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/providers"
)

// co2KgPerKWh is the fixed emissions factor (spec §4.8).
const co2KgPerKWh = 0.4

// Config holds the tunable per-unit prices, sourced from environment
// variables at startup (spec §6).
type Config struct {
	CarbonPricePerTon float64
	DefaultPriceKWh   float64
	PriceOverAQIPoint float64
	PriceOverIncident float64
}

// Aggregator is C8.
type Aggregator struct {
	store  domain.StateStore
	tariff *providers.TariffProvider
	cfg    Config
}

func New(store domain.StateStore, tariff *providers.TariffProvider, cfg Config) *Aggregator {
	return &Aggregator{store: store, tariff: tariff, cfg: cfg}
}

// Summarize computes a CostSummary for a city per spec §4.8, rounding every
// monetary value to 2 decimal places.
func (a *Aggregator) Summarize(ctx context.Context, cityID string) (domain.CostSummary, error) {
	snapshots, err := a.store.LatestSnapshots(ctx, cityID, 1000)
	if err != nil {
		return domain.CostSummary{}, fmt.Errorf("latest snapshots: %w", err)
	}

	pricePerKWh := a.cfg.DefaultPriceKWh
	if a.tariff != nil {
		if sig, err := a.tariff.Fetch(ctx, cityID); err == nil && sig != nil && sig.PricePerKWh > 0 && sig.Tier != domain.TierSynthetic {
			pricePerKWh = sig.PricePerKWh
		}
	}

	var totalKWh, aqiCost float64
	incidentCount := 0
	for _, snap := range snapshots {
		totalKWh += snap.Analytics.DemandForecast.NextHourKWh
		if snap.Raw.AQI != nil {
			aqiCost += math.Max(0, snap.Raw.AQI.AQI-50) * a.cfg.PriceOverAQIPoint
		}
	}

	if count, err := a.store.IncidentCount(ctx, cityID); err == nil {
		incidentCount = count
	}

	energyUSD := round2(totalKWh * pricePerKWh)
	co2USD := round2((totalKWh * co2KgPerKWh / 1000) * a.cfg.CarbonPricePerTon)
	aqiUSD := round2(aqiCost)
	incidentUSD := round2(float64(incidentCount) * a.cfg.PriceOverIncident)
	totalUSD := round2(energyUSD + co2USD + aqiUSD + incidentUSD)

	return domain.CostSummary{
		CityID: cityID, Timestamp: time.Now().UTC(),
		TotalKWh: round2(totalKWh), EnergyUSD: energyUSD, CO2USD: co2USD,
		AQIUSD: aqiUSD, IncidentUSD: incidentUSD, TotalUSD: totalUSD,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
