// Package engine implements C5: the zone-processing engine that fuses C1
// signals through C4, persists via C2, and emits alerts. Grounded on the
// teacher's worker-pool / fan-out style (a bounded semaphore guarding
// goroutines writing into a shared results slice under a mutex), adapted
// from finance batch-valuation sweeps to per-zone grid telemetry sweeps.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/analytics"
	"github.com/urbangrid/gridcore/internal/city"
	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/events"
	"github.com/urbangrid/gridcore/internal/providers"
)

// zoneConcurrency is ProcessCity's semaphore width (spec §4.5/§5).
const zoneConcurrency = 8

// zoneDeadline bounds a whole ProcessZone call: signal fetches, the
// history read and the snapshot/alert writes.
const zoneDeadline = 15 * time.Second

// Engine is C5's stateful core: it holds no per-run state, only the
// dependencies fixed at construction.
type Engine struct {
	providers *providers.Providers
	store     domain.StateStore
	registry  *city.Registry
	bus       *events.Bus
	log       zerolog.Logger
}

func New(p *providers.Providers, store domain.StateStore, registry *city.Registry, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{providers: p, store: store, registry: registry, bus: bus, log: log.With().Str("component", "engine").Logger()}
}

// ProcessZone implements spec §4.5's per-zone algorithm: concurrent C1
// fetches, C4 in fixed order, recommendations, persistence, alerts.
func (e *Engine) ProcessZone(ctx context.Context, cityID string, zone domain.Zone) (domain.ZoneSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, zoneDeadline)
	defer cancel()

	weather, aqi, traffic := e.fetchSignals(ctx, cityID, zone)

	raw := domain.RawBundle{Weather: weather, AQI: aqi, Traffic: traffic}
	in := toRawInputs(raw)

	history, err := e.store.ZoneDemandHistory(ctx, cityID, zone.ID, 12)
	if err != nil {
		e.log.Warn().Err(err).Str("zone", zone.ID).Msg("demand history lookup failed, proceeding without history")
	}
	in.DemandHistory = history

	demand := analytics.Demand(in)
	anomaly := analytics.Anomaly(in, demand.NextHourKWh)
	meanKWh := 0.0
	if len(history) > 0 {
		sum := 0.0
		for _, v := range history {
			sum += v
		}
		meanKWh = sum / float64(len(history))
	}
	risk := analytics.Risk(in, demand.NextHourKWh, meanKWh)
	resilience := analytics.Resilience(risk)
	aqiProjection := analytics.AQIProjection(in, in.AQI)
	raw.GridPriority = analytics.GridPriority(risk, anomaly, in.AQI, demand.NextHourKWh)

	snap := domain.ZoneSnapshot{
		CityID:    cityID,
		ZoneID:    zone.ID,
		Timestamp: time.Now().UTC(),
		Raw:       raw,
		Analytics: domain.Analytics{
			DemandForecast:   demand,
			AnomalyDetection: anomaly,
			RiskScore:        risk,
			ResilienceScore:  resilience,
			AQIPrediction:    aqiProjection,
		},
		Recommendations: deriveRecommendations(demand, anomaly, risk, in),
	}

	if err := e.store.WriteSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("write snapshot: %w", err)
	}
	e.bus.Publish(events.Event{Kind: events.SnapshotWritten, CityID: cityID, Timestamp: snap.Timestamp, Data: snap})

	alerts := deriveAlerts(cityID, zone.ID, snap.Timestamp, anomaly, risk, in.AQI, demand.NextHourKWh)
	if len(alerts) > 0 {
		if err := e.store.InsertAlerts(ctx, alerts); err != nil {
			e.log.Warn().Err(err).Str("zone", zone.ID).Msg("alert insert failed")
		} else {
			for _, a := range alerts {
				e.bus.Publish(events.Event{Kind: events.AlertRaised, CityID: cityID, Timestamp: a.Ts, Data: a})
			}
		}
	}

	return snap, nil
}

// fetchSignals issues the three C1 fetches concurrently; a provider error
// leaves its slot nil rather than failing the whole zone (spec §4.5 step 1).
func (e *Engine) fetchSignals(ctx context.Context, cityID string, zone domain.Zone) (*domain.WeatherSignal, *domain.AQISignal, *domain.TrafficSignal) {
	var wg sync.WaitGroup
	var weather *domain.WeatherSignal
	var aqi *domain.AQISignal
	var traffic *domain.TrafficSignal

	wg.Add(3)
	go func() {
		defer wg.Done()
		sig, err := e.providers.Weather.Fetch(ctx, zone.Centre.Lat, zone.Centre.Lon, cityID)
		if err != nil {
			e.log.Debug().Err(err).Str("zone", zone.ID).Msg("weather fetch failed")
			return
		}
		weather = sig
	}()
	go func() {
		defer wg.Done()
		sig, err := e.providers.AQI.Fetch(ctx, zone.Centre.Lat, zone.Centre.Lon, cityID)
		if err != nil {
			e.log.Debug().Err(err).Str("zone", zone.ID).Msg("aqi fetch failed")
			return
		}
		aqi = sig
	}()
	go func() {
		defer wg.Done()
		sig, err := e.providers.Traffic.Fetch(ctx, zone.Centre.Lat, zone.Centre.Lon, cityID)
		if err != nil {
			e.log.Debug().Err(err).Str("zone", zone.ID).Msg("traffic fetch failed")
			return
		}
		traffic = sig
	}()
	wg.Wait()
	return weather, aqi, traffic
}

// ProcessCity runs ProcessZone over every zone of a city with a semaphore
// of zoneConcurrency, never aborting the whole run on individual failures
// (spec §4.5/§5, scenario S6).
func (e *Engine) ProcessCity(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
	return e.processCity(ctx, cityID, 0)
}

// ProcessCityLimited mirrors ProcessCity but truncates the zone list to at
// most maxZones entries (<=0 means unlimited). This is the "producer side"
// cap of spec §6 ("maximum zones per cycle, hard cap 5"), which the
// background scheduler applies on every tick; the synchronous HTTP trigger
// calls the unlimited ProcessCity instead.
func (e *Engine) ProcessCityLimited(ctx context.Context, cityID string, maxZones int) (domain.ProcessingSummary, error) {
	return e.processCity(ctx, cityID, maxZones)
}

func (e *Engine) processCity(ctx context.Context, cityID string, maxZones int) (domain.ProcessingSummary, error) {
	zones, err := e.registry.Zones(cityID)
	if err != nil {
		return domain.ProcessingSummary{}, fmt.Errorf("zones for city %s: %w", cityID, err)
	}
	if maxZones > 0 && len(zones) > maxZones {
		zones = zones[:maxZones]
	}

	summary := e.runZones(ctx, cityID, zones, func(ctx context.Context, zone domain.Zone) (domain.ZoneSnapshot, error) {
		return e.ProcessZone(ctx, cityID, zone)
	})
	return e.finishRun(ctx, cityID, summary)
}

// ProcessCityFromStream mirrors ProcessCity but fuses from C2.ReadRawLatest
// instead of calling C1 directly (spec §4.5's bus-fed input mode).
func (e *Engine) ProcessCityFromStream(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
	zones, err := e.registry.Zones(cityID)
	if err != nil {
		return domain.ProcessingSummary{}, fmt.Errorf("zones for city %s: %w", cityID, err)
	}

	rawByZone, err := e.store.ReadRawLatest(ctx, cityID)
	if err != nil {
		return domain.ProcessingSummary{}, fmt.Errorf("read raw latest: %w", err)
	}

	summary := e.runZones(ctx, cityID, zones, func(ctx context.Context, zone domain.Zone) (domain.ZoneSnapshot, error) {
		return e.processZoneFromRaw(ctx, cityID, zone, rawByZone[zone.ID])
	})
	return e.finishRun(ctx, cityID, summary)
}

func (e *Engine) processZoneFromRaw(ctx context.Context, cityID string, zone domain.Zone, zr domain.ZoneRaw) (domain.ZoneSnapshot, error) {
	raw := domain.RawBundle{
		Weather: weatherFromPayload(zr.Weather, zone.Centre),
		AQI:     aqiFromPayload(zr.AQI, zone.Centre),
		Traffic: trafficFromPayload(zr.Traffic, zone.Centre),
	}
	in := toRawInputs(raw)

	history, err := e.store.ZoneDemandHistory(ctx, cityID, zone.ID, 12)
	if err != nil {
		e.log.Warn().Err(err).Str("zone", zone.ID).Msg("demand history lookup failed")
	}
	in.DemandHistory = history

	demand := analytics.Demand(in)
	anomaly := analytics.Anomaly(in, demand.NextHourKWh)
	meanKWh := 0.0
	if len(history) > 0 {
		sum := 0.0
		for _, v := range history {
			sum += v
		}
		meanKWh = sum / float64(len(history))
	}
	risk := analytics.Risk(in, demand.NextHourKWh, meanKWh)
	resilience := analytics.Resilience(risk)
	aqiProjection := analytics.AQIProjection(in, in.AQI)
	raw.GridPriority = analytics.GridPriority(risk, anomaly, in.AQI, demand.NextHourKWh)

	snap := domain.ZoneSnapshot{
		CityID:    cityID,
		ZoneID:    zone.ID,
		Timestamp: time.Now().UTC(),
		Raw:       raw,
		Analytics: domain.Analytics{
			DemandForecast: demand, AnomalyDetection: anomaly, RiskScore: risk,
			ResilienceScore: resilience, AQIPrediction: aqiProjection,
		},
		Recommendations: deriveRecommendations(demand, anomaly, risk, in),
	}

	if err := e.store.WriteSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("write snapshot: %w", err)
	}
	e.bus.Publish(events.Event{Kind: events.SnapshotWritten, CityID: cityID, Timestamp: snap.Timestamp, Data: snap})

	alerts := deriveAlerts(cityID, zone.ID, snap.Timestamp, anomaly, risk, in.AQI, demand.NextHourKWh)
	if len(alerts) > 0 {
		_ = e.store.InsertAlerts(ctx, alerts)
	}
	return snap, nil
}

type zoneRunner func(ctx context.Context, zone domain.Zone) (domain.ZoneSnapshot, error)

// runZones fans the zone list out over a semaphore of zoneConcurrency,
// collecting a ZoneStatus per zone without aborting the run on failure.
func (e *Engine) runZones(ctx context.Context, cityID string, zones []domain.Zone, run zoneRunner) domain.ProcessingSummary {
	sem := make(chan struct{}, zoneConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := make([]domain.ZoneStatus, 0, len(zones))

	for _, z := range zones {
		select {
		case <-ctx.Done():
			mu.Lock()
			statuses = append(statuses, domain.ZoneStatus{ZoneID: z.ID, OK: false, Error: ctx.Err().Error()})
			mu.Unlock()
			continue
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(zone domain.Zone) {
			defer wg.Done()
			defer func() { <-sem }()

			status := domain.ZoneStatus{ZoneID: zone.ID, OK: true}
			if _, err := run(ctx, zone); err != nil {
				status.OK = false
				status.Error = err.Error()
				e.log.Warn().Err(err).Str("city", cityID).Str("zone", zone.ID).Msg("zone processing failed")
			}
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}(z)
	}
	wg.Wait()

	summary := domain.ProcessingSummary{CityID: cityID, Timestamp: time.Now().UTC(), Total: len(statuses), Statuses: statuses}
	for _, s := range statuses {
		if s.OK {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// finishRun persists the summary, and on at least one success emits the
// processing_complete alert per spec §4.5.
func (e *Engine) finishRun(ctx context.Context, cityID string, summary domain.ProcessingSummary) (domain.ProcessingSummary, error) {
	if err := e.store.WriteProcessingSummary(ctx, summary); err != nil {
		return summary, fmt.Errorf("write processing summary: %w", err)
	}
	e.bus.Publish(events.Event{Kind: events.ProcessingCompleted, CityID: cityID, Timestamp: summary.Timestamp, Data: summary})

	if summary.Successful >= 1 {
		alert := domain.Alert{
			CityID: cityID, ZoneID: domain.SystemZone, Ts: summary.Timestamp,
			Level: domain.AlertInfo, Type: domain.AlertTypeProcessingComplete,
			Message: fmt.Sprintf("processed %d/%d zones successfully", summary.Successful, summary.Total),
			Source:  "engine",
		}
		if err := e.store.InsertAlerts(ctx, []domain.Alert{alert}); err != nil {
			e.log.Warn().Err(err).Str("city", cityID).Msg("processing_complete alert insert failed")
		}
	}
	return summary, nil
}

func toRawInputs(raw domain.RawBundle) analytics.RawInputs {
	in := analytics.RawInputs{Congestion: "unknown"}
	if raw.Weather != nil {
		in.TemperatureC = raw.Weather.Temperature
		in.WindSpeedMS = raw.Weather.WindSpeed
	}
	if raw.AQI != nil {
		in.AQI = raw.AQI.AQI
	}
	if raw.Traffic != nil {
		in.Congestion = raw.Traffic.Congestion
	}
	return in
}

// deriveRecommendations implements spec §4.5 step 4: threshold-driven,
// human-readable operator guidance, highest priority first.
func deriveRecommendations(demand domain.DemandForecast, anomaly domain.AnomalyDetection, risk domain.RiskScore, in analytics.RawInputs) []domain.Recommendation {
	var recs []domain.Recommendation

	if in.AQI > 150 {
		recs = append(recs, domain.Recommendation{
			Priority: 1, Type: "aqi", Title: "Elevated air quality risk",
			Description: fmt.Sprintf("AQI at %.0f exceeds the 150 threshold; consider public notice.", in.AQI),
			Urgency:     "high",
		})
	}
	if anomaly.IsAnomaly {
		recs = append(recs, domain.Recommendation{
			Priority: 1, Type: "anomaly", Title: "Demand anomaly detected",
			Description: fmt.Sprintf("Anomaly score %.2f against baseline %.1f kWh.", anomaly.AnomalyScore, anomaly.BaselineMean),
			Urgency:     "high",
		})
	}
	if risk.Level == "high" {
		recs = append(recs, domain.Recommendation{
			Priority: 2, Type: "high_risk", Title: "High composite risk",
			Description: fmt.Sprintf("Risk score %.0f driven by: %v", risk.Score, risk.Factors),
			Urgency:     "high",
		})
	}
	if demand.NextHourKWh > 1000 {
		recs = append(recs, domain.Recommendation{
			Priority: 2, Type: "demand_spike", Title: "Predicted demand spike",
			Description: fmt.Sprintf("Forecast next-hour demand %.0f kWh.", demand.NextHourKWh),
			Urgency:     "medium",
		})
	}
	if in.Congestion == "severe" {
		recs = append(recs, domain.Recommendation{
			Priority: 3, Type: "congestion", Title: "Severe traffic congestion",
			Description: "Crew dispatch ETAs in this zone will be elevated.",
			Urgency:     "medium",
		})
	}
	return recs
}

// deriveAlerts implements spec §4.5 step 6's thresholds exactly.
func deriveAlerts(cityID, zoneID string, ts time.Time, anomaly domain.AnomalyDetection, risk domain.RiskScore, aqi, forecastKWh float64) []domain.Alert {
	var alerts []domain.Alert

	if anomaly.IsAnomaly {
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertAlert, Type: domain.AlertTypeAnomaly,
			Message: fmt.Sprintf("anomaly detected, score=%.2f", anomaly.AnomalyScore), Source: "engine",
		})
	}
	if risk.Level == "high" {
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertWarning, Type: domain.AlertTypeHighRisk,
			Message: fmt.Sprintf("high composite risk, score=%.0f", risk.Score), Source: "engine",
		})
	}

	switch {
	case aqi > 200:
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertEmergency, Type: domain.AlertTypeAQI,
			Message: fmt.Sprintf("aqi=%.0f exceeds emergency threshold", aqi), Source: "engine",
		})
	case aqi > 150:
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertAlert, Type: domain.AlertTypeAQI,
			Message: fmt.Sprintf("aqi=%.0f exceeds alert threshold", aqi), Source: "engine",
		})
	case aqi > 100:
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertWatch, Type: domain.AlertTypeAQI,
			Message: fmt.Sprintf("aqi=%.0f exceeds watch threshold", aqi), Source: "engine",
		})
	}

	if forecastKWh > 1000 {
		alerts = append(alerts, domain.Alert{
			CityID: cityID, ZoneID: zoneID, Ts: ts, Level: domain.AlertWarning, Type: domain.AlertTypeDemandSpike,
			Message: fmt.Sprintf("forecast demand %.0f kWh exceeds 1000", forecastKWh), Source: "engine",
		})
	}
	return alerts
}

// weatherFromPayload adapts a raw-latest JSON payload (as stored by C6)
// back into the typed envelope C4 consumes, tolerating missing fields.
func weatherFromPayload(p map[string]any, loc domain.Coord) *domain.WeatherSignal {
	if p == nil {
		return nil
	}
	return &domain.WeatherSignal{
		Source: "raw_latest", Timestamp: time.Now().UTC(), Location: loc, Tier: domain.TierLive,
		Temperature: toFloat(p["temperature"]), Humidity: toFloat(p["humidity"]),
		WindSpeed: toFloat(p["wind_speed"]), Description: toString(p["description"]),
	}
}

func aqiFromPayload(p map[string]any, loc domain.Coord) *domain.AQISignal {
	if p == nil {
		return nil
	}
	sig := &domain.AQISignal{
		Source: "raw_latest", Timestamp: time.Now().UTC(), Location: loc, Tier: domain.TierLive,
		AQI: toFloat(p["aqi"]),
	}
	if comps, ok := p["components"].(map[string]any); ok {
		sig.Components = make(map[string]float64, len(comps))
		for k, v := range comps {
			sig.Components[k] = toFloat(v)
		}
	}
	return sig
}

func trafficFromPayload(p map[string]any, loc domain.Coord) *domain.TrafficSignal {
	if p == nil {
		return nil
	}
	return &domain.TrafficSignal{
		Source: "raw_latest", Timestamp: time.Now().UTC(), Location: loc, Tier: domain.TierLive,
		CurrentSpeed: toFloat(p["current_speed"]), FreeFlowSpeed: toFloat(p["free_flow_speed"]),
		Congestion: toString(p["congestion"]),
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
