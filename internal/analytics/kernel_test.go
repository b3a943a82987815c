package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/urbangrid/gridcore/internal/domain"
)

func TestDemand_SyntheticBands(t *testing.T) {
	hot := Demand(RawInputs{TemperatureC: 30})
	assert.Equal(t, "temperature_synthetic", hot.Model)
	assert.Equal(t, confidenceSynthetic, hot.Confidence)
	assert.Greater(t, hot.NextHourKWh, baseKWhSynthetic)

	cold := Demand(RawInputs{TemperatureC: 5})
	assert.Greater(t, cold.NextHourKWh, baseKWhSynthetic)

	mild := Demand(RawInputs{TemperatureC: 20})
	assert.InDelta(t, 600, mild.NextHourKWh, 0.01)
}

func TestDemand_WithHistoryUsesMeanAndTemperatureFactor(t *testing.T) {
	in := RawInputs{TemperatureC: 40, DemandHistory: []float64{100, 100, 100}}
	d := Demand(in)
	assert.Equal(t, "history_mean_temperature_adjusted", d.Model)
	assert.Equal(t, confidenceWithHistory, d.Confidence)
	// factor = 1 + ((40-20)/20)*0.3 = 1.3, mean = 100 -> 130
	assert.InDelta(t, 130, d.NextHourKWh, 0.01)
}

func TestAnomaly_HistoryZScore(t *testing.T) {
	history := []float64{100, 100, 100, 100, 100}
	a := Anomaly(RawInputs{DemandHistory: history}, 100)
	assert.False(t, a.IsAnomaly)
	assert.Equal(t, 0.0, a.AnomalyScore)

	spike := Anomaly(RawInputs{DemandHistory: []float64{100, 102, 98, 101, 99}}, 500)
	assert.True(t, spike.IsAnomaly)
}

func TestAnomaly_SyntheticThresholds(t *testing.T) {
	normal := Anomaly(RawInputs{AQI: 80, Congestion: "moderate"}, 300)
	assert.False(t, normal.IsAnomaly)

	aqiSpike := Anomaly(RawInputs{AQI: 200, Congestion: "moderate"}, 300)
	assert.True(t, aqiSpike.IsAnomaly)
	assert.InDelta(t, 1.0, aqiSpike.AnomalyScore, 0.001)

	congestionSpike := Anomaly(RawInputs{AQI: 50, Congestion: "severe"}, 300)
	assert.True(t, congestionSpike.IsAnomaly)
	assert.InDelta(t, 2.5, congestionSpike.AnomalyScore, 0.001)
}

func TestRisk_FactorsAndLevel(t *testing.T) {
	low := Risk(RawInputs{AQI: 10, Congestion: "free"}, 100, 100)
	assert.Equal(t, "low", low.Level)
	assert.Empty(t, low.Factors)

	high := Risk(RawInputs{AQI: 160, Congestion: "severe"}, 2000, 500)
	assert.Equal(t, "high", high.Level)
	assert.Contains(t, high.Factors, "aqi>150")
	assert.Contains(t, high.Factors, "congestion=severe")
	assert.Contains(t, high.Factors, "demand_spike")
	assert.InDelta(t, 75, high.Score, 0.001) // 30 + 20 + 25
}

func TestRisk_DemandSpikeSyntheticThreshold(t *testing.T) {
	// no history (meanKWh == 0): spike trips only above the absolute synthetic threshold
	noSpike := Risk(RawInputs{}, demandSpikeAbsSynthetic, 0)
	assert.NotContains(t, noSpike.Factors, "demand_spike")

	spike := Risk(RawInputs{}, demandSpikeAbsSynthetic+1, 0)
	assert.Contains(t, spike.Factors, "demand_spike")
}

func TestRisk_ScoreClampedAt100(t *testing.T) {
	r := Risk(RawInputs{AQI: 999, Congestion: "severe"}, 10000, 1)
	assert.LessOrEqual(t, r.Score, 100.0)
}

func TestResilience_IsComplementOfRisk(t *testing.T) {
	risk := domain.RiskScore{Score: 20, Level: "low"}
	res := Resilience(risk)
	assert.InDelta(t, 80, res.Score, 0.001)
	assert.Equal(t, "high", res.Level)
}

func TestAQIProjection_WindAndCongestionDampen(t *testing.T) {
	calm := AQIProjection(RawInputs{Congestion: "free", WindSpeedMS: 0}, 100)
	windy := AQIProjection(RawInputs{Congestion: "free", WindSpeedMS: 10}, 100)
	assert.Less(t, windy.NextHourAQI, calm.NextHourAQI)

	heavy := AQIProjection(RawInputs{Congestion: "heavy", WindSpeedMS: 0}, 100)
	assert.Greater(t, heavy.NextHourAQI, calm.NextHourAQI)
}

func TestAQIProjection_ClampedTo500(t *testing.T) {
	p := AQIProjection(RawInputs{Congestion: "heavy", WindSpeedMS: 0}, 500)
	assert.LessOrEqual(t, p.NextHourAQI, 500.0)
}

func TestGridPriority_BoundedOneToFive(t *testing.T) {
	lowest := GridPriority(domain.RiskScore{Level: "low"}, domain.AnomalyDetection{IsAnomaly: false}, 0, 0)
	assert.GreaterOrEqual(t, lowest, 1)

	highest := GridPriority(domain.RiskScore{Level: "high"}, domain.AnomalyDetection{IsAnomaly: true}, 300, 2000)
	assert.Equal(t, 5, highest)
}

func TestGridPriority_LowMediumBandIsThree(t *testing.T) {
	// risk.Level stays "low" below the 35-point "medium" boundary, but the
	// score-keyed low-medium band [15,35) must still resolve to priority 3.
	p := GridPriority(domain.RiskScore{Level: "low", Score: 20}, domain.AnomalyDetection{IsAnomaly: false}, 0, 0)
	assert.Equal(t, 3, p)
}
