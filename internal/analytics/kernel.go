// Package analytics is C4: pure, deterministic functions over a zone's
// fused raw record and optional demand history. No network or storage
// calls happen here — every function is a straight transform so that two
// calls on identical inputs are bit-identical (spec §8 invariant 8).
//
// Style grounded on the teacher's internal/evaluation/scoring.go: banner
// constant blocks for tunable weights, small single-purpose helpers, and
// clamp-at-the-boundary scoring.
package analytics

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/urbangrid/gridcore/internal/domain"
)

// ---------------------------------------------------------------------
// Demand forecast weights (spec §4.4)
// ---------------------------------------------------------------------
const (
	tempFactorSlope       = 0.3 / 20.0 // applied as 1 + (T-20)*tempFactorSlope
	confidenceWithHistory = 0.75
	confidenceSynthetic   = 0.60

	baseKWhSynthetic = 800.0
	aboveHotSlope    = 20.0 // per degree above 25C
	belowColdSlope   = 30.0 // per degree below 15C
	midSlope         = 10.0 // per degree away from 20C in [15,25]
)

// RawInputs is the minimal per-zone view the kernel consumes. Unknown
// signal fields (traffic speeds, AQI components) never leak into C4 — only
// the specific scalars named in spec §4.4 do.
type RawInputs struct {
	TemperatureC   float64
	WindSpeedMS    float64
	AQI            float64
	Congestion     string // free, moderate, heavy, severe, unknown
	DemandHistory  []float64
}

// Demand computes DemandForecast per spec §4.4.
func Demand(in RawInputs) domain.DemandForecast {
	if len(in.DemandHistory) > 0 {
		mean := stat.Mean(in.DemandHistory, nil)
		factor := 1 + ((in.TemperatureC - 20) / 20) * 0.3
		return domain.DemandForecast{
			NextHourKWh: mean * factor,
			Confidence:  confidenceWithHistory,
			Model:       "history_mean_temperature_adjusted",
			Factors:     []string{fmt.Sprintf("history_mean=%.2f", mean), fmt.Sprintf("temp_factor=%.3f", factor)},
		}
	}

	t := in.TemperatureC
	var kwh float64
	switch {
	case t > 25:
		kwh = baseKWhSynthetic + aboveHotSlope*(t-25)
	case t < 15:
		kwh = baseKWhSynthetic + belowColdSlope*(15-t)
	default:
		kwh = 600 + midSlope*(t-20)
	}
	return domain.DemandForecast{
		NextHourKWh: kwh,
		Confidence:  confidenceSynthetic,
		Model:       "temperature_synthetic",
		Factors:     []string{fmt.Sprintf("temperature=%.1f", t)},
	}
}

// Anomaly computes AnomalyDetection per spec §4.4.
func Anomaly(in RawInputs, currentDemand float64) domain.AnomalyDetection {
	if len(in.DemandHistory) > 0 {
		mean := stat.Mean(in.DemandHistory, nil)
		sigma := stat.StdDev(in.DemandHistory, nil)
		var z float64
		if sigma > 0 {
			z = (currentDemand - mean) / sigma
		}
		return domain.AnomalyDetection{
			IsAnomaly:     math.Abs(z) > 2,
			AnomalyScore:  z,
			CurrentDemand: currentDemand,
			BaselineMean:  baselineMean(in.DemandHistory),
			Threshold:     2,
		}
	}

	isAnomaly := in.AQI > 150 || in.Congestion == "severe"
	score := 0.0
	if in.AQI > 150 {
		score = (in.AQI - 150) / 50
	}
	if in.Congestion == "severe" {
		score = math.Max(score, 2.5)
	}
	return domain.AnomalyDetection{
		IsAnomaly:     isAnomaly,
		AnomalyScore:  score,
		CurrentDemand: currentDemand,
		Threshold:     150,
	}
}

// baselineMean is the last value of a simple moving average (talib.Sma) over
// the demand history: the equal-weight mean of the most recent
// min(len(history), 12) samples, which equals the plain mean when the
// history holds 12 samples or fewer.
func baselineMean(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	period := len(history)
	if period > 12 {
		period = 12
	}
	sma := talib.Sma(history, period)
	last := sma[len(sma)-1]
	if math.IsNaN(last) {
		return stat.Mean(history, nil)
	}
	return last
}

// ---------------------------------------------------------------------
// Risk score weights (spec §4.4)
// ---------------------------------------------------------------------
const (
	riskAQIHigh       = 30.0 // aqi > 150
	riskAQIModerate   = 15.0 // aqi > 100
	riskCongSevere    = 20.0
	riskCongHeavy     = 10.0
	riskDemandSpike   = 25.0
	demandSpikeFactor = 1.5
	demandSpikeAbsSynthetic = 1200.0

	riskLevelHigh   = 60.0
	riskLevelMedium = 35.0

	resilienceLevelHigh   = 70.0
	resilienceLevelMedium = 40.0
)

// Risk computes RiskScore per spec §4.4. forecastKWh/meanKWh implement the
// demand-spike branch; when history is absent meanKWh is 0 and the absolute
// synthetic-mode threshold (1200 kWh) is used instead.
func Risk(in RawInputs, forecastKWh, meanKWh float64) domain.RiskScore {
	score := 0.0
	var factors []string

	switch {
	case in.AQI > 150:
		score += riskAQIHigh
		factors = append(factors, "aqi>150")
	case in.AQI > 100:
		score += riskAQIModerate
		factors = append(factors, "aqi>100")
	}

	switch in.Congestion {
	case "severe":
		score += riskCongSevere
		factors = append(factors, "congestion=severe")
	case "heavy":
		score += riskCongHeavy
		factors = append(factors, "congestion=heavy")
	}

	spike := false
	if meanKWh > 0 {
		spike = forecastKWh > demandSpikeFactor*meanKWh
	} else {
		spike = forecastKWh > demandSpikeAbsSynthetic
	}
	if spike {
		score += riskDemandSpike
		factors = append(factors, "demand_spike")
	}

	score = clamp(score, 0, 100)

	level := "low"
	switch {
	case score >= riskLevelHigh:
		level = "high"
	case score >= riskLevelMedium:
		level = "medium"
	}

	return domain.RiskScore{Score: score, Level: level, Factors: factors}
}

// Resilience computes ResilienceScore per spec §4.4: 100 - risk.
func Resilience(risk domain.RiskScore) domain.ResilienceScore {
	score := clamp(100-risk.Score, 0, 100)
	level := "low"
	switch {
	case score >= resilienceLevelHigh:
		level = "high"
	case score >= resilienceLevelMedium:
		level = "medium"
	}
	return domain.ResilienceScore{Score: score, Level: level}
}

// ---------------------------------------------------------------------
// AQI projection (spec §4.4)
// ---------------------------------------------------------------------

// AQIProjection computes AQIPrediction per spec §4.4.
func AQIProjection(in RawInputs, currentAQI float64) domain.AQIPrediction {
	congestionWeight := 0.5
	if in.Congestion == "heavy" || in.Congestion == "severe" {
		congestionWeight = 1.0
	}
	next := currentAQI * (1 - in.WindSpeedMS*0.05) * (1 + congestionWeight*0.1)
	next = clamp(next, 0, 500)
	return domain.AQIPrediction{
		NextHourAQI: next,
		Factors:     []string{fmt.Sprintf("wind=%.1f", in.WindSpeedMS), fmt.Sprintf("congestion_weight=%.1f", congestionWeight)},
	}
}

// ---------------------------------------------------------------------
// Grid priority (spec §4.4)
// ---------------------------------------------------------------------

// GridPriority computes the derived 1-5 priority per spec §4.4. The base
// tier is keyed on the numeric risk score, not risk.Level, since the
// low-medium band (score in [15,35)) has no corresponding level.
func GridPriority(risk domain.RiskScore, anomaly domain.AnomalyDetection, aqi, forecastKWh float64) int {
	var base float64
	switch {
	case risk.Score >= riskLevelHigh:
		base = 5
	case risk.Score >= riskLevelMedium:
		base = 4
	case risk.Score >= 15:
		base = 3
	default:
		base = 2
	}

	if anomaly.IsAnomaly {
		base += 1
	}
	if aqi > 200 {
		base += 1
	} else if aqi > 150 {
		base += 0.5
	}
	if forecastKWh > 1000 {
		base += 0.5
	}

	priority := int(math.Round(base))
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	return priority
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
