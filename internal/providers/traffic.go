package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/domain"
)

// TrafficProvider implements C1's traffic signal. Traffic has no dataset
// fallback tier in spec §4.1 (only live -> derived-unknown), so on live
// failure it returns a signal with Congestion="unknown" directly.
type TrafficProvider struct {
	client  *http.Client
	log     zerolog.Logger
	baseURL string
}

func NewTrafficProvider(client *http.Client, log zerolog.Logger) *TrafficProvider {
	return &TrafficProvider{client: client, log: log.With().Str("provider", "traffic").Logger(), baseURL: os.Getenv("TRAFFIC_API_URL")}
}

type trafficAPIResponse struct {
	CurrentSpeed  float64 `json:"current_speed"`
	FreeFlowSpeed float64 `json:"free_flow_speed"`
}

// Fetch implements the §4.1 traffic envelope, deriving Congestion from the
// current/free-flow speed ratio.
func (p *TrafficProvider) Fetch(ctx context.Context, lat, lon float64, cityID string) (*domain.TrafficSignal, error) {
	if sig, ok := p.liveFetch(ctx, lat, lon); ok {
		return sig, nil
	}
	return &domain.TrafficSignal{
		Source: "traffic_fallback", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierSynthetic,
		Congestion: "unknown",
	}, nil
}

func (p *TrafficProvider) liveFetch(ctx context.Context, lat, lon float64) (*domain.TrafficSignal, bool) {
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
		p.log.Debug().Err(err).Msg("traffic live fetch failed")
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var body trafficAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false
	}
	return &domain.TrafficSignal{
		Source: "traffic_live", Timestamp: time.Now().UTC(),
		Location: domain.Coord{Lat: lat, Lon: lon}, Tier: domain.TierLive,
		CurrentSpeed: body.CurrentSpeed, FreeFlowSpeed: body.FreeFlowSpeed,
		Congestion: congestionFromRatio(body.CurrentSpeed, body.FreeFlowSpeed),
	}, true
}

// congestionFromRatio derives congestion per spec §4.1's thresholds.
func congestionFromRatio(current, freeFlow float64) string {
	if freeFlow == 0 {
		return "unknown"
	}
	ratio := current / freeFlow
	switch {
	case ratio >= 0.9:
		return "free"
	case ratio >= 0.7:
		return "moderate"
	case ratio >= 0.5:
		return "heavy"
	default:
		return "severe"
	}
}
