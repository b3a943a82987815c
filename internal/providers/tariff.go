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

// cityStateCode maps a city slug to its US state code, needed to index the
// EIA-style monthly retail price table.
var cityStateCode = map[string]string{
	"nyc":     "NY",
	"sf":      "CA",
	"chicago": "IL",
}

// TariffProvider implements C1's electricity/tariff signal, consumed only
// by C8. Fallback: live -> stale cache -> dataset table -> configured
// default (0.12 $/kWh).
type TariffProvider struct {
	client       *http.Client
	cacheRepo    *cache.Repository
	log          zerolog.Logger
	baseURL      string
	defaultPrice float64

	tableOnce sync.Once
	table     map[string]float64 // state code -> $/kWh
}

func NewTariffProvider(client *http.Client, cacheRepo *cache.Repository, log zerolog.Logger) *TariffProvider {
	return &TariffProvider{
		client: client, cacheRepo: cacheRepo,
		log: log.With().Str("provider", "tariff").Logger(),
		baseURL: os.Getenv("TARIFF_API_URL"), defaultPrice: 0.12,
	}
}

// SetDefaultPrice overrides the configured default (GRIDCORE_DEFAULT_PRICE_PER_KWH).
func (p *TariffProvider) SetDefaultPrice(v float64) { p.defaultPrice = v }

type tariffAPIResponse struct {
	PricePerKWh float64 `json:"price_per_kwh"`
}

// Fetch implements the §4.1 tariff envelope, keyed by the city's US state.
func (p *TariffProvider) Fetch(ctx context.Context, cityID string) (*domain.TariffSignal, error) {
	state := cityStateCode[cityID]

	if sig, ok := p.liveFetch(ctx, state); ok {
		_ = p.cacheRepo.Store("tariff_cache", state, sig, cache.TTLTariff)
		return sig, nil
	}

	if raw, err := p.cacheRepo.GetStale("tariff_cache", state); err == nil && raw != nil {
		var sig domain.TariffSignal
		if json.Unmarshal(raw, &sig) == nil {
			sig.Tier = domain.TierFallback
			return &sig, nil
		}
	}

	if price, ok := p.datasetPrice(state); ok {
		return &domain.TariffSignal{
			Source: "tariff_dataset_fallback", Timestamp: time.Now().UTC(),
			StateCode: state, Tier: domain.TierFallback, PricePerKWh: price,
		}, nil
	}

	return &domain.TariffSignal{
		Source: "tariff_default", Timestamp: time.Now().UTC(),
		StateCode: state, Tier: domain.TierSynthetic, PricePerKWh: p.defaultPrice,
	}, nil
}

func (p *TariffProvider) liveFetch(ctx context.Context, state string) (*domain.TariffSignal, bool) {
	if p.baseURL == "" || state == "" {
		return nil, false
	}
	ctx, cancel := ctxWithTimeout(ctx)
	defer cancel()

	u := fmt.Sprintf("%s?state=%s", p.baseURL, state)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("tariff live fetch failed")
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var body tariffAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false
	}
	return &domain.TariffSignal{
		Source: "tariff_live", Timestamp: time.Now().UTC(),
		StateCode: state, Tier: domain.TierLive, PricePerKWh: body.PricePerKWh,
	}, true
}

func (p *TariffProvider) datasetPrice(state string) (float64, bool) {
	p.tableOnce.Do(func() { p.table = loadTariffTable(p.log) })
	if p.table == nil {
		return 0, false
	}
	v, ok := p.table[state]
	return v, ok
}

func loadTariffTable(log zerolog.Logger) map[string]float64 {
	path := os.Getenv("TARIFF_DATASET_CSV")
	if path == "" {
		path = "data/fallback/tariff_by_state.csv"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("tariff dataset unavailable, using configured default")
		return nil
	}
	defer f.Close()

	table := make(map[string]float64)
	scanner := bufio.NewScanner(f)
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			continue // skip "state,price_per_kwh"
		}
		cols := strings.Split(line, ",")
		if len(cols) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			continue
		}
		table[cols[0]] = price
	}
	return table
}
