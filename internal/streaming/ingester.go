// Package streaming implements C6: the bus consumer that upserts raw-latest
// records and appends time-ordered live-feed batches, converging with C5's
// live-pull path on the same state store. Grounded on the teacher's
// tradernet.MarketStatusWebSocket (dial, read loop, exponential-backoff
// reconnect) — the teacher's own nhooyr.io/websocket dependency doubles here
// as the message-bus transport, since no broker client ships in the corpus.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/events"
)

const (
	dialTimeout          = 30 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	batchSize            = 50
	batchIdleFlush       = 1 * time.Second
)

// busEnvelope is the wire shape every consumed topic message carries,
// matching spec §4.6/§6: "JSON-encoded payloads with optional city_id,
// zone_id, ts fields."
type busEnvelope struct {
	Topic   string          `json:"topic"`
	CityID  string          `json:"city_id"`
	ZoneID  string          `json:"zone_id"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

var topics = []string{"power_demand", "aqi_stream", "traffic_events", "grid_alerts", "incident_text"}

type batchItem struct {
	topic, cityID, zoneID string
	ts                    int64
	payload               map[string]any
}

// Ingester is C6: a single long-lived consumer of the bus address, fanning
// every message into the raw-latest upsert and the batched live-feed log.
type Ingester struct {
	addr       string
	httpClient *http.Client
	store      domain.StateStore
	bus        *events.Bus
	log        zerolog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	stopChan chan struct{}
	stopped  bool

	batchMu sync.Mutex
	batch   []batchItem
}

func New(addr string, store domain.StateStore, bus *events.Bus, log zerolog.Logger) *Ingester {
	return &Ingester{
		addr: addr, httpClient: &http.Client{Timeout: dialTimeout},
		store: store, bus: bus, log: log.With().Str("component", "streaming").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start dials the bus and begins the read loop plus the idle-flush ticker.
// A failed initial dial falls back to the background reconnect loop rather
// than failing startup, matching the teacher's Start() semantics.
func (ig *Ingester) Start(ctx context.Context) error {
	go ig.flushTicker(ctx)

	if err := ig.connect(ctx); err != nil {
		ig.log.Warn().Err(err).Msg("initial bus connection failed, retrying in background")
		go ig.reconnectLoop(ctx)
		return nil
	}
	go ig.readLoop(ctx)
	return nil
}

// Stop flushes the pending batch and closes the consumer (spec §4.6/§5
// cancellation: "flush the pending batch and close the consumer cleanly").
func (ig *Ingester) Stop(ctx context.Context) error {
	ig.mu.Lock()
	if ig.stopped {
		ig.mu.Unlock()
		return nil
	}
	ig.stopped = true
	conn := ig.conn
	ig.conn = nil
	ig.mu.Unlock()

	close(ig.stopChan)
	ig.flush(ctx)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (ig *Ingester) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ig.addr, &websocket.DialOptions{HTTPClient: ig.httpClient})
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	ig.mu.Lock()
	ig.conn = conn
	ig.mu.Unlock()
	return nil
}

func (ig *Ingester) readLoop(ctx context.Context) {
	defer func() {
		ig.mu.RLock()
		stopped := ig.stopped
		ig.mu.RUnlock()
		if !stopped {
			go ig.reconnectLoop(ctx)
		}
	}()

	for {
		select {
		case <-ig.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		ig.mu.RLock()
		conn := ig.conn
		ig.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				ig.log.Info().Msg("bus connection closed normally")
			} else {
				ig.log.Warn().Err(err).Msg("bus read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		ig.handleMessage(ctx, data)
	}
}

func (ig *Ingester) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ig.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		delay := backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ig.stopChan:
			return
		case <-ctx.Done():
			return
		}

		if err := ig.connect(ctx); err != nil {
			ig.log.Debug().Err(err).Int("attempt", attempt).Msg("bus reconnect failed")
			continue
		}
		ig.log.Info().Int("attempt", attempt).Msg("bus reconnected")
		go ig.readLoop(ctx)
		return
	}
}

func backoff(attempt int) time.Duration {
	d := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		d = float64(maxReconnectDelay)
	}
	return time.Duration(d)
}

// handleMessage implements spec §4.6 steps 1-3: decode (wrap on parse
// failure), route to the topic-appropriate raw-latest collection, and
// append to the live-feed batch.
func (ig *Ingester) handleMessage(ctx context.Context, raw []byte) {
	var env busEnvelope
	var payload map[string]any

	if err := json.Unmarshal(raw, &env); err != nil || env.Topic == "" {
		payload = map[string]any{"raw": string(raw)}
		env = busEnvelope{}
	} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
		payload = map[string]any{"raw": string(env.Payload)}
	}

	ts := env.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}

	ig.enqueueBatch(batchItem{topic: env.Topic, cityID: env.CityID, zoneID: env.ZoneID, ts: ts, payload: payload})

	table := rawLatestTableForTopic(env.Topic, payload)
	if table == "" || env.CityID == "" || env.ZoneID == "" {
		return
	}
	if err := ig.store.UpsertRawLatest(ctx, table, env.CityID, env.ZoneID, payload, ts, time.Now().Unix()); err != nil {
		ig.log.Warn().Err(err).Str("topic", env.Topic).Msg("raw-latest upsert failed")
		return
	}
	ig.bus.Publish(events.Event{Kind: events.RawLatestUpdated, CityID: env.CityID, Timestamp: time.Now().UTC(), Data: map[string]string{"topic": table, "zone_id": env.ZoneID}})
}

// rawLatestTableForTopic implements §4.6's topic-routing table. aqi_stream
// is the one topic that splits further by payload.type.
func rawLatestTableForTopic(topic string, payload map[string]any) string {
	switch topic {
	case "aqi_stream":
		if t, _ := payload["type"].(string); t == "weather" {
			return "weather"
		}
		return "aqi"
	case "traffic_events":
		return "traffic"
	case "power_demand":
		return "power_demand"
	case "grid_alerts":
		return "grid_alerts"
	case "incident_text":
		return "311"
	default:
		return ""
	}
}

func (ig *Ingester) enqueueBatch(item batchItem) {
	ig.batchMu.Lock()
	ig.batch = append(ig.batch, item)
	full := len(ig.batch) >= batchSize
	ig.batchMu.Unlock()

	if full {
		ig.flush(context.Background())
	}
}

func (ig *Ingester) flushTicker(ctx context.Context) {
	ticker := time.NewTicker(batchIdleFlush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ig.stopChan:
			return
		case <-ticker.C:
			ig.flush(ctx)
		}
	}
}

// flush appends the current batch to the live-feed log in arrival order,
// preserving per-connection ordering (spec §5: "per-partition arrival order
// is preserved").
func (ig *Ingester) flush(ctx context.Context) {
	ig.batchMu.Lock()
	pending := ig.batch
	ig.batch = nil
	ig.batchMu.Unlock()

	for _, item := range pending {
		if item.topic == "" {
			continue
		}
		if err := ig.store.AppendLiveFeed(ctx, item.topic, item.cityID, item.zoneID, item.ts, item.payload); err != nil {
			ig.log.Warn().Err(err).Str("topic", item.topic).Msg("live-feed append failed")
		}
	}
}
