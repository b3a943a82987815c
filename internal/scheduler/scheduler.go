// Package scheduler implements C9: the single in-process loop that re-runs
// C5 for the currently-selected city on an interval, plus a secondary
// cron-driven housekeeping job. Grounded on the teacher's internal/queue
// time-based scheduler (idempotent Start/Stop guarded by a mutex and a
// WaitGroup tracking goroutine lifecycle) but collapsed from a dozen
// finance cadences down to the one cadence spec §4.9 actually names.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/coldstore"
	"github.com/urbangrid/gridcore/internal/domain"
)

// CostSummarizeFunc matches cost.Aggregator.Summarize's signature, kept as
// a function type so the scheduler depends only on domain, not on the cost
// package directly.
type CostSummarizeFunc func(ctx context.Context, cityID string) (domain.CostSummary, error)

// defaultInterval is used when Start is called with interval <= 0 (spec
// §4.9: "every interval (default 300s)").
const defaultInterval = 300 * time.Second

// stopGrace bounds how long Stop waits for an in-flight ProcessCity before
// giving up (spec §4.9: "allowed to finish within a grace period").
const stopGrace = 30 * time.Second

// liveFeedRetention bounds how far back the housekeeping job keeps
// live-feed rows.
const liveFeedRetention = 7 * 24 * time.Hour

// ProcessCityFunc matches engine.Engine.ProcessCity's signature, kept as a
// function type so the scheduler depends only on domain, not on the engine
// package directly.
type ProcessCityFunc func(ctx context.Context, cityID string) (domain.ProcessingSummary, error)

// Scheduler is C9: a process-wide actor with one writable reference to its
// current-city pointer (spec §5/§9).
type Scheduler struct {
	process     ProcessCityFunc
	summarize   CostSummarizeFunc
	store       domain.StateStore
	cache       *cache.Repository
	coldStorage *coldstore.Exporter
	log         zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cronJob *cron.Cron

	currentCity atomic.Value // string
}

func New(process ProcessCityFunc, store domain.StateStore, cacheRepo *cache.Repository, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		process: process, store: store, cache: cacheRepo,
		log: log.With().Str("component", "scheduler").Logger(),
	}
}

// WithColdstore wires the optional cost summarizer and S3-compatible
// exporter so every scheduled run also archives its summary (spec §9's
// ambient cold-storage extension; a nil exporter leaves this a no-op).
func (s *Scheduler) WithColdstore(summarize CostSummarizeFunc, exporter *coldstore.Exporter) *Scheduler {
	s.summarize = summarize
	s.coldStorage = exporter
	return s
}

// Start launches the loop if not already running; concurrent Start calls
// are idempotent (spec §4.9: "Only one loop per process").
func (s *Scheduler) Start(city string, interval time.Duration) {
	s.mu.Lock()
	if s.started && !s.stopped {
		s.mu.Unlock()
		s.log.Debug().Msg("scheduler already running, ignoring Start")
		return
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	s.currentCity.Store(city)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.log.Info().Str("city", city).Dur("interval", interval).Msg("scheduler starting")

	go s.loop(interval)
	s.startHousekeeping()
}

// UpdateCity hot-swaps the target city without restarting the loop; the
// next tick observes the new value via an atomic load (spec §4.9/§5).
func (s *Scheduler) UpdateCity(city string) {
	s.currentCity.Store(city)
	s.log.Info().Str("city", city).Msg("scheduler city updated")
}

// CurrentCity returns the city the next tick will process.
func (s *Scheduler) CurrentCity() string {
	v, _ := s.currentCity.Load().(string)
	return v
}

// Stop cancels the loop; an in-flight ProcessCity run gets stopGrace to
// finish before the scheduler returns regardless.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	done := s.doneCh
	cronJob := s.cronJob
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn().Msg("scheduler stop grace period elapsed, proceeding")
	}

	if cronJob != nil {
		ctx := cronJob.Stop()
		<-ctx.Done()
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration) {
	defer close(s.doneCh)

	s.runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce invokes ProcessCity for the current city; a scheduler failure is
// logged and the loop continues (spec §7: "never exits except on explicit
// stop").
func (s *Scheduler) runOnce() {
	city := s.CurrentCity()
	if city == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	summary, err := s.process(ctx, city)
	if err != nil {
		s.log.Error().Err(err).Str("city", city).Msg("scheduled ProcessCity failed")
		return
	}
	s.log.Info().Str("city", city).Int("total", summary.Total).
		Int("successful", summary.Successful).Int("failed", summary.Failed).
		Msg("scheduled ProcessCity completed")

	if s.coldStorage != nil && s.summarize != nil {
		if cost, err := s.summarize(ctx, city); err == nil {
			s.coldStorage.ExportSummary(ctx, summary, cost)
		}
	}
}

// startHousekeeping wires the robfig/cron job: expired-cache sweep every 15
// minutes, live-feed pruning daily.
func (s *Scheduler) startHousekeeping() {
	c := cron.New()

	if s.cache != nil {
		_, _ = c.AddFunc("*/15 * * * *", func() {
			n, err := s.cache.DeleteExpired()
			if err != nil {
				s.log.Warn().Err(err).Msg("cache sweep failed")
				return
			}
			if n > 0 {
				s.log.Debug().Int64("deleted", n).Msg("cache sweep removed expired entries")
			}
		})
	}

	_, _ = c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		n, err := s.store.PruneLiveFeed(ctx, time.Now().Add(-liveFeedRetention))
		if err != nil {
			s.log.Warn().Err(err).Msg("live-feed prune failed")
			return
		}
		if n > 0 {
			s.log.Info().Int64("deleted", n).Msg("live-feed housekeeping pruned old rows")
		}
	})

	c.Start()
	s.mu.Lock()
	s.cronJob = c
	s.mu.Unlock()
}
