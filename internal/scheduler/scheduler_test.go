package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbangrid/gridcore/internal/domain"
)

type fakeStore struct {
	domain.StateStore
	pruned int64
}

func (f *fakeStore) PruneLiveFeed(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.pruned, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestScheduler_StartRunsImmediatelyAndOnInterval(t *testing.T) {
	var calls int32
	process := func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		atomic.AddInt32(&calls, 1)
		return domain.ProcessingSummary{CityID: cityID, Total: 1, Successful: 1}, nil
	}

	s := New(process, &fakeStore{}, nil, testLogger())
	s.Start("nyc", 20*time.Millisecond)
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "nyc", s.CurrentCity())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	var calls int32
	process := func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		atomic.AddInt32(&calls, 1)
		return domain.ProcessingSummary{}, nil
	}

	s := New(process, &fakeStore{}, nil, testLogger())
	s.Start("nyc", time.Hour)
	s.Start("nyc", time.Hour) // second call is a no-op while already running
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestScheduler_UpdateCitySwapsTarget(t *testing.T) {
	var lastCity atomic.Value
	process := func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		lastCity.Store(cityID)
		return domain.ProcessingSummary{}, nil
	}

	s := New(process, &fakeStore{}, nil, testLogger())
	s.Start("nyc", time.Hour)
	defer s.Stop()

	s.UpdateCity("sf")
	assert.Equal(t, "sf", s.CurrentCity())
}

func TestScheduler_StopIsIdempotentAndStopsLoop(t *testing.T) {
	var calls int32
	process := func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		atomic.AddInt32(&calls, 1)
		return domain.ProcessingSummary{}, nil
	}

	s := New(process, &fakeStore{}, nil, testLogger())
	s.Start("nyc", 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // second Stop must not block or panic

	after := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))
}

func TestScheduler_ProcessErrorDoesNotStopLoop(t *testing.T) {
	var calls int32
	process := func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return domain.ProcessingSummary{}, assert.AnError
		}
		return domain.ProcessingSummary{}, nil
	}

	s := New(process, &fakeStore{}, nil, testLogger())
	s.Start("nyc", 10*time.Millisecond)
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, 5*time.Millisecond)
}
