package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestScoreAndClassify(t *testing.T) {
	tests := []struct {
		name         string
		healthy      int
		total        int
		responseRate float64
		wantScore    float64
		wantHealth   Health
	}{
		{"perfect", 10, 10, 1.0, 1.0, HealthExcellent},
		{"empty fabric is healthy", 0, 0, 1.0, 1.0, HealthExcellent},
		{"good", 8, 10, 0.7, 0.75, HealthGood},
		{"degraded", 5, 10, 0.4, 0.45, HealthDegraded},
		{"poor", 1, 10, 0.1, 0.1, HealthPoor},
		{"rate clamped", 10, 10, 1.7, 1.0, HealthExcellent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Score(tt.healthy, tt.total, tt.responseRate)
			assert.InDelta(t, tt.wantScore, score, 0.001)
			assert.Equal(t, tt.wantHealth, Classify(score))
		})
	}
}

func TestPeakTracksHighWater(t *testing.T) {
	tr := New(clockwork.NewFakeClock(), 0)

	for i := 0; i < 5; i++ {
		tr.ConnOpened()
	}
	tr.ConnClosed()
	tr.ConnClosed()
	tr.ConnOpened()

	totals := tr.Totals()
	assert.Equal(t, int64(4), totals.Active)
	assert.Equal(t, int64(5), totals.Peak, "peak survives the dips")
	assert.Equal(t, uint64(6), totals.Connects)
	assert.Equal(t, uint64(2), totals.Disconnects)
}

func TestCountersAccumulate(t *testing.T) {
	tr := New(clockwork.NewFakeClock(), 0)

	tr.MsgSent()
	tr.MsgSent()
	tr.MsgReceived()
	tr.SendError()
	tr.BroadcastResult(7, 2)
	tr.RateLimited()
	tr.ValidationReject()
	tr.FallbackApplied()
	tr.ZombieDetected()
	tr.SessionResumed()
	tr.MessagesLost(3)

	totals := tr.Totals()
	assert.Equal(t, uint64(2), totals.Sent)
	assert.Equal(t, uint64(1), totals.Received)
	assert.Equal(t, uint64(1), totals.SendErrors)
	assert.Equal(t, uint64(7), totals.BroadcastOK)
	assert.Equal(t, uint64(2), totals.BroadcastFailed)
	assert.Equal(t, uint64(1), totals.RateLimited)
	assert.Equal(t, uint64(1), totals.ValidationRejects)
	assert.Equal(t, uint64(1), totals.Fallbacks)
	assert.Equal(t, uint64(1), totals.Zombies)
	assert.Equal(t, uint64(1), totals.Resumed)
	assert.Equal(t, uint64(3), totals.MessagesLost)
}

func TestSamplesBoundedAndOrdered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, 3)

	for i := 1; i <= 5; i++ {
		clock.Advance(time.Second)
		tr.Observe(Sample{Active: i})
	}

	trend := tr.Trend(0)
	assert.Len(t, trend, 3, "ring keeps only the newest samples")
	assert.Equal(t, 3, trend[0].Active)
	assert.Equal(t, 5, trend[2].Active)
	assert.True(t, trend[0].At.Before(trend[2].At), "oldest first")

	last := tr.Trend(2)
	assert.Len(t, last, 2)
	assert.Equal(t, 4, last[0].Active)
}

func TestTrendReturnsDetachedCopy(t *testing.T) {
	tr := New(clockwork.NewFakeClock(), 0)
	tr.Observe(Sample{Active: 1})

	got := tr.Trend(0)
	got[0].Active = 99
	assert.Equal(t, 1, tr.Trend(0)[0].Active)
}

func TestConcurrentCountersDoNotRace(t *testing.T) {
	tr := New(clockwork.NewFakeClock(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.ConnOpened()
				tr.MsgSent()
				tr.Observe(Sample{Active: j})
				tr.ConnClosed()
			}
		}()
	}
	wg.Wait()

	totals := tr.Totals()
	assert.Equal(t, uint64(800), totals.Connects)
	assert.Equal(t, uint64(800), totals.Sent)
	assert.Equal(t, int64(0), totals.Active)
	assert.GreaterOrEqual(t, totals.Peak, int64(1))
}
