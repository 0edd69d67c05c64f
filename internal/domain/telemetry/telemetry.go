// Package telemetry aggregates fabric-wide counters and rolling samples into
// the stats surface and the derived health classification. The tracker is
// pure bookkeeping: collaborators push observations in, reporting surfaces
// pull snapshots out, and nothing here performs I/O.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Health buckets derived from the health score.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthDegraded  Health = "degraded"
	HealthPoor      Health = "poor"
)

// Classify maps a score in [0,1] onto a health bucket.
func Classify(score float64) Health {
	switch {
	case score >= 0.9:
		return HealthExcellent
	case score >= 0.7:
		return HealthGood
	case score >= 0.4:
		return HealthDegraded
	default:
		return HealthPoor
	}
}

// Score derives the health score from the healthy-connection fraction and the
// heartbeat response rate. An empty fabric is vacuously healthy.
func Score(healthy, total int, responseRate float64) float64 {
	frac := 1.0
	if total > 0 {
		frac = float64(healthy) / float64(total)
	}
	if frac > 1 {
		frac = 1
	}
	if responseRate > 1 {
		responseRate = 1
	}
	if responseRate < 0 {
		responseRate = 0
	}
	return (frac + responseRate) / 2
}

// Sample is one point of the rolling trend: taken periodically by the
// janitor loop, bounded by the tracker's capacity.
type Sample struct {
	At         time.Time     `json:"at"`
	Active     int           `json:"active"`
	QueueDepth int           `json:"queue_depth"`
	AvgRTT     time.Duration `json:"avg_rtt"`
	CPUPercent float64       `json:"cpu_percent"`
	MemPercent float64       `json:"mem_percent"`
}

// Totals is the counter snapshot handed to stats surfaces.
type Totals struct {
	Connects          uint64 `json:"connects"`
	Disconnects       uint64 `json:"disconnects"`
	Active            int64  `json:"active"`
	Peak              int64  `json:"peak"`
	Sent              uint64 `json:"sent"`
	Received          uint64 `json:"received"`
	SendErrors        uint64 `json:"send_errors"`
	BroadcastOK       uint64 `json:"broadcast_ok"`
	BroadcastFailed   uint64 `json:"broadcast_failed"`
	RateLimited       uint64 `json:"rate_limited"`
	ValidationRejects uint64 `json:"validation_rejects"`
	Fallbacks         uint64 `json:"fallbacks"`
	Zombies           uint64 `json:"zombies"`
	Resumed           uint64 `json:"resumed"`
	MessagesLost      uint64 `json:"messages_lost"`
}

const defaultSampleCap = 1000

// Tracker maintains the counters. All methods are safe for concurrent use.
type Tracker struct {
	clock clockwork.Clock

	connects          atomic.Uint64
	disconnects       atomic.Uint64
	active            atomic.Int64
	peak              atomic.Int64
	sent              atomic.Uint64
	received          atomic.Uint64
	sendErrors        atomic.Uint64
	broadcastOK       atomic.Uint64
	broadcastFailed   atomic.Uint64
	rateLimited       atomic.Uint64
	validationRejects atomic.Uint64
	fallbacks         atomic.Uint64
	zombies           atomic.Uint64
	resumed           atomic.Uint64
	messagesLost      atomic.Uint64

	mu        sync.Mutex
	samples   []Sample
	sampleCap int
}

// New builds a tracker; sampleCap <= 0 uses the default bound.
func New(clock clockwork.Clock, sampleCap int) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	return &Tracker{clock: clock, sampleCap: sampleCap}
}

// ConnOpened counts a finished handshake and maintains the peak gauge.
func (t *Tracker) ConnOpened() {
	t.connects.Add(1)
	active := t.active.Add(1)
	for {
		peak := t.peak.Load()
		if active <= peak || t.peak.CompareAndSwap(peak, active) {
			return
		}
	}
}

// ConnClosed counts a teardown.
func (t *Tracker) ConnClosed() {
	t.disconnects.Add(1)
	t.active.Add(-1)
}

// Active returns the live connection gauge.
func (t *Tracker) Active() int64 { return t.active.Load() }

// MsgSent counts successfully delivered outbound frames.
func (t *Tracker) MsgSent() { t.sent.Add(1) }

// MsgReceived counts accepted inbound frames.
func (t *Tracker) MsgReceived() { t.received.Add(1) }

// SendError counts a failed delivery.
func (t *Tracker) SendError() { t.sendErrors.Add(1) }

// BroadcastResult folds one fan-out outcome into the success/failure totals.
func (t *Tracker) BroadcastResult(delivered, failed int) {
	t.broadcastOK.Add(uint64(delivered))
	t.broadcastFailed.Add(uint64(failed))
}

// RateLimited counts a dropped-over-limit inbound frame.
func (t *Tracker) RateLimited() { t.rateLimited.Add(1) }

// ValidationReject counts a frame the validator refused.
func (t *Tracker) ValidationReject() { t.validationRejects.Add(1) }

// FallbackApplied counts a lenient-mode unknown-type rewrite.
func (t *Tracker) FallbackApplied() { t.fallbacks.Add(1) }

// ZombieDetected counts a liveness reap.
func (t *Tracker) ZombieDetected() { t.zombies.Add(1) }

// SessionResumed counts a successful reconnect.
func (t *Tracker) SessionResumed() { t.resumed.Add(1) }

// MessagesLost adds to the loss counter (queue overflow, shutdown residue).
func (t *Tracker) MessagesLost(n uint64) { t.messagesLost.Add(n) }

// Totals returns the counter snapshot.
func (t *Tracker) Totals() Totals {
	return Totals{
		Connects:          t.connects.Load(),
		Disconnects:       t.disconnects.Load(),
		Active:            t.active.Load(),
		Peak:              t.peak.Load(),
		Sent:              t.sent.Load(),
		Received:          t.received.Load(),
		SendErrors:        t.sendErrors.Load(),
		BroadcastOK:       t.broadcastOK.Load(),
		BroadcastFailed:   t.broadcastFailed.Load(),
		RateLimited:       t.rateLimited.Load(),
		ValidationRejects: t.validationRejects.Load(),
		Fallbacks:         t.fallbacks.Load(),
		Zombies:           t.zombies.Load(),
		Resumed:           t.resumed.Load(),
		MessagesLost:      t.messagesLost.Load(),
	}
}

// Observe appends one trend sample, evicting the oldest past the bound. The
// tracker stamps the sample time itself so callers cannot skew the trend.
func (t *Tracker) Observe(s Sample) {
	s.At = t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, s)
	if len(t.samples) > t.sampleCap {
		t.samples = t.samples[len(t.samples)-t.sampleCap:]
	}
}

// Trend returns a copy of the newest n samples, oldest first. n <= 0 returns
// everything retained.
func (t *Tracker) Trend(n int) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.samples) {
		n = len(t.samples)
	}
	out := make([]Sample, n)
	copy(out, t.samples[len(t.samples)-n:])
	return out
}
