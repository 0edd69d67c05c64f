package service

import (
	"time"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/heartbeat"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
	"github.com/relaygrid/session-fabric/internal/domain/telemetry"
)

// QueueOverview aggregates every user mailbox into one depth view.
type QueueOverview struct {
	Users       int    `json:"users"`
	Priority    int    `json:"priority"`
	Normal      int    `json:"normal"`
	FailedRetry int    `json:"failed_retry"`
	InFlight    int    `json:"in_flight"`
	Dropped     uint64 `json:"dropped"`
	Dead        uint64 `json:"dead"`
	Delivered   uint64 `json:"delivered"`
}

// StatsSnapshot is the fabric's reporting surface: one consistent-enough
// view assembled from the component snapshots. Consumed by the stats
// endpoint, the dashboard and the Prometheus collector.
type StatsSnapshot struct {
	Now    time.Time     `json:"now"`
	Uptime time.Duration `json:"uptime"`

	HealthScore  float64          `json:"health_score"`
	Health       telemetry.Health `json:"health"`
	Draining     bool             `json:"draining"`
	ResponseRate float64          `json:"response_rate"`

	Active  int `json:"active"`
	Healthy int `json:"healthy"`
	Users   int `json:"users"`
	Rooms   int `json:"rooms"`

	AvgRTT time.Duration `json:"avg_rtt"`

	Totals    telemetry.Totals     `json:"totals"`
	Queues    QueueOverview        `json:"queues"`
	Heartbeat heartbeat.Counters   `json:"heartbeat"`
	Zombies   []heartbeat.ZombieInfo `json:"zombies,omitempty"`

	PendingResumes   int `json:"pending_resumes"`
	PendingTransfers int `json:"pending_transfers"`
	RateTracked      int `json:"rate_tracked"`
}

// Stats assembles the reporting snapshot.
func (f *Fabric) Stats() StatsSnapshot {
	now := f.clock.Now()
	snapshot := f.reg.Snapshot()
	healthy, avgRTT := f.fleetHealth(snapshot, now)

	hb := f.hb.Totals()
	responseRate := 1.0
	if hb.Pings > 0 {
		responseRate = float64(hb.Pongs) / float64(hb.Pings)
	}

	score := telemetry.Score(healthy, len(snapshot), responseRate)

	return StatsSnapshot{
		Now:    now,
		Uptime: now.Sub(f.startedAt),

		HealthScore:  score,
		Health:       telemetry.Classify(score),
		Draining:     f.down.Load(),
		ResponseRate: responseRate,

		Active:  len(snapshot),
		Healthy: healthy,
		Users:   f.reg.Users(),
		Rooms:   len(f.reg.Rooms()),

		AvgRTT: avgRTT,

		Totals:    f.track.Totals(),
		Queues:    f.queueOverview(),
		Heartbeat: hb,
		Zombies:   f.hb.Zombies(),

		PendingResumes:   f.ledger.Pending(),
		PendingTransfers: f.assembler.Pending(),
		RateTracked:      f.limiter.Tracked(),
	}
}

// fleetHealth scans one registry snapshot for the healthy count and the mean
// smoothed RTT across connections that have one.
func (f *Fabric) fleetHealth(snapshot []*conn.Record, now time.Time) (healthy int, avgRTT time.Duration) {
	var rttSum time.Duration
	rttN := 0
	for _, rec := range snapshot {
		if rec.Healthy(now, f.cfg.StaleAfter) {
			healthy++
		}
		if rtt := rec.RTT(); rtt > 0 {
			rttSum += rtt
			rttN++
		}
	}
	if rttN > 0 {
		avgRTT = rttSum / time.Duration(rttN)
	}
	return healthy, avgRTT
}

func (f *Fabric) queueOverview() QueueOverview {
	var o QueueOverview
	o.Users = f.mailboxes.Len()
	f.mailboxes.Range(func(_ string, q *queue.Queue) bool {
		s := q.Snapshot()
		o.Priority += s.Priority
		o.Normal += s.Normal
		o.FailedRetry += s.FailedRetry
		o.InFlight += s.InFlight
		o.Dropped += s.Dropped + s.DroppedStale
		o.Dead += s.Dead
		o.Delivered += s.Delivered
		return true
	})
	return o
}
