// Package metrics exports the fabric's reporting snapshot to Prometheus.
// One collector reads Stats() at scrape time; nothing in the hot path
// touches a Prometheus primitive.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaygrid/session-fabric/internal/service"
)

// StatsSource yields the snapshot the collector translates. The fabric
// manager satisfies it; tests substitute a stub.
type StatsSource interface {
	Stats() service.StatsSnapshot
}

// Interface guard
var _ prometheus.Collector = (*Collector)(nil)

// Collector maps one StatsSnapshot onto const metrics per scrape.
type Collector struct {
	source StatsSource

	connsActive     *prometheus.Desc
	connsPeak       *prometheus.Desc
	connsTotal      *prometheus.Desc
	disconnects     *prometheus.Desc
	users           *prometheus.Desc
	rooms           *prometheus.Desc
	healthScore     *prometheus.Desc
	avgRTT          *prometheus.Desc
	messagesSent    *prometheus.Desc
	messagesRecv    *prometheus.Desc
	sendErrors      *prometheus.Desc
	broadcasts      *prometheus.Desc
	rateLimited     *prometheus.Desc
	validationDrops *prometheus.Desc
	fallbacks       *prometheus.Desc
	zombies         *prometheus.Desc
	resumed         *prometheus.Desc
	messagesLost    *prometheus.Desc
	queueDepth      *prometheus.Desc
	queueInFlight   *prometheus.Desc
	queueDropped    *prometheus.Desc
	heartbeats      *prometheus.Desc
	pongMisses      *prometheus.Desc
	pendingResumes  *prometheus.Desc
	pendingChunks   *prometheus.Desc
	draining        *prometheus.Desc
}

func NewCollector(source StatsSource) *Collector {
	ns := "fabric"
	return &Collector{
		source: source,

		connsActive: prometheus.NewDesc(ns+"_connections_active",
			"Connections currently registered.", nil, nil),
		connsPeak: prometheus.NewDesc(ns+"_connections_peak",
			"Highest concurrent connection count since start.", nil, nil),
		connsTotal: prometheus.NewDesc(ns+"_connections_total",
			"Connections accepted since start.", nil, nil),
		disconnects: prometheus.NewDesc(ns+"_disconnects_total",
			"Connections torn down since start.", nil, nil),
		users: prometheus.NewDesc(ns+"_users_active",
			"Distinct users with at least one connection.", nil, nil),
		rooms: prometheus.NewDesc(ns+"_rooms_active",
			"Rooms with at least one member.", nil, nil),
		healthScore: prometheus.NewDesc(ns+"_health_score",
			"Composite fleet health in [0,1].", nil, nil),
		avgRTT: prometheus.NewDesc(ns+"_heartbeat_rtt_seconds",
			"Mean smoothed heartbeat round-trip across connections.", nil, nil),
		messagesSent: prometheus.NewDesc(ns+"_messages_sent_total",
			"Frames delivered to clients.", nil, nil),
		messagesRecv: prometheus.NewDesc(ns+"_messages_received_total",
			"Frames accepted from clients.", nil, nil),
		sendErrors: prometheus.NewDesc(ns+"_send_errors_total",
			"Frame writes that failed.", nil, nil),
		broadcasts: prometheus.NewDesc(ns+"_broadcast_deliveries_total",
			"Per-recipient broadcast outcomes.", []string{"outcome"}, nil),
		rateLimited: prometheus.NewDesc(ns+"_rate_limited_total",
			"Inbound frames dropped by the rate limiter.", nil, nil),
		validationDrops: prometheus.NewDesc(ns+"_validation_rejects_total",
			"Inbound frames rejected by validation.", nil, nil),
		fallbacks: prometheus.NewDesc(ns+"_unknown_type_fallbacks_total",
			"Unknown-type frames rewritten in lenient mode.", nil, nil),
		zombies: prometheus.NewDesc(ns+"_zombies_detected_total",
			"Connections declared dead by the heartbeat supervisor.", nil, nil),
		resumed: prometheus.NewDesc(ns+"_sessions_resumed_total",
			"Sessions re-established through the reconnection ledger.", nil, nil),
		messagesLost: prometheus.NewDesc(ns+"_messages_lost_total",
			"Queued envelopes dropped by overflow or pruning.", nil, nil),
		queueDepth: prometheus.NewDesc(ns+"_queue_depth",
			"Envelopes waiting across user mailboxes.", []string{"queue"}, nil),
		queueInFlight: prometheus.NewDesc(ns+"_queue_in_flight",
			"Envelopes held in transactional send slots.", nil, nil),
		queueDropped: prometheus.NewDesc(ns+"_queue_dropped_total",
			"Envelopes dropped by mailbox overflow.", nil, nil),
		heartbeats: prometheus.NewDesc(ns+"_heartbeats_total",
			"Heartbeat frames by direction.", []string{"direction"}, nil),
		pongMisses: prometheus.NewDesc(ns+"_heartbeat_misses_total",
			"Ping rounds that lapsed without a pong.", nil, nil),
		pendingResumes: prometheus.NewDesc(ns+"_pending_resumes",
			"Open reconnection windows.", nil, nil),
		pendingChunks: prometheus.NewDesc(ns+"_pending_transfers",
			"Chunked inbound transfers awaiting reassembly.", nil, nil),
		draining: prometheus.NewDesc(ns+"_draining",
			"1 while the shutdown coordinator is running.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.connsActive, float64(s.Active))
	gauge(c.connsPeak, float64(s.Totals.Peak))
	counter(c.connsTotal, float64(s.Totals.Connects))
	counter(c.disconnects, float64(s.Totals.Disconnects))
	gauge(c.users, float64(s.Users))
	gauge(c.rooms, float64(s.Rooms))
	gauge(c.healthScore, s.HealthScore)
	gauge(c.avgRTT, s.AvgRTT.Seconds())

	counter(c.messagesSent, float64(s.Totals.Sent))
	counter(c.messagesRecv, float64(s.Totals.Received))
	counter(c.sendErrors, float64(s.Totals.SendErrors))
	counter(c.broadcasts, float64(s.Totals.BroadcastOK), "ok")
	counter(c.broadcasts, float64(s.Totals.BroadcastFailed), "failed")
	counter(c.rateLimited, float64(s.Totals.RateLimited))
	counter(c.validationDrops, float64(s.Totals.ValidationRejects))
	counter(c.fallbacks, float64(s.Totals.Fallbacks))
	counter(c.zombies, float64(s.Totals.Zombies))
	counter(c.resumed, float64(s.Totals.Resumed))
	counter(c.messagesLost, float64(s.Totals.MessagesLost))

	gauge(c.queueDepth, float64(s.Queues.Priority), "priority")
	gauge(c.queueDepth, float64(s.Queues.Normal), "normal")
	gauge(c.queueDepth, float64(s.Queues.FailedRetry), "failed_retry")
	gauge(c.queueInFlight, float64(s.Queues.InFlight))
	counter(c.queueDropped, float64(s.Queues.Dropped))

	counter(c.heartbeats, float64(s.Heartbeat.Pings), "sent")
	counter(c.heartbeats, float64(s.Heartbeat.Pongs), "received")
	counter(c.pongMisses, float64(s.Heartbeat.Misses))

	gauge(c.pendingResumes, float64(s.PendingResumes))
	gauge(c.pendingChunks, float64(s.PendingTransfers))

	drain := 0.0
	if s.Draining {
		drain = 1
	}
	gauge(c.draining, drain)
}
