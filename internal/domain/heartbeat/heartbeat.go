/*
Package heartbeat keeps every connection provably alive. One supervisor task
sweeps the registry, sends application-level ping frames on each connection's
own cadence and stages the ones that stop answering as zombies.

The cadence adapts per connection from the smoothed round trip: a slow link
backs off, a fast link is probed more often, a miss probes again sooner. The
ceiling is additionally clamped so that a connection that dies right after
its last pong is still declared a zombie within the configured deadline:

	MaxInterval + Sweep + MissLimit*(PongTimeout+Sweep) <= ZombieAfter

Zombies are not torn down immediately: they sit in a grace set so a late
pong burst still shows up in the stale counters, then the reaper closes them.
*/
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
)

// Config tunes the supervisor. Zero values fall back to defaults and the
// interval ceiling is clamped against the zombie deadline.
type Config struct {
	// BaseInterval is the starting ping cadence for a new connection.
	BaseInterval time.Duration
	// MinInterval is the cadence floor.
	MinInterval time.Duration
	// MaxInterval is the cadence ceiling before the detection clamp.
	MaxInterval time.Duration
	// PongTimeout is how long a ping may remain unanswered before it counts
	// as a miss.
	PongTimeout time.Duration
	// MissLimit is how many consecutive misses make a zombie.
	MissLimit int
	// Sweep is the supervisor's scan resolution.
	Sweep time.Duration
	// ZombieAfter is the hard detection deadline for a dead connection.
	ZombieAfter time.Duration
	// Grace is how long a detected zombie sits in the grace set before the
	// reaper closes it.
	Grace time.Duration
	// FastRTT and SlowRTT are the smoothed-RTT thresholds steering the
	// adaptive cadence.
	FastRTT time.Duration
	SlowRTT time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 10 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Minute
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MissLimit <= 0 {
		c.MissLimit = 2
	}
	if c.Sweep <= 0 {
		c.Sweep = 5 * time.Second
	}
	if c.ZombieAfter <= 0 {
		c.ZombieAfter = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.FastRTT <= 0 {
		c.FastRTT = 50 * time.Millisecond
	}
	if c.SlowRTT <= 0 {
		c.SlowRTT = time.Second
	}

	// Clamp the ceiling so the detection bound holds even for a connection
	// that earned the longest cadence.
	budget := c.ZombieAfter - c.Sweep - time.Duration(c.MissLimit)*(c.PongTimeout+c.Sweep)
	if budget < c.MinInterval {
		budget = c.MinInterval
	}
	if c.MaxInterval > budget {
		c.MaxInterval = budget
	}
	if c.BaseInterval > c.MaxInterval {
		c.BaseInterval = c.MaxInterval
	}
	if c.MinInterval > c.MaxInterval {
		c.MinInterval = c.MaxInterval
	}
	return c
}

// Pinger delivers a ping frame to one connection. Implemented by the sender
// so pings flow through the same write discipline as any other frame.
type Pinger interface {
	SendPing(rec *conn.Record, seq uint64, interval time.Duration) error
}

// Reaper tears down a zombie once its grace period expired. Implemented by
// the fabric's disconnect path.
type Reaper interface {
	ReapZombie(rec *conn.Record, misses int, lastSeen time.Time)
}

// Source yields the live connection set each sweep.
type Source interface {
	Snapshot() []*conn.Record
}

// Counters are the supervisor's lifetime totals.
type Counters struct {
	Pings      uint64 `json:"pings"`
	Pongs      uint64 `json:"pongs"`
	StalePongs uint64 `json:"stale_pongs"`
	Misses     uint64 `json:"misses"`
	Zombies    uint64 `json:"zombies"`
	Reaped     uint64 `json:"reaped"`
}

// Metrics is the per-connection probe view exposed to stats surfaces.
type Metrics struct {
	Interval time.Duration   `json:"interval"`
	Sent     uint64          `json:"sent"`
	Received uint64          `json:"received"`
	Missed   uint64          `json:"missed"`
	AvgRTT   time.Duration   `json:"avg_rtt"`
	History  []time.Duration `json:"-"`
}

// ZombieInfo describes one staged zombie awaiting its reap.
type ZombieInfo struct {
	ConnID   string    `json:"conn_id"`
	UserID   string    `json:"user_id"`
	Misses   int       `json:"misses"`
	LastSeen time.Time `json:"last_seen"`
	ReapAt   time.Time `json:"reap_at"`
}

const rttHistoryCap = 32

type probe struct {
	interval    time.Duration
	lastContact time.Time
	pingAt      time.Time
	awaiting    uint64
	misses      int
	rtt         time.Duration
	history     []time.Duration

	sent     uint64
	received uint64
	missed   uint64
}

type zombie struct {
	rec      *conn.Record
	misses   int
	lastSeen time.Time
	reapAt   time.Time
}

// Supervisor drives heartbeats for every registered connection.
type Supervisor struct {
	cfg    Config
	clock  clockwork.Clock
	log    *slog.Logger
	source Source
	pinger Pinger
	reaper Reaper

	mu      sync.Mutex
	probes  map[string]*probe
	zombies map[string]*zombie

	counters struct {
		sync.Mutex
		Counters
	}
}

// New builds a supervisor; Run must be started for sweeps to happen.
func New(cfg Config, clock clockwork.Clock, log *slog.Logger, source Source, pinger Pinger, reaper Reaper) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		log:     log,
		source:  source,
		pinger:  pinger,
		reaper:  reaper,
		probes:  make(map[string]*probe),
		zombies: make(map[string]*zombie),
	}
}

// Config returns the normalised configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Run sweeps until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Sweep)
	defer ticker.Stop()

	s.log.Info("HEARTBEAT_SUPERVISOR_STARTED",
		slog.Duration("sweep", s.cfg.Sweep),
		slog.Duration("base_interval", s.cfg.BaseInterval),
		slog.Duration("max_interval", s.cfg.MaxInterval),
		slog.Duration("zombie_after", s.cfg.ZombieAfter),
		slog.Duration("zombie_grace", s.cfg.Grace),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("HEARTBEAT_SUPERVISOR_STOPPED")
			return
		case <-ticker.Chan():
			s.SweepOnce()
		}
	}
}

// SweepOnce runs one scan over the registry snapshot plus the zombie grace
// set. Exported so tests and the shutdown path can drive it
// deterministically.
func (s *Supervisor) SweepOnce() {
	now := s.clock.Now()

	for _, rec := range s.source.Snapshot() {
		if s.isZombie(rec.ID) {
			continue
		}
		if !rec.State().Writable() {
			s.Forget(rec.ID)
			continue
		}
		s.probeConn(rec, now)
	}
	s.reapDue(now)
}

func (s *Supervisor) probeConn(rec *conn.Record, now time.Time) {
	s.mu.Lock()
	p, ok := s.probes[rec.ID]
	if !ok {
		p = &probe{interval: s.cfg.BaseInterval, lastContact: now}
		s.probes[rec.ID] = p
	}

	// A connection that went fully silent is a zombie no matter where its
	// miss streak stands.
	if now.Sub(p.lastContact) >= s.cfg.ZombieAfter {
		misses := p.misses
		s.mu.Unlock()
		s.stageZombie(rec, misses, now)
		return
	}

	if p.awaiting != 0 && now.Sub(p.pingAt) >= s.cfg.PongTimeout {
		// Missed pong. Probe again sooner; enough consecutive misses and
		// the connection is a zombie.
		p.awaiting = 0
		p.misses++
		p.missed++
		p.interval = clampInterval(p.interval*7/10, s.cfg.MinInterval, s.cfg.MaxInterval)
		misses := p.misses
		s.mu.Unlock()

		s.addMiss()
		rec.MissPong()
		s.log.Warn("HEARTBEAT_MISSED",
			slog.String("conn_id", rec.ID),
			slog.String("user_id", rec.UserID),
			slog.Int("misses", misses),
		)
		if misses >= s.cfg.MissLimit {
			s.stageZombie(rec, misses, now)
			return
		}
		s.ping(rec, p, now)
		return
	}

	if p.awaiting == 0 && now.Sub(p.lastContact) >= p.interval {
		s.mu.Unlock()
		s.ping(rec, p, now)
		return
	}
	s.mu.Unlock()
}

func (s *Supervisor) ping(rec *conn.Record, p *probe, now time.Time) {
	seq := rec.NextPingSeq()

	s.mu.Lock()
	p.awaiting = seq
	p.pingAt = now
	interval := p.interval
	s.mu.Unlock()

	if err := s.pinger.SendPing(rec, seq, interval); err != nil {
		// No pong is coming for a failed write; the miss path picks the
		// connection up after the pong timeout.
		s.log.Debug("HEARTBEAT_PING_FAILED",
			slog.String("conn_id", rec.ID),
			slog.Any("error", err),
		)
		return
	}
	rec.TouchPing(now)
	s.mu.Lock()
	p.sent++
	s.mu.Unlock()
	s.addPing()
}

// stageZombie moves the record to the zombie state and parks it in the grace
// set. The reaper is called only after the grace period so operators get a
// window where the zombie is observable in stats.
func (s *Supervisor) stageZombie(rec *conn.Record, misses int, now time.Time) {
	if err := rec.Transition(conn.StateZombie); err != nil {
		// Lost the race against a regular close; nothing left to reap.
		s.Forget(rec.ID)
		return
	}

	s.mu.Lock()
	p := s.probes[rec.ID]
	lastSeen := now
	if p != nil {
		lastSeen = p.lastContact
	}
	delete(s.probes, rec.ID)
	z := &zombie{rec: rec, misses: misses, lastSeen: lastSeen, reapAt: now.Add(s.cfg.Grace)}
	s.zombies[rec.ID] = z
	s.mu.Unlock()

	s.addZombie()
	s.log.Warn("ZOMBIE_CONNECTION_DETECTED",
		slog.String("conn_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.Int("misses", misses),
		slog.Time("last_seen", lastSeen),
		slog.Time("reap_at", z.reapAt),
	)
}

func (s *Supervisor) reapDue(now time.Time) {
	s.mu.Lock()
	var due []*zombie
	for id, z := range s.zombies {
		if !now.Before(z.reapAt) {
			due = append(due, z)
			delete(s.zombies, id)
		}
	}
	s.mu.Unlock()

	for _, z := range due {
		s.addReaped()
		s.log.Warn("ZOMBIE_CONNECTION_REAPED",
			slog.String("conn_id", z.rec.ID),
			slog.String("user_id", z.rec.UserID),
			slog.Int("misses", z.misses),
			slog.Time("last_seen", z.lastSeen),
		)
		s.reaper.ReapZombie(z.rec, z.misses, z.lastSeen)
	}
}

// HandlePong folds a client pong back into the probe state and adapts the
// cadence from the smoothed round trip. Pongs for unknown or superseded
// sequence numbers are counted and ignored; a zombie stays a zombie.
func (s *Supervisor) HandlePong(rec *conn.Record, seq uint64) {
	now := s.clock.Now()

	s.mu.Lock()
	p, ok := s.probes[rec.ID]
	if !ok || p.awaiting == 0 || seq != p.awaiting {
		s.mu.Unlock()
		s.addStale()
		return
	}

	sample := now.Sub(p.pingAt)
	p.awaiting = 0
	p.misses = 0
	p.received++
	p.lastContact = now

	if p.rtt == 0 {
		p.rtt = sample
	} else {
		p.rtt = (3*sample + 7*p.rtt) / 10
	}
	p.history = append(p.history, sample)
	if len(p.history) > rttHistoryCap {
		p.history = p.history[1:]
	}

	switch {
	case p.rtt > s.cfg.SlowRTT:
		p.interval = clampInterval(p.interval*3/2, s.cfg.MinInterval, s.cfg.MaxInterval)
	case p.rtt < s.cfg.FastRTT:
		p.interval = clampInterval(p.interval*8/10, s.cfg.MinInterval, s.cfg.MaxInterval)
	}
	s.mu.Unlock()

	rec.TouchPong(now)
	rec.ObserveRTT(sample)
	s.addPong()
}

// IntervalOf reports the adaptive cadence for one connection; used by stats
// and tests.
func (s *Supervisor) IntervalOf(connID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.probes[connID]
	if !ok {
		return 0, false
	}
	return p.interval, true
}

// MetricsOf returns the probe view for one connection.
func (s *Supervisor) MetricsOf(connID string) (Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.probes[connID]
	if !ok {
		return Metrics{}, false
	}
	hist := make([]time.Duration, len(p.history))
	copy(hist, p.history)
	return Metrics{
		Interval: p.interval,
		Sent:     p.sent,
		Received: p.received,
		Missed:   p.missed,
		AvgRTT:   p.rtt,
		History:  hist,
	}, true
}

// Zombies lists the staged zombies awaiting their reap.
func (s *Supervisor) Zombies() []ZombieInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ZombieInfo, 0, len(s.zombies))
	for _, z := range s.zombies {
		out = append(out, ZombieInfo{
			ConnID:   z.rec.ID,
			UserID:   z.rec.UserID,
			Misses:   z.misses,
			LastSeen: z.lastSeen,
			ReapAt:   z.reapAt,
		})
	}
	return out
}

func (s *Supervisor) isZombie(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.zombies[connID]
	return ok
}

// Forget drops probe and zombie state for a connection that unregistered.
func (s *Supervisor) Forget(connID string) {
	s.mu.Lock()
	delete(s.probes, connID)
	delete(s.zombies, connID)
	s.mu.Unlock()
}

// Tracked returns how many connections have probe state.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.probes)
}

// Totals returns lifetime counters.
func (s *Supervisor) Totals() Counters {
	s.counters.Lock()
	defer s.counters.Unlock()
	return s.counters.Counters
}

func (s *Supervisor) addPing()   { s.counters.Lock(); s.counters.Pings++; s.counters.Unlock() }
func (s *Supervisor) addPong()   { s.counters.Lock(); s.counters.Pongs++; s.counters.Unlock() }
func (s *Supervisor) addStale()  { s.counters.Lock(); s.counters.StalePongs++; s.counters.Unlock() }
func (s *Supervisor) addMiss()   { s.counters.Lock(); s.counters.Misses++; s.counters.Unlock() }
func (s *Supervisor) addZombie() { s.counters.Lock(); s.counters.Zombies++; s.counters.Unlock() }
func (s *Supervisor) addReaped() { s.counters.Lock(); s.counters.Reaped++; s.counters.Unlock() }

func clampInterval(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
