package service

import (
	"time"

	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
	"github.com/relaygrid/session-fabric/internal/domain/reconnect"
)

// Config carries every knob the fabric itself acts on. The outer config
// package maps file/env/flag input onto this struct; defaults here keep
// zero-value construction usable in tests.
type Config struct {
	// ServerVersion is echoed in the connected acknowledgement.
	ServerVersion string

	// MaxConnsPerUser caps concurrent sessions per user; excess connects are
	// rejected before registration.
	MaxConnsPerUser int
	// MaxConns caps total sessions on this node.
	MaxConns int
	// IdleTimeout disconnects sessions with no inbound traffic at all for
	// this long. Heartbeat pongs count as traffic.
	IdleTimeout time.Duration

	// PriorityThreshold routes envelopes at or above it directly to the
	// socket, bypassing the user queue.
	PriorityThreshold envelope.Priority
	// FlushTimeout bounds one transport write.
	FlushTimeout time.Duration

	// Queue shapes each per-user mailbox.
	Queue queue.Options
	// Reconnect shapes the resume ledger.
	Reconnect reconnect.Options

	// DrainTimeout bounds the shutdown drain phase.
	DrainTimeout time.Duration
	// ForceCloseTimeout bounds the entire shutdown after drain begins.
	ForceCloseTimeout time.Duration
	// SkipShutdownNotice suppresses the server_shutdown broadcast before
	// draining. The zero value notifies, matching notify_clients' default.
	SkipShutdownNotice bool

	// SweepInterval paces the ghost/idle/ledger janitor.
	SweepInterval time.Duration
	// GhostAfter is how long a record may sit in CLOSING before the janitor
	// treats it as a ghost.
	GhostAfter time.Duration
	// StaleAfter is the pong freshness window used by the health score.
	StaleAfter time.Duration

	// Codec shapes outbound chunked transfers: thresholds plus the default
	// compression for connections that negotiated nothing.
	Codec codec.Options
}

func (c Config) withDefaults() Config {
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
	if c.MaxConnsPerUser <= 0 {
		c.MaxConnsPerUser = 5
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.PriorityThreshold <= 0 {
		c.PriorityThreshold = envelope.PriorityHigh
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ForceCloseTimeout <= 0 {
		c.ForceCloseTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.GhostAfter <= 0 {
		c.GhostAfter = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	return c
}
