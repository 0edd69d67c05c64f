// Package reconnect remembers sessions that dropped uncleanly so a returning
// client can pick up where it left off. Each drop yields a single-use token;
// an entry lives for the reconnect window and a bounded number of resume
// attempts, then the sweep surrenders it.
package reconnect

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrUnknownToken means the token never existed or was already consumed.
	ErrUnknownToken = errors.New("reconnect: unknown token")
	// ErrExpired means the entry outlived the reconnect window.
	ErrExpired = errors.New("reconnect: window elapsed")
	// ErrBudgetExhausted means too many resume attempts were made.
	ErrBudgetExhausted = errors.New("reconnect: attempt budget exhausted")
)

// Snapshot is the session context preserved across an unclean drop.
type Snapshot struct {
	ConnectedAt time.Time
	Sent        uint64
	Received    uint64
	Errors      uint64
	Rooms       []string
}

// Entry is one resumable session, keyed by its token.
type Entry struct {
	Token          string
	UserID         string
	OriginalConnID string
	Snapshot       Snapshot
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Attempts       int
}

// Options bounds the ledger. Zero values fall back to defaults.
type Options struct {
	// Window is how long a dropped session stays resumable.
	Window time.Duration
	// MaxAttempts bounds resume tries per token.
	MaxAttempts int
	// MaxEntries caps ledger size; the oldest entry is evicted on overflow.
	MaxEntries int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10_000
	}
	return o
}

// Ledger holds resumable sessions keyed by token. All methods are safe for
// concurrent use.
type Ledger struct {
	opts  Options
	clock clockwork.Clock

	mu      sync.Mutex
	byToken map[string]*Entry
}

// New builds a ledger.
func New(opts Options, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		opts:    opts.withDefaults(),
		clock:   clock,
		byToken: make(map[string]*Entry),
	}
}

// Window returns the configured resume window.
func (l *Ledger) Window() time.Duration { return l.opts.Window }

// Prepare parks a dropped session and returns a freshly minted resume token.
func (l *Ledger) Prepare(userID, connID string, snap Snapshot) string {
	token := uuid.NewString()
	l.PrepareToken(token, userID, connID, snap)
	return token
}

// PrepareToken parks a dropped session under a caller-chosen token. Used when
// the token was handed to the client at connect time, before the drop that
// makes it relevant. Rooms in the snapshot are copied so the caller may
// recycle its slice.
func (l *Ledger) PrepareToken(token, userID, connID string, snap Snapshot) {
	now := l.clock.Now()
	rooms := make([]string, len(snap.Rooms))
	copy(rooms, snap.Rooms)
	snap.Rooms = rooms

	entry := &Entry{
		Token:          token,
		UserID:         userID,
		OriginalConnID: connID,
		Snapshot:       snap,
		CreatedAt:      now,
		ExpiresAt:      now.Add(l.opts.Window),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byToken[token]; !ok && len(l.byToken) >= l.opts.MaxEntries {
		l.evictOldestLocked()
	}
	l.byToken[token] = entry
}

// evictOldestLocked makes room by dropping the entry closest to expiry.
func (l *Ledger) evictOldestLocked() {
	var oldestToken string
	var oldestAt time.Time
	for token, e := range l.byToken {
		if oldestToken == "" || e.CreatedAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = e.CreatedAt
		}
	}
	delete(l.byToken, oldestToken)
}

// Attempt charges one resume try against the token and returns a copy of the
// entry when it is still viable. The entry survives a successful Attempt so
// the caller can retry admission failures; call Consume once the session is
// actually resumed.
func (l *Ledger) Attempt(token string) (*Entry, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byToken[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	if now.After(e.ExpiresAt) {
		delete(l.byToken, token)
		return nil, ErrExpired
	}
	e.Attempts++
	if e.Attempts > l.opts.MaxAttempts {
		delete(l.byToken, token)
		return nil, ErrBudgetExhausted
	}

	cp := *e
	cp.Snapshot.Rooms = append([]string(nil), e.Snapshot.Rooms...)
	return &cp, nil
}

// Consume removes the entry after a successful resume, making the token
// single-use. Returns false when the token was already gone.
func (l *Ledger) Consume(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byToken[token]; !ok {
		return false
	}
	delete(l.byToken, token)
	return true
}

// HasUser reports whether any unexpired session is parked for the user.
func (l *Ledger) HasUser(userID string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.byToken {
		if e.UserID == userID && e.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// DiscardUser drops every parked session of one user, used when a clean
// disconnect supersedes earlier unclean ones.
func (l *Ledger) DiscardUser(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for token, e := range l.byToken {
		if e.UserID == userID {
			delete(l.byToken, token)
			n++
		}
	}
	return n
}

// Sweep removes and returns every expired entry. The caller tears down
// whatever state was parked for those sessions.
func (l *Ledger) Sweep() []*Entry {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []*Entry
	for token, e := range l.byToken {
		if now.After(e.ExpiresAt) {
			delete(l.byToken, token)
			expired = append(expired, e)
		}
	}
	return expired
}

// Pending returns the number of parked sessions.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byToken)
}
