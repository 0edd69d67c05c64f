package reconnect

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() Snapshot {
	return Snapshot{
		ConnectedAt: time.Unix(1000, 0),
		Sent:        42,
		Received:    17,
		Errors:      1,
		Rooms:       []string{"ops", "dev"},
	}
}

func TestAttemptInsideWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{Window: 5 * time.Minute}, clock)

	token := l.Prepare("alice", "conn-1", testSnapshot())
	require.NotEmpty(t, token)

	clock.Advance(4 * time.Minute)
	e, err := l.Attempt(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "conn-1", e.OriginalConnID)
	assert.Equal(t, uint64(42), e.Snapshot.Sent)
	assert.Equal(t, []string{"ops", "dev"}, e.Snapshot.Rooms)
	assert.Equal(t, 1, e.Attempts)

	assert.True(t, l.Consume(token))
	assert.False(t, l.Consume(token), "consume is single-shot")
	_, err = l.Attempt(token)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestAttemptAfterWindowExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{Window: 5 * time.Minute}, clock)

	token := l.Prepare("alice", "conn-1", testSnapshot())
	clock.Advance(6 * time.Minute)

	_, err := l.Attempt(token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Zero(t, l.Pending(), "expired entry dropped on sight")
}

func TestAttemptBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{Window: 5 * time.Minute, MaxAttempts: 2}, clock)

	token := l.Prepare("alice", "conn-1", testSnapshot())

	_, err := l.Attempt(token)
	require.NoError(t, err)
	_, err = l.Attempt(token)
	require.NoError(t, err)

	_, err = l.Attempt(token)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Zero(t, l.Pending(), "exhausted entry is removed")
}

func TestUnknownToken(t *testing.T) {
	l := New(Options{}, clockwork.NewFakeClock())
	_, err := l.Attempt("never-issued")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestEntryCopiesAreDetached(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{}, clock)

	rooms := []string{"ops"}
	token := l.Prepare("alice", "conn-1", Snapshot{Rooms: rooms})
	rooms[0] = "mutated"

	e, err := l.Attempt(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, e.Snapshot.Rooms, "prepare copied the slice")

	e.Snapshot.Rooms[0] = "mutated-too"
	e2, err := l.Attempt(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, e2.Snapshot.Rooms, "attempt returns a detached copy")
}

func TestDiscardUser(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{}, clock)

	t1 := l.Prepare("alice", "conn-1", testSnapshot())
	t2 := l.Prepare("alice", "conn-2", testSnapshot())
	t3 := l.Prepare("bob", "conn-3", testSnapshot())

	assert.Equal(t, 2, l.DiscardUser("alice"))
	_, err := l.Attempt(t1)
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = l.Attempt(t2)
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = l.Attempt(t3)
	assert.NoError(t, err, "other users untouched")
}

func TestSweepCollectsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{Window: time.Minute}, clock)

	l.Prepare("old-1", "c1", testSnapshot())
	l.Prepare("old-2", "c2", testSnapshot())
	clock.Advance(2 * time.Minute)
	fresh := l.Prepare("fresh", "c3", testSnapshot())

	expired := l.Sweep()
	assert.Len(t, expired, 2)
	assert.Equal(t, 1, l.Pending())

	_, err := l.Attempt(fresh)
	assert.NoError(t, err)
}

func TestEvictionAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Options{MaxEntries: 3}, clock)

	first := l.Prepare("u0", "c0", testSnapshot())
	var last string
	for i := 1; i < 4; i++ {
		clock.Advance(time.Second)
		last = l.Prepare(fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i), testSnapshot())
	}

	assert.Equal(t, 3, l.Pending())
	_, err := l.Attempt(first)
	assert.ErrorIs(t, err, ErrUnknownToken, "oldest entry paid for the newest")
	_, err = l.Attempt(last)
	assert.NoError(t, err)
}
