package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

func testQueue(opts Options) (*Queue, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New("alice", clock, opts), clock
}

func normalMsg(text string) *envelope.Envelope {
	return envelope.New("agent_message", map[string]any{"text": text})
}

func priorityMsg(text string) *envelope.Envelope {
	return envelope.New("error", map[string]any{"text": text}).WithPriority(envelope.PriorityHigh)
}

func TestDequeueOrderPriorityFirst(t *testing.T) {
	q, _ := testQueue(Options{})

	require.NoError(t, q.Enqueue(normalMsg("n1")))
	require.NoError(t, q.Enqueue(priorityMsg("p1")))
	require.NoError(t, q.Enqueue(normalMsg("n2")))
	require.NoError(t, q.Enqueue(priorityMsg("p2")))

	var got []string
	for {
		tx := q.DequeueTx()
		if tx == nil {
			break
		}
		got = append(got, tx.Env().Payload.(map[string]any)["text"].(string))
		tx.Ack()
	}
	assert.Equal(t, []string{"p1", "p2", "n1", "n2"}, got)
}

func TestSingleInFlight(t *testing.T) {
	q, _ := testQueue(Options{})
	require.NoError(t, q.Enqueue(normalMsg("a")))
	require.NoError(t, q.Enqueue(normalMsg("b")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	assert.Nil(t, q.DequeueTx(), "second dequeue blocked while one is in flight")

	tx.Ack()
	assert.NotNil(t, q.DequeueTx())
}

func TestRevertGoesToFailedHeadWithBackoff(t *testing.T) {
	q, clock := testQueue(Options{BaseBackoff: time.Second, MaxBackoff: time.Minute})

	require.NoError(t, q.Enqueue(normalMsg("flaky")))
	tx := q.DequeueTx()
	require.NotNil(t, tx)
	tx.Revert(errors.New("broken pipe"))

	s := q.Snapshot()
	assert.Equal(t, 1, s.FailedRetry)
	assert.Zero(t, s.InFlight)

	// Not eligible until the backoff elapses.
	assert.Nil(t, q.DequeueTx())
	wait, ok := q.NextRetryIn()
	require.True(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	tx = q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, 1, tx.Item().Attempts)
	assert.Equal(t, TierFailedRetry, tx.Item().Tier)
	assert.Equal(t, "broken pipe", tx.Item().LastError)
	tx.Ack()
}

func TestFailedServicedOnlyWhenOthersEmpty(t *testing.T) {
	q, clock := testQueue(Options{BaseBackoff: time.Millisecond})

	require.NoError(t, q.Enqueue(normalMsg("will-fail")))
	q.DequeueTx().Revert(errors.New("reset"))
	clock.Advance(time.Second)

	require.NoError(t, q.Enqueue(normalMsg("fresh")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, TierNormal, tx.Item().Tier, "fresh normal traffic outranks retries")
	tx.Ack()

	tx = q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, TierFailedRetry, tx.Item().Tier)
	tx.Ack()
}

func TestExponentialBackoffDoubles(t *testing.T) {
	q, clock := testQueue(Options{BaseBackoff: time.Second, MaxBackoff: time.Minute, MaxAttempts: 10})
	require.NoError(t, q.Enqueue(normalMsg("x")))

	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for _, want := range expect {
		clock.Advance(time.Hour)
		tx := q.DequeueTx()
		require.NotNil(t, tx)
		tx.Revert(errors.New("transient"))
		wait, ok := q.NextRetryIn()
		require.True(t, ok)
		assert.Equal(t, want, wait)
	}
}

func TestDeadAfterMaxAttempts(t *testing.T) {
	q, clock := testQueue(Options{BaseBackoff: time.Millisecond, MaxAttempts: 2})
	require.NoError(t, q.Enqueue(normalMsg("doomed")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	tx.Revert(errors.New("e1"))

	clock.Advance(time.Second)
	tx = q.DequeueTx()
	require.NotNil(t, tx)
	tx.Revert(errors.New("e2"))

	assert.Zero(t, q.Len(), "message gave up after max attempts")
	assert.Equal(t, uint64(1), q.Snapshot().Dead)
}

func TestPriorityTierEvictsOldestWhenFull(t *testing.T) {
	q, _ := testQueue(Options{PriorityCap: 2})

	require.NoError(t, q.Enqueue(priorityMsg("p1")))
	require.NoError(t, q.Enqueue(priorityMsg("p2")))
	require.NoError(t, q.Enqueue(priorityMsg("p3")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, "p2", tx.Env().Payload.(map[string]any)["text"])
	assert.Equal(t, uint64(1), q.Snapshot().Dropped)
	tx.Ack()
}

func TestNormalTierDropsOldestWhenFull(t *testing.T) {
	q, _ := testQueue(Options{NormalCap: 2})

	require.NoError(t, q.Enqueue(normalMsg("n1")))
	require.NoError(t, q.Enqueue(normalMsg("n2")))
	require.NoError(t, q.Enqueue(normalMsg("n3")))

	assert.Equal(t, uint64(1), q.Snapshot().Dropped)

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, "n2", tx.Env().Payload.(map[string]any)["text"], "oldest was sacrificed")
	tx.Ack()
}

func TestFullPriorityTierSacrificesNormalFirst(t *testing.T) {
	q, _ := testQueue(Options{PriorityCap: 1, NormalCap: 4})

	require.NoError(t, q.Enqueue(normalMsg("n1")))
	require.NoError(t, q.Enqueue(normalMsg("n2")))
	require.NoError(t, q.Enqueue(priorityMsg("p1")))
	require.NoError(t, q.Enqueue(priorityMsg("p2")))

	s := q.Snapshot()
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, 2, s.Priority, "both system frames kept")
	assert.Equal(t, 1, s.Normal, "a normal item paid for the second one")

	var got []string
	for {
		tx := q.DequeueTx()
		if tx == nil {
			break
		}
		got = append(got, tx.Env().Payload.(map[string]any)["text"].(string))
		tx.Ack()
	}
	assert.Equal(t, []string{"p1", "p2", "n2"}, got)
}

func TestStaleMessagesDropped(t *testing.T) {
	q, clock := testQueue(Options{MaxAge: time.Minute})

	require.NoError(t, q.Enqueue(normalMsg("old")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, q.Enqueue(normalMsg("new")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	assert.Equal(t, "new", tx.Env().Payload.(map[string]any)["text"])
	assert.Equal(t, uint64(1), q.Snapshot().DroppedStale)
	tx.Ack()
}

func TestDrainReturnsEverythingInOrder(t *testing.T) {
	q, _ := testQueue(Options{})

	require.NoError(t, q.Enqueue(normalMsg("n1")))
	require.NoError(t, q.Enqueue(priorityMsg("p1")))
	tx := q.DequeueTx() // claims p1
	require.NotNil(t, tx)
	require.NoError(t, q.Enqueue(normalMsg("n2")))

	items := q.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, "p1", items[0].Env.Payload.(map[string]any)["text"], "in-flight item drains first")

	assert.True(t, q.Closed())
	require.ErrorIs(t, q.Enqueue(normalMsg("late")), ErrClosed)
	assert.Nil(t, q.DequeueTx())
}

func TestNotifySignalledOnEnqueue(t *testing.T) {
	q, _ := testQueue(Options{})

	select {
	case <-q.Notify():
		t.Fatal("no signal expected on empty queue")
	default:
	}

	require.NoError(t, q.Enqueue(normalMsg("x")))
	select {
	case <-q.Notify():
	default:
		t.Fatal("enqueue must signal the pump")
	}
}

func TestAckRevertIdempotent(t *testing.T) {
	q, _ := testQueue(Options{})
	require.NoError(t, q.Enqueue(normalMsg("x")))

	tx := q.DequeueTx()
	require.NotNil(t, tx)
	tx.Ack()
	tx.Revert(errors.New("late revert is ignored"))

	assert.Zero(t, q.Len())
	assert.Equal(t, uint64(1), q.Snapshot().Delivered)
}

func TestManagerLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(clock, Options{})

	q1 := m.GetOrCreate("alice")
	q2 := m.GetOrCreate("alice")
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, m.Len())

	_, ok := m.Get("bob")
	assert.False(t, ok)

	require.NoError(t, q1.Enqueue(normalMsg("x")))
	assert.Equal(t, 1, m.TotalDepth())

	q, ok := m.Remove("alice")
	require.True(t, ok)
	assert.Same(t, q1, q)
	assert.Zero(t, m.Len())

	_, ok = m.Remove("alice")
	assert.False(t, ok)
}

func TestManagerIdleSince(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(clock, Options{})

	m.GetOrCreate("idle-empty")
	busy := m.GetOrCreate("idle-loaded")
	require.NoError(t, busy.Enqueue(normalMsg("pending")))

	clock.Advance(time.Hour)
	m.GetOrCreate("fresh")

	idle := m.IdleSince(clock.Now().Add(-time.Minute))
	assert.Equal(t, []string{"idle-empty"}, idle, "loaded queues never count as idle")
}

func TestManagerRange(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock(), Options{})
	for i := 0; i < 5; i++ {
		m.GetOrCreate(fmt.Sprintf("user-%d", i))
	}

	seen := 0
	m.Range(func(string, *Queue) bool {
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen, "range stops when fn returns false")
}
