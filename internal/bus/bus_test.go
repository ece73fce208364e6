package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcast/herdcast/internal/queue"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set; skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := queue.NewClient(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, nil)
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return Event{}
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.NewString()
	sub := b.Subscribe(ctx, jobID, time.Minute)
	defer sub.Close()

	// Let the subscription attach before publishing.
	time.Sleep(200 * time.Millisecond)

	b.Publish(ctx, Event{
		Type:          EventProgress,
		JobID:         jobID,
		Status:        "running",
		ProgressPct:   42,
		CompletedRuns: 8,
		TotalRuns:     20,
	})

	ev := waitEvent(t, sub)
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, 42, ev.ProgressPct)
	assert.Equal(t, 8, ev.CompletedRuns)
	assert.NotEmpty(t, ev.TS)
}

func TestSubscribeEmitsHeartbeats(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx, uuid.NewString(), 100*time.Millisecond)
	defer sub.Close()

	ev := waitEvent(t, sub)
	assert.Equal(t, EventHeartbeat, ev.Type)
	assert.NotEmpty(t, ev.TS)
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := b.Subscribe(ctx, uuid.NewString(), time.Minute)
	cancel()

	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after cancel")
	}
	sub.Close()
}

func TestEventStamp(t *testing.T) {
	var ev Event
	ev.Stamp()
	ts, err := time.Parse(time.RFC3339, ev.TS)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
}
