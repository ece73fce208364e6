// Package bus carries per-job progress events over Redis pub/sub so the
// websocket endpoint can stream them to clients.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published on a job channel.
const (
	EventProgress  = "job_progress"
	EventSucceeded = "job_succeeded"
	EventFailed    = "job_failed"
	EventHeartbeat = "heartbeat"
)

// Event is one progress-bus message. PartialResult carries the aggregate
// over the runs completed so far on job_progress and the full result on
// job_succeeded.
type Event struct {
	Type          string          `json:"type"`
	JobID         string          `json:"job_id"`
	TS            string          `json:"ts"`
	Status        string          `json:"status,omitempty"`
	ProgressPct   int             `json:"progress_pct"`
	CompletedRuns int             `json:"completed_runs"`
	TotalRuns     int             `json:"total_runs"`
	PartialResult json.RawMessage `json:"partial_result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Stamp sets the event timestamp to now in UTC.
func (e *Event) Stamp() {
	e.TS = time.Now().UTC().Format(time.RFC3339)
}

func channelFor(jobID string) string {
	return "forecast_job:" + jobID
}

// Bus publishes and subscribes job events.
type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

// New wraps an existing client.
func New(rdb *redis.Client, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{rdb: rdb, log: log}
}

// Publish sends an event on the job's channel. Publishing is fire and
// forget: failures are logged, never propagated, so a flaky bus cannot fail
// a running forecast.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.TS == "" {
		ev.Stamp()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("marshal bus event", zap.Error(err), zap.String("job_id", ev.JobID))
		return
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.JobID), payload).Err(); err != nil {
		b.log.Warn("publish bus event",
			zap.Error(err),
			zap.String("job_id", ev.JobID),
			zap.String("type", ev.Type))
	}
}

// Subscription is a live event stream for one job.
type Subscription struct {
	Events <-chan Event

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Close tears the stream down.
func (s *Subscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
}

// Subscribe opens a stream for the job. When no event arrives within
// heartbeatEvery a synthetic heartbeat is emitted so consumers can tell a
// quiet job from a dead connection. The stream closes with ctx.
func (b *Bus) Subscribe(ctx context.Context, jobID string, heartbeatEvery time.Duration) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.rdb.Subscribe(subCtx, channelFor(jobID))
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		timer := time.NewTimer(heartbeatEvery)
		defer timer.Stop()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("decode bus event", zap.Error(err), zap.String("job_id", jobID))
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(heartbeatEvery)
			case <-timer.C:
				hb := Event{Type: EventHeartbeat, JobID: jobID}
				hb.Stamp()
				select {
				case out <- hb:
				case <-subCtx.Done():
					return
				}
				timer.Reset(heartbeatEvery)
			}
		}
	}()

	return &Subscription{Events: out, pubsub: pubsub, cancel: cancel}
}
