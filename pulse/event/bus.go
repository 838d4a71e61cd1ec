package event

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/pulse/async"
)

// subscriberBuffer bounds each subscription channel. A slow consumer drops
// broker messages rather than stalling the relay; the task_logs mirror keeps
// the full history.
const subscriberBuffer = 100

// Bus publishes job progress over redis pub/sub. Delivery is at-most-once;
// every publish also appends a task_logs row so history survives the broker.
type Bus struct {
	rdb    *redis.Client
	logs   *LogStore
	jobs   *async.Store
	logger *zap.SugaredLogger
}

// NewBus creates an event bus.
func NewBus(rdb *redis.Client, logs *LogStore, jobs *async.Store, logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{rdb: rdb, logs: logs, jobs: jobs, logger: logger}
}

// Publish mirrors the event to task_logs, then fires it at the broker.
// The mirror write is the durable half; a broker failure only costs live
// delivery and is logged, not surfaced.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := b.logs.Append(ev); err != nil {
		return err
	}

	data, err := ev.encode()
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, Topic(ev.JobID), data).Err(); err != nil {
		b.logger.Warnw("Event broadcast failed",
			"job_id", ev.JobID,
			"phase", ev.Phase,
			"error", err)
	}
	return nil
}

// Subscribe streams a job's events. The first event is synthesized from the
// Job row, so a late subscriber never sees an empty stream. The channel
// closes when the job reaches a terminal status or ctx ends.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	job, err := b.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	sub := b.rdb.Subscribe(ctx, Topic(jobID))
	ch := make(chan Event, subscriberBuffer)

	go func() {
		defer close(ch)
		defer sub.Close()

		initial := FromJob(job)
		select {
		case ch <- initial:
		case <-ctx.Done():
			return
		}
		if initial.Terminal() {
			return
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warnw("Malformed event payload dropped",
						"job_id", jobID,
						"error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()

	return ch, nil
}
