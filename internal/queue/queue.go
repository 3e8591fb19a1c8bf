// Package queue is a Redis-backed durable FIFO job queue with at-least-once
// delivery: a dequeued job is visible to exactly one worker at a time, must
// be explicitly acknowledged, and is redelivered after a visibility timeout
// if the worker dies. Terminal failures move to an inspectable dead-letter
// list. See spec §4.7.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/pkg/events"
)

const (
	keyPending    = "brain:queue:pending"
	keyInflight   = "brain:queue:inflight"
	keyDeadLetter = "brain:queue:deadletter"
	jobKeyPrefix  = "brain:queue:job:"
	dedupePrefix  = "brain:queue:dedupe:"
)

// Queue is the durable job queue. One Queue instance is shared by the
// scheduler (enqueue-only) and worker pool (dequeue/ack/fail).
type Queue struct {
	client            *redis.Client
	log               *zap.Logger
	bus               *events.Bus
	visibilityTimeout time.Duration
	maxAttempts       int
}

// New returns a Queue backed by client. bus may be nil if no event
// notifications are needed.
func New(client *redis.Client, bus *events.Bus, visibilityTimeout time.Duration, maxAttempts int, log *zap.Logger) *Queue {
	return &Queue{
		client:            client,
		log:               log,
		bus:               bus,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
	}
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Enqueue inserts a new job, keyed for deduplication by dedupeKey (typically
// a session id) so that restarting the scheduler mid-day never produces a
// duplicate assemble_video job for the same session (spec §8). If a job
// already exists for dedupeKey, its id is returned and no new job is created.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload interface{}, dedupeKey string) (string, error) {
	dedupeRedisKey := dedupePrefix + dedupeKey

	existing, err := q.client.Get(ctx, dedupeRedisKey).Result()
	if err == nil {
		return existing, nil
	}
	if err != redis.Nil {
		return "", &QueueError{Op: "enqueue:dedupe_lookup", Err: err}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", &QueueError{Op: "enqueue:marshal", Err: err}
	}

	id := fmt.Sprintf("job_%s", uuid.NewString())
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]interface{}{
		"id":          id,
		"kind":        string(kind),
		"payload":     string(payloadJSON),
		"enqueued_at": now.Format(time.RFC3339Nano),
		"attempts":    0,
		"status":      string(StatusQueued),
		"last_error":  "",
	})
	pipe.RPush(ctx, keyPending, id)
	pipe.SetNX(ctx, dedupeRedisKey, id, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &QueueError{Op: "enqueue:pipeline", Err: err}
	}

	if q.bus != nil {
		q.bus.Publish(ctx, events.NewEvent(events.EventJobEnqueued, "", map[string]interface{}{"job_id": id, "kind": string(kind)}))
	}
	return id, nil
}

// Dequeue pops the next pending job and marks it running, placing it in the
// in-flight set with a visibility deadline. Returns (nil, nil) if the queue
// is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	id, err := q.client.LPop(ctx, keyPending).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &QueueError{Op: "dequeue:lpop", Err: err}
	}

	deadline := time.Now().Add(q.visibilityTimeout)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "status", string(StatusRunning))
	pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	pipe.ZAdd(ctx, keyInflight, &redis.Z{Score: float64(deadline.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &QueueError{Op: "dequeue:pipeline", Err: err}
	}

	return q.getJob(ctx, id)
}

// Ack marks a job done and removes it from the in-flight set.
func (q *Queue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "status", string(StatusDone))
	pipe.ZRem(ctx, keyInflight, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &QueueError{Op: "ack", Err: err}
	}
	if q.bus != nil {
		q.bus.Publish(ctx, events.NewEvent(events.EventJobDone, "", map[string]interface{}{"job_id": id}))
	}
	return nil
}

// Fail records a failure. If the job's attempt count is still under the
// configured max, it is returned to the pending queue (redelivery); once the
// max is reached, or when cause is an *assembly.TerminalError, it moves to
// the dead-letter list and is removed from in-flight tracking.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	job, err := q.getJob(ctx, id)
	if err != nil {
		return err
	}

	var terminal *assembly.TerminalError
	deadLetter := job.Attempts >= q.maxAttempts || errors.As(cause, &terminal)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight, id)
	pipe.HSet(ctx, jobKey(id), "last_error", cause.Error())

	if !deadLetter {
		pipe.HSet(ctx, jobKey(id), "status", string(StatusFailedRetryable))
		pipe.RPush(ctx, keyPending, id)
	} else {
		pipe.HSet(ctx, jobKey(id), "status", string(StatusFailedTerminal))
		pipe.RPush(ctx, keyDeadLetter, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &QueueError{Op: "fail:pipeline", Err: err}
	}

	if deadLetter && q.bus != nil {
		q.bus.Publish(ctx, events.NewEvent(events.EventJobDeadLettered, "", map[string]interface{}{"job_id": id, "error": cause.Error()}))
	}
	return nil
}

// DeadLetterJobs returns every job in the dead-letter list, for operator
// inspection (never auto-retried).
func (q *Queue) DeadLetterJobs(ctx context.Context) ([]Job, error) {
	ids, err := q.client.LRange(ctx, keyDeadLetter, 0, -1).Result()
	if err != nil {
		return nil, &QueueError{Op: "dead_letter_jobs:lrange", Err: err}
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Depth returns the number of jobs currently waiting in the pending list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return 0, &QueueError{Op: "depth", Err: err}
	}
	return n, nil
}

// ReapExpired scans the in-flight set for jobs past their visibility
// deadline and returns them to the pending list for redelivery. Intended to
// run on a timer alongside the worker pool.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano())
	expired, err := q.client.ZRangeByScore(ctx, keyInflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, &QueueError{Op: "reap:zrangebyscore", Err: err}
	}

	for _, id := range expired {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyInflight, id)
		pipe.RPush(ctx, keyPending, id)
		pipe.HSet(ctx, jobKey(id), "status", string(StatusQueued))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, &QueueError{Op: "reap:pipeline", Err: err}
		}
		if q.log != nil {
			q.log.Warn("job visibility timeout expired, redelivering", zap.String("job_id", id))
		}
	}
	return len(expired), nil
}

// StartReaper runs ReapExpired on a timer until ctx is cancelled, mirroring
// the teacher's habit of a small ticker-driven background loop per
// long-lived concern (see scheduler's tick loop). Intended to run once per
// process alongside the worker pool so a dead worker's in-flight jobs are
// redelivered without operator intervention.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := q.ReapExpired(ctx); err != nil {
					if q.log != nil {
						q.log.Error("reap expired jobs failed", zap.Error(err))
					}
				} else if n > 0 && q.log != nil {
					q.log.Info("redelivered expired jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

func (q *Queue) getJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, &QueueError{Op: "get_job:hgetall", Err: err}
	}
	if len(fields) == 0 {
		return nil, &QueueError{Op: "get_job", Err: fmt.Errorf("job %s not found", id)}
	}

	enqueuedAt, _ := time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	attempts := 0
	fmt.Sscanf(fields["attempts"], "%d", &attempts)

	return &Job{
		ID:         fields["id"],
		Kind:       Kind(fields["kind"]),
		Payload:    fields["payload"],
		EnqueuedAt: enqueuedAt,
		Attempts:   attempts,
		Status:     Status(fields["status"]),
		LastError:  fields["last_error"],
	}, nil
}
