// Package queue is a small durable job queue on top of Redis lists.
//
// Layout under "<prefix>:<name>":
//
//	pending     LIST  jobs waiting for a worker (LPUSH in, RPOPLPUSH out: FIFO)
//	processing  LIST  jobs handed to a worker and not yet acknowledged
//	delayed     ZSET  jobs waiting for their retry time (score = unix ms)
//	completed   LIST  most recent finished jobs, trimmed to RemoveOnComplete
//	failed      LIST  most recent dead jobs, trimmed to RemoveOnFail
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"immo/scraper-service/internal/model"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff is the delay policy between attempts of a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Options bound how a job is retried and how long its trace is kept.
type Options struct {
	Attempts         int     `json:"attempts"` // total executions allowed
	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete int     `json:"removeOnComplete"` // completed jobs kept; 0 keeps none
	RemoveOnFail     int     `json:"removeOnFail"`     // failed jobs kept; 0 keeps none
}

// Envelope is what is stored in Redis for every job.
type Envelope struct {
	ID         string          `json:"id"`
	Data       model.ScrapeJob `json:"data"`
	Options    Options         `json:"options"`
	Attempts   int             `json:"attempts"` // failed executions so far
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Delivery is a job handed to a worker. It must be passed back to Complete
// or Fail.
type Delivery struct {
	Envelope
	raw string
}

// Stats reports the size of every list of the queue.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ErrMalformed is returned by Dequeue when a stored job cannot be decoded.
// The offending payload is moved to the failed list.
var ErrMalformed = errors.New("malformed job payload")

// Queue is a Redis-backed job queue.
type Queue struct {
	rdb  *redis.Client
	keys keys
	now  func() time.Time
}

type keys struct {
	pending, processing, delayed, completed, failed string
}

// New returns the queue called name.
func New(rdb *redis.Client, name string) *Queue {
	base := "scraper:queue:" + name
	return &Queue{
		rdb: rdb,
		keys: keys{
			pending:    base + ":pending",
			processing: base + ":processing",
			delayed:    base + ":delayed",
			completed:  base + ":completed",
			failed:     base + ":failed",
		},
		now: time.Now,
	}
}

// WithClock replaces the clock used for retry scheduling.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue stores job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, job model.ScrapeJob, opts Options) (string, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Data:       job,
		Options:    opts,
		EnqueuedAt: q.now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.keys.pending, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return env.ID, nil
}

// Dequeue moves the oldest pending job to the processing list and returns
// it. It waits up to timeout and returns (nil, nil) when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.keys.pending, q.keys.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		_, txErr := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.keys.processing, 1, raw)
			pipe.LPush(ctx, q.keys.failed, raw)
			return nil
		})
		if txErr != nil {
			return nil, fmt.Errorf("discard malformed job: %w", txErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Delivery{Envelope: env, raw: raw}, nil
}

// Complete acknowledges a successful delivery.
func (q *Queue) Complete(ctx context.Context, d *Delivery) error {
	finished := q.now().UTC()
	d.FinishedAt = &finished
	raw, err := json.Marshal(d.Envelope)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	keep := d.Options.RemoveOnComplete
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.processing, 1, d.raw)
		if keep > 0 {
			pipe.LPush(ctx, q.keys.completed, raw)
			pipe.LTrim(ctx, q.keys.completed, 0, int64(keep-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", d.ID, err)
	}
	return nil
}

// Fail records a failed execution. When retryable and attempts remain, the
// job is scheduled again after its backoff delay and Fail reports true;
// otherwise it is moved to the failed list.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error, retryable bool) (bool, error) {
	d.Attempts++
	if cause != nil {
		d.LastError = cause.Error()
	}

	retry := retryable && d.Attempts < d.Options.Attempts
	if !retry {
		finished := q.now().UTC()
		d.FinishedAt = &finished
	}
	raw, err := json.Marshal(d.Envelope)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	keep := d.Options.RemoveOnFail
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.processing, 1, d.raw)
		switch {
		case retry:
			due := q.now().Add(BackoffDelay(d.Options.Backoff, d.Attempts))
			pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: raw})
		case keep > 0:
			pipe.LPush(ctx, q.keys.failed, raw)
			pipe.LTrim(ctx, q.keys.failed, 0, int64(keep-1))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", d.ID, err)
	}
	return retry, nil
}

// BackoffDelay returns the wait before the next execution, given how many
// executions already failed.
func BackoffDelay(b Backoff, failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	if b.Type == BackoffExponential {
		return time.Duration(float64(b.Delay) * math.Pow(2, float64(failed-1)))
	}
	return b.Delay
}

// PromoteDue moves delayed jobs whose retry time has passed back to pending.
// Removal from the delayed set and the push to pending commit together; a
// concurrent promotion of the same jobs makes this call a no-op.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		due, err := tx.ZRangeByScore(ctx, q.keys.delayed, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil || len(due) == 0 {
			return err
		}

		members := make([]any, len(due))
		for i, raw := range due {
			members[i] = raw
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.keys.delayed, members...)
			pipe.LPush(ctx, q.keys.pending, members...)
			return nil
		})
		if err == nil {
			promoted = len(due)
		}
		return err
	}, q.keys.delayed)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return promoted, nil
}

// Recover moves jobs left in processing by a crashed worker to the head of
// the pending list, so they are dequeued before anything enqueued since.
// Only call it when no worker is running.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.keys.processing, q.keys.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing jobs: %w", err)
		}
		n++
	}
}

// Stats returns the current list sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var pending, processing, delayed, completed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, q.keys.pending)
		processing = pipe.LLen(ctx, q.keys.processing)
		delayed = pipe.ZCard(ctx, q.keys.delayed)
		completed = pipe.LLen(ctx, q.keys.completed)
		failed = pipe.LLen(ctx, q.keys.failed)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}
