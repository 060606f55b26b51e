package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/queue"
	"immo/scraper-service/internal/scheduler"
)

var jobOpts = queue.Options{
	Attempts:         3,
	Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute},
	RemoveOnComplete: 100,
	RemoveOnFail:     500,
}

type recordingEnqueuer struct {
	mu     sync.Mutex
	seen   []int
	opts   []queue.Options
	failOn map[int]bool
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job model.ScrapeJob, opts queue.Options) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, *job.PartitionID)
	r.opts = append(r.opts, opts)
	if job.JobName != model.JobNameAuctions {
		return "", errors.New("wrong job name")
	}
	if r.failOn[*job.PartitionID] {
		return "", errors.New("redis: connection refused")
	}
	return "id", nil
}

func TestPartitions(t *testing.T) {
	p := scheduler.Partitions()

	assert.Len(t, p, 94)
	assert.Equal(t, 1, p[0])
	assert.Equal(t, 95, p[len(p)-1])
	assert.NotContains(t, p, 20)
}

func TestEnqueueAll_94Attempts(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := scheduler.New(enq, jobOpts, "@every 24h", false, zerolog.Nop())

	res := s.EnqueueAll(context.Background())

	assert.Equal(t, scheduler.Result{Succeeded: 94}, res)
	assert.Len(t, enq.seen, 94)
	assert.Equal(t, jobOpts, enq.opts[0])
}

func TestEnqueueAll_FailureIsIsolated(t *testing.T) {
	enq := &recordingEnqueuer{failOn: map[int]bool{13: true}}
	s := scheduler.New(enq, jobOpts, "@every 24h", false, zerolog.Nop())

	res := s.EnqueueAll(context.Background())

	assert.Equal(t, 93, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 94, res.Succeeded+res.Failed)
	assert.Len(t, enq.seen, 94, "partitions after the failing one are still attempted")
	assert.Contains(t, enq.seen, 14)
}

func TestEnqueueAll_WithRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	q := queue.New(rdb, "scraper")

	res := scheduler.New(q, jobOpts, "@every 24h", false, zerolog.Nop()).EnqueueAll(context.Background())
	require.Equal(t, 94, res.Succeeded)

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 94, st.Pending)

	d, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "01", d.Data.DepartmentCode(), "partitions are consumed in enumeration order")
	assert.Equal(t, 3, d.Options.Attempts)
}

func TestStart_InvalidSpec(t *testing.T) {
	s := scheduler.New(&recordingEnqueuer{}, jobOpts, "every now and then", false, zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStart_RunsFirstCycleImmediately(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := scheduler.New(enq, jobOpts, "@every 24h", true, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		enq.mu.Lock()
		defer enq.mu.Unlock()
		return len(enq.seen) == 94
	}, 2*time.Second, 10*time.Millisecond)
}
