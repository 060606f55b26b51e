// Package scheduler wires up the cron job that periodically enqueues one
// scrape job per department.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/queue"
)

// Department numbers scraped on every cycle. 20 is skipped: Corsica is
// split into 2A and 2B and has no numeric listing page.
const (
	firstDepartment   = 1
	lastDepartment    = 95
	skippedDepartment = 20
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.ScrapeJob, opts queue.Options) (string, error)
}

// Result aggregates one fan-out.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Scheduler wraps robfig/cron and manages the enqueue cycle.
type Scheduler struct {
	cron     *cron.Cron
	queue    Enqueuer
	opts     queue.Options
	spec     string // cron spec, e.g. "@every 24h"
	runFirst bool
	logger   zerolog.Logger
}

// New creates a Scheduler firing on spec. When runFirst is set, Start also
// runs one cycle immediately.
func New(q Enqueuer, opts queue.Options, spec string, runFirst bool, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cronLogger{logger})),
		queue:    q,
		opts:     opts,
		spec:     spec,
		runFirst: runFirst,
		logger:   logger,
	}
}

// Partitions returns the department numbers of one cycle, in order.
func Partitions() []int {
	out := make([]int, 0, lastDepartment)
	for d := firstDepartment; d <= lastDepartment; d++ {
		if d == skippedDepartment {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Start registers the job and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.EnqueueAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc(%q): %w", s.spec, err)
	}

	s.cron.Start()
	s.logger.Info().Str("spec", s.spec).Msg("cron started")

	if s.runFirst {
		go s.EnqueueAll(ctx)
	}
	return nil
}

// Stop stops the scheduler and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("cron stopped")
}

// EnqueueAll enqueues one job per partition. A failed enqueue is logged and
// does not prevent the next partition from being enqueued.
func (s *Scheduler) EnqueueAll(ctx context.Context) Result {
	s.logger.Info().Msg("enqueue cycle started")

	var res Result
	for _, p := range Partitions() {
		partition := p
		job := model.ScrapeJob{JobName: model.JobNameAuctions, PartitionID: &partition}

		id, err := s.queue.Enqueue(ctx, job, s.opts)
		if err != nil {
			res.Failed++
			s.logger.Error().Err(err).Int("partition", partition).Msg("enqueue failed")
			continue
		}
		res.Succeeded++
		s.logger.Debug().Int("partition", partition).Str("job_id", id).Msg("job enqueued")
	}

	s.logger.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("enqueue cycle complete")
	return res
}

// cronLogger routes robfig/cron logs to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
