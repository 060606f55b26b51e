package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/pause"
	"immo/scraper-service/internal/queue"
)

const (
	defaultPollTimeout = 5 * time.Second
	dequeueErrorPause  = time.Second
)

// JobQueue is the part of *queue.Queue the worker consumes.
type JobQueue interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error, retryable bool) (bool, error)
}

// Runner executes one scrape job.
type Runner interface {
	Run(ctx context.Context, job model.ScrapeJob) (Summary, error)
}

// Worker consumes the job queue one job at a time.
type Worker struct {
	queue       JobQueue
	runner      Runner
	pollTimeout time.Duration
	sleep       pause.Func
	logger      zerolog.Logger
}

// NewWorker constructs a Worker.
func NewWorker(q JobQueue, runner Runner, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:       q,
		runner:      runner,
		pollTimeout: defaultPollTimeout,
		sleep:       pause.Sleep,
		logger:      logger,
	}
}

// Run pulls and processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")

	for ctx.Err() == nil {
		if n, err := w.queue.PromoteDue(ctx, time.Now()); err != nil {
			w.logger.Warn().Err(err).Msg("promoting delayed jobs failed")
		} else if n > 0 {
			w.logger.Info().Int("jobs", n).Msg("delayed jobs due for retry")
		}

		d, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("dequeue failed")
			if !errors.Is(err, queue.ErrMalformed) {
				_ = w.sleep(ctx, dequeueErrorPause)
			}
			continue
		}
		if d == nil {
			continue
		}

		_ = w.Process(ctx, d)
	}
}

// Process runs one delivery and acknowledges it. Jobs with an unexpected
// name are rejected without running anything. A job interrupted by ctx is
// left in processing so that the next start recovers it.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) error {
	log := w.logger.With().
		Str("job_id", d.ID).
		Str("job_name", d.Data.JobName).
		Str("partition", d.Data.DepartmentCode()).
		Int("attempt", d.Attempts+1).
		Logger()

	if d.Data.JobName != model.JobNameAuctions {
		err := fmt.Errorf("%w: unexpected job name %q", ErrInvalidJob, d.Data.JobName)
		log.Error().Err(err).Msg("job rejected")
		if _, ferr := w.queue.Fail(ctx, d, err, false); ferr != nil {
			log.Error().Err(ferr).Msg("recording rejected job failed")
		}
		return err
	}

	log.Info().Msg("job started")
	sum, err := w.runner.Run(ctx, d.Data)
	if ctx.Err() != nil {
		log.Warn().Err(ctx.Err()).Msg("job interrupted")
		return ctx.Err()
	}

	if err != nil {
		retryable := !errors.Is(err, ErrInvalidJob)
		retried, ferr := w.queue.Fail(ctx, d, err, retryable)
		if ferr != nil {
			log.Error().Err(ferr).Msg("recording job failure failed")
		}
		log.Error().Err(err).
			Int("discovered", sum.Discovered).
			Int("extracted", sum.Extracted).
			Int("upserted", sum.Upserted).
			Bool("will_retry", retried).
			Msg("job failed")
		return err
	}

	if err := w.queue.Complete(ctx, d); err != nil {
		log.Error().Err(err).Msg("acknowledging job failed")
		return err
	}
	log.Info().
		Int("discovered", sum.Discovered).
		Int("extracted", sum.Extracted).
		Int("extract_failures", sum.ExtractFailures).
		Int("filtered_out", sum.FilteredOut).
		Int("geocoded", sum.Geocoded).
		Int("geocode_failures", sum.GeocodeFailures).
		Int("upserted", sum.Upserted).
		Dur("duration", sum.Duration).
		Msg("job done")
	return nil
}
