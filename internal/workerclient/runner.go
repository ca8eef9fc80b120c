package workerclient

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Options tunes a Runner. Zero values take the defaults.
type Options struct {
	BatchSize int
	// PollInterval is the wait after an empty lease. It doubles on every
	// further empty lease, up to MaxIdle.
	PollInterval time.Duration
	MaxIdle      time.Duration
	// ReportBackoff is the base delay between report retries.
	ReportBackoff time.Duration
	Logger        *slog.Logger
}

// Runner is the worker poll loop.
type Runner struct {
	client   *Client
	executor Executor
	opts     Options
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner.
func NewRunner(client *Client, executor Executor, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxIdle < opts.PollInterval {
		opts.MaxIdle = 12 * opts.PollInterval
	}
	if opts.ReportBackoff <= 0 {
		opts.ReportBackoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:   client,
		executor: executor,
		opts:     opts,
		logger:   logger.With("component", "worker"),
		sleep:    sleepCtx,
	}
}

// Run polls until ctx is cancelled or the server rejects the worker secret.
func (r *Runner) Run(ctx context.Context) error {
	wait := r.opts.PollInterval
	for {
		n, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrUnauthorized):
			return err
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Warn("lease failed", "error", err, "retry_in", wait)
		}

		if n > 0 {
			wait = r.opts.PollInterval
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil
		}
		wait *= 2
		if wait > r.opts.MaxIdle {
			wait = r.opts.MaxIdle
		}
	}
}

// RunOnce leases one batch, executes each job in order, and reports every
// outcome. It returns how many jobs were leased.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.client.Pending(ctx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		log := r.logger.With("job_id", job.ID, "platform", job.Platform)
		if ctx.Err() != nil {
			// Unstarted jobs go back to the queue when their lease expires.
			log.Info("shutting down before job started")
			continue
		}
		if !job.LeaseExpiresAt.IsZero() && time.Now().After(job.LeaseExpiresAt) {
			log.Warn("lease expired before job started, skipping")
			continue
		}

		out := r.executor.Execute(ctx, job)
		out.JobID = job.ID
		out.LeaseToken = job.LeaseToken

		// Report with a fresh context so a shutdown does not drop a result
		// that was already produced.
		reportCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := reportRetry(r.opts.ReportBackoff).Do(reportCtx, func(ctx context.Context, _ int) error {
			return r.client.Report(ctx, out)
		})
		cancel()

		switch {
		case err == nil:
			log.Info("job reported", "success", out.Success)
		case errors.Is(err, ErrLeaseLost):
			log.Warn("job lease was lost before the report; the server kept its own state")
		case errors.Is(err, ErrUnauthorized):
			return len(jobs), err
		default:
			log.Error("failed to report job", "error", err)
		}
	}
	return len(jobs), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
