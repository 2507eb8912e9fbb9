// Package poller drives an async generation job to a terminal state by
// polling the status endpoint with bounded attempts and two independent
// backoff tiers: steady-state intervals that slow down as a job runs long,
// and a separate, faster-escalating retry schedule for transient errors.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lumabase/genengine/gen"
	"github.com/lumabase/genengine/genapi"
	"github.com/lumabase/genengine/internal/httpx"
	"github.com/lumabase/genengine/pkg/logger"
)

// ErrExhausted means the attempt ceiling was reached without the job ever
// reporting a terminal status.
var ErrExhausted = errors.New("poller: attempt ceiling reached without a terminal status")

// JobFailedError carries the reason string from a terminally failed job.
type JobFailedError struct {
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return "generation job failed"
	}
	return fmt.Sprintf("generation job failed: %s", e.Reason)
}

// StatusClient is the slice of the API client the poller needs.
type StatusClient interface {
	JobStatus(ctx context.Context, handle gen.JobHandle) (*genapi.JobStatusResult, error)
}

// Config tunes the polling run. Zero values get defaults; MaxAttempts and
// BaseInterval together bound the worst-case wall clock.
type Config struct {
	BaseInterval   time.Duration // steady-state start, default 1s
	MaxInterval    time.Duration // steady-state cap, default 5s
	MaxAttempts    int           // default 120
	ErrorThreshold int           // consecutive transient errors before abort, default 5

	ErrorBackoffBase time.Duration // default 1s
	ErrorBackoffMax  time.Duration // default 8s
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 1 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorBackoffBase <= 0 {
		c.ErrorBackoffBase = 1 * time.Second
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 8 * time.Second
	}
	return c
}

// Result is a successful polling outcome.
type Result struct {
	URLs     []string
	Attempts int
}

// Poller runs one polling loop per Wait call. Safe for concurrent Wait calls
// with distinct handles.
type Poller struct {
	api StatusClient
	log *logger.Logger
	cfg Config

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(api StatusClient, log *logger.Logger, cfg Config) *Poller {
	return &Poller{
		api:   api,
		log:   log.With("service", "JobPoller"),
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
	}
}

// Wait polls until the job reaches a terminal status, the context is
// cancelled, the transient-error threshold trips, or attempts run out.
// Cancellation surfaces as the context's own error so callers can stay
// silent about it.
func (p *Poller) Wait(ctx context.Context, handle gen.JobHandle) (*Result, error) {
	log := p.log.With("job_id", handle.JobID, "provider", handle.Provider)

	errBo := backoff.NewExponentialBackOff()
	errBo.InitialInterval = p.cfg.ErrorBackoffBase
	errBo.MaxInterval = p.cfg.ErrorBackoffMax
	errBo.Multiplier = 2
	errBo.RandomizationFactor = 0.2

	consecutive := 0

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st, err := p.api.JobStatus(ctx, handle)
		if err != nil {
			// A cancelled parent context is a cooperative abort, not a fault.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !httpx.IsRetryableError(err) {
				log.Warn("poll failed with non-retryable error", "attempt", attempt, "error", err.Error())
				return nil, err
			}
			consecutive++
			if consecutive >= p.cfg.ErrorThreshold {
				log.Warn("poll error threshold reached", "attempt", attempt, "consecutive", consecutive)
				return nil, err
			}
			d := errBo.NextBackOff()
			// A rate-limited poll defers to the server's Retry-After over the
			// local schedule, jittered so clients don't return in lockstep.
			if ra := genapi.RetryAfterHint(err); ra > 0 {
				if ra > p.cfg.ErrorBackoffMax {
					ra = p.cfg.ErrorBackoffMax
				}
				d = httpx.Jitter(ra)
			}
			log.Warn("poll errored, retrying", "attempt", attempt, "consecutive", consecutive, "sleep", d.String(), "error", err.Error())
			if sErr := p.sleep(ctx, d); sErr != nil {
				return nil, sErr
			}
			continue
		}

		consecutive = 0
		errBo.Reset()

		if st.Status.IsTerminal() {
			if st.Status.Succeeded() {
				if len(st.URLs) == 0 {
					log.Warn("job completed without outputs", "attempts", attempt)
					return nil, &JobFailedError{Reason: "completed with no outputs"}
				}
				log.Debug("job completed", "attempts", attempt, "outputs", len(st.URLs))
				return &Result{URLs: st.URLs, Attempts: attempt}, nil
			}
			return nil, &JobFailedError{Reason: st.Reason}
		}

		if sErr := p.sleep(ctx, p.steadyInterval(attempt)); sErr != nil {
			return nil, sErr
		}
	}

	return nil, ErrExhausted
}

// steadyInterval grows exponentially with attempt count up to the cap,
// independent of errors. Long-running jobs get polled less often.
func (p *Poller) steadyInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.cfg.BaseInterval) * math.Pow(2, float64(attempt-1)))
	if d > p.cfg.MaxInterval || d <= 0 {
		d = p.cfg.MaxInterval
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
