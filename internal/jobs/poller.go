package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/repeat"
)

// Source is where job status comes from: the in-process Service or a remote
// agent through client.HTTPClient.
type Source interface {
	Status(ctx context.Context, id string) (Status, error)
	Result(ctx context.Context, id string) (*Result, error)
}

// Step polls every Interval until Until has elapsed. A zero Until never ends.
type Step struct {
	Until    time.Duration `yaml:"until"`
	Interval time.Duration `yaml:"interval"`
}

type PollConfig struct {
	Schedule               []Step
	MaxAttempts            int
	MaxConsecutiveFailures int
}

// DefaultPollConfig starts fast and settles at 2s, giving up after about five
// minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Schedule: []Step{
			{Until: 10 * time.Second, Interval: 500 * time.Millisecond},
			{Until: 30 * time.Second, Interval: time.Second},
			{Interval: 2 * time.Second},
		},
		MaxAttempts:            150,
		MaxConsecutiveFailures: 3,
	}
}

func (c PollConfig) interval(elapsed time.Duration) time.Duration {
	for _, s := range c.Schedule {
		if s.Until == 0 || elapsed < s.Until {
			return s.Interval
		}
	}
	if n := len(c.Schedule); n > 0 {
		return c.Schedule[n-1].Interval
	}
	return 2 * time.Second
}

// FailedError is returned when the job itself ended in the error state.
type FailedError struct {
	JobID   string
	Message string
}

func (e *FailedError) Error() string {
	if e.Message == "" {
		return "generation failed"
	}
	return e.Message
}

// Retryable is implemented by fetch errors that know whether another attempt
// can succeed.
type Retryable interface {
	Retryable() bool
}

type Poller struct {
	src    Source
	cfg    PollConfig
	logger *slog.Logger
}

func NewPoller(src Source, cfg PollConfig, logger *slog.Logger) *Poller {
	d := DefaultPollConfig()
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = d.Schedule
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return &Poller{src: src, cfg: cfg, logger: logger}
}

// Handle is a running poll.
type Handle struct {
	task   *repeat.Task
	mu     sync.Mutex
	result *Result
	err    error
}

// Cancel stops polling. No fetch starts after Cancel returns.
func (h *Handle) Cancel() {
	h.task.Stop()
}

func (h *Handle) Done() <-chan struct{} {
	return h.task.Done()
}

// Wait blocks until the poll ends and returns the result or why it ended.
func (h *Handle) Wait() (*Result, error) {
	taskErr := h.task.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != nil {
		return h.result, nil
	}
	if h.err != nil {
		return nil, h.err
	}
	return nil, taskErr
}

// Poll blocks until the job is ready, failed, or polling gave up.
func (p *Poller) Poll(ctx context.Context, id string, onStatus func(Status)) (*Result, error) {
	return p.Start(ctx, id, onStatus).Wait()
}

// Start polls in the background. onStatus, if set, sees every fetched status.
func (p *Poller) Start(ctx context.Context, id string, onStatus func(Status)) *Handle {
	const op = "jobs.Poll"
	h := &Handle{}
	failures := 0

	finish := func(res *Result, err error) (bool, error) {
		h.mu.Lock()
		h.result, h.err = res, err
		h.mu.Unlock()
		return true, nil
	}

	// settle handles a status that ends polling.
	settle := func(ctx context.Context, st Status) (bool, *Result, error) {
		switch st.State {
		case StateReady:
			if ctx.Err() != nil {
				return true, nil, ctx.Err()
			}
			res, err := p.src.Result(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return true, nil, ctx.Err()
				}
				return true, nil, apperr.Remote(op, "Failed to fetch job result", err)
			}
			return true, res, nil
		case StateError:
			return true, nil, &FailedError{JobID: id, Message: st.Error}
		}
		return false, nil, nil
	}

	sched := func(_ int, elapsed time.Duration) time.Duration {
		return p.cfg.interval(elapsed)
	}

	h.task = repeat.Start(ctx, sched, func(ctx context.Context, tick repeat.Tick) (bool, error) {
		attempt := tick.N + 1
		st, err := p.src.Status(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if apperr.Is(err, apperr.KindNotFound) || errors.Is(err, ErrNotFound) {
				return finish(nil, apperr.Remote(op, "Job not found", err))
			}
			failures++
			var r Retryable
			if errors.As(err, &r) && !r.Retryable() {
				return finish(nil, apperr.Remote(op, "Failed to fetch job status", err))
			}
			if failures >= p.cfg.MaxConsecutiveFailures {
				return finish(nil, apperr.Remote(op, "Lost track of the job", err))
			}
			p.logger.Debug("status fetch failed, retrying", "job_id", id, "attempt", attempt, "failures", failures, "error", err)
		} else {
			failures = 0
			if onStatus != nil {
				onStatus(st)
			}
			if done, res, err := settle(ctx, st); done {
				if ctx.Err() != nil && res == nil {
					return true, ctx.Err()
				}
				return finish(res, err)
			}
		}

		if attempt < p.cfg.MaxAttempts {
			return false, nil
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		// Attempts exhausted: one last authoritative look before giving up.
		st, err = p.src.Status(ctx, id)
		if err == nil {
			if onStatus != nil {
				onStatus(st)
			}
			if done, res, err := settle(ctx, st); done {
				return finish(res, err)
			}
		}
		return finish(nil, apperr.Timeout(op, "Generation is taking longer than expected"))
	})
	return h
}
