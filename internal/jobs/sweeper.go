package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seriesme/seriesme-agent/internal/repeat"
)

// DefaultRetention is how long a finished job stays pollable.
const DefaultRetention = 5 * time.Minute

// Sweeper evicts finished jobs after the retention window and releases their
// media, whether or not anyone fetched the result.
type Sweeper struct {
	reg       Registry
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(reg Registry, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		reg:       reg,
		retention: retention,
		interval:  max(retention/10, time.Second),
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	task := repeat.Start(ctx, repeat.Every(s.interval), func(ctx context.Context, _ repeat.Tick) (bool, error) {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("job sweep failed", "error", err)
		}
		return false, nil
	})
	task.Wait()
}

// Sweep evicts every expired job and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.reg.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.retention)
	evicted := 0
	for _, j := range jobs {
		if !j.State.Terminal() || j.FinishedAt.IsZero() || j.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.reg.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return evicted, err
		}
		s.release(j)
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("evicted finished jobs", "count", evicted)
	}
	return evicted, nil
}

func (s *Sweeper) release(j *Job) {
	if err := j.Result.Release(); err != nil {
		s.logger.Warn("failed to release clip", "job_id", j.ID, "error", err)
	}
	if j.ImagePath != "" {
		if err := os.RemoveAll(filepath.Dir(j.ImagePath)); err != nil {
			s.logger.Warn("failed to remove uploads", "job_id", j.ID, "error", err)
		}
	}
}
