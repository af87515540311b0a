package jobs

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/events"
)

// Generator produces a clip for a job.
type Generator interface {
	Generate(ctx context.Context, jobID string, req assemble.Request) (*assemble.ClipResult, error)
}

// SpeechFunc synthesizes narration for text into dir and returns the file path.
type SpeechFunc func(ctx context.Context, text, dir string) (string, error)

// AnimateFunc picks the animation back end for an animated clip.
type AnimateFunc func(ctx context.Context, opts assemble.RenderOptions) (assemble.RenderOptions, error)

// ShutdownMessage is recorded on jobs cancelled by agent shutdown.
const ShutdownMessage = "interrupted by shutdown"

// PanicMessage is recorded on jobs whose generation crashed.
const PanicMessage = "Clip generation failed unexpectedly"

type RunnerConfig struct {
	PollInterval  time.Duration
	MaxConcurrent int
	Speech        SpeechFunc  // nil disables text-to-speech
	Animate       AnimateFunc // nil keeps the options as submitted
	OnFinish      func(*Job)  // called once per job that reaches ready or error
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{PollInterval: 2 * time.Second, MaxConcurrent: 1}
}

// Runner picks queued jobs and generates them in the background.
type Runner struct {
	reg    Registry
	gen    Generator
	logger *slog.Logger
	cfg    RunnerConfig
	now    func() time.Time

	wake    chan struct{}
	slots   chan struct{}
	wg      sync.WaitGroup
	active  atomic.Int32
	running atomic.Bool
	paused  atomic.Bool
}

func NewRunner(reg Registry, gen Generator, logger *slog.Logger, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Runner{
		reg:    reg,
		gen:    gen,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start blocks until ctx is cancelled and in-flight jobs have finished.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started", "max_concurrent", r.cfg.MaxConcurrent)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping", "active", r.active.Load())
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
			r.dispatch(ctx)
		case <-r.wake:
			r.dispatch(ctx)
		}
	}
}

// Wake asks the runner to look for queued jobs now.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
	r.Wake()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Active is the number of jobs being generated.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

var errNotQueued = errors.New("job is no longer queued")

func (r *Runner) dispatch(ctx context.Context) {
	if r.paused.Load() || ctx.Err() != nil {
		return
	}

	jobs, err := r.reg.List(ctx)
	if err != nil {
		r.logger.Error("failed to list jobs", "error", err)
		return
	}
	queued := jobs[:0]
	for _, j := range jobs {
		if j.State == StateQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool {
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})

	for _, j := range queued {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		claimed, err := r.reg.Update(ctx, j.ID, func(job *Job) error {
			if job.State != StateQueued {
				return errNotQueued
			}
			return job.Advance(StateProcessing, 0, -1, r.now())
		})
		if err != nil {
			<-r.slots
			if !errors.Is(err, errNotQueued) && !errors.Is(err, ErrNotFound) {
				r.logger.Error("failed to claim job", "job_id", j.ID, "error", err)
			}
			continue
		}

		r.active.Add(1)
		r.wg.Add(1)
		go func() {
			defer func() {
				r.active.Add(-1)
				<-r.slots
				r.wg.Done()
				r.Wake()
			}()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("job panicked", "job_id", claimed.ID, "panic", p)
					r.fail(ctx, claimed.ID, PanicMessage)
				}
			}()
			r.process(ctx, claimed)
		}()
	}
}

func (r *Runner) process(ctx context.Context, job *Job) {
	logger := r.logger.With("job_id", job.ID)
	logger.Info("processing job")

	image, err := os.ReadFile(job.ImagePath)
	if err != nil {
		r.fail(ctx, job.ID, "Uploaded image is missing")
		logger.Error("failed to read upload", "error", err)
		return
	}

	audioPath := job.AudioPath
	if job.UseTTS && audioPath == "" && r.cfg.Speech != nil {
		path, err := r.cfg.Speech(ctx, job.Script, filepath.Dir(job.ImagePath))
		if err != nil {
			logger.Warn("speech synthesis failed, rendering without narration", "error", err)
		} else {
			audioPath = path
		}
	}

	opts := job.Options
	if opts.KenBurns && r.cfg.Animate != nil {
		if animated, err := r.cfg.Animate(ctx, opts); err != nil {
			logger.Warn("no animator available, using submitted options", "error", err)
		} else {
			opts = animated
		}
	}

	result, err := r.gen.Generate(ctx, job.ID, assemble.Request{
		Image:     image,
		ImageMIME: job.ImageMIME,
		Script:    job.Script,
		AudioPath: audioPath,
		Options:   opts,
	})
	if err != nil {
		msg := apperr.Message(err)
		if ctx.Err() != nil {
			msg = ShutdownMessage
		}
		r.fail(ctx, job.ID, msg)
		logger.Error("job failed", "kind", apperr.KindOf(err), "error", err)
		return
	}

	done, err := r.reg.Update(context.WithoutCancel(ctx), job.ID, func(j *Job) error {
		return j.Complete(result, r.now())
	})
	if err != nil {
		// Nobody can reach the clip any more.
		result.Release()
		logger.Error("failed to complete job", "error", err)
		return
	}
	r.finished(done)
	logger.Info("job ready", "duration", result.Duration, "format", result.Format)
}

func (r *Runner) fail(ctx context.Context, id, msg string) {
	job, err := r.reg.Update(context.WithoutCancel(ctx), id, func(j *Job) error {
		return j.Fail(msg, r.now())
	})
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			r.logger.Error("failed to record job failure", "job_id", id, "error", err)
		}
		return
	}
	r.finished(job)
}

func (r *Runner) finished(job *Job) {
	if r.cfg.OnFinish != nil {
		r.cfg.OnFinish(job)
	}
}

// HandleEvent folds orchestrator stage events into job progress. Subscribe it
// to the bus the orchestrator publishes on.
func (r *Runner) HandleEvent(e events.Event) {
	state, progress, ok := stageProgress(e)
	if !ok {
		return
	}
	_, err := r.reg.Update(context.Background(), e.JobID, func(j *Job) error {
		return j.Advance(state, progress, e.ETASeconds, r.now())
	})
	if err != nil && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotFound) {
		r.logger.Debug("progress update rejected", "job_id", e.JobID, "stage", e.Stage, "error", err)
	}
}

func stageProgress(e events.Event) (State, int, bool) {
	switch e.Stage {
	case events.StageDecode:
		return StateProcessing, 10, true
	case events.StageCaptions:
		return StateProcessing, 20, true
	case events.StageRender:
		return StateProcessing, 20 + int(math.Round(math.Min(math.Max(e.Progress, 0), 1)*60)), true
	case events.StageEncode:
		return StateAssembling, 85, true
	case events.StagePoster:
		return StateAssembling, 95, true
	default:
		return "", 0, false
	}
}
