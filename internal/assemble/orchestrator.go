// Package assemble runs one clip generation end to end: decode the portrait,
// time the captions, animate the frames into the encoder and cut a poster.
package assemble

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/audio"
	"github.com/seriesme/seriesme-agent/internal/captions"
	"github.com/seriesme/seriesme-agent/internal/capture"
	"github.com/seriesme/seriesme-agent/internal/compose"
	"github.com/seriesme/seriesme-agent/internal/events"
	"github.com/seriesme/seriesme-agent/internal/repeat"
)

// Session is a running encode fed from a frame stream.
type Session interface {
	Consume(frames <-chan compose.Frame)
	Stop() (*capture.Output, error)
	Abort()
}

// Encoder starts encoding sessions.
type Encoder interface {
	Start(ctx context.Context, spec capture.Spec) (Session, error)
}

type captureEncoder struct {
	enc *capture.Encoder
}

// FromCapture adapts a capture.Encoder.
func FromCapture(enc *capture.Encoder) Encoder {
	return captureEncoder{enc: enc}
}

func (c captureEncoder) Start(ctx context.Context, spec capture.Spec) (Session, error) {
	s, err := c.enc.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RenderOptions are the per-clip render settings.
type RenderOptions struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
	KenBurns    bool    `json:"kenBurns"`
	Watermark   string  `json:"watermark"`
	MaxDuration float64 `json:"maxDuration"` // seconds
}

// DefaultRenderOptions is a 20 second cap on a 1080x1920 30 fps canvas.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Width:       1080,
		Height:      1920,
		FPS:         30,
		KenBurns:    true,
		Watermark:   "SeriesMe",
		MaxDuration: 20,
	}
}

func (o RenderOptions) withDefaults() RenderOptions {
	d := DefaultRenderOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	if o.FPS <= 0 {
		o.FPS = d.FPS
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	return o
}

// Request is one clip to generate.
type Request struct {
	Image     []byte
	ImageMIME string
	Script    string
	AudioPath string // optional narration file
	Options   RenderOptions
}

// Config tunes the orchestrator.
type Config struct {
	WorkDir       string        // results go to <WorkDir>/<jobID>/
	WatchdogGrace time.Duration // frame loop may overrun the clip by this much
	PosterAt      float64       // fraction of the clip used for the poster
	PosterQuality int
	ReadingWPM    float64
	Bitrate       int
}

// DefaultConfig returns production defaults rooted at workDir.
func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:       workDir,
		WatchdogGrace: 2 * time.Second,
		PosterAt:      0.3,
		PosterQuality: 90,
		ReadingWPM:    audio.ReadingWPM,
		Bitrate:       capture.DefaultBitrate,
	}
}

// drawFunc renders the frame for time t of a clip lasting total seconds.
type drawFunc func(comp *compose.Composer, img image.Image, t, total float64, caps []captions.Caption) error

// Orchestrator generates clips. It is safe for concurrent use; each call owns
// its own composer and encoder session.
type Orchestrator struct {
	enc    Encoder
	prober audio.DurationProber
	pub    events.Publisher
	logger *slog.Logger
	cfg    Config

	drawFrame drawFunc // frame loop draws
}

// New returns an orchestrator. A nil prober fails every request that carries
// audio with a media error.
func New(enc Encoder, prober audio.DurationProber, pub events.Publisher, logger *slog.Logger, cfg Config) *Orchestrator {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Orchestrator{
		enc:       enc,
		prober:    prober,
		pub:       pub,
		logger:    logger,
		cfg:       cfg,
		drawFrame: (*compose.Composer).DrawFrame,
	}
}

func (o *Orchestrator) emit(jobID string, stage events.Stage, progress float64, eta int, msg string) {
	o.pub.Publish(events.Event{JobID: jobID, Stage: stage, Progress: progress, ETASeconds: eta, Message: msg})
}

// Generate produces a clip or an error, never a partial result. On failure
// every file written for the job is removed.
func (o *Orchestrator) Generate(ctx context.Context, jobID string, req Request) (result *ClipResult, err error) {
	dir := filepath.Join(o.cfg.WorkDir, jobID)
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			o.emit(jobID, events.StageFailed, 0, 0, apperr.Message(err))
		}
	}()

	opts := req.Options.withDefaults()

	o.emit(jobID, events.StageDecode, 0, 0, "decoding image")
	if err := ValidateScript(req.Script); err != nil {
		return nil, err
	}
	if _, err := ValidateImage(req.Image, req.ImageMIME); err != nil {
		return nil, err
	}
	script := NormalizeScript(req.Script)
	img, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	var duration float64
	if req.AudioPath != "" {
		if duration, err = audio.Duration(ctx, o.prober, req.AudioPath); err != nil {
			return nil, err
		}
	} else {
		duration = audio.EstimateDuration(script, o.cfg.ReadingWPM)
	}
	duration = math.Min(duration, opts.MaxDuration)

	caps := captions.Generate(script, duration)
	o.emit(jobID, events.StageCaptions, 0, eta(duration, 0), fmt.Sprintf("%d captions over %.1fs", len(caps), duration))

	copts := compose.DefaultOptions()
	copts.Width, copts.Height, copts.FPS = opts.Width, opts.Height, opts.FPS
	copts.KenBurns = opts.KenBurns
	copts.Watermark = opts.Watermark
	comp, err := compose.New(copts)
	if err != nil {
		return nil, apperr.Media("assemble.Generate", "Could not acquire drawing surface", err)
	}
	defer comp.Dispose()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	sess, err := o.enc.Start(ctx, capture.Spec{
		Width:     opts.Width,
		Height:    opts.Height,
		FPS:       opts.FPS,
		AudioPath: req.AudioPath,
		OutPath:   filepath.Join(dir, "clip"),
		Bitrate:   o.cfg.Bitrate,
	})
	if err != nil {
		return nil, err
	}

	// The first sample must not be a blank surface.
	if err := comp.DrawFrame(img, 0, duration, caps); err != nil {
		sess.Abort()
		return nil, apperr.Media("assemble.Generate", "Canvas drawing failed", err)
	}
	stream := comp.CaptureStream(ctx, opts.FPS)
	sess.Consume(stream.Frames())

	renderErr := o.animate(ctx, jobID, comp, img, duration, caps, opts.FPS)
	stream.Stop()
	if renderErr != nil {
		sess.Abort()
		return nil, renderErr
	}
	if dropped := stream.Dropped(); dropped > 0 {
		o.logger.Debug("encoder fell behind", "job_id", jobID, "dropped_frames", dropped)
	}

	o.emit(jobID, events.StageEncode, 1, 1, "finalizing video")
	out, err := sess.Stop()
	if err != nil {
		return nil, err
	}

	o.emit(jobID, events.StagePoster, 1, 0, "rendering poster")
	poster, err := o.writePoster(comp, img, duration, caps, dir)
	if err != nil {
		return nil, err
	}

	result = &ClipResult{
		Video:    Blob{Path: out.Path, MIMEType: out.Format.MIMEType, Size: out.Size},
		Poster:   poster,
		Duration: duration,
		Width:    opts.Width,
		Height:   opts.Height,
		Format:   out.Format.Name,
	}
	o.emit(jobID, events.StageDone, 1, 0, fmt.Sprintf("%s %dx%d %.1fs", result.Format, result.Width, result.Height, duration))
	return result, nil
}

// animate redraws the frame for the elapsed wall-clock time every 1/fps until
// the clip duration is reached. A watchdog ends the loop if it overruns.
func (o *Orchestrator) animate(ctx context.Context, jobID string, comp *compose.Composer, img image.Image, duration float64, caps []captions.Caption, fps int) error {
	start := time.Now()
	var drawn atomic.Int64
	lastReport := time.Duration(0)

	task := repeat.Start(ctx, repeat.Every(time.Second/time.Duration(fps)), func(ctx context.Context, tick repeat.Tick) (bool, error) {
		elapsed := time.Since(start).Seconds()
		if elapsed >= duration {
			return true, nil
		}
		if err := o.drawFrame(comp, img, elapsed, duration, caps); err != nil {
			return false, err
		}
		drawn.Add(1)
		if tick.Elapsed-lastReport >= time.Second {
			lastReport = tick.Elapsed
			o.emit(jobID, events.StageRender, elapsed/duration, eta(duration, elapsed), "")
		}
		return false, nil
	})

	expired := make(chan struct{})
	watchdog := time.AfterFunc(time.Duration(duration*float64(time.Second))+o.cfg.WatchdogGrace, func() {
		close(expired)
	})
	defer watchdog.Stop()

	select {
	case <-task.Done():
	case <-expired:
		task.Stop()
		if drawn.Load() == 0 {
			return apperr.Timeout("assemble.Generate", "Frame loop stalled")
		}
		o.logger.Warn("frame loop overran, forcing stop", "job_id", jobID, "frames", drawn.Load())
		return nil
	}

	err := task.Wait()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return apperr.Media("assemble.Generate", "Canvas drawing failed", err)
	}
}

func (o *Orchestrator) writePoster(comp *compose.Composer, img image.Image, duration float64, caps []captions.Caption, dir string) (Blob, error) {
	if err := comp.DrawFrame(img, duration*o.cfg.PosterAt, duration, caps); err != nil {
		return Blob{}, apperr.Media("assemble.poster", "Failed to draw poster", err)
	}
	path := filepath.Join(dir, "poster.jpg")
	f, err := os.Create(path)
	if err != nil {
		return Blob{}, fmt.Errorf("create poster: %w", err)
	}
	if err := comp.EncodeJPEG(f, o.cfg.PosterQuality); err != nil {
		f.Close()
		return Blob{}, apperr.Media("assemble.poster", "Failed to create poster image", err)
	}
	if err := f.Close(); err != nil {
		return Blob{}, fmt.Errorf("close poster: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Blob{}, fmt.Errorf("stat poster: %w", err)
	}
	return Blob{Path: path, MIMEType: "image/jpeg", Size: info.Size()}, nil
}

func eta(duration, elapsed float64) int {
	return int(math.Ceil(math.Max(0, duration-elapsed)))
}
