package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/compose"
	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
)

// DefaultBitrate is the target video bitrate in bits per second.
const DefaultBitrate = 2_500_000

// Runner is the part of the ffmpeg runner the encoder needs.
type Runner interface {
	Start(ctx context.Context, opts ffmpeg.StartOptions, args ...string) (*ffmpeg.Process, error)
	HasAudioStream(ctx context.Context, path string) (bool, error)
}

// CapabilitySource reports which encoders the local ffmpeg has.
type CapabilitySource interface {
	Get(ctx context.Context) (*ffmpeg.Capabilities, error)
}

// Spec describes one encoding session.
type Spec struct {
	Width     int
	Height    int
	FPS       int
	AudioPath string // optional track mixed into the output
	OutPath   string // extension is replaced by the selected format's
	Bitrate   int
}

// Encoder starts ffmpeg sessions in the best available format.
type Encoder struct {
	runner Runner
	caps   CapabilitySource
	logger *slog.Logger
}

// NewEncoder builds an encoder. A nil runner means ffmpeg is not installed;
// every Start then fails with a media error.
func NewEncoder(runner Runner, caps CapabilitySource, logger *slog.Logger) *Encoder {
	return &Encoder{runner: runner, caps: caps, logger: logger}
}

// Select picks the first format whose encoders are all available.
func (e *Encoder) Select(ctx context.Context) (Format, error) {
	if e.runner == nil {
		return Format{}, apperr.Media("capture.Select", "no supported encoder", ffmpeg.ErrNotInstalled)
	}
	caps, err := e.caps.Get(ctx)
	if err != nil {
		if errors.Is(err, ffmpeg.ErrNotInstalled) {
			return Format{}, apperr.Media("capture.Select", "no supported encoder", err)
		}
		e.logger.Warn("encoder probe failed, using built-in format", "error", err)
		return Fallback(), nil
	}
	for _, f := range Formats {
		if caps.HasAll(f.Encoders()...) {
			return f, nil
		}
	}
	return Format{}, apperr.Media("capture.Select", "no supported encoder", nil)
}

// Start launches ffmpeg reading raw RGBA frames on stdin.
func (e *Encoder) Start(ctx context.Context, spec Spec) (*Session, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid capture spec %dx%d@%d", spec.Width, spec.Height, spec.FPS)
	}
	if spec.OutPath == "" {
		return nil, errors.New("capture spec has no output path")
	}
	if spec.Bitrate <= 0 {
		spec.Bitrate = DefaultBitrate
	}

	format, err := e.Select(ctx)
	if err != nil {
		return nil, err
	}

	withAudio := false
	if spec.AudioPath != "" {
		ok, err := e.runner.HasAudioStream(ctx, spec.AudioPath)
		switch {
		case err != nil:
			e.logger.Warn("failed to add audio track, continuing with video only", "error", err)
		case !ok:
			e.logger.Warn("audio file has no audio stream, continuing with video only")
		default:
			withAudio = true
		}
	}

	outPath := strings.TrimSuffix(spec.OutPath, filepath.Ext(spec.OutPath)) + format.Ext
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	args := buildArgs(spec, format, withAudio, outPath)
	proc, err := e.runner.Start(ctx, ffmpeg.StartOptions{Stdin: true}, args...)
	if err != nil {
		return nil, apperr.Media("capture.Start", "failed to start encoder", err)
	}

	e.logger.Info("encoder started",
		"mime_type", format.MIMEType,
		"video_codec", format.VideoCodec,
		"with_audio", withAudio,
	)

	return &Session{
		proc:       proc,
		format:     format,
		path:       outPath,
		frameBytes: spec.Width * spec.Height * 4,
		withAudio:  withAudio,
		stopping:   make(chan struct{}),
		consumed:   make(chan struct{}),
		logger:     e.logger,
	}, nil
}

func buildArgs(spec Spec, f Format, withAudio bool, outPath string) []string {
	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-framerate", strconv.Itoa(spec.FPS),
		"-i", "pipe:0",
	}
	if withAudio {
		args = append(args, "-i", spec.AudioPath)
	}
	args = append(args, "-map", "0:v")
	if withAudio {
		args = append(args, "-map", "1:a", "-c:a", f.AudioCodec, "-b:a", "128k", "-shortest")
	}
	args = append(args,
		"-c:v", f.VideoCodec,
		"-b:v", strconv.Itoa(spec.Bitrate),
		"-pix_fmt", "yuv420p",
	)
	args = append(args, f.extraArgs...)
	return append(args, "-f", f.Container, outPath)
}

// Output is a finished encoding.
type Output struct {
	Path      string
	Format    Format
	Frames    int
	Size      int64
	WithAudio bool
}

// Session is one running encode.
type Session struct {
	proc       *ffmpeg.Process
	format     Format
	path       string
	frameBytes int
	withAudio  bool
	logger     *slog.Logger

	consumeOnce sync.Once
	stopOnce    sync.Once
	stopping    chan struct{}
	consumed    chan struct{}

	mu       sync.Mutex
	frames   int
	writeErr error
}

func (s *Session) Format() Format { return s.format }

// Consume feeds frames to ffmpeg on a background goroutine until the channel
// closes or the session stops. Index gaps left by dropped frames are filled by
// repeating the previous frame so the clip keeps wall-clock timing.
func (s *Session) Consume(frames <-chan compose.Frame) {
	started := false
	s.consumeOnce.Do(func() {
		started = true
		go s.consume(frames)
	})
	if !started {
		s.logger.Warn("session already consuming a stream")
	}
}

func (s *Session) consume(frames <-chan compose.Frame) {
	defer close(s.consumed)
	stdin := s.proc.Stdin()

	var last []byte
	next := 0
	handle := func(f compose.Frame) bool {
		if len(f.Pix) != s.frameBytes {
			s.fail(fmt.Errorf("frame %d has %d bytes, want %d", f.Index, len(f.Pix), s.frameBytes))
			return false
		}
		for ; last != nil && next < f.Index; next++ {
			if !s.write(stdin, last) {
				return false
			}
		}
		if !s.write(stdin, f.Pix) {
			return false
		}
		last = f.Pix
		next = f.Index + 1
		return true
	}

	for {
		select {
		case <-s.stopping:
			// Flush what is already buffered, then quit.
			for {
				select {
				case f, ok := <-frames:
					if !ok || !handle(f) {
						return
					}
				default:
					return
				}
			}
		case f, ok := <-frames:
			if !ok || !handle(f) {
				return
			}
		}
	}
}

func (s *Session) write(w io.Writer, pix []byte) bool {
	if _, err := w.Write(pix); err != nil {
		s.fail(fmt.Errorf("write frame: %w", err))
		return false
	}
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.mu.Unlock()
}

// Frames is the number of frames written so far.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.consumeOnce.Do(func() { close(s.consumed) })
	<-s.consumed
}

// Stop finishes the stream, waits for ffmpeg and returns the output. On
// failure the partial file is removed.
func (s *Session) Stop() (*Output, error) {
	s.halt()
	if stdin := s.proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}
	res := s.proc.Wait()

	s.mu.Lock()
	frames, writeErr := s.frames, s.writeErr
	s.mu.Unlock()

	if !res.IsSuccess() {
		os.Remove(s.path)
		return nil, apperr.Media("capture.Stop", "encoding failed",
			fmt.Errorf("ffmpeg exited %d: %s", res.ExitCode, res.StderrTail))
	}
	if frames == 0 {
		os.Remove(s.path)
		return nil, apperr.Media("capture.Stop", "no frames were encoded", writeErr)
	}
	if writeErr != nil {
		s.logger.Warn("encoder stopped reading early", "error", writeErr, "frames", frames)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, apperr.Media("capture.Stop", "encoded file missing", err)
	}
	if info.Size() == 0 {
		os.Remove(s.path)
		return nil, apperr.Media("capture.Stop", "encoded file is empty", nil)
	}

	s.logger.Info("encoder finished",
		"frames", frames,
		"bytes", info.Size(),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return &Output{
		Path:      s.path,
		Format:    s.format,
		Frames:    frames,
		Size:      info.Size(),
		WithAudio: s.withAudio,
	}, nil
}

// Abort kills ffmpeg and removes the partial file.
func (s *Session) Abort() {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.proc.Kill()
	s.halt()
	s.proc.Wait()
	os.Remove(s.path)
}
