package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
	"github.com/seriesme/seriesme-agent/internal/repeat"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no active recording to stop")
)

const stopGrace = 5 * time.Second

// Format is a container/codec pair the recorder can produce.
type Format struct {
	MIMEType  string
	Ext       string
	Container string // ffmpeg muxer
	Codec     string // ffmpeg encoder
}

// Formats is the preference order for recordings.
var Formats = []Format{
	{MIMEType: "audio/webm;codecs=opus", Ext: ".webm", Container: "webm", Codec: "libopus"},
	{MIMEType: "audio/webm", Ext: ".webm", Container: "webm", Codec: "libvorbis"},
	{MIMEType: "audio/ogg;codecs=opus", Ext: ".ogg", Container: "ogg", Codec: "libopus"},
	{MIMEType: "audio/ogg", Ext: ".ogg", Container: "ogg", Codec: "libvorbis"},
}

// WAV is always available since pcm_s16le is built into ffmpeg.
var WAV = Format{MIMEType: "audio/wav", Ext: ".wav", Container: "wav", Codec: "pcm_s16le"}

// Supporter answers encoder capability questions.
type Supporter interface {
	Supports(ctx context.Context, encoders ...string) bool
}

// SelectFormat returns the first supported format, falling back to WAV.
func SelectFormat(ctx context.Context, s Supporter) Format {
	for _, f := range Formats {
		if s.Supports(ctx, f.Codec) {
			return f
		}
	}
	return WAV
}

// Device names an ffmpeg capture input, e.g. {"pulse", "default"} or
// {"avfoundation", ":0"}.
type Device struct {
	InputFormat string
	Name        string
}

// Runner is the part of the ffmpeg runner the recorder needs.
type Runner interface {
	Run(ctx context.Context, args ...string) ffmpeg.RunResult
	Start(ctx context.Context, opts ffmpeg.StartOptions, args ...string) (*ffmpeg.Process, error)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Device        Device
	Dir           string        // where finished recordings are written
	MaxDuration   time.Duration // auto-stop cap
	SampleRate    int
	Channels      int
	ChunkInterval time.Duration
	OnChunk       func([]byte) // optional, called on its own goroutine
	Logger        *slog.Logger
}

func (c *RecorderConfig) applyDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 20 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 100 * time.Millisecond
	}
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Recording is a finished capture.
type Recording struct {
	Data     []byte
	MIMEType string
	Duration float64 // seconds of wall-clock capture
	Path     string
}

// Recorder captures microphone audio through ffmpeg. One recording at a time.
type Recorder struct {
	runner    Runner
	supporter Supporter
	cfg       RecorderConfig

	mu      sync.Mutex
	session *session
	capped  *session // auto-stopped and not yet collected by Stop
}

type session struct {
	proc      *ffmpeg.Process
	format    Format
	buf       *chunkBuffer
	flusher   *repeat.Task
	autoStop  *time.Timer
	startedAt time.Time

	done chan struct{} // closed once rec and err are set
	rec  *Recording
	err  error
}

func NewRecorder(runner Runner, supporter Supporter, cfg RecorderConfig) *Recorder {
	cfg.applyDefaults()
	return &Recorder{runner: runner, supporter: supporter, cfg: cfg}
}

func (r *Recorder) inputArgs() []string {
	return []string{"-f", r.cfg.Device.InputFormat, "-i", r.cfg.Device.Name}
}

// RequestPermission opens the device briefly and reports whether that worked.
func (r *Recorder) RequestPermission(ctx context.Context) bool {
	args := append(r.inputArgs(), "-t", "0.1", "-f", "null", "-")
	res := r.runner.Run(ctx, args...)
	if !res.IsSuccess() {
		r.cfg.Logger.Warn("audio device unavailable",
			"input_format", r.cfg.Device.InputFormat,
			"device", r.cfg.Device.Name,
			"stderr_tail", res.StderrTail,
		)
		return false
	}
	return true
}

// Start begins capturing. The capture is bound to ctx and stops on its own
// after MaxDuration; the result is then kept for the next Stop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return ErrAlreadyRecording
	}
	r.capped = nil

	format := SelectFormat(ctx, r.supporter)
	buf := &chunkBuffer{}

	args := append(r.inputArgs(),
		"-t", strconv.FormatFloat(r.cfg.MaxDuration.Seconds()+1, 'f', 1, 64),
		"-ac", strconv.Itoa(r.cfg.Channels),
		"-ar", strconv.Itoa(r.cfg.SampleRate),
		"-c:a", format.Codec,
		"-f", format.Container,
		"pipe:1",
	)
	proc, err := r.runner.Start(ctx, ffmpeg.StartOptions{Stdin: true, Stdout: buf}, args...)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	s := &session{proc: proc, format: format, buf: buf, startedAt: time.Now(), done: make(chan struct{})}
	if r.cfg.OnChunk != nil {
		onChunk := r.cfg.OnChunk
		s.flusher = repeat.Start(context.Background(), repeat.Every(r.cfg.ChunkInterval), func(ctx context.Context, tick repeat.Tick) (bool, error) {
			if chunk := buf.take(); len(chunk) > 0 {
				onChunk(chunk)
			}
			return false, nil
		})
	}
	s.autoStop = time.AfterFunc(r.cfg.MaxDuration, func() {
		rec, err := r.stopSession(context.Background(), s, true)
		if err != nil {
			r.cfg.Logger.Warn("auto-stop failed", "error", err)
			return
		}
		r.cfg.Logger.Info("recording reached its cap", "duration_sec", rec.Duration)
	})
	r.session = s

	r.cfg.Logger.Info("recording started", "mime_type", format.MIMEType, "max_duration", r.cfg.MaxDuration)
	return nil
}

// IsRecording reports whether a capture is running.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Stop ends the capture and writes the recording to the recorder's directory.
// After an auto-stop it returns the kept recording once, waiting for it if the
// capture is still being finalized.
func (r *Recorder) Stop(ctx context.Context) (*Recording, error) {
	r.mu.Lock()
	s := r.session
	if s != nil {
		r.mu.Unlock()
		return r.stopSession(ctx, s, false)
	}
	c := r.capped
	r.capped = nil
	r.mu.Unlock()
	if c == nil {
		return nil, ErrNotRecording
	}
	return r.claim(ctx, c)
}

// claim waits for an auto-stopped session to finish. If ctx ends first the
// session is handed back so a later Stop can still collect it.
func (r *Recorder) claim(ctx context.Context, c *session) (*Recording, error) {
	select {
	case <-c.done:
		return c.rec, c.err
	default:
	}
	select {
	case <-c.done:
		return c.rec, c.err
	case <-ctx.Done():
		r.mu.Lock()
		if r.session == nil && r.capped == nil {
			r.capped = c
		}
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// stopSession is shared by Stop and the auto-stop timer; only the first caller
// for a session gets to finish it.
func (r *Recorder) stopSession(ctx context.Context, s *session, auto bool) (*Recording, error) {
	r.mu.Lock()
	if r.session != s {
		if !auto && r.capped == s {
			// The timer got here first.
			r.capped = nil
			r.mu.Unlock()
			return r.claim(ctx, s)
		}
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.session = nil
	if auto {
		r.capped = s
	}
	r.mu.Unlock()

	rec, err := r.finish(ctx, s)
	s.rec, s.err = rec, err
	close(s.done)
	return rec, err
}

func (r *Recorder) finish(ctx context.Context, s *session) (*Recording, error) {
	s.autoStop.Stop()
	elapsed := time.Since(s.startedAt)

	if stdin := s.proc.Stdin(); stdin != nil {
		_, _ = io.WriteString(stdin, "q\n")
		_ = stdin.Close()
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
	case <-timer.C:
		r.cfg.Logger.Warn("recorder did not stop in time, killing")
		s.proc.Kill()
	case <-ctx.Done():
		s.proc.Kill()
	}
	res := s.proc.Wait()

	if s.flusher != nil {
		s.flusher.Stop()
		s.flusher.Wait()
		if chunk := s.buf.take(); len(chunk) > 0 {
			r.cfg.OnChunk(chunk)
		}
	}

	data := s.buf.all()
	if len(data) == 0 {
		return nil, fmt.Errorf("recording produced no data (exit %d): %s", res.ExitCode, res.StderrTail)
	}

	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(r.cfg.Dir, "recording-"+uuid.NewString()+s.format.Ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write recording: %w", err)
	}

	dur := elapsed
	if dur > r.cfg.MaxDuration {
		dur = r.cfg.MaxDuration
	}
	rec := &Recording{
		Data:     data,
		MIMEType: s.format.MIMEType,
		Duration: dur.Seconds(),
		Path:     path,
	}
	r.cfg.Logger.Info("recording stopped", "bytes", len(data), "duration_sec", rec.Duration)
	return rec, nil
}

// Cleanup kills any running capture and forgets kept data.
func (r *Recorder) Cleanup() {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.capped = nil
	r.mu.Unlock()

	if s == nil {
		return
	}
	s.autoStop.Stop()
	s.proc.Kill()
	s.proc.Wait()
	if s.flusher != nil {
		s.flusher.Stop()
	}
}

// chunkBuffer keeps everything written plus the part not yet handed out.
type chunkBuffer struct {
	mu      sync.Mutex
	data    []byte
	pending int // offset of the first byte not yet taken
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	return len(p), nil
}

func (b *chunkBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending >= len(b.data) {
		return nil
	}
	chunk := make([]byte, len(b.data)-b.pending)
	copy(chunk, b.data[b.pending:])
	b.pending = len(b.data)
	return chunk
}

func (b *chunkBuffer) all() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
