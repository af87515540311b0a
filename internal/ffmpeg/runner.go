package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// ErrNotInstalled is returned when the ffmpeg binary cannot be located.
var ErrNotInstalled = errors.New("ffmpeg not found")

// Runner executes ffmpeg and ffprobe as subprocesses.
type Runner interface {
	// Probe lists encoders and the version of the local ffmpeg build.
	Probe(ctx context.Context) (*Capabilities, error)

	// Run executes ffmpeg to completion with the given arguments.
	Run(ctx context.Context, args ...string) RunResult

	// Start launches a long-lived ffmpeg process with piped stdin/stdout.
	Start(ctx context.Context, opts StartOptions, args ...string) (*Process, error)

	// Duration returns the container duration of a media file in seconds.
	Duration(ctx context.Context, path string) (float64, error)

	// HasAudioStream reports whether the file carries a decodable audio stream.
	HasAudioStream(ctx context.Context, path string) (bool, error)
}

// Config holds the runner's configuration.
type Config struct {
	FFmpegPath   string        // empty = look up "ffmpeg" on PATH
	FFprobePath  string        // empty = look up "ffprobe" on PATH
	ProbeTimeout time.Duration // timeout for capability and duration probes
	Logger       *slog.Logger
	DebugPaths   bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		ProbeTimeout: 15 * time.Second,
		Logger:       logger,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg     Config
	ffmpeg  string
	ffprobe string
}

// NewRunner resolves the ffmpeg and ffprobe binaries.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	ffmpegBin, err := resolveBinary(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobeBin, err := resolveBinary(cfg.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg.Logger.Info("ffmpeg runner initialised", "ffmpeg", ffmpegBin, "ffprobe", ffprobeBin)

	return &SubprocessRunner{cfg: cfg, ffmpeg: ffmpegBin, ffprobe: ffprobeBin}, nil
}

// Probe runs `ffmpeg -version` and `ffmpeg -encoders`.
func (r *SubprocessRunner) Probe(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	ver := r.exec(ctx, r.ffmpeg, "-hide_banner", "-version")
	if !ver.IsSuccess() {
		return nil, fmt.Errorf("ffmpeg -version exited %d: %s", ver.ExitCode, ver.StderrTail)
	}
	enc := r.exec(ctx, r.ffmpeg, "-hide_banner", "-encoders")
	if !enc.IsSuccess() {
		return nil, fmt.Errorf("ffmpeg -encoders exited %d: %s", enc.ExitCode, enc.StderrTail)
	}

	caps := &Capabilities{
		Version:  parseVersion(ver.Stdout),
		Encoders: parseEncoders(enc.Stdout),
		ProbedAt: time.Now(),
	}

	r.cfg.Logger.Info("ffmpeg probe complete",
		"version", caps.Version,
		"encoders", len(caps.Encoders),
	)
	return caps, nil
}

func (r *SubprocessRunner) Run(ctx context.Context, args ...string) RunResult {
	return r.exec(ctx, r.ffmpeg, append([]string{"-hide_banner", "-nostdin", "-y"}, args...)...)
}

func (r *SubprocessRunner) Duration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	res := r.exec(ctx, r.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if !res.IsSuccess() {
		return 0, fmt.Errorf("ffprobe duration of %s exited %d: %s", r.safePath(path), res.ExitCode, res.StderrTail)
	}
	s := strings.TrimSpace(string(res.Stdout))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

func (r *SubprocessRunner) HasAudioStream(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	res := r.exec(ctx, r.ffprobe,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	if !res.IsSuccess() {
		return false, fmt.Errorf("ffprobe streams of %s exited %d: %s", r.safePath(path), res.ExitCode, res.StderrTail)
	}
	return strings.Contains(string(res.Stdout), "audio"), nil
}

// exec is the core run-to-completion helper. Stdout is captured in full since
// probes read their answers from it; stderr keeps a bounded tail.
func (r *SubprocessRunner) exec(ctx context.Context, bin string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	r.cfg.Logger.Debug("executing ffmpeg command", "bin", filepath.Base(bin), "args", r.safeArgs(args))

	err := cmd.Run()
	elapsed := time.Since(start)

	res := RunResult{
		ExitCode:   exitCode(err),
		Stdout:     stdout.Bytes(),
		StderrTail: stderr.String(),
		Duration:   elapsed,
	}
	if err != nil && res.StderrTail == "" {
		res.StderrTail = err.Error()
	}

	if !res.IsSuccess() {
		r.cfg.Logger.Warn("ffmpeg command failed",
			"bin", filepath.Base(bin),
			"exit_code", res.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(res.StderrTail, 512),
		)
	}
	return res
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code != 0 {
			return code
		}
	}
	return -1
}

func (r *SubprocessRunner) safeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if filepath.IsAbs(a) {
			a = r.safePath(a)
		}
		out[i] = a
	}
	return out
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolveBinary finds a usable binary, preferring an explicitly configured one.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found: %w", name, preferred, ErrNotInstalled)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("no %s binary found on PATH: %w", name, ErrNotInstalled)
	}
	return p, nil
}
