package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEstimateDuration(t *testing.T) {
	tests := []struct {
		name string
		text string
		wpm  float64
		want float64
	}{
		{"floor for short text", "Hello there", 150, 3},
		{"empty", "", 150, 3},
		{"60 words at 120", wordsN(60), 120, 30},
		{"30 words default rate", wordsN(30), 0, 12},
		{"negative rate uses default", wordsN(30), -5, 12},
		{"extra whitespace ignored", "  a   b  ", 1, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateDuration(tt.text, tt.wpm)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func wordsN(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += " "
		}
		s += "word"
	}
	return s
}

type fakeProber struct {
	d   float64
	err error
}

func (p fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return p.d, p.err
}

func TestDuration(t *testing.T) {
	ctx := context.Background()

	d, err := Duration(ctx, fakeProber{d: 4.2}, "a.wav")
	if err != nil || d != 4.2 {
		t.Fatalf("Duration() = %v, %v", d, err)
	}

	if _, err := Duration(ctx, nil, "a.wav"); !apperr.Is(err, apperr.KindMedia) {
		t.Errorf("Duration(nil prober) error = %v, want media error", err)
	}

	for _, p := range []fakeProber{
		{err: errors.New("moov atom not found")},
		{d: 0},
		{d: math.Inf(1)},
		{d: math.NaN()},
	} {
		if _, err := Duration(ctx, p, "a.wav"); !apperr.Is(err, apperr.KindMedia) {
			t.Errorf("Duration(%+v) error = %v, want media error", p, err)
		}
	}
}

type fakeSupporter map[string]bool

func (s fakeSupporter) Supports(ctx context.Context, encoders ...string) bool {
	for _, e := range encoders {
		if !s[e] {
			return false
		}
	}
	return true
}

func TestSelectFormat(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		encoders fakeSupporter
		wantMIME string
	}{
		{"opus preferred", fakeSupporter{"libopus": true, "libvorbis": true}, "audio/webm;codecs=opus"},
		{"vorbis only", fakeSupporter{"libvorbis": true}, "audio/webm"},
		{"nothing", fakeSupporter{}, "audio/wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectFormat(ctx, tt.encoders); got.MIMEType != tt.wantMIME {
				t.Errorf("SelectFormat() = %q, want %q", got.MIMEType, tt.wantMIME)
			}
		})
	}
}

func TestChunkBuffer(t *testing.T) {
	b := &chunkBuffer{}
	b.Write([]byte("abc"))
	if got := string(b.take()); got != "abc" {
		t.Errorf("take() = %q", got)
	}
	if got := b.take(); got != nil {
		t.Errorf("second take() = %q, want nil", got)
	}
	b.Write([]byte("de"))
	if got := string(b.take()); got != "de" {
		t.Errorf("take() = %q", got)
	}
	if got := string(b.all()); got != "abcde" {
		t.Errorf("all() = %q", got)
	}
}

func newTestRecorder(t *testing.T, device Device, maxDur time.Duration, onChunk func([]byte)) *Recorder {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	runner, err := ffmpeg.NewRunner(ffmpeg.DefaultConfig(testLogger()))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r := NewRecorder(runner, fakeSupporter{}, RecorderConfig{
		Device:        device,
		Dir:           t.TempDir(),
		MaxDuration:   maxDur,
		ChunkInterval: 20 * time.Millisecond,
		OnChunk:       onChunk,
		Logger:        testLogger(),
	})
	t.Cleanup(r.Cleanup)
	return r
}

var sineDevice = Device{InputFormat: "lavfi", Name: "sine=frequency=440"}

func TestRecorder_RequestPermission(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t, sineDevice, time.Second, nil)
	if !r.RequestPermission(ctx) {
		t.Error("RequestPermission() = false for a working input")
	}

	bad := newTestRecorder(t, Device{InputFormat: "lavfi", Name: "no_such_filter_xyz"}, time.Second, nil)
	if bad.RequestPermission(ctx) {
		t.Error("RequestPermission() = true for a broken input")
	}
}

func TestRecorder_StartStop(t *testing.T) {
	ctx := context.Background()
	var chunks atomic.Int32
	r := newTestRecorder(t, sineDevice, 2*time.Second, func(b []byte) { chunks.Add(1) })

	if _, err := r.Stop(ctx); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop() before Start = %v, want ErrNotRecording", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRecording", err)
	}
	time.Sleep(200 * time.Millisecond)

	rec, err := r.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if rec.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q, want audio/wav", rec.MIMEType)
	}
	if len(rec.Data) == 0 {
		t.Error("recording is empty")
	}
	if _, err := os.Stat(rec.Path); err != nil {
		t.Errorf("recording file: %v", err)
	}
	if rec.Duration <= 0 || rec.Duration > 2 {
		t.Errorf("Duration = %v", rec.Duration)
	}
	if chunks.Load() == 0 {
		t.Error("OnChunk never called")
	}
	if _, err := r.Stop(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop() after Stop = %v, want ErrNotRecording", err)
	}
}

func TestRecorder_AutoStopKeepsResult(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t, sineDevice, 300*time.Millisecond, nil)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.IsRecording() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if r.IsRecording() {
		t.Fatal("recorder did not stop at its cap")
	}

	rec, err := r.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() after auto-stop = %v", err)
	}
	if rec.Duration > 0.3+1e-9 {
		t.Errorf("Duration = %v, want capped at 0.3", rec.Duration)
	}
}

// slowFinishFFmpeg writes a stand-in ffmpeg that emits a header, waits for
// the "q" command and then takes finalize to flush its trailer.
func slowFinishFFmpeg(t *testing.T, finalize time.Duration) *ffmpeg.SubprocessRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	dir := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
printf 'RIFF'
while read -r line; do
  [ "$line" = "q" ] && break
done
sleep %.3f
printf 'tail'
`, finalize.Seconds())
	for _, name := range []string{"ffmpeg", "ffprobe"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	cfg := ffmpeg.DefaultConfig(testLogger())
	cfg.FFmpegPath = filepath.Join(dir, "ffmpeg")
	cfg.FFprobePath = filepath.Join(dir, "ffprobe")
	runner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return runner
}

func newSlowRecorder(t *testing.T, maxDur time.Duration) *Recorder {
	t.Helper()
	r := NewRecorder(slowFinishFFmpeg(t, 200*time.Millisecond), fakeSupporter{}, RecorderConfig{
		Device:      Device{InputFormat: "lavfi", Name: "anullsrc"},
		Dir:         t.TempDir(),
		MaxDuration: maxDur,
		Logger:      testLogger(),
	})
	t.Cleanup(r.Cleanup)
	return r
}

func TestRecorder_StopWhileCapFinalizes(t *testing.T) {
	ctx := context.Background()
	r := newSlowRecorder(t, 300*time.Millisecond)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(320 * time.Millisecond)

	rec, err := r.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() at the cap = %v", err)
	}
	if got := string(rec.Data); got != "RIFFtail" {
		t.Errorf("Data = %q, want the finalized recording", got)
	}
	if _, err := os.Stat(rec.Path); err != nil {
		t.Errorf("recording file: %v", err)
	}
	if _, err := r.Stop(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second Stop() = %v, want ErrNotRecording", err)
	}
}

func TestRecorder_CancelledStopKeepsCappedRecording(t *testing.T) {
	r := newSlowRecorder(t, 100*time.Millisecond)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(130 * time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Stop(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop(cancelled) = %v, want context.Canceled", err)
	}

	rec, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() after a cancelled wait = %v", err)
	}
	if len(rec.Data) == 0 {
		t.Error("recording is empty")
	}
}
