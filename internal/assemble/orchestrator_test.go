package assemble

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/captions"
	"github.com/seriesme/seriesme-agent/internal/capture"
	"github.com/seriesme/seriesme-agent/internal/compose"
	"github.com/seriesme/seriesme-agent/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeEncoder records frames and writes a placeholder file on Stop.
type fakeEncoder struct {
	startErr error
	stopErr  error

	mu       sync.Mutex
	spec     capture.Spec
	sessions []*fakeSession
}

func (e *fakeEncoder) Start(ctx context.Context, spec capture.Spec) (Session, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spec = spec
	s := &fakeSession{spec: spec, stopErr: e.stopErr, done: make(chan struct{})}
	e.sessions = append(e.sessions, s)
	return s, nil
}

type fakeSession struct {
	spec    capture.Spec
	stopErr error
	done    chan struct{}
	frames  int
	aborted bool
}

func (s *fakeSession) Consume(frames <-chan compose.Frame) {
	go func() {
		defer close(s.done)
		for range frames {
			s.frames++
		}
	}()
}

func (s *fakeSession) Stop() (*capture.Output, error) {
	<-s.done
	if s.stopErr != nil {
		return nil, s.stopErr
	}
	path := s.spec.OutPath + ".webm"
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return nil, err
	}
	return &capture.Output{Path: path, Format: capture.Formats[0], Frames: s.frames, Size: 5}, nil
}

func (s *fakeSession) Abort() {
	s.aborted = true
}

type fakeProber struct {
	d   float64
	err error
}

func (p fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return p.d, p.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) stages() []events.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Stage
	for _, e := range p.events {
		if len(out) == 0 || out[len(out)-1] != e.Stage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func smallOptions() RenderOptions {
	return RenderOptions{Width: 90, Height: 160, FPS: 30, KenBurns: true, Watermark: "SeriesMe", MaxDuration: 0.4}
}

func newTestOrchestrator(t *testing.T, enc Encoder, prober fakeProber, pub events.Publisher) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	return New(enc, prober, pub, testLogger(), DefaultConfig(dir)), dir
}

func TestGenerate_Success(t *testing.T) {
	enc := &fakeEncoder{}
	pub := &recordingPublisher{}
	o, dir := newTestOrchestrator(t, enc, fakeProber{}, pub)

	res, err := o.Generate(context.Background(), "job-1", Request{
		Image:     jpegBytes(t, 64, 64),
		ImageMIME: "image/jpeg",
		Script:    "Hi there. This is me!",
		Options:   smallOptions(),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// The estimate is at least 3s, so MaxDuration wins.
	if res.Duration != 0.4 {
		t.Errorf("Duration = %v, want 0.4", res.Duration)
	}
	if res.Width != 90 || res.Height != 160 || res.Format != "webm" {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Video.Path, filepath.Join(dir, "job-1")) {
		t.Errorf("video path %s outside job dir", res.Video.Path)
	}
	poster, err := os.ReadFile(res.Poster.Path)
	if err != nil {
		t.Fatalf("read poster: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(poster)); err != nil {
		t.Errorf("poster is not a JPEG: %v", err)
	}
	if res.Poster.MIMEType != "image/jpeg" || res.Poster.Size != int64(len(poster)) {
		t.Errorf("poster blob = %+v", res.Poster)
	}
	if enc.sessions[0].frames == 0 {
		t.Error("no frames reached the encoder")
	}

	want := []events.Stage{events.StageDecode, events.StageCaptions, events.StageEncode, events.StagePoster, events.StageDone}
	got := pub.stages()
	// Render ticks are only reported once per second, so may be absent here.
	filtered := got[:0]
	for _, s := range got {
		if s != events.StageRender {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if filtered[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}

	if err := res.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "job-1")); !os.IsNotExist(err) {
		t.Errorf("job dir should be gone after Release: %v", err)
	}
	if err := res.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestGenerate_AudioDurationAndSpec(t *testing.T) {
	enc := &fakeEncoder{}
	o, _ := newTestOrchestrator(t, enc, fakeProber{d: 0.25}, nil)

	res, err := o.Generate(context.Background(), "job-a", Request{
		Image:     pngBytes(t),
		ImageMIME: "image/png",
		Script:    "Short one",
		AudioPath: "/tmp/voice.webm",
		Options:   smallOptions(),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Duration != 0.25 {
		t.Errorf("Duration = %v, want audio length 0.25", res.Duration)
	}
	if enc.spec.AudioPath != "/tmp/voice.webm" || enc.spec.FPS != 30 || enc.spec.Bitrate != capture.DefaultBitrate {
		t.Errorf("spec = %+v", enc.spec)
	}
}

func TestGenerate_Failures(t *testing.T) {
	valid := Request{Image: jpegBytes(t, 8, 8), ImageMIME: "image/jpeg", Script: "Hello.", Options: smallOptions()}

	tests := []struct {
		name     string
		mod      func(*Request)
		enc      *fakeEncoder
		prober   fakeProber
		wantKind apperr.Kind
	}{
		{"empty script", func(r *Request) { r.Script = "   " }, &fakeEncoder{}, fakeProber{}, apperr.KindValidation},
		{"long script", func(r *Request) { r.Script = strings.Repeat("a", 201) }, &fakeEncoder{}, fakeProber{}, apperr.KindValidation},
		{"gif", func(r *Request) { r.ImageMIME = "image/gif" }, &fakeEncoder{}, fakeProber{}, apperr.KindValidation},
		{"mislabeled png", func(r *Request) { r.ImageMIME = "image/png" }, &fakeEncoder{}, fakeProber{}, apperr.KindValidation},
		{"corrupt jpeg", func(r *Request) { r.Image = append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 64)...) }, &fakeEncoder{}, fakeProber{}, apperr.KindMedia},
		{"bad audio", func(r *Request) { r.AudioPath = "/tmp/x.webm" }, &fakeEncoder{}, fakeProber{err: errors.New("invalid data")}, apperr.KindMedia},
		{"no encoder", func(r *Request) {}, &fakeEncoder{startErr: apperr.Media("capture.Select", "no supported encoder", nil)}, fakeProber{}, apperr.KindMedia},
		{"encode fails", func(r *Request) {}, &fakeEncoder{stopErr: apperr.Media("capture.Stop", "encoding failed", nil)}, fakeProber{}, apperr.KindMedia},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			o, dir := newTestOrchestrator(t, tt.enc, tt.prober, pub)
			req := valid
			tt.mod(&req)

			res, err := o.Generate(context.Background(), "job-x", req)
			if res != nil {
				t.Fatal("failure must not produce a partial result")
			}
			if got := apperr.KindOf(err); got != tt.wantKind {
				t.Fatalf("KindOf(%v) = %s, want %s", err, got, tt.wantKind)
			}
			if _, err := os.Stat(filepath.Join(dir, "job-x")); !os.IsNotExist(err) {
				t.Errorf("job dir left behind: %v", err)
			}
			stages := pub.stages()
			if len(stages) == 0 || stages[len(stages)-1] != events.StageFailed {
				t.Errorf("last stage = %v, want failed", stages)
			}
		})
	}
}

func TestGenerate_AudioWithoutDecoder(t *testing.T) {
	pub := &recordingPublisher{}
	dir := t.TempDir()
	o := New(&fakeEncoder{}, nil, pub, testLogger(), DefaultConfig(dir))

	res, err := o.Generate(context.Background(), "job-n", Request{
		Image:     jpegBytes(t, 8, 8),
		ImageMIME: "image/jpeg",
		Script:    "Hello.",
		AudioPath: "/tmp/voice.webm",
		Options:   smallOptions(),
	})
	if res != nil {
		t.Fatal("expected no result")
	}
	if !apperr.Is(err, apperr.KindMedia) {
		t.Fatalf("Generate() error = %v, want media error", err)
	}
	if stages := pub.stages(); stages[len(stages)-1] != events.StageFailed {
		t.Errorf("last stage = %v, want failed", stages)
	}
}

// stallingDraw lets the first free frames through, then blocks every later
// draw until the test ends.
func stallingDraw(t *testing.T, free int) drawFunc {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var mu sync.Mutex
	calls := 0
	return func(comp *compose.Composer, img image.Image, at, total float64, caps []captions.Caption) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= free {
			return nil
		}
		<-release
		return nil
	}
}

func watchdogOrchestrator(t *testing.T, enc Encoder, draw drawFunc) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.WatchdogGrace = 50 * time.Millisecond
	o := New(enc, fakeProber{}, nil, testLogger(), cfg)
	o.drawFrame = draw
	return o, dir
}

func TestGenerate_WatchdogStalledLoop(t *testing.T) {
	enc := &fakeEncoder{}
	o, dir := watchdogOrchestrator(t, enc, stallingDraw(t, 0))
	opts := smallOptions()
	opts.MaxDuration = 0.1

	start := time.Now()
	res, err := o.Generate(context.Background(), "job-w", Request{Image: jpegBytes(t, 8, 8), ImageMIME: "image/jpeg", Script: "Hello.", Options: opts})
	if res != nil {
		t.Fatal("stalled loop must not produce a result")
	}
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("Generate() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watchdog fired after %v", elapsed)
	}
	if !enc.sessions[0].aborted {
		t.Error("session should be aborted when the loop stalls")
	}
	if _, err := os.Stat(filepath.Join(dir, "job-w")); !os.IsNotExist(err) {
		t.Errorf("job dir left behind: %v", err)
	}
}

func TestGenerate_WatchdogForcesOverrunToFinish(t *testing.T) {
	enc := &fakeEncoder{}
	o, _ := watchdogOrchestrator(t, enc, stallingDraw(t, 1))
	opts := smallOptions()
	opts.MaxDuration = 0.1

	res, err := o.Generate(context.Background(), "job-o", Request{Image: jpegBytes(t, 8, 8), ImageMIME: "image/jpeg", Script: "Hello.", Options: opts})
	if err != nil {
		t.Fatalf("Generate() error = %v, want a forced stop that still succeeds", err)
	}
	defer res.Release()
	if res.Duration != 0.1 {
		t.Errorf("Duration = %v, want 0.1", res.Duration)
	}
	if enc.sessions[0].aborted {
		t.Error("session should be stopped, not aborted")
	}
	if _, err := os.Stat(res.Poster.Path); err != nil {
		t.Errorf("poster: %v", err)
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	enc := &fakeEncoder{}
	o, _ := newTestOrchestrator(t, enc, fakeProber{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := smallOptions()
	opts.MaxDuration = 5

	_, err := o.Generate(ctx, "job-c", Request{Image: jpegBytes(t, 8, 8), ImageMIME: "image/jpeg", Script: "Hello.", Options: opts})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	if len(enc.sessions) == 1 && !enc.sessions[0].aborted {
		t.Error("session should be aborted on cancellation")
	}
}

func TestValidateImage(t *testing.T) {
	jpg := jpegBytes(t, 4, 4)
	big := append(append([]byte{}, jpg...), make([]byte, MaxImageBytes)...)

	tests := []struct {
		name     string
		data     []byte
		mime     string
		wantMIME string
		wantErr  bool
	}{
		{"jpeg", jpg, "image/jpeg", "image/jpeg", false},
		{"jpg alias", jpg, "IMAGE/JPG", "image/jpeg", false},
		{"png", pngBytes(t), "image/png", "image/png", false},
		{"gif rejected", []byte("GIF89a...."), "image/gif", "", true},
		{"content mismatch", []byte("GIF89a...."), "image/jpeg", "", true},
		{"too big", big, "image/jpeg", "", true},
		{"empty", nil, "image/jpeg", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateImage(tt.data, tt.mime)
			if tt.wantErr {
				if !apperr.Is(err, apperr.KindValidation) {
					t.Fatalf("ValidateImage() error = %v, want validation error", err)
				}
				return
			}
			if err != nil || got != tt.wantMIME {
				t.Fatalf("ValidateImage() = %q, %v", got, err)
			}
		})
	}
}

func TestValidateScript(t *testing.T) {
	tests := []struct {
		script  string
		wantErr bool
	}{
		{"Hi there.", false},
		{strings.Repeat("é", 200), false},
		// 200 decomposed e + combining acute compose to 200 characters.
		{strings.Repeat("e\u0301", 200), false},
		{strings.Repeat("a", 201), true},
		{"", true},
		{" \n\t ", true},
	}
	for _, tt := range tests {
		err := ValidateScript(tt.script)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateScript(%.20q) error = %v, wantErr %v", tt.script, err, tt.wantErr)
		}
	}
}
