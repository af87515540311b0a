package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/events"
)

type fakeGenerator struct {
	pub     events.Publisher
	dir     string
	err     error
	crash   string // panic with this value when set
	block   chan struct{}
	mu      sync.Mutex
	calls   []assemble.Request
	started chan string
}

func (g *fakeGenerator) Generate(ctx context.Context, jobID string, req assemble.Request) (*assemble.ClipResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	genErr := g.err
	crash := g.crash
	g.mu.Unlock()
	if crash != "" {
		panic(crash)
	}
	if g.started != nil {
		g.started <- jobID
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	publish := func(stage events.Stage, p float64) {
		if g.pub != nil {
			g.pub.Publish(events.Event{JobID: jobID, Stage: stage, Progress: p, ETASeconds: 1})
		}
	}
	publish(events.StageDecode, 0)
	publish(events.StageCaptions, 0)
	publish(events.StageRender, 0.5)
	if genErr != nil {
		publish(events.StageFailed, 0)
		return nil, genErr
	}
	publish(events.StageEncode, 1)
	publish(events.StagePoster, 1)

	dir := filepath.Join(g.dir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	video := filepath.Join(dir, "clip.webm")
	poster := filepath.Join(dir, "poster.jpg")
	os.WriteFile(video, []byte("video"), 0o644)
	os.WriteFile(poster, []byte("poster"), 0o644)
	publish(events.StageDone, 1)
	return &assemble.ClipResult{
		Video:    assemble.Blob{Path: video, MIMEType: "video/webm", Size: 5},
		Poster:   assemble.Blob{Path: poster, MIMEType: "image/jpeg", Size: 6},
		Duration: 3,
		Width:    1080,
		Height:   1920,
		Format:   "webm",
	}, nil
}

func (g *fakeGenerator) requests() []assemble.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]assemble.Request(nil), g.calls...)
}

// progressRecorder keeps every progress value the registry accepted.
type progressRecorder struct {
	mu     sync.Mutex
	states []State
	values []int
}

func (p *progressRecorder) record(reg Registry, id string) {
	j, err := reg.Get(context.Background(), id)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.states = append(p.states, j.State)
	p.values = append(p.values, j.Progress)
	p.mu.Unlock()
}

func waitForState(t *testing.T, reg Registry, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := reg.Get(context.Background(), id)
		if err == nil && j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := reg.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s, last = %+v", id, want, j)
	return nil
}

type runnerFixture struct {
	reg    *MemoryRegistry
	svc    *Service
	runner *Runner
	gen    *fakeGenerator
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func startRunner(t *testing.T, gen *fakeGenerator, cfg RunnerConfig) *runnerFixture {
	t.Helper()
	reg := NewMemoryRegistry()
	svc, _ := newTestService(t, reg)
	bus := events.NewBus()
	gen.pub = bus
	if gen.dir == "" {
		gen.dir = t.TempDir()
	}

	runner := NewRunner(reg, gen, testLogger(), cfg)
	bus.Subscribe(runner.HandleEvent)
	svc.SetWaker(runner.Wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &runnerFixture{reg: reg, svc: svc, runner: runner, gen: gen, bus: bus, cancel: cancel, done: done}
}

func (f *runnerFixture) submit(t *testing.T) string {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), SubmitRequest{
		Image:     pngBytes(t),
		ImageMIME: "image/png",
		Script:    "Hi there.",
		Consent:   true,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func TestRunnerGeneratesQueuedJob(t *testing.T) {
	f := startRunner(t, &fakeGenerator{}, RunnerConfig{PollInterval: time.Hour})

	rec := &progressRecorder{}
	f.bus.Subscribe(func(e events.Event) { rec.record(f.reg, e.JobID) })

	id := f.submit(t)
	job := waitForState(t, f.reg, id, StateReady)

	if job.Progress != 100 || job.Result == nil || job.Result.Format != "webm" {
		t.Errorf("ready job = %+v", job)
	}
	reqs := f.gen.requests()
	if len(reqs) != 1 || reqs[0].Script != "Hi there." || reqs[0].ImageMIME != "image/png" || len(reqs[0].Image) == 0 {
		t.Fatalf("generator requests = %+v", reqs)
	}
	if reqs[0].Options != assemble.DefaultRenderOptions() {
		t.Errorf("options = %+v", reqs[0].Options)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.values); i++ {
		if rec.values[i] < rec.values[i-1] {
			t.Errorf("progress regressed: %v", rec.values)
			break
		}
	}
	sawAssembling := false
	for _, s := range rec.states {
		if s == StateAssembling {
			sawAssembling = true
		}
	}
	if !sawAssembling {
		t.Errorf("never reported assembling: %v", rec.states)
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	gen := &fakeGenerator{err: apperr.Media("assemble.Generate", "No supported encoder", errors.New("ffmpeg missing"))}
	f := startRunner(t, gen, RunnerConfig{PollInterval: time.Hour})

	id := f.submit(t)
	job := waitForState(t, f.reg, id, StateError)
	if job.Error != "No supported encoder" {
		t.Errorf("Error = %q", job.Error)
	}
	if job.Result != nil {
		t.Error("failed job carries a result")
	}

	// A failed job does not block the next one.
	f.gen.mu.Lock()
	f.gen.err = nil
	f.gen.mu.Unlock()
	next := f.submit(t)
	waitForState(t, f.reg, next, StateReady)
}

func TestRunnerSurvivesGeneratorPanic(t *testing.T) {
	f := startRunner(t, &fakeGenerator{crash: "nil prober"}, RunnerConfig{PollInterval: time.Hour})

	id := f.submit(t)
	job := waitForState(t, f.reg, id, StateError)
	if job.Error != PanicMessage {
		t.Errorf("Error = %q, want %q", job.Error, PanicMessage)
	}

	f.gen.mu.Lock()
	f.gen.crash = ""
	f.gen.mu.Unlock()
	next := f.submit(t)
	waitForState(t, f.reg, next, StateReady)
}

func TestRunnerUsesSpeech(t *testing.T) {
	var gotText string
	speech := func(ctx context.Context, text, dir string) (string, error) {
		gotText = text
		path := filepath.Join(dir, "speech.wav")
		return path, os.WriteFile(path, []byte("RIFF"), 0o644)
	}
	f := startRunner(t, &fakeGenerator{}, RunnerConfig{PollInterval: time.Hour, Speech: speech})

	id, err := f.svc.Submit(context.Background(), SubmitRequest{
		Image: pngBytes(t), ImageMIME: "image/png", Script: "Read me.", Consent: true, UseTTS: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.reg, id, StateReady)

	if gotText != "Read me." {
		t.Errorf("speech text = %q", gotText)
	}
	reqs := f.gen.requests()
	if len(reqs) != 1 || filepath.Base(reqs[0].AudioPath) != "speech.wav" {
		t.Errorf("AudioPath = %+v", reqs)
	}
}

func TestRunnerSpeechFailureRendersSilent(t *testing.T) {
	speech := func(context.Context, string, string) (string, error) {
		return "", errors.New("all providers failed")
	}
	f := startRunner(t, &fakeGenerator{}, RunnerConfig{PollInterval: time.Hour, Speech: speech})

	id, err := f.svc.Submit(context.Background(), SubmitRequest{
		Image: pngBytes(t), ImageMIME: "image/png", Script: "Read me.", Consent: true, UseTTS: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.reg, id, StateReady)
	if reqs := f.gen.requests(); reqs[0].AudioPath != "" {
		t.Errorf("AudioPath = %q, want none", reqs[0].AudioPath)
	}
}

func TestRunnerPauseAndConcurrency(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan string, 4)}
	f := startRunner(t, gen, RunnerConfig{PollInterval: 10 * time.Millisecond, MaxConcurrent: 1})

	f.runner.Pause()
	id1 := f.submit(t)
	time.Sleep(50 * time.Millisecond)
	if j, _ := f.reg.Get(context.Background(), id1); j.State != StateQueued {
		t.Fatalf("paused runner picked up job: %s", j.State)
	}

	f.runner.Resume()
	if started := <-gen.started; started != id1 {
		t.Fatalf("started %s, want %s", started, id1)
	}
	id2 := f.submit(t)
	time.Sleep(50 * time.Millisecond)
	if f.runner.Active() != 1 {
		t.Errorf("Active() = %d, want 1", f.runner.Active())
	}
	if j, _ := f.reg.Get(context.Background(), id2); j.State != StateQueued {
		t.Errorf("second job started beyond the concurrency limit: %s", j.State)
	}

	close(gen.block)
	waitForState(t, f.reg, id1, StateReady)
	waitForState(t, f.reg, id2, StateReady)
}

func TestRunnerShutdownFailsInFlightJob(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan string, 1)}
	f := startRunner(t, gen, RunnerConfig{PollInterval: time.Hour})

	id := f.submit(t)
	<-gen.started
	f.cancel()
	<-f.done

	j, err := f.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != StateError || j.Error != ShutdownMessage {
		t.Errorf("job after shutdown = %s %q", j.State, j.Error)
	}
	if f.runner.IsRunning() {
		t.Error("runner still running")
	}
}

func TestStageProgress(t *testing.T) {
	tests := []struct {
		stage    events.Stage
		progress float64
		state    State
		want     int
		ok       bool
	}{
		{events.StageDecode, 0, StateProcessing, 10, true},
		{events.StageCaptions, 0, StateProcessing, 20, true},
		{events.StageRender, 0.5, StateProcessing, 50, true},
		{events.StageRender, 2, StateProcessing, 80, true},
		{events.StageEncode, 1, StateAssembling, 85, true},
		{events.StagePoster, 1, StateAssembling, 95, true},
		{events.StageDone, 1, "", 0, false},
		{events.StageFailed, 0, "", 0, false},
	}
	for _, tt := range tests {
		state, got, ok := stageProgress(events.Event{Stage: tt.stage, Progress: tt.progress})
		if state != tt.state || got != tt.want || ok != tt.ok {
			t.Errorf("stageProgress(%s, %v) = %s %d %v, want %s %d %v", tt.stage, tt.progress, state, got, ok, tt.state, tt.want, tt.ok)
		}
	}
}

func TestHandleEventIgnoresFinishedJobs(t *testing.T) {
	reg := NewMemoryRegistry()
	runner := NewRunner(reg, &fakeGenerator{}, testLogger(), RunnerConfig{})
	ctx := context.Background()
	job := testJob("done", time.Now())
	job.State = StateError
	job.Error = "boom"
	if err := reg.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	runner.HandleEvent(events.Event{JobID: "done", Stage: events.StageRender, Progress: 0.9})
	runner.HandleEvent(events.Event{JobID: "unknown", Stage: events.StageDecode})

	got, _ := reg.Get(ctx, "done")
	if got.State != StateError || got.Progress != 0 {
		t.Errorf("finished job changed: %+v", got)
	}
}

func TestRunnerOnFinish(t *testing.T) {
	finished := make(chan *Job, 2)
	gen := &fakeGenerator{}
	f := startRunner(t, gen, RunnerConfig{PollInterval: time.Hour, OnFinish: func(j *Job) { finished <- j }})

	id := f.submit(t)
	select {
	case j := <-finished:
		if j.ID != id || j.State != StateReady {
			t.Errorf("finished job = %s %s", j.ID, j.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not called for ready job")
	}

	gen.mu.Lock()
	gen.err = apperr.Media("assemble.Generate", "Canvas drawing failed", nil)
	gen.mu.Unlock()
	id = f.submit(t)
	select {
	case j := <-finished:
		if j.ID != id || j.State != StateError || j.Error != "Canvas drawing failed" {
			t.Errorf("finished job = %+v", j)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not called for failed job")
	}
}
