package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/db"
	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/metrics"
	"github.com/seriesme/seriesme-agent/internal/playback"
	"github.com/seriesme/seriesme-agent/internal/providers"
)

const testToken = "test-token"

type fakeRunner struct {
	mu     sync.Mutex
	paused bool
}

func (f *fakeRunner) IsRunning() bool { return true }
func (f *fakeRunner) Active() int     { return 0 }

func (f *fakeRunner) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeRunner) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeRunner) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

type fakeDoctor struct {
	caps *ffmpeg.Capabilities
	err  error
}

func (f fakeDoctor) Get(ctx context.Context) (*ffmpeg.Capabilities, error) {
	return f.caps, f.err
}

type testEnv struct {
	cfg     ServerConfig
	handler http.Handler
	jobs    *jobs.Service
	runner  *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics.MustRegister()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	repo := library.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), "auth_token", testToken); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	jobSvc := jobs.NewService(jobs.NewMemoryRegistry(), jobs.ServiceConfig{UploadDir: t.TempDir()}, logger)
	runner := &fakeRunner{}
	cfg := ServerConfig{
		Version:        "test",
		Jobs:           jobSvc,
		Library:        library.NewService(repo, t.TempDir(), logger),
		Runner:         runner,
		Tokens:         repo,
		PlaybackServer: playback.NewServer(logger),
		SpeechProviders: []providers.Info{
			{Name: "espeak", Cost: providers.CostFree, Quality: providers.QualityBasic},
		},
		Metrics:   metrics.Handler(),
		Logger:    logger,
		StartTime: time.Now(),
		DeviceID:  "device-1",
	}
	return &testEnv{cfg: cfg, handler: NewRouter(cfg), jobs: jobSvc, runner: runner}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if strings.HasPrefix(req.URL.Path, "/api/") && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	req.RemoteAddr = "127.0.0.1:50000"
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

// readyJob submits a job and completes it with media written to disk.
func (e *testEnv) readyJob(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.jobs.Submit(ctx, jobs.SubmitRequest{
		Image: testJPEG(t), ImageMIME: "image/jpeg", Script: "Hello there. See you soon.", Consent: true,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	dir := t.TempDir()
	video := filepath.Join(dir, "clip.webm")
	poster := filepath.Join(dir, "poster.jpg")
	os.WriteFile(video, []byte("0123456789"), 0o644)
	os.WriteFile(poster, testJPEG(t), 0o644)
	result := &assemble.ClipResult{
		Video:    assemble.Blob{Path: video, MIMEType: "video/webm;codecs=vp9,opus", Size: 10},
		Poster:   assemble.Blob{Path: poster, MIMEType: "image/jpeg"},
		Duration: 4.2,
		Width:    1080,
		Height:   1920,
		Format:   "webm",
	}
	_, err = e.jobs.Registry().Update(ctx, id, func(j *jobs.Job) error {
		return j.Complete(result, time.Now())
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	return id
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type formFile struct {
	field, name, mime string
	data              []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name))
		h.Set("Content-Type", f.mime)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(f.data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/generate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v (raw %q)", err, rr.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.get(t, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["device_id"] != "device-1" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if rr := env.do(t, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t)
	selfie := formFile{"selfie", "me.jpg", "image/jpeg", testJPEG(t)}

	rr := env.do(t, multipartRequest(t, map[string]string{"script": "Hello there.", "consent": "true"}, selfie))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp GenerateResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil || resp.JobID == "" {
		t.Fatalf("response = %+v, err %v", resp, err)
	}

	rr = env.get(t, "/api/status?jobId="+resp.JobID)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "queued" {
		t.Errorf("status = %v, want queued", body["status"])
	}
	if _, ok := body["etaSeconds"]; !ok {
		t.Error("etaSeconds missing")
	}
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t)
	jpg := testJPEG(t)

	tests := []struct {
		name    string
		fields  map[string]string
		files   []formFile
		wantMsg string
	}{
		{
			name:    "no consent",
			fields:  map[string]string{"script": "Hi"},
			files:   []formFile{{"selfie", "me.jpg", "image/jpeg", jpg}},
			wantMsg: "Consent is required",
		},
		{
			name:    "no selfie",
			fields:  map[string]string{"script": "Hi", "consent": "true"},
			wantMsg: "Selfie file is required",
		},
		{
			name:    "empty script",
			fields:  map[string]string{"script": "   ", "consent": "true"},
			files:   []formFile{{"selfie", "me.jpg", "image/jpeg", jpg}},
			wantMsg: "Script text is required",
		},
		{
			name:    "gif",
			fields:  map[string]string{"script": "Hi", "consent": "true"},
			files:   []formFile{{"selfie", "me.gif", "image/gif", []byte("GIF89a")}},
			wantMsg: "Only JPEG and PNG images are supported",
		},
		{
			name:   "image too large",
			fields: map[string]string{"script": "Hi", "consent": "true"},
			files: []formFile{{"selfie", "me.jpg", "image/jpeg",
				append(append([]byte{}, jpg...), make([]byte, assemble.MaxImageBytes)...)}},
			wantMsg: "Image must be 10MB or smaller",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, multipartRequest(t, tt.fields, tt.files...))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			body := decodeJSONBody(t, rr)
			if body["error"] != tt.wantMsg || body["code"] != "VALIDATION_ERROR" {
				t.Errorf("body = %v, want %q", body, tt.wantMsg)
			}
		})
	}

	jobsList, _ := env.jobs.List(context.Background())
	if len(jobsList) != 0 {
		t.Errorf("rejected requests created %d jobs", len(jobsList))
	}
}

func TestGenerateNotMultipart(t *testing.T) {
	env := newTestEnv(t)
	rr := env.postJSON(t, "/api/generate", map[string]string{"script": "Hi"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStatusAndResult(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantErr  string
	}{
		{"status missing id", "/api/status", 400, "VALIDATION_ERROR"},
		{"status unknown", "/api/status?jobId=nope", 404, "NOT_FOUND"},
		{"result unknown", "/api/result?jobId=nope", 404, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.get(t, tt.path)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if code := decodeJSONBody(t, rr)["code"]; code != tt.wantErr {
				t.Errorf("code = %v, want %s", code, tt.wantErr)
			}
		})
	}

	t.Run("unknown job message", func(t *testing.T) {
		body := decodeJSONBody(t, env.get(t, "/api/status?jobId=nope"))
		if body["error"] != "Job not found" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("result before ready", func(t *testing.T) {
		id, err := env.jobs.Submit(context.Background(), jobs.SubmitRequest{
			Image: testJPEG(t), ImageMIME: "image/jpeg", Script: "Hi", Consent: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		rr := env.get(t, "/api/result?jobId="+id)
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		if rr = env.get(t, "/media/jobs/"+id+"/video"); rr.Code != http.StatusConflict {
			t.Errorf("media status = %d, want 409", rr.Code)
		}
	})

	t.Run("ready", func(t *testing.T) {
		id := env.readyJob(t)
		rr := env.get(t, "/api/result?jobId="+id)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var res jobs.Result
		json.NewDecoder(rr.Body).Decode(&res)
		want := jobs.Result{
			VideoURL:    "/media/jobs/" + id + "/video",
			PosterURL:   "/media/jobs/" + id + "/poster",
			DurationSec: 5,
			Width:       1080,
			Height:      1920,
		}
		if res != want {
			t.Errorf("result = %+v, want %+v", res, want)
		}
	})
}

func TestJobMedia(t *testing.T) {
	env := newTestEnv(t)
	id := env.readyJob(t)

	req := httptest.NewRequest(http.MethodGet, "/media/jobs/"+id+"/video", nil)
	req.Header.Set("Range", "bytes=0-3")
	rr := env.do(t, req)
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if rr.Body.String() != "0123" || rr.Header().Get("Content-Range") != "bytes 0-3/10" {
		t.Errorf("body = %q, Content-Range = %q", rr.Body.String(), rr.Header().Get("Content-Range"))
	}

	if rr := env.get(t, "/media/jobs/"+id+"/poster"); rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("poster status = %d, type %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if rr := env.get(t, "/media/jobs/"+id+"/thumbnail"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d", rr.Code)
	}
	if rr := env.get(t, "/media/jobs/missing/video"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rr.Code)
	}

	remote := httptest.NewRequest(http.MethodGet, "/media/jobs/"+id+"/video", nil)
	remote.RemoteAddr = "10.0.0.5:4000"
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, remote)
	if rr.Code != http.StatusForbidden {
		t.Errorf("remote status = %d, want 403", rr.Code)
	}
}

func TestLibraryRoutes(t *testing.T) {
	env := newTestEnv(t)
	id := env.readyJob(t)

	rr := env.postJSON(t, "/api/library", SaveClipRequest{JobID: id, Filename: "greeting"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("save status = %d, body %s", rr.Code, rr.Body.String())
	}
	var clip ClipResponse
	json.NewDecoder(rr.Body).Decode(&clip)
	if clip.Filename != "greeting" || clip.JobID != id || clip.VideoURL != "/media/library/"+clip.ID+"/video" {
		t.Errorf("clip = %+v", clip)
	}

	rr = env.get(t, "/api/library")
	var list ClipsResponse
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list.Clips) != 1 || list.Clips[0].ID != clip.ID {
		t.Fatalf("list = %+v", list)
	}

	if rr := env.get(t, clip.VideoURL); rr.Code != http.StatusOK || rr.Body.String() != "0123456789" {
		t.Errorf("clip video status = %d, body %q", rr.Code, rr.Body.String())
	}

	out := t.TempDir()
	rr = env.postJSON(t, "/api/library/"+clip.ID+"/export", ExportRequest{OutputDir: out})
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rr.Code, rr.Body.String())
	}
	for _, name := range []string{"greeting.webm", "greeting.jpg", "greeting.srt"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("export missing %s: %v", name, err)
		}
	}

	rr = env.postJSON(t, "/api/library/"+clip.ID+"/export", ExportRequest{OutputDir: "relative/dir"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("relative export status = %d, want 400", rr.Code)
	}

	del := httptest.NewRequest(http.MethodDelete, "/api/library/"+clip.ID, nil)
	if rr := env.do(t, del); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	del = httptest.NewRequest(http.MethodDelete, "/api/library/"+clip.ID, nil)
	if rr := env.do(t, del); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestLibrarySaveErrors(t *testing.T) {
	env := newTestEnv(t)
	queued, err := env.jobs.Submit(context.Background(), jobs.SubmitRequest{
		Image: testJPEG(t), ImageMIME: "image/jpeg", Script: "Hi", Consent: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing job id", SaveClipRequest{}, http.StatusBadRequest},
		{"unknown job", SaveClipRequest{JobID: "nope"}, http.StatusNotFound},
		{"not ready", SaveClipRequest{JobID: queued}, http.StatusConflict},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.postJSON(t, "/api/library", tt.body); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAgent(t *testing.T) {
	env := newTestEnv(t)
	env.readyJob(t)

	if rr := env.postJSON(t, "/api/agent/pause", nil); rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rr.Code)
	}

	rr := env.get(t, "/api/agent")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp AgentResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Runner.State != "paused" {
		t.Errorf("runner state = %q, want paused", resp.Runner.State)
	}
	if resp.Jobs["ready"] != 1 {
		t.Errorf("jobs = %v", resp.Jobs)
	}
	if resp.Encoder != nil {
		t.Errorf("encoder = %+v, want nil without a doctor", resp.Encoder)
	}
	if len(resp.SpeechProviders) != 1 || resp.SpeechProviders[0].Name != "espeak" {
		t.Errorf("speech providers = %+v", resp.SpeechProviders)
	}

	env.postJSON(t, "/api/agent/resume", nil)
	if env.runner.IsPaused() {
		t.Error("runner still paused after resume")
	}
}

func TestAgentEncoderFormats(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Doctor = fakeDoctor{caps: &ffmpeg.Capabilities{
		Version:  "6.1",
		Encoders: map[string]bool{"libx264": true, "aac": true, "mjpeg": true},
		ProbedAt: time.Now(),
	}}
	handler := NewRouter(env.cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/agent", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var resp AgentResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Encoder == nil || resp.Encoder.FFmpegVersion != "6.1" {
		t.Fatalf("encoder = %+v", resp.Encoder)
	}
	for _, f := range resp.Encoder.Formats {
		if strings.HasPrefix(f, "video/webm") {
			t.Errorf("webm reported without libvpx: %v", resp.Encoder.Formats)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/health")

	rr := env.get(t, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "seriesme_http_requests_total") {
		t.Error("http request counter missing from /metrics")
	}
}
