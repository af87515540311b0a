package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/audio"
)

// SubmitRequest is one clip submission as received from a client.
type SubmitRequest struct {
	Image     []byte
	ImageMIME string
	Script    string
	Consent   bool
	Audio     []byte // optional narration
	AudioMIME string
	UseTTS    bool
	Options   assemble.RenderOptions
}

// ServiceConfig locates uploads and sets the ETA model.
type ServiceConfig struct {
	UploadDir  string // uploads go to <UploadDir>/<jobID>/
	ReadingWPM float64
	Now        func() time.Time
}

// Service is the job API shared by the HTTP handlers, the tray and the
// in-process poller.
type Service struct {
	reg    Registry
	cfg    ServiceConfig
	logger *slog.Logger
	wake   func()
}

func NewService(reg Registry, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.ReadingWPM <= 0 {
		cfg.ReadingWPM = audio.ReadingWPM
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{reg: reg, cfg: cfg, logger: logger, wake: func() {}}
}

// SetWaker registers the function called after a job is queued.
func (s *Service) SetWaker(wake func()) {
	if wake != nil {
		s.wake = wake
	}
}

func (s *Service) Registry() Registry {
	return s.reg
}

// Submit validates the request, stores the uploads and queues a job. Invalid
// input is rejected before any job or file exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !req.Consent {
		return "", apperr.Validation("jobs.Submit", "Consent is required")
	}
	if err := assemble.ValidateScript(req.Script); err != nil {
		return "", err
	}
	mime, err := assemble.ValidateImage(req.Image, req.ImageMIME)
	if err != nil {
		return "", err
	}
	if err := assemble.ValidateAudioSize(int64(len(req.Audio))); err != nil {
		return "", err
	}
	script := assemble.NormalizeScript(req.Script)
	if req.Options == (assemble.RenderOptions{}) {
		req.Options = assemble.DefaultRenderOptions()
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.UploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	imagePath := filepath.Join(dir, "image"+imageExt(mime))
	if err := os.WriteFile(imagePath, req.Image, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("store image: %w", err)
	}
	var audioPath string
	if len(req.Audio) > 0 {
		audioPath = filepath.Join(dir, "audio"+audioExt(req.AudioMIME))
		if err := os.WriteFile(audioPath, req.Audio, 0o644); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("store audio: %w", err)
		}
	}

	now := s.cfg.Now()
	job := &Job{
		ID:         id,
		State:      StateQueued,
		ETASeconds: s.estimateETA(script, req.Options),
		Script:     script,
		ImagePath:  imagePath,
		ImageMIME:  mime,
		AudioPath:  audioPath,
		UseTTS:     req.UseTTS && audioPath == "",
		Options:    req.Options,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.reg.Create(ctx, job); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job queued", "job_id", id, "script_chars", len([]rune(script)), "with_audio", audioPath != "", "tts", job.UseTTS)
	s.wake()
	return id, nil
}

// estimateETA is the real-time render of the estimated clip plus a margin for
// encoder startup and the poster.
func (s *Service) estimateETA(script string, opts assemble.RenderOptions) int {
	d := audio.EstimateDuration(script, s.cfg.ReadingWPM)
	if opts.MaxDuration > 0 {
		d = math.Min(d, opts.MaxDuration)
	}
	return int(math.Ceil(d)) + 2
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.reg.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("jobs.Get", "Job not found")
	}
	return job, err
}

func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return job.Status(), nil
}

// Result is only available once the job is ready.
func (s *Service) Result(ctx context.Context, id string) (*Result, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateReady || job.Result == nil {
		return nil, apperr.NotReady("jobs.Result", "Job is not ready")
	}
	return ResultFor(job.ID, job.Result), nil
}

// ResultFor builds the client view of a clip served under /media/jobs.
func ResultFor(id string, r *assemble.ClipResult) *Result {
	return &Result{
		VideoURL:    "/media/jobs/" + id + "/video",
		PosterURL:   "/media/jobs/" + id + "/poster",
		DurationSec: max(1, int(math.Ceil(r.Duration))),
		Width:       r.Width,
		Height:      r.Height,
	}
}

func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.reg.List(ctx)
}

// CountByState tallies jobs for the agent status view.
func (s *Service) CountByState(ctx context.Context) (map[State]int, error) {
	jobs, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts, nil
}

func imageExt(mime string) string {
	if mime == "image/png" {
		return ".png"
	}
	return ".jpg"
}

func audioExt(mime string) string {
	mime, _, _ = strings.Cut(strings.ToLower(mime), ";")
	switch strings.TrimSpace(mime) {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	default:
		return ".bin"
	}
}
