package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/captions"
)

type Service struct {
	repo   Repository
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewService stores clip media under dir/<clip id>/.
func NewService(repo Repository, dir string, logger *slog.Logger) *Service {
	return &Service{repo: repo, dir: dir, logger: logger, now: time.Now}
}

// SaveRequest copies a finished job's result into the library.
type SaveRequest struct {
	JobID    string
	Filename string
	Script   string
	Result   *assemble.ClipResult
}

func (s *Service) Save(ctx context.Context, req SaveRequest) (*Clip, error) {
	const op = "library.Save"
	if req.Result == nil {
		return nil, apperr.NotReady(op, "Job is not ready")
	}

	id := NewID()
	name := SanitizeName(req.Filename, maxFilenameLen)
	if name == "" {
		name = defaultName(req.Script, id)
	}

	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	video := filepath.Join(dir, "video"+filepath.Ext(req.Result.Video.Path))
	poster := filepath.Join(dir, "poster.jpg")

	size, err := copyFile(req.Result.Video.Path, video)
	if err != nil {
		os.RemoveAll(dir)
		return nil, apperr.Media(op, "Clip media is no longer available", err)
	}
	if _, err := copyFile(req.Result.Poster.Path, poster); err != nil {
		os.RemoveAll(dir)
		return nil, apperr.Media(op, "Clip media is no longer available", err)
	}

	clip := &Clip{
		ID:          id,
		JobID:       req.JobID,
		Filename:    name,
		Script:      req.Script,
		Video:       assemble.Blob{Path: video, MIMEType: req.Result.Video.MIMEType, Size: size},
		Poster:      assemble.Blob{Path: poster, MIMEType: "image/jpeg"},
		DurationSec: req.Result.Duration,
		Width:       req.Result.Width,
		Height:      req.Result.Height,
		Format:      req.Result.Format,
		SizeBytes:   size,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateClip(ctx, clip); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("save clip: %w", err)
	}

	s.logger.Info("clip saved to library", "clip_id", id, "job_id", req.JobID, "filename", name, "size_bytes", size)
	return clip, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Clip, error) {
	clip, err := s.repo.GetClip(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("library.Get", "Clip not found")
	}
	return clip, err
}

func (s *Service) List(ctx context.Context) ([]*Clip, error) {
	return s.repo.ListClips(ctx)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	clip, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteClip(ctx, id); err != nil {
		return fmt.Errorf("delete clip: %w", err)
	}
	if err := os.RemoveAll(filepath.Dir(clip.Video.Path)); err != nil {
		s.logger.Warn("failed to remove clip media", "clip_id", id, "error", err)
	}
	s.logger.Info("clip deleted", "clip_id", id)
	return nil
}

// Export writes the clip's video, poster and an .srt caption track into
// outputDir, named after the clip. Existing files are overwritten.
func (s *Service) Export(ctx context.Context, id, outputDir string) (*ExportResult, error) {
	const op = "library.Export"
	clip, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateOutputDir(outputDir); err != nil {
		return nil, err
	}

	base := filepath.Join(outputDir, clip.Filename)
	res := &ExportResult{
		VideoPath:    base + filepath.Ext(clip.Video.Path),
		PosterPath:   base + ".jpg",
		CaptionsPath: base + ".srt",
	}

	if _, err := copyFile(clip.Video.Path, res.VideoPath); err != nil {
		return nil, apperr.Media(op, "Failed to export video", err)
	}
	if _, err := copyFile(clip.Poster.Path, res.PosterPath); err != nil {
		return nil, apperr.Media(op, "Failed to export poster", err)
	}

	f, err := os.Create(res.CaptionsPath)
	if err != nil {
		return nil, apperr.Media(op, "Failed to export captions", err)
	}
	defer f.Close()
	if err := captions.WriteSRT(f, captions.Generate(clip.Script, clip.DurationSec)); err != nil {
		return nil, apperr.Media(op, "Failed to export captions", err)
	}

	s.logger.Info("clip exported", "clip_id", id, "video", res.VideoPath)
	return res, nil
}

// defaultName is the script's first words, or the clip id for scripts that
// sanitize to nothing.
func defaultName(script, id string) string {
	words := strings.Fields(script)
	if len(words) > 6 {
		words = words[:6]
	}
	if name := SanitizeName(strings.Join(words, " "), maxFilenameLen); name != "" {
		return name
	}
	return "clip-" + strings.ToLower(id)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}
