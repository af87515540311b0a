package api

import (
	"time"

	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/providers"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type GenerateResponse struct {
	JobID string `json:"jobId"`
}

type JobResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	ETASeconds int    `json:"etaSeconds"`
	Error      string `json:"error,omitempty"`
	Script     string `json:"script"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type AgentResponse struct {
	Version         string           `json:"version"`
	DeviceID        string           `json:"device_id"`
	Runner          RunnerResponse   `json:"runner"`
	Jobs            map[string]int   `json:"jobs"`
	LibraryClips    int              `json:"library_clips"`
	Encoder         *EncoderResponse `json:"encoder,omitempty"`
	SpeechProviders []providers.Info `json:"speech_providers"`
}

type RunnerResponse struct {
	State  string `json:"state"` // running, paused or stopped
	Active int    `json:"active"`
}

type EncoderResponse struct {
	FFmpegVersion string   `json:"ffmpeg_version"`
	Formats       []string `json:"formats"`
	ProbedAt      string   `json:"probed_at"`
}

type SaveClipRequest struct {
	JobID    string `json:"jobId"`
	Filename string `json:"filename,omitempty"`
}

type ClipResponse struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id,omitempty"`
	Filename    string  `json:"filename"`
	Script      string  `json:"script"`
	VideoURL    string  `json:"video_url"`
	PosterURL   string  `json:"poster_url"`
	DurationSec float64 `json:"duration_sec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Format      string  `json:"format"`
	SizeBytes   int64   `json:"size_bytes"`
	CreatedAt   string  `json:"created_at"`
}

type ClipsResponse struct {
	Clips []ClipResponse `json:"clips"`
}

type ExportRequest struct {
	OutputDir string `json:"output_dir"`
}

type ExportResponse struct {
	Status string `json:"status"`
	library.ExportResult
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		Status:     string(j.State),
		Progress:   j.Progress,
		ETASeconds: j.ETASeconds,
		Error:      j.Error,
		Script:     j.Script,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
}

func ClipToResponse(c *library.Clip) ClipResponse {
	return ClipResponse{
		ID:          c.ID,
		JobID:       c.JobID,
		Filename:    c.Filename,
		Script:      c.Script,
		VideoURL:    "/media/library/" + c.ID + "/video",
		PosterURL:   "/media/library/" + c.ID + "/poster",
		DurationSec: c.DurationSec,
		Width:       c.Width,
		Height:      c.Height,
		Format:      c.Format,
		SizeBytes:   c.SizeBytes,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
	}
}
