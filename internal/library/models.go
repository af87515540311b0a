// Package library keeps clips the user chose to save after a job finished.
// Job results are evicted by the sweeper; library clips live until deleted.
package library

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seriesme/seriesme-agent/internal/assemble"
)

var ErrNotFound = errors.New("clip not found")

type Clip struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id,omitempty"`
	Filename    string        `json:"filename"`
	Script      string        `json:"script"`
	Video       assemble.Blob `json:"-"`
	Poster      assemble.Blob `json:"-"`
	DurationSec float64       `json:"duration_sec"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Format      string        `json:"format"`
	SizeBytes   int64         `json:"size_bytes"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ExportResult lists the files written by Export.
type ExportResult struct {
	VideoPath    string `json:"video_path"`
	PosterPath   string `json:"poster_path"`
	CaptionsPath string `json:"captions_path"`
}

// NewID returns a lexically time-ordered clip id.
func NewID() string {
	return ulid.Make().String()
}
