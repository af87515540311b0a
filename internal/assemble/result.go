package assemble

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Blob is a file-backed media handle.
type Blob struct {
	Path     string `json:"path"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

func (b Blob) Open() (*os.File, error) {
	return os.Open(b.Path)
}

// ClipResult is a finished clip. Fields are not modified after Generate
// returns.
type ClipResult struct {
	Video    Blob    `json:"video"`
	Poster   Blob    `json:"poster"`
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Format   string  `json:"format"`
}

// Release removes the backing files and their job directory when it is left
// empty. Releasing twice is not an error.
func (r *ClipResult) Release() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, b := range []Blob{r.Video, r.Poster} {
		if b.Path == "" {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if r.Video.Path != "" {
		// Fails harmlessly when something else still lives there.
		_ = os.Remove(filepath.Dir(r.Video.Path))
	}
	return errors.Join(errs...)
}
