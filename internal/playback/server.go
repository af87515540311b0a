// Package playback streams rendered clips and posters to the browser with
// byte-range support so video elements can seek.
package playback

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/seriesme/seriesme-agent/internal/assemble"
)

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeBlob writes b with its recorded MIME type, falling back to the file
// extension. A missing file is a 404.
func (s *Server) ServeBlob(w http.ResponseWriter, r *http.Request, b assemble.Blob) error {
	contentType := b.MIMEType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(b.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.serve(w, r, b.Path, contentType)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, path, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "media not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open media: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat media: %w", err)
	}
	size := stat.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")

	rng, partial, err := ParseRange(r.Header.Get("Range"), size)
	switch err {
	case nil:
	case ErrUnsatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case ErrInvalidRange:
		// Malformed ranges are ignored and the whole file is sent.
		partial = false
	default:
		return err
	}

	status, length := http.StatusOK, size
	if partial {
		if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
		status, length = http.StatusPartialContent, rng.Length()
		h.Set("Content-Range", rng.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, file, length); err != nil {
		s.logger.Debug("media copy interrupted", "error", err)
	}
	return nil
}
