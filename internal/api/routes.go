package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/capture"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/metrics"
)

// maxGenerateBody bounds a whole /api/generate request. Each file is checked
// against its own limit after parsing.
const maxGenerateBody = assemble.MaxImageBytes + assemble.MaxAudioBytes + 2<<20

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSMiddleware())

	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/media", func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Get("/jobs/{id}/{kind}", jobMediaHandler(cfg))
		r.Head("/jobs/{id}/{kind}", jobMediaHandler(cfg))
		r.Get("/library/{id}/{kind}", clipMediaHandler(cfg))
		r.Head("/library/{id}/{kind}", clipMediaHandler(cfg))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Post("/generate", generateHandler(cfg))
		r.Get("/status", statusHandler(cfg))
		r.Get("/result", resultHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))

		r.Get("/library", listClipsHandler(cfg))
		r.Post("/library", saveClipHandler(cfg))
		r.Delete("/library/{id}", deleteClipHandler(cfg))
		r.Post("/library/{id}/export", exportClipHandler(cfg))

		r.Get("/agent", agentHandler(cfg))
		r.Post("/agent/pause", pauseHandler(cfg))
		r.Post("/agent/resume", resumeHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

// writeAppError maps the error taxonomy onto HTTP. Anything outside it is
// logged and reported without detail.
func writeAppError(cfg ServerConfig, w http.ResponseWriter, r *http.Request, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		WriteError(w, http.StatusBadRequest, apperr.Message(err), "VALIDATION_ERROR")
	case apperr.KindNotFound:
		WriteError(w, http.StatusNotFound, apperr.Message(err), "NOT_FOUND")
	case apperr.KindNotReady:
		WriteError(w, http.StatusConflict, apperr.Message(err), "NOT_READY")
	case apperr.KindMedia:
		cfg.Logger.Error("media error", "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, apperr.Message(err), "MEDIA_ERROR")
	default:
		cfg.Logger.Error("request failed", "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

func generateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxGenerateBody)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			metrics.IncSubmitted(false)
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				WriteError(w, http.StatusRequestEntityTooLarge, "Upload is too large", "VALIDATION_ERROR")
				return
			}
			WriteError(w, http.StatusBadRequest, "Expected a multipart form", "VALIDATION_ERROR")
			return
		}
		defer r.MultipartForm.RemoveAll()

		req := jobs.SubmitRequest{
			Script:  r.FormValue("script"),
			Consent: formBool(r.FormValue("consent")),
			UseTTS:  formBool(r.FormValue("tts")),
			Options: cfg.Render,
		}

		var err error
		req.Image, req.ImageMIME, err = readPart(r.MultipartForm, "selfie", assemble.MaxImageBytes)
		if err != nil {
			metrics.IncSubmitted(false)
			writeAppError(cfg, w, r, err)
			return
		}
		req.Audio, req.AudioMIME, err = readPart(r.MultipartForm, "audio", assemble.MaxAudioBytes)
		if err != nil {
			metrics.IncSubmitted(false)
			writeAppError(cfg, w, r, err)
			return
		}

		id, err := cfg.Jobs.Submit(r.Context(), req)
		metrics.IncSubmitted(err == nil)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, GenerateResponse{JobID: id})
	}
}

// readPart returns the first file under field. A file over limit is read to
// limit+1 bytes so validation can reject it with the right message.
func readPart(form *multipart.Form, field string, limit int64) ([]byte, string, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, "", nil
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return nil, "", apperr.Validation("api.generate", "Could not read "+field+" upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, "", apperr.Validation("api.generate", "Could not read "+field+" upload")
	}
	return data, fh.Header.Get("Content-Type"), nil
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if id == "" {
		WriteError(w, http.StatusBadRequest, "jobId is required", "VALIDATION_ERROR")
		return "", false
	}
	return id, true
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		status, err := cfg.Jobs.Status(r.Context(), id)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

func resultHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		result, err := cfg.Jobs.Result(r.Context(), id)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := cfg.Jobs.List(r.Context())
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 && n < len(list) {
				list = list[:n]
			}
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
		for i, j := range list {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func jobMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		if job.State != jobs.StateReady || job.Result == nil {
			WriteError(w, http.StatusConflict, "Job is not ready", "NOT_READY")
			return
		}
		serveKind(cfg, w, r, job.Result.Video, job.Result.Poster)
	}
}

func serveKind(cfg ServerConfig, w http.ResponseWriter, r *http.Request, video, poster assemble.Blob) {
	var b assemble.Blob
	switch chi.URLParam(r, "kind") {
	case "video":
		b = video
	case "poster":
		b = poster
	default:
		WriteError(w, http.StatusNotFound, "unknown media kind", "NOT_FOUND")
		return
	}
	if err := cfg.PlaybackServer.ServeBlob(w, r, b); err != nil {
		cfg.Logger.Error("media serve failed", "path", r.URL.Path, "error", err)
	}
}

func agentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := AgentResponse{
			Version:         cfg.Version,
			DeviceID:        cfg.DeviceID,
			Runner:          RunnerResponse{State: "stopped"},
			Jobs:            map[string]int{},
			SpeechProviders: cfg.SpeechProviders,
		}

		if cfg.Runner != nil {
			switch {
			case !cfg.Runner.IsRunning():
			case cfg.Runner.IsPaused():
				resp.Runner.State = "paused"
			default:
				resp.Runner.State = "running"
			}
			resp.Runner.Active = cfg.Runner.Active()
		}

		counts, err := cfg.Jobs.CountByState(ctx)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		for state, n := range counts {
			resp.Jobs[string(state)] = n
		}

		if cfg.Library != nil {
			clips, err := cfg.Library.List(ctx)
			if err == nil {
				resp.LibraryClips = len(clips)
			}
		}

		if cfg.Doctor != nil {
			caps, err := cfg.Doctor.Get(ctx)
			if err != nil {
				cfg.Logger.Warn("encoder probe failed", "error", err)
			} else if caps != nil {
				enc := &EncoderResponse{
					FFmpegVersion: caps.Version,
					Formats:       []string{},
					ProbedAt:      caps.ProbedAt.Format(time.RFC3339),
				}
				for _, f := range capture.Formats {
					if caps.HasAll(f.Encoders()...) && !slices.Contains(enc.Formats, f.MIMEType) {
						enc.Formats = append(enc.Formats, f.MIMEType)
					}
				}
				resp.Encoder = enc
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Pause()
		WriteJSON(w, http.StatusOK, map[string]string{"state": "paused"})
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Resume()
		WriteJSON(w, http.StatusOK, map[string]string{"state": "running"})
	}
}
