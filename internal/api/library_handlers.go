package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
)

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clips, err := cfg.Library.List(r.Context())
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}

		resp := ClipsResponse{Clips: make([]ClipResponse, len(clips))}
		for i, c := range clips {
			resp.Clips[i] = ClipToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// saveClipHandler copies a ready job into the library so it outlives the
// job's retention window.
func saveClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveClipRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
			return
		}
		if req.JobID == "" {
			WriteError(w, http.StatusBadRequest, "jobId is required", "VALIDATION_ERROR")
			return
		}

		job, err := cfg.Jobs.Get(r.Context(), req.JobID)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		if job.State != jobs.StateReady {
			WriteError(w, http.StatusConflict, "Job is not ready", "NOT_READY")
			return
		}

		clip, err := cfg.Library.Save(r.Context(), library.SaveRequest{
			JobID:    job.ID,
			Filename: req.Filename,
			Script:   job.Script,
			Result:   job.Result,
		})
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ClipToResponse(clip))
	}
}

func deleteClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Library.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func exportClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "VALIDATION_ERROR")
			return
		}

		res, err := cfg.Library.Export(r.Context(), chi.URLParam(r, "id"), req.OutputDir)
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportResponse{Status: "ok", ExportResult: *res})
	}
}

func clipMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clip, err := cfg.Library.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(cfg, w, r, err)
			return
		}
		serveKind(cfg, w, r, clip.Video, clip.Poster)
	}
}
