package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
)

type createJobRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type jobAck struct {
	JobID   string           `json:"job_id"`
	Status  export.JobStatus `json:"status"`
	Message string           `json:"message"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.jobs.Submit(r.Context(), export.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAck(w, r, http.StatusAccepted, jobID)
}

func (s *Server) submitVerificationCode(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.jobs.Resume(r.Context(), jobID, req.Code); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAck(w, r, http.StatusOK, jobID)
}

// writeAck answers with the job's current status and message.
func (s *Server) writeAck(w http.ResponseWriter, r *http.Request, code int, jobID string) {
	view, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, code, jobAck{JobID: jobID, Status: view.Status, Message: view.Message})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(r.Context())})
}

func (s *Server) queueSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.QueueSummary())
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	path, err := s.jobs.Artifact(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeServiceError(w, &export.NotFoundError{Kind: "artifact", ID: jobID})
			return
		}
		s.writeServiceError(w, fmt.Errorf("open artifact: %w", err))
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("close artifact", zap.String("job_id", jobID), zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("stat artifact: %w", err))
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
