package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cmakerun/internal/ledger"
	"github.com/mattjoyce/cmakerun/internal/runner"
)

// handleHealthz handles GET /healthz (no auth). A handler waiting on a build
// step holds the runner mutex for the whole build, so liveness must never
// queue behind it; when the runner is busy the worker fields are simply
// omitted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.mu.TryLock() {
		resp.WorkerRunning = s.runner.IsRunning()
		resp.Session = s.runner.SessionID()
		s.mu.Unlock()
	} else {
		resp.Busy = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatusResponse{
		WorkerRunning: s.runner.IsRunning(),
		Session:       s.runner.SessionID(),
	}
	resp.JobsAll, _ = s.runner.NumJobs("all")
	resp.JobsCompleted, _ = s.runner.NumJobs("completed")
	resp.JobsRemaining, _ = s.runner.NumJobs("remaining")
	if failed, ok := s.runner.FailedJob(); ok {
		resp.FailedJob = &JobID{Kind: string(failed.Kind), ID: failed.Seq}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /v1/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := s.runner.Jobs()
	s.mu.Unlock()

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, JobView{ID: j.Seq, Args: j.Args, Status: j.Code})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleEnqueue handles POST /v1/jobs.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Args == "" {
		s.writeError(w, http.StatusBadRequest, "args is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.runner.Enqueue(req.Args)
	if err != nil {
		if errors.Is(err, runner.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "worker is not running")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := EnqueueResponse{ID: id}
	if req.Wait {
		clearWriteDeadline(w)
		status, err := s.runner.Wait(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Status = status
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// handleWait handles POST /v1/jobs/{jobID}/wait.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "job id must be an integer")
		return
	}

	clearWriteDeadline(w)

	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.runner.Wait(id)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownJob) {
			s.writeError(w, http.StatusNotFound, "unknown job id")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, WaitResponse{ID: id, Status: status})
}

// handleStop handles POST /v1/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	s.mu.Lock()
	s.runner.Stop(timeout)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// clearWriteDeadline lifts any server-wide write timeout for handlers that
// block until a build step finishes.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
