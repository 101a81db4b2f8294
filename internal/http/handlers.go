package http

import (
	"net/http"
	"strconv"
	"time"

	"fintraq/internal/core"
	"fintraq/internal/log"
)

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	req, err := parseCaptureRequest(w, r, s.maxBodySize)
	if err != nil {
		logger.WarnContext(ctx, "Invalid capture request", log.FieldError, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Intake.OnMessageReceived(ctx, req.Originator, req.RawText, req.capturedAt())
	if err != nil {
		// not stored; the sender has to redeliver
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "message not stored")
		return
	}

	NewJSONResponse().
		Status(http.StatusAccepted).
		Body(captureResponse{LocalID: id}).
		Write(w)
}

// handleSync runs one pass. With reset_backoff=true every FAILED record is
// made due first.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if reset, _ := strconv.ParseBool(r.URL.Query().Get("reset_backoff")); reset {
		if _, err := s.deps.Store.ResetBackoff(ctx); err != nil {
			log.FromContext(ctx).ErrorContext(ctx, "Failed to reset backoff",
				log.FieldErrorType, log.ErrorTypeDatabase,
				log.FieldError, err)
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
	}

	rep := s.deps.Syncer.RunSync(ctx)
	status := http.StatusOK
	if rep.Outcome == core.OutcomePermanentFailure {
		status = http.StatusInternalServerError
	}
	NewJSONResponse().Status(status).Body(newReportResponse(rep, time.Now())).Write(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.deps.Store.Stats(ctx)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to read queue stats",
			log.FieldErrorType, log.ErrorTypeDatabase,
			log.FieldError, err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	resp := statsResponse{
		Pending:  stats.Pending,
		Sent:     stats.Sent,
		Failed:   stats.Failed,
		Archived: stats.Archived,
	}
	if s.deps.Reports != nil {
		if rep, at := s.deps.Reports.LastReport(); !at.IsZero() {
			last := newReportResponse(rep, at)
			resp.LastRun = &last
		}
	}
	NewJSONResponse().Body(resp).Write(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.deps.Store.Ping(ctx); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		writeError(w, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}
