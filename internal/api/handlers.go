package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/cache"
	"github.com/raaihank/leak-sentinel/internal/privacy"
	"github.com/raaihank/leak-sentinel/internal/scan"
	"github.com/raaihank/leak-sentinel/internal/store"
)

const maxRequestBody = 1 << 20

// scanView is the JSON form of a stored scan.
type scanView struct {
	store.Scan
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Running    bool       `json:"running"`
}

func (s *Server) viewOf(sc store.Scan, running map[string]bool) scanView {
	v := scanView{Scan: sc, Running: running[sc.ID]}
	if sc.FinishedAt.Valid {
		t := sc.FinishedAt.Time
		v.FinishedAt = &t
	}
	return v
}

func (s *Server) runningSet() map[string]bool {
	out := make(map[string]bool)
	if s.deps.Scanner == nil {
		return out
	}
	for _, id := range s.deps.Scanner.Running() {
		out[id] = true
	}
	return out
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":           "leak-sentinel",
		"version":        Version,
		"domain":         s.config.Scan.Domain,
		"file_types":     s.config.Scan.FileTypes,
		"enabled_types":  s.config.Detection.EnabledTypes,
		"known_types":    privacy.AllTypes(),
		"min_confidence": s.config.Detection.MinConfidence,
	}
	if s.deps.Keys != nil {
		info["keys_available"] = s.deps.Keys.Available()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanning is not configured")
		return
	}

	req := s.deps.Scanner.DefaultRequest()
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	scanID, err := s.deps.Scanner.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, scan.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, "Failed to start scan", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": scanID,
		"status":  store.StatusInProgress,
	})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage is not configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	scans, err := s.deps.Store.ListScans(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "Failed to list scans", err)
		return
	}

	running := s.runningSet()
	views := make([]scanView, len(scans))
	for i, sc := range scans {
		views[i] = s.viewOf(sc, running)
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": views, "count": len(views)})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage is not configured")
		return
	}

	id := mux.Vars(r)["id"]
	sc, err := s.deps.Store.GetScan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "Failed to load scan", err)
		return
	}

	leaks, err := s.deps.Store.Leaks(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "Failed to load detections", err)
		return
	}

	reports, err := s.deps.Store.Reports(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "Failed to load email reports", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scan":    s.viewOf(*sc, s.runningSet()),
		"leaks":   leaks,
		"reports": reports,
	})
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanning is not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Scanner.Cancel(id); err != nil {
		if errors.Is(err, scan.ErrUnknownScan) {
			writeError(w, http.StatusNotFound, "scan is not running")
			return
		}
		s.internalError(w, r, "Failed to cancel scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": id, "status": "cancelling"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage is not configured")
		return
	}
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, "Failed to compute stats", err)
		return
	}

	out := struct {
		*store.Stats
		Cache *cache.Stats `json:"cache,omitempty"`
	}{Stats: stats}
	if s.deps.Cache != nil {
		// Cache trouble degrades the response instead of failing it.
		if out.Cache, err = s.deps.Cache.GetStats(r.Context()); err != nil {
			s.logger.Warn("Failed to read cache stats", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "search keys are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": s.deps.Keys.Available(),
		"keys":      s.deps.Keys.Stats(),
	})
}

func (s *Server) handleResetKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "search keys are not configured")
		return
	}
	s.deps.Keys.Reset()
	s.deps.Metrics.SetKeysAvailable(s.deps.Keys.Available())

	s.logger.WithRequestID(getRequestID(r.Context())).Info("Search key quotas reset manually",
		zap.Int("available", s.deps.Keys.Available()))

	writeJSON(w, http.StatusOK, map[string]any{
		"available": s.deps.Keys.Available(),
		"keys":      s.deps.Keys.Stats(),
	})
}

// handleTestEmail sends a test message through the configured SMTP server.
func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Mailer == nil {
		writeError(w, http.StatusServiceUnavailable, "email reports are not configured")
		return
	}
	if err := s.deps.Mailer.SendTest(r.Context()); err != nil {
		s.internalError(w, r, "Failed to send test email", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Test email sent",
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.WithRequestID(getRequestID(r.Context())).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
