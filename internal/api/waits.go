package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/session"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/wait"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listWaitsResponse wraps the paginated list response.
type listWaitsResponse struct {
	Waits  []*model.Wait `json:"waits"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleScheduleWait installs a wait on the session. With ?block=true the
// response carries the settled record; otherwise the pending record comes
// back immediately and settles in the background.
func (s *Server) handleScheduleWait(w http.ResponseWriter, r *http.Request) {
	var req session.ScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	record, task, err := s.sessions.Schedule(r.Context(), chi.URLParam(r, "id"), req)
	if errors.Is(err, session.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if errors.Is(err, model.ErrInvalidPolling) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("schedule wait", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("block") != "true" {
		s.writeJSON(w, http.StatusCreated, record)
		return
	}

	// The task's own timeout bounds this; a client disconnect releases the
	// handler but leaves the task running to record its outcome.
	if _, err := task.Wait(r.Context()); err != nil && errors.Is(err, r.Context().Err()) {
		s.writeError(w, http.StatusRequestTimeout, "client gave up before the wait settled")
		return
	}

	settled, err := s.store.GetWait(r.Context(), record.ID)
	if err != nil {
		s.logger.Error("get settled wait", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get wait")
		return
	}
	// The background settle may still be in flight; fall back to the
	// task's view so the client never sees a stale pending record.
	if settled.Status == model.StatusPending {
		settled = settledView(settled, task)
	}
	s.writeJSON(w, http.StatusOK, settled)
}

func (s *Server) handleGetWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wt, err := s.store.GetWait(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "wait not found")
		return
	}
	if err != nil {
		s.logger.Error("get wait", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get wait")
		return
	}

	s.writeJSON(w, http.StatusOK, wt)
}

func (s *Server) handleListWaits(w http.ResponseWriter, r *http.Request) {
	s.listWaits(w, r, "")
}

func (s *Server) handleListSessionWaits(w http.ResponseWriter, r *http.Request) {
	s.listWaits(w, r, chi.URLParam(r, "id"))
}

func (s *Server) listWaits(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	waits, total, err := s.store.ListWaits(r.Context(), sessionID, limit, offset)
	if err != nil {
		s.logger.Error("list waits", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list waits")
		return
	}

	if waits == nil {
		waits = []*model.Wait{}
	}

	s.writeJSON(w, http.StatusOK, listWaitsResponse{
		Waits:  waits,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// settledView overlays a settled task onto its still-pending record.
func settledView(record *model.Wait, task *wait.Task) *model.Wait {
	out := *record
	v, err := task.Result()
	out.Runs = task.Runs()
	if err != nil {
		out.Status, out.Error = session.Outcome(err)
		return &out
	}
	out.Status = model.StatusResolved
	if encoded, merr := json.Marshal(v); merr == nil {
		out.Value = encoded
	}
	return &out
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
