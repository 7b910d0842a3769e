package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vigil/internal/remote/cdp"
	"github.com/seantiz/vigil/internal/session"
)

// createSessionRequest is the JSON body for POST /v1/sessions. Kind defaults
// to "page"; "cdp" attaches to a browser's devtools websocket instead.
type createSessionRequest struct {
	Kind   string `json:"kind"`
	URL    string `json:"url"`
	WSURL  string `json:"ws_url"`
	Target string `json:"target"`
}

type setDocumentRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type navigateRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var sess *session.Session
	switch req.Kind {
	case "", string(session.KindPage):
		sess = s.sessions.CreatePage(req.URL)
	case string(session.KindCDP):
		if req.WSURL == "" {
			s.writeError(w, http.StatusBadRequest, "ws_url is required for cdp sessions")
			return
		}
		client, err := cdp.Dial(r.Context(), req.WSURL, s.logger)
		if err != nil {
			s.logger.Error("dial devtools", "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to connect to devtools endpoint")
			return
		}
		sess, err = s.sessions.ConnectCDP(r.Context(), client, req.Target)
		if err != nil {
			client.Close()
			s.logger.Error("attach devtools session", "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to attach devtools session")
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "kind must be \"page\" or \"cdp\"")
		return
	}
	s.writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Close(chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("close session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.sessions.Document(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, "get document", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

func (s *Server) handleSetDocument(w http.ResponseWriter, r *http.Request) {
	var req setDocumentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.sessions.SetDocument(chi.URLParam(r, "id"), req.Key, req.Value); err != nil {
		s.writeSessionError(w, "set document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.RemoveDocument(chi.URLParam(r, "id"), chi.URLParam(r, "key"))
	if err != nil {
		s.writeSessionError(w, "remove document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	if err := s.sessions.Navigate(r.Context(), chi.URLParam(r, "id"), req.URL); err != nil {
		s.writeSessionError(w, "navigate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps session manager errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrNotPage):
		s.writeError(w, http.StatusConflict, "session has no in-process document")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
