// Package httpapi implements the HTTP boundary surface (spec.md §4.8, §6):
// a tool catalogue, a direct-execute endpoint bypassing the orchestrator,
// and a health check, all mounted over a shared boundary.Core.
//
// Routing uses go-chi/chi/v5, already present for its named path-param
// syntax ("/api/tools/{name}") matching the spec's endpoint grammar.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/corestated/corestated/internal/boundary"
	"github.com/corestated/corestated/internal/orchestrator"
	"github.com/corestated/corestated/internal/trackedexec"
)

// Server adapts boundary.Core to net/http.
type Server struct {
	core *boundary.Core

	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

// NewServer builds a Server over core. Call Router to obtain the mountable
// chi.Router.
func NewServer(core *boundary.Core) *Server {
	return &Server{core: core, sessions: make(map[string]*orchestrator.Session)}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/tools", s.handleListTools)
	r.Get("/api/tools/{name}", s.handleGetTool)
	r.Post("/api/tools/{name}/execute", s.handleExecuteTool)
	if s.core.Orchestrator != nil {
		r.Post("/api/chat/{session_id}", s.handleChat)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.ListTools())
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool, ok := s.core.GetTool(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(string(trackedexec.KindUnknownTool), "no such tool: "+name))
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

type executeRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.core.GetTool(name); !ok {
		writeJSON(w, http.StatusNotFound, errorBody(string(trackedexec.KindUnknownTool), "no such tool: "+name))
		return
	}

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(string(trackedexec.KindInvalidArgs), "malformed JSON body: "+err.Error()))
		return
	}
	args := body.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result := s.core.ExecuteTool(r.Context(), name, args)
	writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(string(trackedexec.KindInvalidArgs), "malformed JSON body: "+err.Error()))
		return
	}

	sess := s.sessionFor(sessionID)
	text, err := s.core.Chat(r.Context(), sess, body.Message)
	if err != nil {
		if err == orchestrator.ErrBusy {
			writeJSON(w, http.StatusConflict, errorBody("Busy", "session is already processing a chat call"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(string(trackedexec.KindExternalFailure), err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) sessionFor(id string) *orchestrator.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = orchestrator.NewSession(id, "")
		s.sessions[id] = sess
	}
	return sess
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{"error": map[string]string{"kind": kind, "message": message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
