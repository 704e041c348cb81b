package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/project"
	"github.com/sshh12/prompt-stack/pkg/store"
)

// Store is the persistence the API reads and writes.
type Store interface {
	store.ProjectStore
	store.ChatStore
	store.MessageStore
}

// Packs lists the stack packs projects can be created from.
type Packs interface {
	Get(id string) domain.StackPack
	List() []domain.StackPack
}

// SandboxReaper tears down the sandbox of a deleted project.
type SandboxReaper interface {
	Delete(ctx context.Context, projectID string)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Store    Store
	Packs    Packs
	Sessions *project.Registry
	Reaper   SandboxReaper
}

// Server serves the REST API and the chat websocket.
type Server struct {
	deps Deps
	srv  *http.Server
}

// New creates a new Server.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Projects
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{projectID}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/projects/{projectID}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/projects/{projectID}/file", s.handleReadFile)

	// Chats
	mux.HandleFunc("GET /api/projects/{projectID}/chats", s.handleListChats)
	mux.HandleFunc("POST /api/projects/{projectID}/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats/{chatID}", s.handleGetChat)
	mux.HandleFunc("DELETE /api/chats/{chatID}", s.handleDeleteChat)

	mux.HandleFunc("GET /api/stack-packs", s.handleListPacks)

	mux.HandleFunc("/api/ws/chat/{chatID}", s.handleChatWebSocket)

	return s.corsMiddleware(mux)
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	slog.Info("Starting web server", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
// Hijacked websocket connections are not waited on.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Encoding response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// storeErrorResponse maps store.ErrNotFound to 404 and anything else to 500.
func (s *Server) storeErrorResponse(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err)
}
