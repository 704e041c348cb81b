package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// --- Projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	s.jsonResponse(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		StackPackID string `json:"stack_pack_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	p := &domain.Project{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		// Unknown pack ids resolve to the default pack.
		StackPackID: s.deps.Packs.Get(req.StackPackID).ID,
	}
	if err := s.deps.Store.CreateProject(r.Context(), p); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProject(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.storeErrorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("projectID")
	if err := s.deps.Store.DeleteProject(r.Context(), id); err != nil {
		s.storeErrorResponse(w, err)
		return
	}
	// Stop the boot first so it cannot recreate what the reaper removes.
	s.deps.Sessions.Forget(id)
	if s.deps.Reaper != nil {
		s.deps.Reaper.Delete(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	sess, ok := s.deps.Sessions.Lookup(r.PathValue("projectID"))
	if !ok || sess.Sandbox() == nil {
		s.errorResponse(w, http.StatusConflict, errors.New("sandbox is not running"))
		return
	}

	content, err := sess.Sandbox().ReadFileContents(r.Context(), path)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

// --- Chats ---

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.deps.Store.ListChats(r.Context(), r.PathValue("projectID"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	s.jsonResponse(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.deps.Store.GetProject(r.Context(), projectID); err != nil {
		s.storeErrorResponse(w, err)
		return
	}

	name := req.Name
	if name == "" {
		name = "New Chat"
	}
	c := &domain.Chat{ID: uuid.NewString(), ProjectID: projectID, Name: name}
	if err := s.deps.Store.CreateChat(r.Context(), c); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetChat(r.Context(), r.PathValue("chatID"))
	if err != nil {
		s.storeErrorResponse(w, err)
		return
	}
	messages, err := s.deps.Store.ListMessages(r.Context(), c.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"chat":     c,
		"messages": messages,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteChat(r.Context(), r.PathValue("chatID")); err != nil {
		s.storeErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Stack packs ---

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.deps.Packs.List())
}
