package project

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds one Session per open project. Sessions live for the life
// of the process.
type Registry struct {
	ctx  context.Context
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry. ctx bounds the background work of every
// session it starts.
func NewRegistry(ctx context.Context, deps Deps) *Registry {
	return &Registry{
		ctx:      ctx,
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for projectID, loading the project and starting
// its sandbox on first use.
func (r *Registry) Get(ctx context.Context, projectID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[projectID]; ok {
		return s, nil
	}

	p, err := r.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", projectID, err)
	}
	s := NewSession(*p, r.deps)
	r.sessions[projectID] = s
	s.Start(r.ctx)
	return s, nil
}

// Lookup returns the session for projectID if one is running.
func (r *Registry) Lookup(projectID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// Forget drops the session of a deleted project and stops its boot, so no
// sandbox is created for the project afterwards. Connections still holding
// the session keep working against it.
func (r *Registry) Forget(projectID string) {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	delete(r.sessions, projectID)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
