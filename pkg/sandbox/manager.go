package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// Config holds the resource limits and layout shared by every sandbox.
type Config struct {
	MountPath    string
	Port         int
	Timeout      time.Duration
	CPU          float64
	MemoryBytes  int64
	PollInterval time.Duration
	// Ignore lists path segment patterns excluded from file listings.
	Ignore []string
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MountPath:    "/app",
		Port:         3000,
		Timeout:      3 * time.Hour,
		CPU:          1,
		MemoryBytes:  1024 * 1024 * 1024,
		PollInterval: 3 * time.Second,
		Ignore:       []string{"node_modules", ".git", ".next", "build"},
	}
}

// ProjectStore is the persistence the manager needs for bookkeeping.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	SetActiveSandbox(ctx context.Context, projectID, sandboxID string, usedAt time.Time) error
}

// Manager hands out one sandbox per project.
type Manager struct {
	backend  Backend
	packs    *Packs
	projects ProjectStore
	cfg      Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a new Manager.
func NewManager(backend Backend, packs *Packs, projects ProjectStore, cfg Config) *Manager {
	return &Manager{
		backend:  backend,
		packs:    packs,
		projects: projects,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

// VolumeName returns the name of a project's persistent volume.
func VolumeName(projectID string) string {
	return "prompt-stack-vol-project-" + projectID
}

func (m *Manager) projectLock(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

// GetOrCreate returns a session for the project's recorded sandbox when it
// is still alive, and creates a new sandbox otherwise. Calls for the same
// project are serialized, so concurrent callers share one sandbox.
func (m *Manager) GetOrCreate(ctx context.Context, projectID string) (*Session, error) {
	l := m.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	project, err := m.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	if id := project.ActiveSandboxID; id != "" {
		live, err := m.backend.Poll(ctx, id)
		switch {
		case err == nil && live.Alive():
			slog.Info("Using existing sandbox", "projectID", projectID, "sandboxID", id)
			return m.newSession(projectID, id), nil
		case err != nil && !errors.Is(err, ErrNoBackendHandle):
			return nil, fmt.Errorf("polling sandbox %s: %w", id, err)
		}
	}

	pack := m.packs.Get(project.StackPackID)
	slog.Info("Creating sandbox", "projectID", projectID, "previousSandboxID", project.ActiveSandboxID, "pack", pack.ID)

	id, err := m.backend.Create(ctx, CreateOptions{
		Image:       pack.Image,
		Command:     []string{"sh", "-c", pack.StartCommand},
		Volume:      VolumeName(projectID),
		MountPath:   m.cfg.MountPath,
		Port:        m.cfg.Port,
		Timeout:     m.cfg.Timeout,
		CPU:         m.cfg.CPU,
		MemoryBytes: m.cfg.MemoryBytes,
		Tags:        map[string]string{TagProjectID: projectID},
	})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	if err := m.projects.SetActiveSandbox(ctx, projectID, id, time.Now()); err != nil {
		return nil, fmt.Errorf("recording sandbox: %w", err)
	}
	return m.newSession(projectID, id), nil
}

func (m *Manager) newSession(projectID, id string) *Session {
	return &Session{
		ProjectID: projectID,
		ID:        id,
		backend:   m.backend,
		volume:    m.backend.Volume(VolumeName(projectID)),
		cfg:       m.cfg,
	}
}

// Delete terminates every sandbox tagged with the project and removes its
// volume. Failures are logged and otherwise ignored.
func (m *Manager) Delete(ctx context.Context, projectID string) {
	ids, err := m.backend.List(ctx, map[string]string{TagProjectID: projectID})
	if err != nil {
		slog.Warn("Listing sandboxes for delete", "projectID", projectID, "error", err)
	}
	for _, id := range ids {
		if err := m.backend.Terminate(ctx, id); err != nil {
			slog.Warn("Terminating sandbox", "projectID", projectID, "sandboxID", id, "error", err)
		}
	}
	if err := m.backend.DeleteVolume(ctx, VolumeName(projectID)); err != nil {
		slog.Warn("Deleting sandbox volume", "projectID", projectID, "error", err)
	}
}
