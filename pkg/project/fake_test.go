package project

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sshh12/prompt-stack/pkg/agent"
	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/filechange"
	"github.com/sshh12/prompt-stack/pkg/model"
	"github.com/sshh12/prompt-stack/pkg/sandbox"
	"github.com/sshh12/prompt-stack/pkg/store"
)

type fakeSandbox struct {
	mu      sync.Mutex
	files   map[string]string
	writes  [][]sandbox.File
	waitErr error

	// When listRelease is set, the next GetFilePaths closes listEntered
	// and blocks until listRelease is closed.
	listEntered chan struct{}
	listRelease chan struct{}
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string]string{"/app/src/App.js": "old"}}
}

func (f *fakeSandbox) RunCommand(ctx context.Context, command, workdir string) string {
	return "ok"
}

func (f *fakeSandbox) GetFilePaths(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	entered, release := f.listEntered, f.listRelease
	f.listEntered, f.listRelease = nil, nil
	f.mu.Unlock()
	if release != nil {
		close(entered)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for p := range f.files {
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fakeSandbox) ReadFileContents(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return c, nil
}

func (f *fakeSandbox) WriteFileContents(ctx context.Context, files []sandbox.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, files)
	for _, file := range files {
		f.files[file.Path] = file.Content
	}
	return nil
}

func (f *fakeSandbox) Tunnels(ctx context.Context) (map[int]string, error) {
	return map[int]string{3000: "http://127.0.0.1:49153"}, nil
}

func (f *fakeSandbox) WaitForUp(ctx context.Context) error {
	return f.waitErr
}

func (f *fakeSandbox) Writes() [][]sandbox.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]sandbox.File(nil), f.writes...)
}

type memStore struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	messages map[string][]domain.ChatMessage
}

func newMemStore(projects ...domain.Project) *memStore {
	s := &memStore{projects: map[string]domain.Project{}, messages: map[string][]domain.ChatMessage{}}
	for _, p := range projects {
		s.projects[p.ID] = p
	}
	return s
}

func (s *memStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *memStore) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], *m)
	return nil
}

func (s *memStore) ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.messages[chatID]...), nil
}

// recorder is a connection that keeps every frame sent to it.
type recorder struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (r *recorder) SendJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection closed")
	}
	r.frames = append(r.frames, v)
	return nil
}

func (r *recorder) Frames() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.frames...)
}

func (r *recorder) Statuses() []domain.SandboxStatus {
	var out []domain.SandboxStatus
	for _, f := range r.Frames() {
		if s, ok := f.(StatusFrame); ok {
			out = append(out, s.SandboxStatus)
		}
	}
	return out
}

func (r *recorder) LastStatus() domain.SandboxStatus {
	statuses := r.Statuses()
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

func (r *recorder) Updates() []ChatUpdateFrame {
	var out []ChatUpdateFrame
	for _, f := range r.Frames() {
		if u, ok := f.(ChatUpdateFrame); ok {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) Chunks() string {
	var out string
	for _, f := range r.Frames() {
		if c, ok := f.(ChatChunkFrame); ok {
			out += c.Content
		}
	}
	return out
}

var testProject = domain.Project{ID: "p1", Name: "demo", StackPackID: "vanilla-react"}

func testDeps(p model.Provider, st Store, provision func(ctx context.Context, projectID string) (Sandbox, error)) Deps {
	newAgent := func(project domain.Project) Agent {
		return agent.New(p, agent.Options{Model: "main", FollowUpModel: "mini", Project: project})
	}
	return Deps{
		Store:     st,
		Provision: provision,
		NewAgent:  newAgent,
		Applier:   filechange.NewApplier(p, "mini", nil, 4),
	}
}

func provideSandbox(sb Sandbox) func(ctx context.Context, projectID string) (Sandbox, error) {
	return func(ctx context.Context, projectID string) (Sandbox, error) {
		return sb, nil
	}
}
