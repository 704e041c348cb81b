package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

type fakeBackend struct {
	mu sync.Mutex

	createDelay time.Duration
	created     []CreateOptions
	live        map[string]Liveness
	pollErr     error

	execFn  func(argv []string, workdir string) (ExecResult, error)
	execs   [][]string
	writes  [][]File
	tunnels map[int]string

	volumes map[string]*fakeVolume

	listIDs        []string
	listErr        error
	terminateErr   error
	terminated     []string
	deleteErr      error
	deletedVolumes []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		live:    make(map[string]Liveness),
		volumes: make(map[string]*fakeVolume),
	}
}

func (b *fakeBackend) Create(ctx context.Context, opts CreateOptions) (string, error) {
	time.Sleep(b.createDelay)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, opts)
	id := fmt.Sprintf("sb-%d", len(b.created))
	b.live[id] = Liveness{}
	return id, nil
}

func (b *fakeBackend) List(ctx context.Context, tags map[string]string) ([]string, error) {
	return b.listIDs, b.listErr
}

func (b *fakeBackend) Poll(ctx context.Context, id string) (Liveness, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return Liveness{}, b.pollErr
	}
	l, ok := b.live[id]
	if !ok {
		return Liveness{}, ErrNoBackendHandle
	}
	return l, nil
}

func (b *fakeBackend) Terminate(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated = append(b.terminated, id)
	return b.terminateErr
}

func (b *fakeBackend) Exec(ctx context.Context, id string, argv []string, workdir string) (ExecResult, error) {
	b.mu.Lock()
	b.execs = append(b.execs, append([]string{workdir}, argv...))
	fn := b.execFn
	b.mu.Unlock()
	if fn == nil {
		return ExecResult{}, nil
	}
	return fn(argv, workdir)
}

func (b *fakeBackend) WriteFiles(ctx context.Context, id string, files []File) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, files)
	return nil
}

func (b *fakeBackend) Tunnels(ctx context.Context, id string) (map[int]string, error) {
	return b.tunnels, nil
}

func (b *fakeBackend) Volume(name string) Volume {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		v = &fakeVolume{dirs: map[string][]FileEntry{}, files: map[string]string{}}
		b.volumes[name] = v
	}
	return v
}

func (b *fakeBackend) DeleteVolume(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedVolumes = append(b.deletedVolumes, name)
	return b.deleteErr
}

type fakeVolume struct {
	mu      sync.Mutex
	dirs    map[string][]FileEntry
	files   map[string]string
	visited []string
}

func (v *fakeVolume) ListDir(ctx context.Context, dir string) ([]FileEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visited = append(v.visited, dir)
	return v.dirs[dir], nil
}

func (v *fakeVolume) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	content, ok := v.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
}

func newFakeProjects(projects ...domain.Project) *fakeProjects {
	f := &fakeProjects{projects: make(map[string]*domain.Project)}
	for _, p := range projects {
		p := p
		f.projects[p.ID] = &p
	}
	return f
}

func (f *fakeProjects) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, errors.New("project not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) SetActiveSandbox(ctx context.Context, projectID, sandboxID string, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return errors.New("project not found")
	}
	p.ActiveSandboxID = sandboxID
	p.SandboxLastUsedAt = &usedAt
	return nil
}
