// Package sandbox manages the single ephemeral execution environment that
// backs each project: a compute instance mounted against a persistent volume.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoBackendHandle is returned by a Backend when a sandbox id is unknown.
var ErrNoBackendHandle = errors.New("sandbox handle not found")

// ErrSandboxExited is returned when a sandbox stops before it came up.
var ErrSandboxExited = errors.New("sandbox exited")

// TagProjectID is the tag used to find the sandboxes of a project.
const TagProjectID = "project_id"

// CreateOptions describes a sandbox to create.
type CreateOptions struct {
	Image   string
	Command []string
	// Volume is mounted at MountPath and created if missing.
	Volume    string
	MountPath string
	// Port is the single port exposed through a tunnel.
	Port int
	// Timeout bounds the total runtime of the sandbox.
	Timeout     time.Duration
	CPU         float64
	MemoryBytes int64
	Tags        map[string]string
}

// Liveness is the exit state reported for a sandbox. A nil code means the
// backend has not reported one yet.
type Liveness struct {
	PollCode   *int
	ReturnCode *int
}

// Alive reports whether the sandbox can be reused: either code is still
// missing, or both are zero.
func (l Liveness) Alive() bool {
	if l.PollCode == nil || l.ReturnCode == nil {
		return true
	}
	return *l.PollCode == 0 && *l.ReturnCode == 0
}

// FileType is the type of a volume entry.
type FileType string

const (
	FileTypeFile FileType = "file"
	FileTypeDir  FileType = "dir"
)

// FileEntry is one entry of a volume directory. Path is relative to the
// volume root.
type FileEntry struct {
	Path string
	Type FileType
}

// File is a file to write into a running sandbox.
type File struct {
	Path    string
	Content string
}

// ExecResult holds the captured output of a command.
type ExecResult struct {
	Stdout string
	Stderr string
}

// Backend is the infrastructure that runs sandboxes.
type Backend interface {
	// Create starts a sandbox and returns its id.
	Create(ctx context.Context, opts CreateOptions) (string, error)
	// List returns the ids of sandboxes carrying all of tags.
	List(ctx context.Context, tags map[string]string) ([]string, error)
	// Poll returns the liveness of a sandbox, or ErrNoBackendHandle.
	Poll(ctx context.Context, id string) (Liveness, error)
	Terminate(ctx context.Context, id string) error

	// Exec runs argv in the sandbox and waits for it to exit.
	Exec(ctx context.Context, id string, argv []string, workdir string) (ExecResult, error)
	// WriteFiles writes every file in a single call, creating parent
	// directories as needed.
	WriteFiles(ctx context.Context, id string, files []File) error
	// Tunnels maps exposed ports to their URLs.
	Tunnels(ctx context.Context, id string) (map[int]string, error)

	Volume(name string) Volume
	DeleteVolume(ctx context.Context, name string) error
}

// Volume is the persistent file store of a project.
type Volume interface {
	// ListDir lists one directory level. The empty string is the root.
	ListDir(ctx context.Context, dir string) ([]FileEntry, error)
	// ReadFile opens a file by its path relative to the volume root.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
}
