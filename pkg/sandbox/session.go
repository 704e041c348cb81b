package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
)

// probeTimeout bounds a single reachability check.
const probeTimeout = 10 * time.Second

// Session is a handle on one project's running sandbox.
type Session struct {
	ProjectID string
	ID        string

	backend Backend
	volume  Volume
	cfg     Config
	ready   atomic.Bool
}

// Ready reports whether WaitForUp has succeeded.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

// Tunnels maps exposed ports to URLs.
func (s *Session) Tunnels(ctx context.Context) (map[int]string, error) {
	return s.backend.Tunnels(ctx, s.ID)
}

// WaitForUp polls the tunnel of the exposed port until it answers without
// a server error. It gives up when ctx is done or when the sandbox is gone
// or has exited.
func (s *Session) WaitForUp(ctx context.Context) error {
	client := &http.Client{Timeout: probeTimeout}

	reach := func() error {
		tunnels, err := s.Tunnels(ctx)
		if err != nil {
			return fmt.Errorf("resolving tunnels: %w", err)
		}
		url, ok := tunnels[s.cfg.Port]
		if !ok {
			return fmt.Errorf("no tunnel for port %d", s.cfg.Port)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("sandbox responded %d", resp.StatusCode)
		}
		return nil
	}
	probe := func() error {
		err := reach()
		if err == nil {
			return nil
		}
		if deadErr := s.checkAlive(ctx); deadErr != nil {
			return backoff.Permanent(deadErr)
		}
		return err
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.PollInterval), ctx)
	err := backoff.RetryNotify(probe, b, func(err error, next time.Duration) {
		slog.Debug("Polling sandbox", "projectID", s.ProjectID, "sandboxID", s.ID, "error", err)
	})
	if err != nil {
		return fmt.Errorf("waiting for sandbox %s: %w", s.ID, err)
	}

	s.ready.Store(true)
	slog.Info("Sandbox is up", "projectID", s.ProjectID, "sandboxID", s.ID)
	return nil
}

// checkAlive returns an error once the sandbox can no longer come up.
// Poll failures other than a missing handle are treated as transient.
func (s *Session) checkAlive(ctx context.Context) error {
	live, err := s.backend.Poll(ctx, s.ID)
	switch {
	case errors.Is(err, ErrNoBackendHandle):
		return err
	case err != nil:
		slog.Debug("Polling sandbox liveness", "projectID", s.ProjectID, "sandboxID", s.ID, "error", err)
		return nil
	case !live.Alive():
		return fmt.Errorf("%w with code %d", ErrSandboxExited, *live.ReturnCode)
	}
	return nil
}

// GetFilePaths lists every file in the volume, sorted and rooted at the
// mount path. Paths with an ignored segment anywhere are skipped.
func (s *Session) GetFilePaths(ctx context.Context) ([]string, error) {
	var paths []string

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := s.volume.ListDir(ctx, dir)
		if err != nil {
			return fmt.Errorf("listing %q: %w", dir, err)
		}
		for _, e := range entries {
			if s.ignored(e.Path) {
				continue
			}
			if e.Type == FileTypeDir {
				if err := walk(e.Path); err != nil {
					return err
				}
				continue
			}
			paths = append(paths, path.Join(s.cfg.MountPath, e.Path))
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

func (s *Session) ignored(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		for _, pattern := range s.cfg.Ignore {
			if ok, _ := doublestar.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}

// RunCommand runs command through a shell and returns stdout followed by
// stderr. Failures are returned as "Error: ..." text.
func (s *Session) RunCommand(ctx context.Context, command, workdir string) string {
	if workdir == "" {
		workdir = s.cfg.MountPath
	}
	res, err := s.backend.Exec(ctx, s.ID, []string{"sh", "-c", command}, workdir)
	if err != nil {
		return "Error: " + err.Error()
	}
	return res.Stdout + res.Stderr
}

// WriteFileContents writes all files in one backend call. Relative paths
// are resolved against the mount path.
func (s *Session) WriteFileContents(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}
	resolved := make([]File, len(files))
	for i, f := range files {
		if !path.IsAbs(f.Path) {
			f.Path = path.Join(s.cfg.MountPath, f.Path)
		}
		resolved[i] = f
	}
	files = resolved
	if err := s.backend.WriteFiles(ctx, s.ID, files); err != nil {
		return fmt.Errorf("writing %d files: %w", len(files), err)
	}
	return nil
}

// ReadFileContents reads a file from the volume. Paths under the mount path
// are resolved relative to the volume root.
func (s *Session) ReadFileContents(ctx context.Context, p string) (string, error) {
	p = strings.TrimPrefix(p, strings.TrimSuffix(s.cfg.MountPath, "/")+"/")

	rc, err := s.volume.ReadFile(ctx, p)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", p, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	return string(b), nil
}
