// Package docker runs sandboxes as local Docker containers mounted against
// named Docker volumes.
package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"mvdan.cc/sh/v3/syntax"

	"github.com/sshh12/prompt-stack/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "prompt-stack"
	// tagLabelPrefix namespaces sandbox tags among container labels.
	tagLabelPrefix = "prompt-stack."
)

// Backend implements sandbox.Backend using Docker containers.
type Backend struct {
	client *client.Client
}

// Verify interface compliance.
var _ sandbox.Backend = (*Backend)(nil)

// New creates a new Docker sandbox backend.
func New() (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Backend{client: cli}, nil
}

// Close releases the Docker client resources.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Ping checks that the daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Create pulls the image if needed, ensures the volume exists and starts a
// container. The command is wrapped in timeout(1) to bound its runtime.
func (b *Backend) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	if err := b.ensureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	if _, err := b.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   opts.Volume,
		Labels: map[string]string{LabelManager: LabelManagerValue},
	}); err != nil {
		return "", fmt.Errorf("creating volume %s: %w", opts.Volume, err)
	}

	labels := map[string]string{LabelManager: LabelManagerValue}
	for k, v := range opts.Tags {
		labels[tagLabelPrefix+k] = v
	}

	cmd := opts.Command
	if opts.Timeout > 0 {
		cmd = append([]string{"timeout", strconv.Itoa(int(opts.Timeout / time.Second))}, cmd...)
	}

	port := nat.Port(strconv.Itoa(opts.Port) + "/tcp")
	cfg := &container.Config{
		Image:      opts.Image,
		Cmd:        cmd,
		WorkingDir: opts.MountPath,
		Labels:     labels,
		ExposedPorts: nat.PortSet{
			port: {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: opts.Volume,
				Target: opts.MountPath,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(opts.CPU * 1e9),
			Memory:   opts.MemoryBytes,
		},
	}

	resp, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}

	slog.Info("Sandbox container started",
		"id", resp.ID,
		"image", opts.Image,
		"volume", opts.Volume,
		"cpu", opts.CPU,
		"memory", units.BytesSize(float64(opts.MemoryBytes)),
		"timeout", opts.Timeout)
	return resp.ID, nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	_, _, err := b.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	slog.Info("Pulling sandbox image", "image", ref)
	rc, err := b.client.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// List returns the ids of managed containers carrying all of tags.
func (b *Backend) List(ctx context.Context, tags map[string]string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManager+"="+LabelManagerValue))
	for k, v := range tags {
		args.Add("label", tagLabelPrefix+k+"="+v)
	}

	containers, err := b.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids, nil
}

// Poll reports exit codes once the container has stopped.
func (b *Backend) Poll(ctx context.Context, id string) (sandbox.Liveness, error) {
	c, err := b.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.Liveness{}, sandbox.ErrNoBackendHandle
		}
		return sandbox.Liveness{}, fmt.Errorf("inspecting container: %w", err)
	}

	return liveness(c.State), nil
}

// liveness maps a container state to exit codes. Any state other than
// created, running or restarting gets a non-zero poll code, so a container
// that exited cleanly is still not reused.
func liveness(state *types.ContainerState) sandbox.Liveness {
	if state == nil {
		return sandbox.Liveness{}
	}
	switch state.Status {
	case "created", "running", "restarting":
		return sandbox.Liveness{}
	}
	pollCode, returnCode := 1, state.ExitCode
	return sandbox.Liveness{PollCode: &pollCode, ReturnCode: &returnCode}
}

// Terminate force-removes the container.
func (b *Backend) Terminate(ctx context.Context, id string) error {
	if err := b.client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// Exec runs argv in the container and collects its output.
func (b *Backend) Exec(ctx context.Context, id string, argv []string, workdir string) (sandbox.ExecResult, error) {
	created, err := b.client.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := b.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return sandbox.ExecResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return sandbox.ExecResult{}, fmt.Errorf("reading exec output: %w", err)
		}
	}
	return sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// WriteFiles copies every file into the container as one tar archive.
func (b *Backend) WriteFiles(ctx context.Context, id string, files []sandbox.File) error {
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	if err := b.client.CopyToContainer(ctx, id, "/", archive, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying files to container: %w", err)
	}
	return nil
}

// tarFiles builds an archive rooted at "/" with a header for every parent
// directory, so missing directories are created on extraction.
func tarFiles(files []sandbox.File) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	seen := make(map[string]bool)
	for _, f := range files {
		name := strings.TrimPrefix(path.Clean("/"+f.Path), "/")

		var dirs []string
		for dir := path.Dir(name); dir != "." && !seen[dir]; dir = path.Dir(dir) {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
		for i := len(dirs) - 1; i >= 0; i-- {
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dirs[i] + "/",
				Mode:     0o755,
				ModTime:  now,
			}); err != nil {
				return nil, fmt.Errorf("writing tar header: %w", err)
			}
		}

		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("writing tar header: %w", err)
		}
		if _, err := io.WriteString(tw, f.Content); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return &buf, nil
}

// Tunnels maps each exposed container port to its local URL.
func (b *Backend) Tunnels(ctx context.Context, id string) (map[int]string, error) {
	c, err := b.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if c.NetworkSettings == nil {
		return map[int]string{}, nil
	}

	tunnels := make(map[int]string)
	for port, bindings := range c.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		tunnels[port.Int()] = "http://127.0.0.1:" + bindings[0].HostPort
	}
	return tunnels, nil
}

// Volume returns a handle on the named volume.
func (b *Backend) Volume(name string) sandbox.Volume {
	return &Volume{backend: b, name: name}
}

// DeleteVolume force-removes the named volume.
func (b *Backend) DeleteVolume(ctx context.Context, name string) error {
	if err := b.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

// Volume reads a Docker volume through a running container that mounts it.
type Volume struct {
	backend *Backend
	name    string
}

// mounter returns a running container with the volume and the mount
// destination inside it.
func (v *Volume) mounter(ctx context.Context) (string, string, error) {
	containers, err := v.backend.client.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("volume", v.name),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return "", "", fmt.Errorf("listing containers for volume %s: %w", v.name, err)
	}
	for _, c := range containers {
		for _, m := range c.Mounts {
			if m.Name == v.name {
				return c.ID, m.Destination, nil
			}
		}
	}
	return "", "", fmt.Errorf("no running container mounts volume %s", v.name)
}

// ListDir lists one directory with ls -p, which marks directories with a
// trailing slash.
func (v *Volume) ListDir(ctx context.Context, dir string) ([]sandbox.FileEntry, error) {
	id, dest, err := v.mounter(ctx)
	if err != nil {
		return nil, err
	}

	quoted, err := syntax.Quote(path.Join(dest, dir), syntax.LangPOSIX)
	if err != nil {
		return nil, fmt.Errorf("quoting %q: %w", dir, err)
	}
	res, err := v.backend.Exec(ctx, id, []string{"sh", "-c", "[ -d " + quoted + " ] && ls -1Ap -- " + quoted}, dest)
	if err != nil {
		return nil, err
	}
	if res.Stderr != "" {
		return nil, fmt.Errorf("listing %s: %s", dir, strings.TrimSpace(res.Stderr))
	}
	return parseListing(dir, res.Stdout), nil
}

func parseListing(dir, out string) []sandbox.FileEntry {
	var entries []sandbox.FileEntry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		name := sc.Text()
		if name == "" {
			continue
		}
		typ := sandbox.FileTypeFile
		if strings.HasSuffix(name, "/") {
			typ = sandbox.FileTypeDir
			name = strings.TrimSuffix(name, "/")
		}
		p := name
		if dir != "" {
			p = dir + "/" + name
		}
		entries = append(entries, sandbox.FileEntry{Path: p, Type: typ})
	}
	return entries
}

// ReadFile streams a single file out of the volume.
func (v *Volume) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	id, dest, err := v.mounter(ctx)
	if err != nil {
		return nil, err
	}

	rc, _, err := v.backend.client.CopyFromContainer(ctx, id, path.Join(dest, p))
	if err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", p, err)
	}

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty archive", p)
		}
		return nil, fmt.Errorf("reading archive for %s: %w", p, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		rc.Close()
		return nil, fmt.Errorf("%s is not a regular file", p)
	}
	return &tarFile{Reader: tr, closer: rc}, nil
}

type tarFile struct {
	*tar.Reader
	closer io.Closer
}

func (f *tarFile) Close() error {
	return f.closer.Close()
}
