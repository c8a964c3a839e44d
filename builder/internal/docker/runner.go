package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/splax/localvercel/builder/internal/shell"
)

const (
	containerWorkdir = "/workspace"
	cleanupTimeout   = 30 * time.Second
)

// ErrExit is wrapped by errors for commands that exited non-zero.
var ErrExit = errors.New("docker: command exited non-zero")

// Runner executes commands in a fresh container per call with the host
// directory bind-mounted as the working directory.
type Runner struct {
	client *Client
	image  string
	user   string
}

// NewRunner returns a Runner using img. Containers run as the builder's uid:gid
// so files written to the mount stay removable.
func NewRunner(c *Client, img string) *Runner {
	return &Runner{client: c, image: img, user: strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())}
}

// Run executes command via /bin/sh in a container. On context expiry the
// container is killed; it is always removed.
func (r *Runner) Run(ctx context.Context, dir, command string, env []string, onLine func(string)) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	if err := r.client.EnsureImage(ctx, r.image); err != nil {
		return err
	}
	cfg, hostCfg := r.containerConfig(dir, command, env)
	created, err := r.client.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	id := created.ID
	defer r.remove(id)

	waitCh, waitErrCh := r.client.inner.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := r.client.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}

	logsDone := make(chan error, 1)
	go func() {
		logsDone <- r.streamLogs(ctx, id, onLine)
	}()

	select {
	case <-ctx.Done():
		r.kill(id)
		<-logsDone
		return contextError(ctx, command)
	case err := <-waitErrCh:
		r.kill(id)
		<-logsDone
		if ctx.Err() != nil {
			return contextError(ctx, command)
		}
		return fmt.Errorf("container wait: %w", err)
	case status := <-waitCh:
		<-logsDone
		if status.Error != nil && status.Error.Message != "" {
			return fmt.Errorf("container wait: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return fmt.Errorf("command %q exited with status %d: %w", command, status.StatusCode, ErrExit)
		}
		return nil
	}
}

func contextError(ctx context.Context, command string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command %q timed out: %w", command, ctx.Err())
	}
	return fmt.Errorf("command %q cancelled: %w", command, ctx.Err())
}

func (r *Runner) containerConfig(dir, command string, env []string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      r.image,
		Cmd:        []string{"/bin/sh", "-c", command},
		Env:        env,
		WorkingDir: containerWorkdir,
		User:       r.user,
		Labels:     map[string]string{"peep.role": "build"},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{dir + ":" + containerWorkdir},
		NetworkMode: "bridge",
	}
	return cfg, hostCfg
}

func (r *Runner) streamLogs(ctx context.Context, id string, onLine func(string)) error {
	rc, err := r.client.inner.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	out := shell.NewLineWriter(onLine)
	defer out.Close()
	_, err = stdcopy.StdCopy(out, out, rc)
	return err
}

func (r *Runner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = r.client.inner.ContainerKill(ctx, id, "KILL")
}

func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = r.client.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
