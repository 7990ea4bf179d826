// Package docker implements ports.ContainerEngine over the Docker SDK.
// It is the only package that imports the SDK; everything above it speaks
// the engine-neutral domain types.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/simlabs/simbay/internal/core/domain"
)

// Adapter implements ports.ContainerEngine using the Docker SDK.
type Adapter struct {
	cli *client.Client
	log zerolog.Logger
}

// NewAdapter creates a Docker engine adapter from the environment
// (DOCKER_HOST etc.), negotiating the API version with the daemon.
func NewAdapter(log zerolog.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, log: log}, nil
}

// Ping reports daemon reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	return nil
}

// Exists reports whether a container with the given name exists, in any state.
func (a *Adapter) Exists(ctx context.Context, name string) (bool, error) {
	_, err := a.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case client.IsErrNotFound(err):
		return false, nil
	default:
		return false, a.mapErr(err)
	}
}

// CreateAndStart pulls the image if it is missing locally, then creates and
// starts a container from spec. The daemon's diagnostic is passed through
// untouched on failure; port conflicts, missing images and an absent GPU
// runtime all surface here and the message is what operators act on.
func (a *Adapter) CreateAndStart(ctx context.Context, spec domain.CreateSpec) (string, error) {
	if err := a.pullIfMissing(ctx, spec.Image); err != nil {
		return "", err
	}
	if err := ensureBindSources(spec.Binds); err != nil {
		return "", err
	}

	hostConfig := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Runtime:     spec.Runtime,
		ShmSize:     spec.ShmBytes,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}
	if spec.GPUEnabled {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Count:        -1, // all GPUs
				Capabilities: [][]string{{"gpu", "compute", "utility"}},
			},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
		User:   spec.User,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", a.mapErr(err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", a.mapErr(err)
	}
	return resp.ID, nil
}

// Stop gracefully stops the named container; the daemon kills it after the
// grace period.
func (a *Adapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return a.mapErr(a.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}))
}

// Remove deletes the named container.
func (a *Adapter) Remove(ctx context.Context, name string, force bool) error {
	return a.mapErr(a.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: force}))
}

// Inspect returns the daemon's view of the named container.
func (a *Adapter) Inspect(ctx context.Context, name string) (domain.RuntimeStatus, error) {
	info, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		return domain.RuntimeStatus{}, a.mapErr(err)
	}
	rs := domain.RuntimeStatus{ContainerID: info.ID}
	if info.State != nil {
		rs.Status = info.State.Status
		rs.ExitCode = info.State.ExitCode
		rs.StartedAt = parseDockerTime(info.State.StartedAt)
	}
	rs.CreatedAt = parseDockerTime(info.Created)
	return rs, nil
}

// Logs returns up to tail lines of the container's combined output, with
// timestamps. The daemon multiplexes stdout/stderr on one stream; stdcopy
// splits the framing back out.
func (a *Adapter) Logs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := a.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", a.mapErr(err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		// A container started with a TTY writes a raw stream instead.
		if raw, rerr := io.ReadAll(rc); rerr == nil && buf.Len() == 0 {
			return string(raw), nil
		}
	}
	return buf.String(), nil
}

// ListManaged returns the names of all containers carrying the manager's
// ownership label, running or not.
func (a *Adapter) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", domain.ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, a.mapErr(err)
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) > 0 {
			names = append(names, strings.TrimPrefix(c.Names[0], "/"))
		}
	}
	return names, nil
}

func (a *Adapter) pullIfMissing(ctx context.Context, image string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return a.mapErr(err)
	}

	a.log.Info().Str("image", image).Msg("pulling image")
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return a.mapErr(err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("image pull interrupted: %w", err)
	}
	return nil
}

// mapErr translates SDK errors into the domain taxonomy. Anything else is
// returned as-is so the daemon's diagnostic text survives intact.
func (a *Adapter) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	default:
		return err
	}
}

func ensureBindSources(binds []string) error {
	for _, b := range binds {
		host, _, ok := strings.Cut(b, ":")
		if !ok {
			continue
		}
		if err := os.MkdirAll(host, 0o755); err != nil {
			return fmt.Errorf("failed to create bind source %s: %w", host, err)
		}
	}
	return nil
}

func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
