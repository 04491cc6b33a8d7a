package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"podlauncher/internal/launcher"
)

// NamespaceLabelKey records the namespace of a container, which Docker has no notion of.
const NamespaceLabelKey = "podlauncher.namespace"

// dockerAPI is the subset of the Docker client used by the backend.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig holds configuration for the Docker backend.
type DockerConfig struct {
	// WorkDir is the host directory holding each container's init files
	WorkDir string
	// Network the containers join (optional)
	Network string
}

// DockerBackend runs every execution as a container on a single Docker host.
// Init files are written under WorkDir and bind-mounted read-only.
type DockerBackend struct {
	client dockerAPI
	config DockerConfig
	logger *slog.Logger
}

var _ launcher.ClusterBackend = (*DockerBackend)(nil)

// NewDockerBackend creates a Docker backend from the standard environment
// variables (DOCKER_HOST, etc.).
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerBackend(cli, cfg, logger), nil
}

func newDockerBackend(api dockerAPI, cfg DockerConfig, logger *slog.Logger) *DockerBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "podlauncher")
	}
	return &DockerBackend{client: api, config: cfg, logger: logger}
}

// ListNonTerminalUnits returns the containers labelled labelKey=labelValue that
// have not exited.
func (d *DockerBackend) ListNonTerminalUnits(ctx context.Context, labelKey, labelValue string) ([]launcher.UnitRef, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey+"="+labelValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var refs []launcher.UnitRef
	for _, c := range containers {
		if isTerminalContainerState(string(c.State)) || len(c.Names) == 0 {
			continue
		}
		refs = append(refs, launcher.UnitRef{
			Namespace: c.Labels[NamespaceLabelKey],
			Name:      strings.TrimPrefix(c.Names[0], "/"),
		})
	}
	return refs, nil
}

// Delete force-removes the container and its init files. A missing container is not an error.
func (d *DockerBackend) Delete(ctx context.Context, ref launcher.UnitRef) error {
	removeErr := d.client.ContainerRemove(ctx, ref.Name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if removeErr != nil && !errdefs.IsNotFound(removeErr) {
		return fmt.Errorf("failed to remove container %s: %w", ref, removeErr)
	}
	if err := os.RemoveAll(d.filesDir(ref.Name)); err != nil {
		d.logger.Warn("failed to remove init files", "container", ref.String(), "error", err)
	}
	if removeErr == nil {
		d.logger.Info("removed container", "container", ref.String())
	}
	return nil
}

// Create writes the init files, pulls the image if needed and starts the container.
// A container that fails to start is removed again, together with its init
// files, so a retry finds nothing to attach to.
func (d *DockerBackend) Create(ctx context.Context, id launcher.ExecutionIdentity, spec launcher.UnitSpec) error {
	resources, err := dockerResources(spec.Resources)
	if err != nil {
		return err
	}

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return err
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return err
	}

	dir, err := d.writeFiles(id.Name, spec.Files)
	if err != nil {
		d.removeFiles(id)
		return err
	}

	configDir := spec.ConfigDir
	if configDir == "" {
		configDir = launcher.DefaultConfigDir
	}

	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[NamespaceLabelKey] = id.Namespace

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          mapToEnvList(spec.Env),
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Binds:        []string{dir + ":" + configDir + ":ro"},
		PortBindings: bindings,
		Resources:    resources,
	}
	if d.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.config.Network)
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, id.Name)
	if err != nil {
		// A name conflict means another container owns the directory.
		if !errdefs.IsConflict(err) {
			d.removeFiles(id)
		}
		return fmt.Errorf("failed to create container %s: %w", id, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// A container left in "created" would look alive forever.
		if delErr := d.Delete(context.WithoutCancel(ctx), id.Ref()); delErr != nil {
			d.logger.Error("failed to remove container after start failure", "container", id.String(), "error", delErr)
		}
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}

	d.logger.Info("started container", "container", id.String(), "id", resp.ID, "image", spec.Image)
	return nil
}

// UnitState reports whether the container for id exists and whether it has exited.
func (d *DockerBackend) UnitState(ctx context.Context, id launcher.ExecutionIdentity) (launcher.UnitState, error) {
	resp, err := d.client.ContainerInspect(ctx, id.Name)
	if errdefs.IsNotFound(err) {
		return launcher.UnitMissing, nil
	}
	if err != nil {
		return launcher.UnitMissing, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return launcher.UnitActive, nil
	}
	if isTerminalContainerState(string(resp.State.Status)) {
		return launcher.UnitTerminal, nil
	}
	return launcher.UnitActive, nil
}

func (d *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	// Check if it exists locally first to save time.
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerBackend) filesDir(name string) string {
	return filepath.Join(d.config.WorkDir, name)
}

func (d *DockerBackend) removeFiles(id launcher.ExecutionIdentity) {
	if err := os.RemoveAll(d.filesDir(id.Name)); err != nil {
		d.logger.Warn("failed to remove init files", "container", id.String(), "error", err)
	}
}

func (d *DockerBackend) writeFiles(name string, files map[string][]byte) (string, error) {
	dir := d.filesDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create init file directory: %w", err)
	}
	for fileName, content := range files {
		if fileName != filepath.Base(fileName) {
			return "", fmt.Errorf("invalid init file name %q", fileName)
		}
		if err := os.WriteFile(filepath.Join(dir, fileName), content, 0o644); err != nil {
			return "", fmt.Errorf("failed to write init file %s: %w", fileName, err)
		}
	}
	return dir, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for _, k := range slices.Sorted(maps.Keys(m)) {
		env = append(env, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return env
}

func portBindings(ports map[int]int) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings, nil
}

// dockerResources converts Kubernetes quantity strings into Docker limits.
// Docker has no notion of requests, so only limits are applied.
func dockerResources(req launcher.ResourceRequirements) (container.Resources, error) {
	var out container.Resources
	if req.CPULimit != "" {
		q, err := resource.ParseQuantity(req.CPULimit)
		if err != nil {
			return out, fmt.Errorf("invalid cpu quantity %q: %w", req.CPULimit, err)
		}
		out.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if req.MemoryLimit != "" {
		q, err := resource.ParseQuantity(req.MemoryLimit)
		if err != nil {
			return out, fmt.Errorf("invalid memory quantity %q: %w", req.MemoryLimit, err)
		}
		out.Memory = q.Value()
	}
	return out, nil
}

func isTerminalContainerState(state string) bool {
	return state == "exited" || state == "dead"
}
