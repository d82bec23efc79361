// Package directdaemon implements the Provider interface against a single
// containerd daemon, the lowest-latency runtime for a sandbox: one
// container per sandbox, no cluster control plane in the path. Generalized
// from fixed node-local task execution to an arbitrary sandbox
// image/entrypoint/volume/network-policy request.
package directdaemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/egress"
	"github.com/opensandbox/sandboxd/pkg/log"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/types"
)

const (
	sandboxNamespace = "opensandbox"
	labelSandboxID   = "opensandbox.io/id"
	labelEgressFor   = "opensandbox.io/egress-sidecar-for"
	labelExpiresAt   = "opensandbox.io/expires-at"

	sidecarSuffix = "-egress"
)

// Config configures a direct-daemon provider instance.
type Config struct {
	SocketPath      string
	NetworkMode     string
	CapDrop         []string
	AppArmorProfile string
	SeccompProfile  string
	PidsLimit       int64
	NoNewPrivileges bool
	EgressImage     string
	StopTimeout     time.Duration
}

// Provider backs sandboxes directly with containerd tasks, one per
// sandbox, plus an optional egress sidecar task.
type Provider struct {
	client *containerd.Client
	cfg    Config

	mu       sync.RWMutex
	sidecars map[string]string // sandbox id -> sidecar container id
}

// New connects to the containerd socket named in cfg and returns a ready
// Provider. Register installs it under the "docker" runtime type name, the
// historical name for the direct-daemon execution mode.
func New(cfg Config) (*Provider, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("directdaemon: connect to containerd: %w", err)
	}
	p := &Provider{
		client:   client,
		cfg:      cfg,
		sidecars: make(map[string]string),
	}
	p.reapOrphanedSidecars(p.nsCtx(context.Background()))
	return p, nil
}

// Register installs this package's factory under "docker".
func Register(cfg Config) {
	provider.Register("docker", func() (provider.Provider, error) {
		return New(cfg)
	})
}

func (p *Provider) nsCtx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, sandboxNamespace)
}

// Create provisions the main container and, when the request carries a
// network policy, an egress sidecar alongside it. A partial failure tears
// down everything it created before returning.
func (p *Provider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	ctx = p.nsCtx(ctx)

	for _, v := range req.Volumes {
		if v.PVC != nil {
			return types.SandboxStatus{}, apierr.Input(apierr.CodeUnsupportedVolume, "PVC volumes are not supported by the direct-daemon provider")
		}
	}
	if req.NetworkPolicy != nil && p.cfg.NetworkMode == "host" {
		return types.SandboxStatus{}, apierr.Input(apierr.CodeInvalidParameter, "network policy cannot be enforced when network_mode is host")
	}

	image, err := p.client.Pull(ctx, req.Image.URI, containerd.WithPullUnpack)
	if err != nil {
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "pull image "+req.Image.URI, err)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(req.Timeout) * time.Second)
	labels := map[string]string{labelSandboxID: id, labelExpiresAt: expiresAt.Format(time.RFC3339)}
	for k, v := range req.Metadata {
		labels[k] = v
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(req.Entrypoint...),
		oci.WithEnv(envSlice(req.Env)),
	}
	mainSecurity := egress.MainContainerSecurityContext(req.NetworkPolicy)
	if len(mainSecurity.DropCapabilities) > 0 || len(p.cfg.CapDrop) > 0 {
		drop := append(append([]string{}, p.cfg.CapDrop...), mainSecurity.DropCapabilities...)
		opts = append(opts, withDroppedCapabilities(drop))
	}
	if p.cfg.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(p.cfg.PidsLimit))
	}
	if p.cfg.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if req.ResourceLimits != nil {
		if cpu, ok := parseCPU(req.ResourceLimits.CPU); ok {
			shares := uint64(cpu * 1024)
			quota := int64(cpu * 100000)
			opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
		}
		if mem, ok := parseMemory(req.ResourceLimits.Memory); ok {
			opts = append(opts, oci.WithMemoryLimit(mem))
		}
	}

	mounts, err := volumeMounts(req.Volumes)
	if err != nil {
		return types.SandboxStatus{}, err
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	// The sidecar, when present, must exist and be running before the main
	// container is created: the main joins the sidecar's network namespace
	// so every packet it sends passes through the sidecar's egress rules.
	if egress.ShouldInject(req.NetworkPolicy) {
		sidecar, err := egress.BuildSidecar(req.NetworkPolicy, p.cfg.EgressImage)
		if err != nil {
			return types.SandboxStatus{}, apierr.Internal("build egress sidecar", err)
		}
		netnsPath, err := p.createSidecar(ctx, id, sidecar)
		if err != nil {
			return types.SandboxStatus{}, err
		}
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: netnsPath,
		}))
	}

	container, err := p.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		p.teardown(ctx, id)
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create container", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		p.teardown(ctx, id)
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create task", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		p.teardown(ctx, id)
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "start task", err)
	}

	log.WithSandboxID(id).Info().Str("image", req.Image.URI).Msg("sandbox container started")
	return types.SandboxStatus{State: types.StateRunning}, nil
}

// createSidecar provisions and starts the egress sidecar task for id,
// returning the netns path of its running task so the main container can
// join it. The sidecar outlives this call; cleanup on a later main-side
// failure goes through teardown.
func (p *Provider) createSidecar(ctx context.Context, id string, sidecar *egress.Sidecar) (string, error) {
	sidecarID := id + sidecarSuffix
	image, err := p.client.Pull(ctx, sidecar.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "pull egress image", err)
	}
	env := make([]string, 0, len(sidecar.Env))
	for _, e := range sidecar.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if len(sidecar.SecurityContext.AddCapabilities) > 0 {
		caps := make([]string, 0, len(sidecar.SecurityContext.AddCapabilities))
		for _, c := range sidecar.SecurityContext.AddCapabilities {
			caps = append(caps, "CAP_"+strings.TrimPrefix(c, "CAP_"))
		}
		opts = append(opts, oci.WithAddedCapabilities(caps))
	}
	container, err := p.client.NewContainer(
		ctx, sidecarID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(sidecarID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			labelSandboxID: id,
			labelEgressFor: id,
		}),
	)
	if err != nil {
		return "", apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create egress sidecar", err)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create egress sidecar task", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "start egress sidecar task", err)
	}

	p.mu.Lock()
	p.sidecars[id] = sidecarID
	p.mu.Unlock()
	return fmt.Sprintf("/proc/%d/ns/net", task.Pid()), nil
}

// teardown removes everything Create may have partially provisioned for id.
func (p *Provider) teardown(ctx context.Context, id string) {
	_ = p.deleteTask(ctx, id)
	p.mu.Lock()
	sidecarID, hasSidecar := p.sidecars[id]
	delete(p.sidecars, id)
	p.mu.Unlock()
	if hasSidecar {
		_ = p.deleteTask(ctx, sidecarID)
	}
}

// Get reports the observed status of a sandbox's main container.
func (p *Provider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	ctx = p.nsCtx(ctx)
	container, err := p.client.LoadContainer(ctx, id)
	if err != nil {
		return types.SandboxStatus{}, apierr.NotFound("sandbox " + id + " not found")
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.SandboxStatus{State: types.StatePending}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "get task status", err)
	}
	return types.SandboxStatus{State: mapState(status.Status, status.ExitStatus)}, nil
}

// List enumerates every sandbox container in the namespace.
func (p *Provider) List(ctx context.Context) ([]types.SandboxInfo, error) {
	ctx = p.nsCtx(ctx)
	containers, err := p.client.Containers(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "list containers", err)
	}
	infos := make([]types.SandboxInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if _, isSidecar := labels[labelEgressFor]; isSidecar {
			continue
		}
		id, ok := labels[labelSandboxID]
		if !ok {
			continue
		}
		status, err := p.Get(ctx, c.ID())
		if err != nil {
			continue
		}
		infos = append(infos, types.SandboxInfo{
			ID:        id,
			Runtime:   types.RuntimeDocker,
			Status:    status,
			Metadata:  labels,
			ExpiresAt: expiresAtFromLabel(labels),
		})
	}
	return infos, nil
}

// expiresAtFromLabel reads the expires-at label written at create, letting
// Restore rehydrate the expiration index after a process restart.
func expiresAtFromLabel(labels map[string]string) time.Time {
	raw, ok := labels[labelExpiresAt]
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// reapOrphanedSidecars kills every egress sidecar whose labelEgressFor
// value no longer names a live main container, the startup half of the
// sidecar/main coupling invariant (the other half is enforced by Delete).
func (p *Provider) reapOrphanedSidecars(ctx context.Context) {
	containers, err := p.client.Containers(ctx)
	if err != nil {
		log.WithComponent("directdaemon").Warn().Err(err).Msg("failed to list containers for orphan sidecar reap")
		return
	}
	mains := make(map[string]bool, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if _, isSidecar := labels[labelEgressFor]; isSidecar {
			continue
		}
		if id, ok := labels[labelSandboxID]; ok {
			mains[id] = true
		}
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		mainID, isSidecar := labels[labelEgressFor]
		if !isSidecar || mains[mainID] {
			continue
		}
		log.WithComponent("directdaemon").Warn().Str("sidecar_id", c.ID()).Str("main_id", mainID).Msg("reaping orphaned egress sidecar")
		_ = p.deleteTask(ctx, c.ID())
	}
}

// Delete removes the main container and, if present, its egress sidecar.
// Deleting an absent id returns apierr.NotFound so the lifecycle engine can
// absorb it into a no-op success.
func (p *Provider) Delete(ctx context.Context, id string) error {
	ctx = p.nsCtx(ctx)
	if _, err := p.client.LoadContainer(ctx, id); err != nil {
		return apierr.NotFound("sandbox " + id + " not found")
	}
	if err := p.deleteTask(ctx, id); err != nil {
		return apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "delete sandbox container", err)
	}
	p.mu.Lock()
	sidecarID, hasSidecar := p.sidecars[id]
	delete(p.sidecars, id)
	p.mu.Unlock()
	if !hasSidecar {
		sidecarID, hasSidecar = p.findSidecarByLabel(ctx, id)
	}
	if hasSidecar {
		_ = p.deleteTask(ctx, sidecarID)
	}
	return nil
}

// findSidecarByLabel discovers a sandbox's egress sidecar by its
// labelEgressFor label rather than the in-memory sidecars map, which is
// empty for any sandbox created before the current process started.
func (p *Provider) findSidecarByLabel(ctx context.Context, id string) (string, bool) {
	containers, err := p.client.Containers(ctx)
	if err != nil {
		return "", false
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[labelEgressFor] == id {
			return c.ID(), true
		}
	}
	return "", false
}

func (p *Provider) deleteTask(ctx context.Context, containerID string) error {
	container, err := p.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if task, err := container.Task(ctx, nil); err == nil {
		stopTimeout := p.cfg.StopTimeout
		if stopTimeout == 0 {
			stopTimeout = 10 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Pause freezes the sandbox's main task. Implements provider.PauseResumer.
func (p *Provider) Pause(ctx context.Context, id string) error {
	ctx = p.nsCtx(ctx)
	container, err := p.client.LoadContainer(ctx, id)
	if err != nil {
		return apierr.NotFound("sandbox " + id + " not found")
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "load task for pause", err)
	}
	if err := task.Pause(ctx); err != nil {
		return apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "pause task", err)
	}
	return nil
}

// Resume unfreezes a previously paused sandbox. Implements
// provider.PauseResumer.
func (p *Provider) Resume(ctx context.Context, id string) error {
	ctx = p.nsCtx(ctx)
	container, err := p.client.LoadContainer(ctx, id)
	if err != nil {
		return apierr.NotFound("sandbox " + id + " not found")
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "load task for resume", err)
	}
	if err := task.Resume(ctx); err != nil {
		return apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "resume task", err)
	}
	return nil
}

// Close releases the containerd client connection.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func mapState(status containerd.ProcessStatus, exitStatus uint32) types.SandboxState {
	switch status {
	case containerd.Running:
		return types.StateRunning
	case containerd.Paused:
		return types.StatePaused
	case containerd.Stopped:
		if exitStatus == 0 {
			return types.StateTerminated
		}
		return types.StateFailed
	default:
		return types.StatePending
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func volumeMounts(volumes []types.Volume) ([]specs.Mount, error) {
	mounts := make([]specs.Mount, 0, len(volumes))
	for _, v := range volumes {
		if v.Host == nil {
			continue
		}
		source := v.Host.Path
		if v.SubPath != "" {
			source = filepath.Join(source, v.SubPath)
		}
		options := []string{"rbind"}
		mounts = append(mounts, specs.Mount{
			Source:      source,
			Destination: v.MountPath,
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts, nil
}

func withDroppedCapabilities(drop []string) oci.SpecOpts {
	dropSet := make(map[string]bool, len(drop))
	for _, c := range drop {
		dropSet["CAP_"+strings.TrimPrefix(c, "CAP_")] = true
	}
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		if spec.Process == nil || spec.Process.Capabilities == nil {
			return nil
		}
		filter := func(caps []string) []string {
			out := caps[:0]
			for _, c := range caps {
				if !dropSet[c] {
					out = append(out, c)
				}
			}
			return out
		}
		spec.Process.Capabilities.Bounding = filter(spec.Process.Capabilities.Bounding)
		spec.Process.Capabilities.Effective = filter(spec.Process.Capabilities.Effective)
		spec.Process.Capabilities.Permitted = filter(spec.Process.Capabilities.Permitted)
		return nil
	}
}

func parseCPU(cpu string) (float64, bool) {
	if cpu == "" {
		return 0, false
	}
	var val float64
	if _, err := fmt.Sscanf(cpu, "%f", &val); err != nil {
		return 0, false
	}
	return val, true
}

func parseMemory(mem string) (uint64, bool) {
	if mem == "" {
		return 0, false
	}
	var val uint64
	var unit string
	n, err := fmt.Sscanf(mem, "%d%s", &val, &unit)
	if err != nil || n == 0 {
		return 0, false
	}
	switch unit {
	case "Ki":
		return val * 1024, true
	case "Mi":
		return val * 1024 * 1024, true
	case "Gi":
		return val * 1024 * 1024 * 1024, true
	default:
		return val, true
	}
}
