// Package batchsandbox implements the Provider interface against the
// BatchSandbox custom resource: a cluster-side controller that turns a pod
// template plus replica count into a managed pod. Grounded on the dynamic
// client / GroupVersionResource pattern the agent sandbox tooling in the
// pack uses for its own custom resources, combined with the execd
// init-container injection and pool-based fast path the original batch
// sandbox provider implements.
package batchsandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"mvdan.cc/sh/v3/syntax"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/egress"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/template"
	"github.com/opensandbox/sandboxd/pkg/types"
)

var gvr = schema.GroupVersionResource{
	Group:    "sandbox.opensandbox.io",
	Version:  "v1alpha1",
	Resource: "batchsandboxes",
}

const (
	execdVolumeName  = "opensandbox-bin"
	execdBinPath     = "/opt/opensandbox/bin"
	execdInstaller   = "execd-installer"
	mainContainer    = "sandbox"
	endpointsAnnKey  = "sandbox.opensandbox.io/endpoints"
	legacyNamePrefix = "sandbox-"
)

// Config configures a batchsandbox provider.
type Config struct {
	Namespace    string
	ExecdImage   string
	EgressImage  string
	BaseTemplate map[string]any // decoded from the CR template file, nil if none configured
}

// Provider backs sandboxes with the BatchSandbox CRD.
type Provider struct {
	client    dynamic.Interface
	namespace string
	cfg       Config
}

// New returns a ready Provider using an already-constructed dynamic client.
func New(client dynamic.Interface, cfg Config) *Provider {
	return &Provider{client: client, namespace: cfg.Namespace, cfg: cfg}
}

// Register installs this package's factory under "kubernetes" when the
// configured workload_provider selects BatchSandbox.
func Register(client dynamic.Interface, cfg Config) {
	provider.Register("kubernetes", func() (provider.Provider, error) {
		return New(client, cfg), nil
	})
}

func (p *Provider) resource() dynamic.ResourceInterface {
	return p.client.Resource(gvr).Namespace(p.namespace)
}

// Create provisions a BatchSandbox, either from the pool fast path (when
// req.Extensions["poolRef"] is set) or by composing a full pod template.
func (p *Provider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	if poolRef, ok := poolRefFrom(req.Extensions); ok {
		return p.createFromPool(ctx, id, req, poolRef)
	}
	return p.createFromTemplate(ctx, id, req)
}

func poolRefFrom(extensions map[string]any) (string, bool) {
	if extensions == nil {
		return "", false
	}
	v, ok := extensions["poolRef"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func (p *Provider) createFromPool(ctx context.Context, id string, req types.SandboxRequest, poolRef string) (types.SandboxStatus, error) {
	taskTemplate, err := buildTaskTemplate(req.Entrypoint, req.Env)
	if err != nil {
		return types.SandboxStatus{}, apierr.Internal("build pool task template", err)
	}
	expiresAt := time.Now().UTC().Add(time.Duration(req.Timeout) * time.Second)
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": gvr.Group + "/" + gvr.Version,
		"kind":       "BatchSandbox",
		"metadata": map[string]any{
			"name":      id,
			"namespace": p.namespace,
			"labels":    stringMapToAny(req.Metadata, id),
		},
		"spec": map[string]any{
			"replicas":     int64(1),
			"poolRef":      poolRef,
			"expireTime":   expiresAt.Format(time.RFC3339),
			"taskTemplate": taskTemplate,
		},
	}}
	if _, err := p.resource().Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return types.SandboxStatus{}, translateCreateErr(err)
	}
	return types.SandboxStatus{State: types.StatePending}, nil
}

func (p *Provider) createFromTemplate(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	for _, v := range req.Volumes {
		if v.Host != nil {
			return types.SandboxStatus{}, apierr.Input(apierr.CodeUnsupportedVolume, "host path volumes are not supported by the BatchSandbox provider")
		}
	}

	initContainer := execdInitContainer(p.cfg.ExecdImage)
	mainContainerSpec := execdMainContainer(req)

	podSpec := map[string]any{
		"initContainers": []any{initContainer},
		"containers":     []any{mainContainerSpec},
		"volumes": []any{
			map[string]any{"name": execdVolumeName, "emptyDir": map[string]any{}},
		},
	}
	podSpec = applyPVCVolumes(podSpec, req.Volumes)

	if err := applyEgress(podSpec, req.NetworkPolicy, p.cfg.EgressImage); err != nil {
		return types.SandboxStatus{}, err
	}

	expiresAt := time.Now().UTC().Add(time.Duration(req.Timeout) * time.Second)
	runtimeManifest := map[string]any{
		"apiVersion": gvr.Group + "/" + gvr.Version,
		"kind":       "BatchSandbox",
		"metadata": map[string]any{
			"name":      id,
			"namespace": p.namespace,
			"labels":    stringMapToAny(req.Metadata, id),
		},
		"spec": map[string]any{
			"replicas":   int64(1),
			"expireTime": expiresAt.Format(time.RFC3339),
			"template": map[string]any{
				"spec": podSpec,
			},
		},
	}

	merged := runtimeManifest
	if p.cfg.BaseTemplate != nil {
		merged = template.Merge(p.cfg.BaseTemplate, runtimeManifest)
	}

	obj := &unstructured.Unstructured{Object: merged}
	if _, err := p.resource().Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return types.SandboxStatus{}, translateCreateErr(err)
	}
	return types.SandboxStatus{State: types.StatePending}, nil
}

func translateCreateErr(err error) error {
	if errors.IsAlreadyExists(err) {
		return apierr.Conflict(apierr.CodeUnexpectedResponse, "sandbox id already exists")
	}
	return apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create BatchSandbox", err)
}

func applyPVCVolumes(podSpec map[string]any, volumes []types.Volume) map[string]any {
	vols, _ := podSpec["volumes"].([]any)
	containers, _ := podSpec["containers"].([]any)
	if len(containers) == 0 {
		return podSpec
	}
	main, _ := containers[0].(map[string]any)
	mounts, _ := main["volumeMounts"].([]any)
	for _, v := range volumes {
		if v.PVC == nil {
			continue
		}
		vols = append(vols, map[string]any{
			"name": v.Name,
			"persistentVolumeClaim": map[string]any{
				"claimName": v.PVC.ClaimName,
			},
		})
		mount := map[string]any{"name": v.Name, "mountPath": v.MountPath}
		if v.SubPath != "" {
			mount["subPath"] = v.SubPath
		}
		mounts = append(mounts, mount)
	}
	podSpec["volumes"] = vols
	main["volumeMounts"] = mounts
	containers[0] = main
	podSpec["containers"] = containers
	return podSpec
}

func applyEgress(podSpec map[string]any, policy *types.NetworkPolicy, egressImage string) error {
	if !egress.ShouldInject(policy) {
		return nil
	}
	sidecar, err := egress.BuildSidecar(policy, egressImage)
	if err != nil {
		return apierr.Internal("build egress sidecar", err)
	}
	env := make([]any, 0, len(sidecar.Env))
	for _, e := range sidecar.Env {
		env = append(env, map[string]any{"name": e.Name, "value": e.Value})
	}
	container := map[string]any{
		"name":  sidecar.Name,
		"image": sidecar.Image,
		"env":   env,
	}
	if len(sidecar.SecurityContext.AddCapabilities) > 0 {
		container["securityContext"] = map[string]any{
			"capabilities": map[string]any{"add": toAnySlice(sidecar.SecurityContext.AddCapabilities)},
		}
	}
	containers, _ := podSpec["containers"].([]any)
	podSpec["containers"] = append(containers, container)

	sysctls := egress.PodSysctls(nil, policy)
	sysctlList := make([]any, 0, len(sysctls))
	for _, s := range sysctls {
		sysctlList = append(sysctlList, map[string]any{"name": s.Name, "value": s.Value})
	}
	securityContext, _ := podSpec["securityContext"].(map[string]any)
	if securityContext == nil {
		securityContext = map[string]any{}
	}
	securityContext["sysctls"] = sysctlList
	podSpec["securityContext"] = securityContext
	return nil
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func execdInitContainer(execdImage string) map[string]any {
	script := "cp ./execd " + execdBinPath + "/execd && " +
		"cp ./bootstrap.sh " + execdBinPath + "/bootstrap.sh && " +
		"chmod +x " + execdBinPath + "/execd && " +
		"chmod +x " + execdBinPath + "/bootstrap.sh"
	return map[string]any{
		"name":    execdInstaller,
		"image":   execdImage,
		"command": []any{"/bin/sh", "-c"},
		"args":    []any{script},
		"volumeMounts": []any{
			map[string]any{"name": execdVolumeName, "mountPath": execdBinPath},
		},
	}
}

func execdMainContainer(req types.SandboxRequest) map[string]any {
	env := make([]any, 0, len(req.Env)+1)
	for k, v := range req.Env {
		env = append(env, map[string]any{"name": k, "value": v})
	}
	env = append(env, map[string]any{"name": "EXECD", "value": execdBinPath + "/execd"})

	command := append([]any{execdBinPath + "/bootstrap.sh"}, stringsToAny(req.Entrypoint)...)

	container := map[string]any{
		"name":    mainContainer,
		"image":   req.Image.URI,
		"command": command,
		"env":     env,
		"volumeMounts": []any{
			map[string]any{"name": execdVolumeName, "mountPath": execdBinPath},
		},
	}
	if req.ResourceLimits != nil {
		limits := map[string]any{}
		if req.ResourceLimits.CPU != "" {
			limits["cpu"] = req.ResourceLimits.CPU
		}
		if req.ResourceLimits.Memory != "" {
			limits["memory"] = req.ResourceLimits.Memory
		}
		if len(limits) > 0 {
			container["resources"] = map[string]any{"limits": limits, "requests": limits}
		}
	}
	if req.NetworkPolicy != nil {
		sec := egress.MainContainerSecurityContext(req.NetworkPolicy)
		if len(sec.DropCapabilities) > 0 {
			container["securityContext"] = map[string]any{
				"capabilities": map[string]any{"drop": toAnySlice(sec.DropCapabilities)},
			}
		}
	}
	return container
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func stringMapToAny(m map[string]string, sandboxID string) map[string]any {
	out := map[string]any{"opensandbox.io/id": sandboxID}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// buildTaskTemplate renders the shell-escaped bootstrap command used by
// pool-based creation, where the pool already owns the pod template and
// only the process command and env can be customized.
func buildTaskTemplate(entrypoint []string, env map[string]string) (map[string]any, error) {
	var b strings.Builder
	for i, arg := range entrypoint {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(arg))
	}
	userCmd := execdBinPath + "/bootstrap.sh " + b.String() + " &"

	envList := make([]any, 0, len(env))
	for k, v := range env {
		envList = append(envList, map[string]any{"name": k, "value": v})
	}

	return map[string]any{
		"spec": map[string]any{
			"process": map[string]any{
				"command": []any{"/bin/sh", "-c", userCmd},
				"env":     envList,
			},
		},
	}, nil
}

// shellQuote escapes arg so it survives a POSIX shell's word-splitting and
// expansion unscathed, using mvdan.cc/sh/v3/syntax's own quoting routine
// rather than a hand-rolled escaper.
func shellQuote(arg string) string {
	quoted, err := syntax.Quote(arg, syntax.LangBash)
	if err != nil {
		// Quote only fails on inputs containing a literal NUL byte, which
		// cannot occur in a validated entrypoint argument.
		return "''"
	}
	return quoted
}

// Get returns the observed status of a BatchSandbox, deriving state from
// its ready/allocated counters and endpoints annotation the way the
// original provider does.
func (p *Provider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return types.SandboxStatus{}, err
	}
	return statusFromObject(obj), nil
}

func (p *Provider) getByID(ctx context.Context, id string) (*unstructured.Unstructured, error) {
	obj, err := p.resource().Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return obj, nil
	}
	if !errors.IsNotFound(err) {
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "get BatchSandbox", err)
	}
	legacy := legacyNamePrefix + id
	obj, err = p.resource().Get(ctx, legacy, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, apierr.NotFound("sandbox " + id + " not found")
		}
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "get BatchSandbox (legacy name)", err)
	}
	return obj, nil
}

func statusFromObject(obj *unstructured.Unstructured) types.SandboxStatus {
	status, _, _ := unstructured.NestedMap(obj.Object, "status")
	replicas, _, _ := unstructured.NestedInt64(status, "replicas")
	ready, _, _ := unstructured.NestedInt64(status, "ready")
	allocated, _, _ := unstructured.NestedInt64(status, "allocated")
	annotations := obj.GetAnnotations()
	endpointsStr := annotations[endpointsAnnKey]

	var state types.SandboxState
	var reason, message string
	switch {
	case ready == 1 && endpointsStr != "":
		state = types.StateRunning
		reason = "READY_WITH_IP"
		message = fmt.Sprintf("pod is ready with IP assigned (%d/%d ready)", ready, replicas)
	case ready > 0:
		state = types.StatePending
		reason = "POD_READY_NO_IP"
		message = fmt.Sprintf("pod is ready but waiting for IP assignment (%d/%d ready)", ready, replicas)
	case allocated > 0:
		state = types.StatePending
		reason = "POD_SCHEDULED"
		message = fmt.Sprintf("pod is scheduled but not ready (%d/%d allocated, %d ready)", allocated, replicas, ready)
	default:
		state = types.StatePending
		reason = "BATCHSANDBOX_PENDING"
		message = "BatchSandbox is pending allocation"
	}

	return types.SandboxStatus{
		State:     state,
		Reason:    reason,
		Message:   message,
		Endpoints: endpointsFromAnnotation(endpointsStr),
	}
}

// expiresAtFromObject reads spec.expireTime back off the object so Restore
// can rehydrate the engine's expiration index from existing workloads.
func expiresAtFromObject(obj *unstructured.Unstructured) time.Time {
	raw, _, _ := unstructured.NestedString(obj.Object, "spec", "expireTime")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func endpointsFromAnnotation(raw string) []types.Endpoint {
	if raw == "" {
		return nil
	}
	var ips []string
	if err := json.Unmarshal([]byte(raw), &ips); err != nil || len(ips) == 0 {
		return nil
	}
	return []types.Endpoint{{Port: 0, Protocol: "tcp", URL: ips[0]}}
}

// List enumerates every BatchSandbox in the namespace.
func (p *Provider) List(ctx context.Context) ([]types.SandboxInfo, error) {
	list, err := p.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "list BatchSandboxes", err)
	}
	infos := make([]types.SandboxInfo, 0, len(list.Items))
	for _, item := range list.Items {
		labels := item.GetLabels()
		id := labels["opensandbox.io/id"]
		if id == "" {
			id = item.GetName()
		}
		infos = append(infos, types.SandboxInfo{
			ID:        id,
			Runtime:   types.RuntimeKubernetes,
			Status:    statusFromObject(&item),
			Metadata:  labels,
			CreatedAt: item.GetCreationTimestamp().Time,
			ExpiresAt: expiresAtFromObject(&item),
		})
	}
	return infos, nil
}

// Delete removes a BatchSandbox. Deleting an absent id returns
// apierr.NotFound.
func (p *Provider) Delete(ctx context.Context, id string) error {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.resource().Delete(ctx, obj.GetName(), metav1.DeleteOptions{}); err != nil {
		if errors.IsNotFound(err) {
			return apierr.NotFound("sandbox " + id + " not found")
		}
		return apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "delete BatchSandbox", err)
	}
	return nil
}

// UpdateExpiration patches spec.expireTime on the named sandbox.
func (p *Provider) UpdateExpiration(ctx context.Context, id string, expiresAt time.Time) error {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return err
	}
	patch := map[string]any{"spec": map[string]any{"expireTime": expiresAt.UTC().Format(time.RFC3339)}}
	payload, err := json.Marshal(patch)
	if err != nil {
		return apierr.Internal("marshal expiration patch", err)
	}
	if _, err := p.resource().Patch(ctx, obj.GetName(), "application/merge-patch+json", payload, metav1.PatchOptions{}); err != nil {
		return apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "patch BatchSandbox expiration", err)
	}
	return nil
}
