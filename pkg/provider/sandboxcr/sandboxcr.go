// Package sandboxcr implements the Provider interface against the
// kubernetes-sigs/agent-sandbox Sandbox CRD, a second cluster-workload
// family alongside the BatchSandbox provider. Grounded on the same
// dynamic-client / GroupVersionResource pattern used throughout the cluster
// providers; status derivation follows the Ready-condition-then-pod-lookup
// fallback the original agent sandbox provider implements.
package sandboxcr

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/egress"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/types"
)

var gvr = schema.GroupVersionResource{
	Group:    "agents.x-k8s.io",
	Version:  "v1alpha1",
	Resource: "sandboxes",
}

const (
	execdVolumeName  = "opensandbox-bin"
	execdBinPath     = "/opt/opensandbox/bin"
	legacyNamePrefix = "sandbox-"
)

// Config configures a sandboxcr provider.
type Config struct {
	Namespace      string
	ExecdImage     string
	EgressImage    string
	ServiceAccount string
	ShutdownPolicy string // defaults to "Delete"
}

// Provider backs sandboxes with the agent-sandbox Sandbox CRD.
type Provider struct {
	dynamicClient dynamic.Interface
	coreClient    kubernetes.Interface
	namespace     string
	cfg           Config
}

// New returns a ready Provider. coreClient is used for pod lookups: the
// status fallback when the Sandbox's Ready condition is absent, and the
// running-pod IP preferred for endpoint resolution.
func New(dynamicClient dynamic.Interface, coreClient kubernetes.Interface, cfg Config) *Provider {
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = "Delete"
	}
	return &Provider{dynamicClient: dynamicClient, coreClient: coreClient, namespace: cfg.Namespace, cfg: cfg}
}

// Register installs this package's factory under "kubernetes" when the
// configured workload_provider selects the agent-sandbox CRD.
func Register(dynamicClient dynamic.Interface, coreClient kubernetes.Interface, cfg Config) {
	provider.Register("kubernetes", func() (provider.Provider, error) {
		return New(dynamicClient, coreClient, cfg), nil
	})
}

func (p *Provider) resource() dynamic.ResourceInterface {
	return p.dynamicClient.Resource(gvr).Namespace(p.namespace)
}

// Create provisions a Sandbox custom resource wrapping an execd-bootstrapped
// pod template.
func (p *Provider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	for _, v := range req.Volumes {
		if v.Host != nil {
			return types.SandboxStatus{}, apierr.Input(apierr.CodeUnsupportedVolume, "host path volumes are not supported by the agent-sandbox provider")
		}
	}

	podSpec := p.buildPodSpec(req)
	if p.cfg.ServiceAccount != "" {
		podSpec["serviceAccountName"] = p.cfg.ServiceAccount
	}

	labels := map[string]any{"opensandbox.io/id": id}
	for k, v := range req.Metadata {
		labels[k] = v
	}

	expiresAt := time.Now().UTC().Add(time.Duration(req.Timeout) * time.Second)
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": gvr.Group + "/" + gvr.Version,
		"kind":       "Sandbox",
		"metadata": map[string]any{
			"name":      id,
			"namespace": p.namespace,
			"labels":    labels,
		},
		"spec": map[string]any{
			"replicas":       int64(1),
			"shutdownTime":   expiresAt.Format(time.RFC3339),
			"shutdownPolicy": p.cfg.ShutdownPolicy,
			"podTemplate": map[string]any{
				"metadata": map[string]any{"labels": labels},
				"spec":     podSpec,
			},
		},
	}}

	if _, err := p.resource().Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			return types.SandboxStatus{}, apierr.Conflict(apierr.CodeUnexpectedResponse, "sandbox id already exists")
		}
		return types.SandboxStatus{}, apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "create Sandbox", err)
	}
	return types.SandboxStatus{State: types.StatePending}, nil
}

func (p *Provider) buildPodSpec(req types.SandboxRequest) map[string]any {
	script := "cp ./execd " + execdBinPath + "/execd && " +
		"cp ./bootstrap.sh " + execdBinPath + "/bootstrap.sh && " +
		"chmod +x " + execdBinPath + "/execd && " +
		"chmod +x " + execdBinPath + "/bootstrap.sh"
	initContainer := map[string]any{
		"name":    "execd-installer",
		"image":   p.cfg.ExecdImage,
		"command": []any{"/bin/sh", "-c"},
		"args":    []any{script},
		"volumeMounts": []any{
			map[string]any{"name": execdVolumeName, "mountPath": execdBinPath},
		},
	}

	env := make([]any, 0, len(req.Env)+1)
	for k, v := range req.Env {
		env = append(env, map[string]any{"name": k, "value": v})
	}
	env = append(env, map[string]any{"name": "EXECD", "value": execdBinPath + "/execd"})
	command := append([]any{execdBinPath + "/bootstrap.sh"}, stringsToAny(req.Entrypoint)...)

	mainContainer := map[string]any{
		"name":    "sandbox",
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
			mainContainer["resources"] = map[string]any{"limits": limits, "requests": limits}
		}
	}

	containers := []any{mainContainer}
	podSpec := map[string]any{
		"initContainers": []any{initContainer},
		"containers":     containers,
		"volumes": []any{
			map[string]any{"name": execdVolumeName, "emptyDir": map[string]any{}},
		},
	}

	if req.NetworkPolicy != nil {
		if sec := egress.MainContainerSecurityContext(req.NetworkPolicy); len(sec.DropCapabilities) > 0 {
			mainContainer["securityContext"] = map[string]any{
				"capabilities": map[string]any{"drop": toAnySlice(sec.DropCapabilities)},
			}
		}
		if sidecar, err := egress.BuildSidecar(req.NetworkPolicy, p.cfg.EgressImage); err == nil && sidecar != nil {
			sidecarEnv := make([]any, 0, len(sidecar.Env))
			for _, e := range sidecar.Env {
				sidecarEnv = append(sidecarEnv, map[string]any{"name": e.Name, "value": e.Value})
			}
			sidecarContainer := map[string]any{
				"name":  sidecar.Name,
				"image": sidecar.Image,
				"env":   sidecarEnv,
			}
			if len(sidecar.SecurityContext.AddCapabilities) > 0 {
				sidecarContainer["securityContext"] = map[string]any{
					"capabilities": map[string]any{"add": toAnySlice(sidecar.SecurityContext.AddCapabilities)},
				}
			}
			podSpec["containers"] = append(containers, sidecarContainer)

			sysctls := egress.PodSysctls(nil, req.NetworkPolicy)
			sysctlList := make([]any, 0, len(sysctls))
			for _, s := range sysctls {
				sysctlList = append(sysctlList, map[string]any{"name": s.Name, "value": s.Value})
			}
			podSpec["securityContext"] = map[string]any{"sysctls": sysctlList}
		}
	}

	return podSpec
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func (p *Provider) getByID(ctx context.Context, id string) (*unstructured.Unstructured, error) {
	obj, err := p.resource().Get(ctx, id, metav1.GetOptions{})
	if err == nil {
		return obj, nil
	}
	if !errors.IsNotFound(err) {
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "get Sandbox", err)
	}
	legacy := legacyNamePrefix + id
	obj, err = p.resource().Get(ctx, legacy, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, apierr.NotFound("sandbox " + id + " not found")
		}
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "get Sandbox (legacy name)", err)
	}
	return obj, nil
}

// Get derives status from the Sandbox's Ready condition, falling back to a
// pod lookup by the status selector when no condition has been reported
// yet.
func (p *Provider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return types.SandboxStatus{}, err
	}
	return p.statusFromObject(ctx, obj), nil
}

func (p *Provider) statusFromObject(ctx context.Context, obj *unstructured.Unstructured) types.SandboxStatus {
	status, _, _ := unstructured.NestedMap(obj.Object, "status")
	conditions, _, _ := unstructured.NestedSlice(status, "conditions")

	var readyCondition map[string]any
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := cond["type"].(string); t == "Ready" {
			readyCondition = cond
			break
		}
	}

	namespace := obj.GetNamespace()
	selector, _, _ := unstructured.NestedString(status, "selector")

	if readyCondition == nil {
		if state, reason, message, ok := p.podStateFromSelector(ctx, namespace, selector); ok {
			return types.SandboxStatus{State: state, Reason: reason, Message: message}
		}
		return types.SandboxStatus{State: types.StatePending, Reason: "SANDBOX_PENDING", Message: "Sandbox is pending scheduling"}
	}

	condStatus, _ := readyCondition["status"].(string)
	reason, _ := readyCondition["reason"].(string)
	message, _ := readyCondition["message"].(string)

	var state types.SandboxState
	switch {
	case condStatus == "True":
		state = types.StateRunning
	case reason == "SandboxExpired":
		state = types.StateTerminated
	default:
		state = types.StatePending
	}

	return types.SandboxStatus{State: state, Reason: reason, Message: message, Endpoints: p.endpointsFromSelector(ctx, namespace, selector, status)}
}

func (p *Provider) podStateFromSelector(ctx context.Context, namespace, selector string) (types.SandboxState, string, string, bool) {
	if selector == "" || namespace == "" || p.coreClient == nil {
		return "", "", "", false
	}
	pods, err := p.coreClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", "", "", false
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == "Running" {
			if pod.Status.PodIP != "" {
				return types.StateRunning, "POD_READY", "pod is running with IP assigned", true
			}
			return types.StatePending, "POD_READY_NO_IP", "pod is running but waiting for IP assignment", true
		}
	}
	if len(pods.Items) > 0 {
		return types.StatePending, "POD_PENDING", "pod is pending", true
	}
	return "", "", "", false
}

func (p *Provider) endpointsFromSelector(ctx context.Context, namespace, selector string, status map[string]any) []types.Endpoint {
	if selector != "" && namespace != "" && p.coreClient != nil {
		pods, err := p.coreClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err == nil {
			for _, pod := range pods.Items {
				if pod.Status.Phase == "Running" && pod.Status.PodIP != "" {
					return []types.Endpoint{{Port: 0, Protocol: "tcp", URL: pod.Status.PodIP}}
				}
			}
		}
	}
	if fqdn, ok, _ := unstructured.NestedString(status, "serviceFQDN"); ok && fqdn != "" {
		return []types.Endpoint{{Port: 0, Protocol: "tcp", URL: fqdn}}
	}
	return nil
}

// expiresAtFromObject reads spec.shutdownTime back off the object so
// Restore can rehydrate the engine's expiration index from existing
// workloads.
func expiresAtFromObject(obj *unstructured.Unstructured) time.Time {
	raw, _, _ := unstructured.NestedString(obj.Object, "spec", "shutdownTime")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// List enumerates every Sandbox in the namespace.
func (p *Provider) List(ctx context.Context) ([]types.SandboxInfo, error) {
	list, err := p.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "list Sandboxes", err)
	}
	infos := make([]types.SandboxInfo, 0, len(list.Items))
	for i := range list.Items {
		item := list.Items[i]
		labels := item.GetLabels()
		id := labels["opensandbox.io/id"]
		if id == "" {
			id = item.GetName()
		}
		infos = append(infos, types.SandboxInfo{
			ID:        id,
			Runtime:   types.RuntimeKubernetes,
			Status:    p.statusFromObject(ctx, &item),
			Metadata:  labels,
			CreatedAt: item.GetCreationTimestamp().Time,
			ExpiresAt: expiresAtFromObject(&item),
		})
	}
	return infos, nil
}

// Delete removes a Sandbox. Deleting an absent id returns apierr.NotFound.
func (p *Provider) Delete(ctx context.Context, id string) error {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.resource().Delete(ctx, obj.GetName(), metav1.DeleteOptions{}); err != nil {
		if errors.IsNotFound(err) {
			return apierr.NotFound("sandbox " + id + " not found")
		}
		return apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "delete Sandbox", err)
	}
	return nil
}

// UpdateExpiration patches spec.shutdownTime on the named sandbox.
func (p *Provider) UpdateExpiration(ctx context.Context, id string, expiresAt time.Time) error {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return err
	}
	patch := map[string]any{"spec": map[string]any{"shutdownTime": expiresAt.UTC().Format(time.RFC3339)}}
	payload, err := json.Marshal(patch)
	if err != nil {
		return apierr.Internal("marshal expiration patch", err)
	}
	if _, err := p.resource().Patch(ctx, obj.GetName(), "application/merge-patch+json", payload, metav1.PatchOptions{}); err != nil {
		return apierr.Wrap(apierr.ClassBackendTransient, apierr.CodeUnexpectedResponse, "patch Sandbox expiration", err)
	}
	return nil
}
