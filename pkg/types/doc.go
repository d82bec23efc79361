/*
Package types defines the core data structures used throughout the sandbox
lifecycle engine.

This package contains the domain model shared by validators, the egress
composer, the template manager, every workload provider, and the lifecycle
engine itself: sandbox requests, volumes, network policy, endpoints, and
the observed status of a sandbox.

# Core Types

SandboxRequest describes what the caller wants created: an ImageSpec, an
entrypoint, environment, a timeout, metadata labels, resource limits,
volumes, and an optional NetworkPolicy. SandboxInfo is the external view
returned by get/list: id, runtime, status, metadata, and timestamps.

Volumes:
  - Volume: named mount with exactly one of Host or PVC as its backend
  - HostVolumeSource: path on the backend host
  - PVCVolumeSource: Kubernetes PersistentVolumeClaim name

Networking:
  - NetworkPolicy: default action plus a list of egress rules
  - NetworkRule: single allow/deny rule matched against a target
  - Endpoint: resolved port/protocol/URL exposed by a running sandbox

Internal bookkeeping (never serialized across the HTTP boundary):
  - PendingRecord: a sandbox accepted for asynchronous provisioning
  - ExpirationEntry: one row of the in-memory expiration index

# Optional fields

Pointer fields (*HostVolumeSource, *NetworkPolicy, *ResourceLimits) model
"absent" explicitly; nil drops the field from JSON output via `omitempty`.
An empty-string env value is data, not absence — env uses a plain
map[string]string rather than a pointer-valued map.

# Thread Safety

Types in this package carry no synchronization of their own. The lifecycle
engine guards its in-memory pending table and expiration index with its own
mutex; callers must not mutate a SandboxInfo or SandboxRequest concurrently.
*/
package types
