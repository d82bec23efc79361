// Package validate centralizes request validation so every workload
// provider enforces the same preconditions before touching a backend.
package validate

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/types"
)

var (
	dnsLabelPattern = `[a-z0-9]([-a-z0-9]*[a-z0-9])?`
	dnsSubdomainRe  = regexp.MustCompile(`^(?:` + dnsLabelPattern + `\.)*` + dnsLabelPattern + `$`)
	labelNameRe     = regexp.MustCompile(`^[A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?$`)
	labelValueRe    = regexp.MustCompile(`^([A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?)?$`)
	volumeNameRe    = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	k8sResourceRe   = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

// Entrypoint rejects an empty entrypoint.
func Entrypoint(entrypoint []string) error {
	if len(entrypoint) == 0 {
		return apierr.Input(apierr.CodeInvalidEntrypoint, "entrypoint must contain at least one command")
	}
	return nil
}

func isValidLabelKey(key string) bool {
	name := key
	if strings.Contains(key, "/") {
		parts := strings.SplitN(key, "/", 2)
		prefix, n := parts[0], parts[1]
		if prefix == "" || n == "" {
			return false
		}
		if len(prefix) > 253 || !dnsSubdomainRe.MatchString(prefix) {
			return false
		}
		name = n
	}
	if len(name) > 63 || !labelNameRe.MatchString(name) {
		return false
	}
	return true
}

func isValidLabelValue(value string) bool {
	if len(value) > 63 {
		return false
	}
	return labelValueRe.MatchString(value)
}

// MetadataLabels validates metadata keys/values against Kubernetes label
// rules; a nil or empty map is always valid.
func MetadataLabels(metadata map[string]string) error {
	for key, value := range metadata {
		if !isValidLabelKey(key) {
			return apierr.Input(apierr.CodeInvalidMetadataLabel, "metadata key '"+key+"' is not a valid label key")
		}
		if !isValidLabelValue(value) {
			return apierr.Input(apierr.CodeInvalidMetadataLabel, "metadata value '"+value+"' is not a valid label value")
		}
	}
	return nil
}

// FutureExpiration validates that expiresAt is strictly after now (UTC).
func FutureExpiration(expiresAt, now time.Time) error {
	if !expiresAt.UTC().After(now.UTC()) {
		return apierr.Input(apierr.CodeInvalidExpiration, "new expiration time must be in the future")
	}
	return nil
}

// VolumeName validates that name is a valid DNS label.
func VolumeName(name string) error {
	if name == "" {
		return apierr.Input(apierr.CodeInvalidVolumeName, "volume name cannot be empty")
	}
	if len(name) > 63 {
		return apierr.Input(apierr.CodeInvalidVolumeName, "volume name '"+name+"' exceeds 63 characters")
	}
	if !volumeNameRe.MatchString(name) {
		return apierr.Input(apierr.CodeInvalidVolumeName, "volume name '"+name+"' is not a valid DNS label")
	}
	return nil
}

// MountPath validates that mountPath is a non-empty absolute path.
func MountPath(mountPath string) error {
	if mountPath == "" {
		return apierr.Input(apierr.CodeInvalidMountPath, "mount path cannot be empty")
	}
	if !strings.HasPrefix(mountPath, "/") {
		return apierr.Input(apierr.CodeInvalidMountPath, "mount path '"+mountPath+"' must be absolute")
	}
	return nil
}

// SubPath validates that subPath is relative and free of traversal
// components. An empty subPath is valid (no subpath).
func SubPath(subPath string) error {
	if subPath == "" {
		return nil
	}
	if strings.HasPrefix(subPath, "/") {
		return apierr.Input(apierr.CodeInvalidSubPath, "subPath '"+subPath+"' must be a relative path")
	}
	for _, part := range strings.Split(subPath, "/") {
		if part == ".." {
			return apierr.Input(apierr.CodeInvalidSubPath, "subPath '"+subPath+"' contains path traversal")
		}
	}
	return nil
}

// HostPath validates that path is absolute, normalized, free of traversal,
// exists on the local filesystem, and (when allowedPrefixes is non-nil) is
// under one of the allowed prefixes. A nil allowedPrefixes slice permits any
// host path.
func HostPath(path string, allowedPrefixes []string) error {
	if path == "" {
		return apierr.Input(apierr.CodeInvalidHostPath, "host path cannot be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return apierr.Input(apierr.CodeInvalidHostPath, "host path '"+path+"' must be absolute")
	}
	if strings.Contains(path, "/..") || path == "/.." {
		return apierr.Input(apierr.CodeInvalidHostPath, "host path '"+path+"' contains path traversal")
	}
	if strings.Contains(path, "//") || (len(path) > 1 && strings.HasSuffix(path, "/")) {
		return apierr.Input(apierr.CodeInvalidHostPath, "host path '"+path+"' is not normalized")
	}
	if allowedPrefixes != nil {
		allowed := false
		for _, prefix := range allowedPrefixes {
			trimmed := strings.TrimRight(prefix, "/")
			if path == trimmed || strings.HasPrefix(path, trimmed+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return apierr.Input(apierr.CodeHostPathNotAllowed, "host path '"+path+"' is not under any allowed prefix")
		}
	}
	if _, err := os.Stat(path); err != nil {
		return apierr.Input(apierr.CodeHostPathNotFound, "host path '"+path+"' does not exist")
	}
	return nil
}

// PVCName validates that claimName is a valid Kubernetes resource name.
func PVCName(claimName string) error {
	if claimName == "" {
		return apierr.Input(apierr.CodeInvalidPVCName, "PVC claim name cannot be empty")
	}
	if len(claimName) > 253 {
		return apierr.Input(apierr.CodeInvalidPVCName, "PVC claim name '"+claimName+"' exceeds 253 characters")
	}
	if !k8sResourceRe.MatchString(claimName) {
		return apierr.Input(apierr.CodeInvalidPVCName, "PVC claim name '"+claimName+"' is not a valid resource name")
	}
	return nil
}

// EgressConfigured validates that an egress image is configured whenever a
// network policy is present.
func EgressConfigured(policy *types.NetworkPolicy, egressImage string) error {
	if policy == nil {
		return nil
	}
	if egressImage == "" {
		return apierr.Input(apierr.CodeInvalidParameter, "egress image must be configured when networkPolicy is provided")
	}
	return nil
}

// Volumes validates a full volume list: unique names, exactly one backend
// per volume, valid mount/sub paths, and backend-specific rules. Duplicate
// names are reported before any per-volume check runs.
func Volumes(volumes []types.Volume, allowedHostPrefixes []string) error {
	seen := make(map[string]struct{}, len(volumes))
	for _, v := range volumes {
		if _, dup := seen[v.Name]; dup {
			return apierr.Conflict(apierr.CodeDuplicateVolumeName, "duplicate volume name '"+v.Name+"'")
		}
		seen[v.Name] = struct{}{}
	}
	for _, v := range volumes {
		if err := VolumeName(v.Name); err != nil {
			return err
		}
		if err := MountPath(v.MountPath); err != nil {
			return err
		}
		if err := SubPath(v.SubPath); err != nil {
			return err
		}

		backends := 0
		if v.Host != nil {
			backends++
		}
		if v.PVC != nil {
			backends++
		}
		if backends == 0 {
			return apierr.Input(apierr.CodeInvalidVolumeBackend, "volume '"+v.Name+"' must specify exactly one backend, none provided")
		}
		if backends > 1 {
			return apierr.Input(apierr.CodeInvalidVolumeBackend, "volume '"+v.Name+"' must specify exactly one backend, multiple provided")
		}

		if v.Host != nil {
			if err := HostPath(v.Host.Path, allowedHostPrefixes); err != nil {
				return err
			}
			if v.SubPath != "" {
				resolved := filepath.Join(v.Host.Path, v.SubPath)
				if _, err := os.Stat(resolved); err != nil {
					return apierr.Input(apierr.CodeHostPathNotFound, "host path '"+resolved+"' does not exist")
				}
			}
		}
		if v.PVC != nil {
			if err := PVCName(v.PVC.ClaimName); err != nil {
				return err
			}
		}
	}
	return nil
}
