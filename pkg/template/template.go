// Package template implements the deep-merge used to overlay a sandbox
// request onto a cluster provider's base YAML template. It is a direct,
// hand-written algorithm rather than dario.cat/mergo: mergo's override modes
// cannot express "union lists by name for exactly two fields, replace for
// everything else, nil never overrides" in a single pass.
package template

const (
	// PodVolumesField is the pod-spec field merged by volume name rather
	// than replaced wholesale.
	PodVolumesField = "volumes"
	// ContainerVolumeMountsField is the container field merged by mount
	// name rather than replaced wholesale. Merge matches it by key only
	// while recursing through maps and never descends into lists, so the
	// volumeMounts of an entry in a pod's "containers" list are not merged:
	// that list is replaced wholesale like any other.
	ContainerVolumeMountsField = "volumeMounts"
)

// nameUnionFields is the fixed set of list fields merged by their "name"
// key instead of being replaced outright.
var nameUnionFields = map[string]bool{
	PodVolumesField:            true,
	ContainerVolumeMountsField: true,
}

// Merge deep-merges override onto base and returns a new map; neither input
// is mutated. Dict values recurse key by key. List values are replaced by
// override wholesale, except fields named in nameUnionFields, which are
// unioned by their "name" entry: a name collision keeps the override entry
// wholesale rather than merging it with the base entry. A nil override
// value never overrides a present base value.
func Merge(base, override map[string]any) map[string]any {
	return mergeDict(base, override)
}

func mergeDict(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, ov := range override {
		if ov == nil {
			if _, present := result[k]; present {
				continue
			}
			result[k] = nil
			continue
		}
		bv, present := result[k]
		if !present {
			result[k] = ov
			continue
		}
		result[k] = mergeValue(k, bv, ov)
	}
	return result
}

func mergeValue(key string, base, override any) any {
	if override == nil {
		return base
	}
	switch ovTyped := override.(type) {
	case map[string]any:
		if baseTyped, ok := base.(map[string]any); ok {
			return mergeDict(baseTyped, ovTyped)
		}
		return ovTyped
	case []any:
		if nameUnionFields[key] {
			if baseTyped, ok := base.([]any); ok {
				return unionByName(baseTyped, ovTyped)
			}
		}
		return ovTyped
	default:
		return override
	}
}

// unionByName unions two lists of maps keyed by their "name" entry. A base
// entry sharing a name with an override entry is replaced by that override
// entry wholesale, in the base entry's position, rather than being deep-
// merged, so a runtime-provided volume is never partially overwritten by the
// base template's version of the same name. Unmatched entries from both
// sides are kept, base order first then new override-only entries.
func unionByName(base, override []any) []any {
	overrideByName := make(map[string]any, len(override))
	overrideOrder := make([]string, 0, len(override))
	var overrideUnnamed []any

	for _, item := range override {
		entry, ok := item.(map[string]any)
		if !ok {
			overrideUnnamed = append(overrideUnnamed, item)
			continue
		}
		name, ok := entry["name"].(string)
		if !ok {
			overrideUnnamed = append(overrideUnnamed, item)
			continue
		}
		if _, seen := overrideByName[name]; !seen {
			overrideOrder = append(overrideOrder, name)
		}
		overrideByName[name] = entry
	}

	result := make([]any, 0, len(base)+len(override))
	seenNames := make(map[string]bool, len(base))
	for _, item := range base {
		entry, ok := item.(map[string]any)
		if !ok {
			result = append(result, item)
			continue
		}
		name, ok := entry["name"].(string)
		if !ok {
			result = append(result, item)
			continue
		}
		seenNames[name] = true
		if ov, present := overrideByName[name]; present {
			result = append(result, ov)
			continue
		}
		result = append(result, entry)
	}

	for _, name := range overrideOrder {
		if !seenNames[name] {
			result = append(result, overrideByName[name])
		}
	}
	result = append(result, overrideUnnamed...)
	return result
}
