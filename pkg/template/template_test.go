package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeDictsRecurse(t *testing.T) {
	base := map[string]any{
		"metadata": map[string]any{"name": "base", "labels": map[string]any{"a": "1"}},
	}
	override := map[string]any{
		"metadata": map[string]any{"labels": map[string]any{"b": "2"}},
	}
	merged := Merge(base, override)
	md := merged["metadata"].(map[string]any)
	assert.Equal(t, "base", md["name"])
	labels := md["labels"].(map[string]any)
	assert.Equal(t, "1", labels["a"])
	assert.Equal(t, "2", labels["b"])
}

func TestMergeListsReplaceByDefault(t *testing.T) {
	base := map[string]any{"args": []any{"one", "two"}}
	override := map[string]any{"args": []any{"three"}}
	merged := Merge(base, override)
	assert.Equal(t, []any{"three"}, merged["args"])
}

func TestMergeNilNeverOverrides(t *testing.T) {
	base := map[string]any{"image": "base:latest"}
	override := map[string]any{"image": nil}
	merged := Merge(base, override)
	assert.Equal(t, "base:latest", merged["image"])
}

func TestMergeVolumesUnionByName(t *testing.T) {
	base := map[string]any{
		PodVolumesField: []any{
			map[string]any{"name": "data", "emptyDir": map[string]any{}},
			map[string]any{"name": "cache", "emptyDir": map[string]any{}},
		},
	}
	override := map[string]any{
		PodVolumesField: []any{
			map[string]any{"name": "data", "hostPath": map[string]any{"path": "/data"}},
			map[string]any{"name": "extra", "emptyDir": map[string]any{}},
		},
	}
	merged := Merge(base, override)
	volumes := merged[PodVolumesField].([]any)
	assert.Len(t, volumes, 3)

	byName := make(map[string]map[string]any, len(volumes))
	for _, v := range volumes {
		entry := v.(map[string]any)
		byName[entry["name"].(string)] = entry
	}
	assert.Contains(t, byName["data"], "hostPath")
	assert.Contains(t, byName, "cache")
	assert.Contains(t, byName, "extra")
}

func TestMergeVolumeMountsUnionByName(t *testing.T) {
	base := map[string]any{
		ContainerVolumeMountsField: []any{
			map[string]any{"name": "data", "mountPath": "/old"},
		},
	}
	override := map[string]any{
		ContainerVolumeMountsField: []any{
			map[string]any{"name": "data", "mountPath": "/new"},
		},
	}
	merged := Merge(base, override)
	mounts := merged[ContainerVolumeMountsField].([]any)
	assert.Len(t, mounts, 1)
	assert.Equal(t, "/new", mounts[0].(map[string]any)["mountPath"])
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": 1}}
	override := map[string]any{"a": map[string]any{"y": 2}}
	_ = Merge(base, override)
	_, hasY := base["a"].(map[string]any)["y"]
	assert.False(t, hasY)
}
