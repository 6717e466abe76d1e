package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *CatalogRegistry {
	return NewCatalogRegistry(map[string]*ModelEntry{
		"general": {
			Aliases:        []string{"default"},
			Runtime:        "whisper-ct2",
			RuntimeModelID: "large-v3",
		},
		"english-fast": {
			Aliases:      []string{"en-fast"},
			Runtime:      "conformer-ctc",
			Capabilities: []string{CapabilityNativeWordTimestamps},
		},
	})
}

func TestCatalogResolveCanonical(t *testing.T) {
	catalog := testCatalog()

	entry, canonical, err := catalog.Resolve("general")
	require.NoError(t, err)
	assert.Equal(t, "general", canonical)
	assert.Equal(t, "whisper-ct2", entry.Runtime)
	assert.Equal(t, "large-v3", entry.RuntimeModelID)
}

func TestCatalogResolveAlias(t *testing.T) {
	catalog := testCatalog()

	entry, canonical, err := catalog.Resolve("default")
	require.NoError(t, err)
	assert.Equal(t, "general", canonical)
	assert.Equal(t, "whisper-ct2", entry.Runtime)
}

func TestCatalogResolveUnknown(t *testing.T) {
	catalog := testCatalog()

	_, _, err := catalog.Resolve("nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestCatalogHas(t *testing.T) {
	catalog := testCatalog()

	assert.True(t, catalog.Has("general"))
	assert.True(t, catalog.Has("en-fast"))
	assert.False(t, catalog.Has("bogus"))
}

func TestModelEntryHasCapability(t *testing.T) {
	catalog := testCatalog()

	entry, _, err := catalog.Resolve("english-fast")
	require.NoError(t, err)
	assert.True(t, entry.HasCapability(CapabilityNativeWordTimestamps))
	assert.False(t, entry.HasCapability(CapabilityLanguageID))

	entry, _, err = catalog.Resolve("general")
	require.NoError(t, err)
	assert.False(t, entry.HasCapability(CapabilityNativeWordTimestamps))
}

func TestCatalogModelIDsSorted(t *testing.T) {
	catalog := testCatalog()

	assert.Equal(t, []string{"english-fast", "general"}, catalog.ModelIDs())
}

func TestMergeModelsUserOverridesBuiltin(t *testing.T) {
	builtin := map[string]ModelEntry{
		"general": {Runtime: "whisper-ct2", RuntimeModelID: "large-v3"},
		"keepme":  {Runtime: "conformer-ctc"},
	}
	user := map[string]ModelEntry{
		"general": {Runtime: "whisper-trt", RuntimeModelID: "large-v3-fp8"},
		"custom":  {Runtime: "whisper-ct2", RuntimeModelID: "finetune-1"},
	}

	merged := mergeModels(builtin, user)

	require.Len(t, merged, 3)
	assert.Equal(t, "whisper-trt", merged["general"].Runtime)
	assert.Equal(t, "conformer-ctc", merged["keepme"].Runtime)
	assert.Equal(t, "finetune-1", merged["custom"].RuntimeModelID)
}

func TestMergeModelsCopiesBuiltinSlices(t *testing.T) {
	builtin := map[string]ModelEntry{
		"general": {Runtime: "whisper-ct2", Aliases: []string{"default"}},
	}

	merged := mergeModels(builtin, nil)
	merged["general"].Aliases[0] = "mutated"

	// The built-in definition must not observe the mutation
	assert.Equal(t, "default", builtin["general"].Aliases[0])
}

func TestMergeRuntimes(t *testing.T) {
	builtin := map[string]string{"prepare": "audio-prep", "diarize": "diarizer"}
	user := map[string]string{"diarize": "pyannote"}

	merged := mergeRuntimes(builtin, user)

	assert.Equal(t, "audio-prep", merged["prepare"])
	assert.Equal(t, "pyannote", merged["diarize"])
}

func TestBuiltinConfigSingleton(t *testing.T) {
	a := GetBuiltinConfig()
	b := GetBuiltinConfig()

	assert.Same(t, a, b)
	assert.NotEmpty(t, a.Models)
	assert.Contains(t, a.Models, a.DefaultModel)
	assert.NotEmpty(t, a.RuntimeByStage["transcribe"])
}
