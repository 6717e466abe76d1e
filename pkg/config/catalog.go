// Package config provides configuration management for the Dalston system,
// including the model catalog, pipeline defaults, and tuning knobs for the
// queue, registry, reconciler, and retention subsystems.
package config

import (
	"fmt"
	"sort"
	"sync"
)

// Capabilities a catalog model can declare.
const (
	// CapabilityNativeWordTimestamps marks engines that emit word-level
	// timestamps directly, making a separate align stage unnecessary.
	CapabilityNativeWordTimestamps = "native_word_timestamps"

	// CapabilityLanguageID marks engines that detect the spoken language.
	CapabilityLanguageID = "language_id"
)

// ModelEntry describes one model in the catalog: the mapping from a
// user-facing model id to the runtime engine that executes it.
type ModelEntry struct {
	// Aliases are alternative user-facing names resolving to this entry.
	Aliases []string `yaml:"aliases,omitempty"`

	// Runtime is the logical engine_id placed on transcribe tasks.
	Runtime string `yaml:"runtime"`

	// RuntimeModelID selects a specific model within the runtime
	// (passed through in the task config; empty = runtime default).
	RuntimeModelID string `yaml:"runtime_model_id,omitempty"`

	// Capabilities the runtime provides for this model.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`
}

// HasCapability reports whether the entry declares the given capability.
func (m *ModelEntry) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// CatalogRegistry stores model catalog entries in memory with thread-safe
// access. Lookups resolve both canonical ids and aliases.
type CatalogRegistry struct {
	models  map[string]*ModelEntry
	aliases map[string]string // alias → canonical id
	mu      sync.RWMutex
}

// NewCatalogRegistry creates a catalog registry and builds the alias index.
func NewCatalogRegistry(models map[string]*ModelEntry) *CatalogRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ModelEntry, len(models))
	aliases := make(map[string]string)
	for id, entry := range models {
		copied[id] = entry
		for _, alias := range entry.Aliases {
			aliases[alias] = id
		}
	}
	return &CatalogRegistry{
		models:  copied,
		aliases: aliases,
	}
}

// Resolve looks up a model by canonical id or alias and returns the entry
// together with its canonical id.
func (r *CatalogRegistry) Resolve(nameOrAlias string) (*ModelEntry, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.models[nameOrAlias]; ok {
		return entry, nameOrAlias, nil
	}
	if canonical, ok := r.aliases[nameOrAlias]; ok {
		return r.models[canonical], canonical, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrModelNotFound, nameOrAlias)
}

// Has returns true if the given canonical id or alias resolves.
func (r *CatalogRegistry) Has(nameOrAlias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.models[nameOrAlias]; ok {
		return true
	}
	_, ok := r.aliases[nameOrAlias]
	return ok
}

// GetAll returns all catalog entries keyed by canonical id (thread-safe, returns copy)
func (r *CatalogRegistry) GetAll() map[string]*ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ModelEntry, len(r.models))
	for id, entry := range r.models {
		result[id] = entry
	}
	return result
}

// ModelIDs returns a sorted list of canonical model ids.
func (r *CatalogRegistry) ModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of catalog entries.
func (r *CatalogRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
