package config

// mergeModels merges built-in and user-defined catalog entries.
// User-defined models override built-in models with the same id.
func mergeModels(builtinModels map[string]ModelEntry, userModels map[string]ModelEntry) map[string]*ModelEntry {
	result := make(map[string]*ModelEntry)

	// First, add built-in models
	for id, entry := range builtinModels {
		// Defensive copies of slices to prevent shared state
		entryCopy := entry
		entryCopy.Aliases = append([]string(nil), entry.Aliases...)
		entryCopy.Capabilities = append([]string(nil), entry.Capabilities...)
		result[id] = &entryCopy
	}

	// Then, override with user-defined models (or add new ones)
	for id, userEntry := range userModels {
		entryCopy := userEntry
		result[id] = &entryCopy
	}

	return result
}

// mergeRuntimes merges the built-in stage → engine mapping with user overrides.
func mergeRuntimes(builtinRuntimes map[string]string, userRuntimes map[string]string) map[string]string {
	result := make(map[string]string, len(builtinRuntimes))
	for stage, engine := range builtinRuntimes {
		result[stage] = engine
	}
	for stage, engine := range userRuntimes {
		result[stage] = engine
	}
	return result
}
