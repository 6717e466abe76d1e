package config

// Storage backends.
const (
	StorageBackendGCS    = "gcs"
	StorageBackendMemory = "memory"
)

// StorageConfig holds resolved artifact storage configuration.
type StorageConfig struct {
	Backend string // "gcs" or "memory" (default: "gcs")
	Bucket  string // GCS bucket name (required for gcs backend)
	Prefix  string // Optional object key prefix, e.g. "dalston"
}

// APIConfig holds resolved HTTP API configuration.
type APIConfig struct {
	ListenAddr string // Address the gateway listens on (default: ":8080")
}
