// Package storage provides the artifact store: task inputs and outputs,
// referenced by URI from the database, live in object storage. The
// orchestrator writes input artifacts at enqueue time, engines write output
// artifacts, and the reconciler treats the presence of an output artifact as
// evidence that a task finished even when its completion event was lost.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the artifact definitively does not exist. Any other
// error from a lookup is transient: the caller must not conclude absence.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact store. Keys are slash-separated paths relative to
// the store's root; URIs are absolute (gs://bucket/key or mem://key) so that
// rows in the database stay meaningful if the root moves.
type Store interface {
	// Put writes data under key and returns the artifact's absolute URI.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get fetches an artifact by absolute URI. Returns ErrNotFound when the
	// artifact definitively does not exist.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Exists reports whether the artifact at uri exists. A non-nil error
	// means the lookup itself failed and existence is unknown.
	Exists(ctx context.Context, uri string) (bool, error)

	// DeletePrefix removes every artifact whose key starts with prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// URI resolves a key to the absolute URI Put would return, without
	// writing anything.
	URI(key string) string
}

// InputKey is where a task's input artifact lives.
func InputKey(jobID, taskID string) string {
	return "jobs/" + jobID + "/tasks/" + taskID + "/input.json"
}

// OutputKey is where a task's output artifact is expected. Engines write
// here; the reconciler checks here when settling orphaned tasks.
func OutputKey(jobID, taskID string) string {
	return "jobs/" + jobID + "/tasks/" + taskID + "/output.json"
}

// JobPrefix covers every artifact belonging to a job, for retention purges
// and job deletion.
func JobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}
