package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uri, err := s.Put(ctx, InputKey("job-1", "task-1"), []byte(`{"audio_uri":"gs://a/b.wav"}`))
	require.NoError(t, err)
	assert.Equal(t, "mem://jobs/job-1/tasks/task-1/input.json", uri)

	data, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.JSONEq(t, `{"audio_uri":"gs://a/b.wav"}`, string(data))

	ok, err := s.Exists(ctx, uri)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "mem://jobs/nope/output.json")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "mem://jobs/nope/output.json")
	require.NoError(t, err)
	assert.False(t, ok)

	// Malformed URIs are errors, not absence
	_, err = s.Exists(ctx, "gs://other/key")
	require.Error(t, err)
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Put(ctx, OutputKey("job-1", "task-1"), []byte("a"))
	require.NoError(t, err)
	_, err = s.Put(ctx, OutputKey("job-1", "task-2"), []byte("b"))
	require.NoError(t, err)
	_, err = s.Put(ctx, OutputKey("job-2", "task-1"), []byte("c"))
	require.NoError(t, err)

	removed, err := s.DeletePrefix(ctx, JobPrefix("job-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())

	ok, err := s.Exists(ctx, s.URI(OutputKey("job-2", "task-1")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseGSURI(t *testing.T) {
	bucket, object, err := parseGSURI("gs://dalston-artifacts/jobs/j/tasks/t/input.json")
	require.NoError(t, err)
	assert.Equal(t, "dalston-artifacts", bucket)
	assert.Equal(t, "jobs/j/tasks/t/input.json", object)

	_, _, err = parseGSURI("s3://bucket/key")
	require.Error(t, err)

	_, _, err = parseGSURI("gs://bucket-only")
	require.Error(t, err)
}
