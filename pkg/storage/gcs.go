package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/dalston-ai/dalston/pkg/config"
)

const gcsOpTimeout = 2 * time.Minute

// GCSStore stores artifacts in a Google Cloud Storage bucket. Reads accept
// URIs for any bucket the credentials can see, so gateway-supplied audio_uri
// values outside the artifact bucket still resolve.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore connects a store to the configured bucket.
func NewGCSStore(ctx context.Context, cfg *config.StorageConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs storage requires a bucket")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// URI resolves a key to its gs:// form.
func (s *GCSStore) URI(key string) string {
	return "gs://" + s.bucket + "/" + s.objectKey(key)
}

// parseGSURI splits gs://bucket/object into its parts.
func parseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %s", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// URI: %s", uri)
	}
	return bucket, object, nil
}

// Put writes data under key and returns the artifact's gs:// URI.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(s.objectKey(key)).NewWriter(ctx)
	if strings.HasSuffix(key, ".json") {
		w.ContentType = "application/json"
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer for %s: %w", key, err)
	}
	return s.URI(key), nil
}

// Get fetches an artifact by gs:// URI.
func (s *GCSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := parseGSURI(uri)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

// Exists reports whether the artifact at uri exists. ErrObjectNotExist maps
// to (false, nil); every other failure is surfaced so callers can tell a
// missing artifact from a broken lookup.
func (s *GCSStore) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, object, err := parseGSURI(uri)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = s.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

// DeletePrefix removes every artifact under the key prefix.
func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: s.objectKey(prefix)})
	removed := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			if errors.Is(err, gcs.ErrObjectNotExist) {
				continue
			}
			return removed, fmt.Errorf("failed to delete %s: %w", attrs.Name, err)
		}
		removed++
	}
	return removed, nil
}
