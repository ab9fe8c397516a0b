package riskscore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mindcare/mindcare/internal/platform/blobstore"
	"github.com/mindcare/mindcare/internal/risk/gbt"
)

// ModelStore reads and writes the live model artifact. Each save also keeps
// an immutable copy under the model version so earlier models can be
// restored.
type ModelStore struct {
	blobs blobstore.BlobStore
	key   string
}

func NewModelStore(blobs blobstore.BlobStore, key string) *ModelStore {
	return &ModelStore{blobs: blobs, key: key}
}

func (s *ModelStore) Key() string {
	return s.key
}

func (s *ModelStore) Blobs() blobstore.BlobStore {
	return s.blobs
}

func (s *ModelStore) versionPrefix() string {
	return s.key + ".versions/"
}

// VersionKey is where the immutable copy of version is kept.
func (s *ModelStore) VersionKey(version string) string {
	return s.versionPrefix() + version + ".json"
}

// ModelVersion is one stored model that ReloadModel can roll back to.
type ModelVersion struct {
	Version  string    `json:"version"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Versions lists the stored versions, oldest first.
func (s *ModelStore) Versions(ctx context.Context) ([]ModelVersion, error) {
	blobs, err := s.blobs.List(ctx, s.versionPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]ModelVersion, 0, len(blobs))
	for _, b := range blobs {
		name := strings.TrimPrefix(b.Key, s.versionPrefix())
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, ModelVersion{Version: strings.TrimSuffix(name, ".json"), Size: b.Size, StoredAt: b.CreatedAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	return out, nil
}

func (s *ModelStore) Save(ctx context.Context, m *gbt.Model) (*blobstore.Metadata, error) {
	var buf bytes.Buffer
	if err := gbt.Save(&buf, m); err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	if _, err := s.blobs.Put(ctx, s.VersionKey(m.Version), "application/json", bytes.NewReader(buf.Bytes())); err != nil {
		return nil, fmt.Errorf("store model %s: %w", m.Version, err)
	}
	meta, err := s.blobs.Put(ctx, s.key, "application/json", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("store live model: %w", err)
	}
	return meta, nil
}

// Load returns the live model. blobstore.ErrBlobNotFound means nothing has
// been trained yet.
func (s *ModelStore) Load(ctx context.Context) (*gbt.Model, error) {
	return s.load(ctx, s.key)
}

func (s *ModelStore) LoadVersion(ctx context.Context, version string) (*gbt.Model, error) {
	return s.load(ctx, s.VersionKey(version))
}

func (s *ModelStore) load(ctx context.Context, key string) (*gbt.Model, error) {
	rc, _, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	m, err := gbt.Load(rc)
	if err != nil {
		return nil, fmt.Errorf("decode model %s: %w", key, err)
	}
	return m, nil
}
