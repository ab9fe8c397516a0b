// Package blobstore keeps versioned binary artifacts, such as trained crisis
// models, behind one small interface. Backends are in-memory (tests and
// development), the local filesystem and S3.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("blob exceeds maximum allowed size")
	ErrInvalidKey   = errors.New("blob key is invalid")
)

// MaxBlobSize is the largest artifact accepted (64 MB).
const MaxBlobSize = 64 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Metadata describes a stored blob.
type Metadata struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for blob storage backends. Put replaces any
// existing blob under the same key. List returns the blobs whose key starts
// with prefix, ordered by key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Metadata, error)
	Stat(ctx context.Context, key string) (*Metadata, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Metadata, error)
}

// validateKey rejects empty keys and path traversal.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// readLimited buffers content so the size and hash are known up front.
func readLimited(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, "", ErrFileTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Metadata, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	meta := Metadata{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Stat(_ context.Context, key string) (*Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata // copy
	return &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]Metadata, error) {
	s.mu.RLock()
	out := make([]Metadata, 0, len(s.blobs))
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, blob.metadata)
		}
	}
	s.mu.RUnlock()
	sortByKey(out)
	return out, nil
}

func sortByKey(m []Metadata) {
	sort.Slice(m, func(i, j int) bool { return m[i].Key < m[j].Key })
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler gives operators read-only access to one artifact key, typically
// the live model. Downloads honour If-None-Match against the content hash.
type BlobHandler struct {
	store BlobStore
	key   string
}

func NewBlobHandler(store BlobStore, key string) *BlobHandler {
	return &BlobHandler{store: store, key: key}
}

// RegisterRoutes mounts the artifact routes on g.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/artifact", h.handleDownload)
	g.GET("/artifact/metadata", h.handleGetMetadata)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	ctx := c.Request().Context()
	if inm := c.Request().Header.Get("If-None-Match"); inm != "" {
		if meta, err := h.store.Stat(ctx, h.key); err == nil && meta.Hash != "" && inm == etag(meta) {
			c.Response().Header().Set("ETag", etag(meta))
			return c.NoContent(http.StatusNotModified)
		}
	}

	rc, meta, err := h.store.Get(ctx, h.key)
	if err != nil {
		return storeError(err)
	}
	defer rc.Close()

	name := h.key
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	if meta.Hash != "" {
		c.Response().Header().Set("ETag", etag(meta))
	}
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.Stat(c.Request().Context(), h.key)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func etag(m *Metadata) string {
	return `"` + m.Hash + `"`
}

func storeError(err error) error {
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
