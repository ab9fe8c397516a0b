package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeS3 is a map-backed stand-in for the S3 client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	failErr error
	puts    []*s3.PutObjectInput
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	f.objects[*in.Bucket+"/"+*in.Key] = fakeObject{body: data, contentType: aws.ToString(in.ContentType), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) lookup(bucket, key *string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[*bucket+"/"+*key]
	return o, ok
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	o, ok := f.lookup(in.Bucket, in.Key)
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.body)),
		ContentType:   aws.String(o.contentType),
		ContentLength: aws.Int64(int64(len(o.body))),
		Metadata:      o.metadata,
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	o, ok := f.lookup(in.Bucket, in.Key)
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentType:   aws.String(o.contentType),
		ContentLength: aws.Int64(int64(len(o.body))),
		Metadata:      o.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 returns two keys per page so the paginator is exercised.
func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		key := strings.TrimPrefix(k, bucket)
		if strings.HasPrefix(k, bucket) && strings.HasPrefix(key, aws.ToString(in.Prefix)) && key > aws.ToString(in.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(len(keys) > 2)}
	if len(keys) > 2 {
		keys = keys[:2]
		out.NextContinuationToken = aws.String(keys[1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(f.objects[bucket+key].body))),
			LastModified: aws.Time(time.Now()),
		})
	}
	return out, nil
}

func newFileStore(t *testing.T) BlobStore {
	t.Helper()
	s, err := NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore: %v", err)
	}
	return s
}

// backends runs the shared contract against every implementation.
func backends(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"memory": NewInMemoryBlobStore(),
		"file":   newFileStore(t),
		"s3":     &S3BlobStore{client: newFakeS3(), bucket: "models"},
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

// ---------------------------------------------------------------------------
// Store contract
// ---------------------------------------------------------------------------

func TestBlobStore_PutGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := `{"version":"gbt-1"}`
			meta, err := store.Put(ctx, "models/crisis_detector.json", "application/json", strings.NewReader(content))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			wantHash := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if meta.Hash != wantHash {
				t.Errorf("expected hash %s, got %s", wantHash, meta.Hash)
			}
			if meta.Size != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), meta.Size)
			}

			rc, got, err := store.Get(ctx, "models/crisis_detector.json")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if body := readAll(t, rc); body != content {
				t.Errorf("expected %q, got %q", content, body)
			}
			if got.ContentType != "application/json" {
				t.Errorf("expected application/json, got %s", got.ContentType)
			}
			if got.Hash != wantHash {
				t.Errorf("expected stored hash %s, got %s", wantHash, got.Hash)
			}
		})
	}
}

func TestBlobStore_PutReplaces(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "m.json", "application/json", strings.NewReader("v1")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := store.Put(ctx, "m.json", "application/json", strings.NewReader("v2")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			rc, _, err := store.Get(ctx, "m.json")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if body := readAll(t, rc); body != "v2" {
				t.Errorf("expected v2, got %q", body)
			}
		})
	}
}

func TestBlobStore_NotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, _, err := store.Get(ctx, "missing.json"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Get: expected ErrBlobNotFound, got %v", err)
			}
			if _, err := store.Stat(ctx, "missing.json"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Stat: expected ErrBlobNotFound, got %v", err)
			}
			if err := store.Delete(ctx, "missing.json"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestBlobStore_Delete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "a/b.json", "application/json", strings.NewReader("x")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Delete(ctx, "a/b.json"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Stat(ctx, "a/b.json"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected blob to be gone, got %v", err)
			}
		})
	}
}

func TestBlobStore_List(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{
				"crisis.json",
				"crisis.json.versions/gbt-3.json",
				"crisis.json.versions/gbt-1.json",
				"crisis.json.versions/gbt-2.json",
				"other/readme.txt",
			} {
				if _, err := store.Put(ctx, key, "application/json", strings.NewReader(key)); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}

			got, err := store.List(ctx, "crisis.json.versions/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var keys []string
			for _, m := range got {
				keys = append(keys, m.Key)
			}
			want := "crisis.json.versions/gbt-1.json crisis.json.versions/gbt-2.json crisis.json.versions/gbt-3.json"
			if strings.Join(keys, " ") != want {
				t.Errorf("expected %s, got %v", want, keys)
			}
			if got[0].Size != int64(len("crisis.json.versions/gbt-1.json")) {
				t.Errorf("unexpected size %d", got[0].Size)
			}

			all, err := store.List(ctx, "")
			if err != nil || len(all) != 5 {
				t.Errorf("expected 5 blobs with empty prefix, got %d (%v)", len(all), err)
			}
			none, err := store.List(ctx, "missing/")
			if err != nil || len(none) != 0 {
				t.Errorf("expected no blobs, got %v (%v)", none, err)
			}
		})
	}
}

func TestBlobStore_InvalidKey(t *testing.T) {
	keys := []string{"", "/abs.json", "../escape.json", "a//b.json", "a/./b.json"}
	for name, store := range backends(t) {
		for _, key := range keys {
			if _, err := store.Put(context.Background(), key, "text/plain", strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("%s: key %q: expected ErrInvalidKey, got %v", name, key, err)
			}
		}
	}
}

func TestBlobStore_TooLarge(t *testing.T) {
	store := NewInMemoryBlobStore()
	big := io.LimitReader(zeroReader{}, MaxBlobSize+1)
	if _, err := store.Put(context.Background(), "big.bin", "application/octet-stream", big); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("m-%d.json", i%4)
			if _, err := store.Put(context.Background(), key, "application/json", strings.NewReader("x")); err != nil {
				t.Errorf("Put: %v", err)
			}
			if _, err := store.Stat(context.Background(), key); err != nil {
				t.Errorf("Stat: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// S3 specifics
// ---------------------------------------------------------------------------

func TestS3BlobStore_PutObjectInput(t *testing.T) {
	fake := newFakeS3()
	store := &S3BlobStore{client: fake, bucket: "models"}
	if _, err := store.Put(context.Background(), "crisis.json", "application/json", strings.NewReader("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("expected 1 PutObject call, got %d", len(fake.puts))
	}
	in := fake.puts[0]
	if aws.ToString(in.Bucket) != "models" || aws.ToString(in.Key) != "crisis.json" {
		t.Errorf("unexpected target s3://%s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if in.ACL != types.ObjectCannedACLPrivate {
		t.Errorf("expected private ACL, got %s", in.ACL)
	}
	if in.Metadata[metaHash] == "" {
		t.Error("expected sha256 user metadata")
	}
}

func TestS3BlobStore_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.failErr = fmt.Errorf("access denied")
	store := &S3BlobStore{client: fake, bucket: "models"}
	_, err := store.Put(context.Background(), "crisis.json", "application/json", strings.NewReader("{}"))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("expected wrapped access denied error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func serveArtifact(store BlobStore, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	NewBlobHandler(store, "models/crisis.json").RegisterRoutes(e.Group("/admin/risk-model"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBlobHandler_Download(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta, err := store.Put(context.Background(), "models/crisis.json", "application/json", strings.NewReader(`{"v":1}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := serveArtifact(store, httptest.NewRequest(http.MethodGet, "/admin/risk-model/artifact", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"v":1}` {
		t.Fatalf("expected artifact body, got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, `filename="crisis.json"`) {
		t.Errorf("unexpected Content-Disposition %q", got)
	}
	tag := rec.Header().Get("ETag")
	if tag != `"`+meta.Hash+`"` {
		t.Errorf("expected ETag of hash, got %q", tag)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/risk-model/artifact", nil)
	req.Header.Set("If-None-Match", tag)
	if rec := serveArtifact(store, req); rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Errorf("expected 304 with empty body, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/risk-model/artifact", nil)
	req.Header.Set("If-None-Match", `"stale"`)
	if rec := serveArtifact(store, req); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a stale tag, got %d", rec.Code)
	}
}

func TestBlobHandler_NotFound(t *testing.T) {
	store := NewInMemoryBlobStore()
	for _, path := range []string{"/admin/risk-model/artifact", "/admin/risk-model/artifact/metadata"} {
		if rec := serveArtifact(store, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}
