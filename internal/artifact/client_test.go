package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"media-worker/internal/models"
)

// fakeBucket implements the objectAPI and uploadAPI slices in memory so
// idempotence and integrity behavior can be tested without a real store.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if _, err := f.PutObject(ctx, in); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}

func newTestClient() (*Client, *fakeBucket) {
	b := newFakeBucket()
	return &Client{api: b, uploader: b, bucket: "test"}, b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient()

	for _, data := range [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 4*1024*1024),
	} {
		ref, err := client.Put(ctx, data)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := client.Get(ctx, ref)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch for %d bytes", len(data))
		}
	}
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, bucket := newTestClient()

	data := []byte("same content twice")
	ref1, err := client.Put(ctx, data)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	ref2, err := client.Put(ctx, data)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("identical content produced different refs: %v vs %v", ref1, ref2)
	}
	if bucket.puts != 1 {
		t.Fatalf("expected exactly one upload, got %d", bucket.puts)
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient()

	ref := models.ArtifactRef{
		Hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Key:  "sha256/e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
	if _, err := client.Get(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetIntegrityMismatch(t *testing.T) {
	ctx := context.Background()
	client, bucket := newTestClient()

	ref, err := client.Put(ctx, []byte("original"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	// Corrupt the stored object behind the client's back.
	bucket.mu.Lock()
	bucket.objects[ref.Key] = []byte("corrupted")
	bucket.mu.Unlock()

	if _, err := client.Get(ctx, ref); !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("expected ErrIntegrityMismatch, got %v", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient()

	dir := t.TempDir()
	src := filepath.Join(dir, "input.bin")
	payload := bytes.Repeat([]byte("stream me "), 100_000)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	ref, err := client.PutFile(ctx, src)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	if ref.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), ref.Size)
	}

	dst := filepath.Join(dir, "output.bin")
	if err := client.GetFile(ctx, ref, dst); err != nil {
		t.Fatalf("get file: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("file round trip mismatch")
	}
}

func TestGetFileIntegrityMismatchRemovesOutput(t *testing.T) {
	ctx := context.Background()
	client, bucket := newTestClient()

	ref, err := client.Put(ctx, []byte("good bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	bucket.mu.Lock()
	bucket.objects[ref.Key] = []byte("bad bytes")
	bucket.mu.Unlock()

	dst := filepath.Join(t.TempDir(), "out.bin")
	if err := client.GetFile(ctx, ref, dst); !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("expected ErrIntegrityMismatch, got %v", err)
	}
	if _, err := os.Stat(dst); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("corrupt download should be removed, stat err=%v", err)
	}
}

func TestValidRef(t *testing.T) {
	if ValidRef(models.ArtifactRef{Hash: "abc"}) {
		t.Fatal("short hash should be invalid")
	}
	if ValidRef(models.ArtifactRef{Hash: "zz" + string(bytes.Repeat([]byte("a"), 62))}) {
		t.Fatal("non-hex hash should be invalid")
	}
	if !ValidRef(models.ArtifactRef{Hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}) {
		t.Fatal("well-formed hash should be valid")
	}
}
