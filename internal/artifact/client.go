package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"media-worker/internal/config"
	"media-worker/internal/models"
)

var (
	// ErrNotFound means the referenced content is absent from the store.
	ErrNotFound = errors.New("artifact not found")
	// ErrIntegrityMismatch means downloaded bytes hash differently than the
	// reference claims. The store is corrupt for that key.
	ErrIntegrityMismatch = errors.New("artifact integrity mismatch")
)

// objectAPI is the slice of the S3 client the artifact store uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// uploadAPI is the streaming upload surface (satisfied by manager.Uploader).
type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Client is a content-addressed artifact store on top of an S3-compatible
// bucket. Keys are derived from the SHA-256 of the content, so writes are
// idempotent and concurrent producers of identical bytes never conflict.
type Client struct {
	api      objectAPI
	uploader uploadAPI
	bucket   string
}

// NewClient builds an artifact store client from config.
func NewClient(ctx context.Context, cfg config.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &Client{
		api:      client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
	}, nil
}

func keyForHash(hash string) string {
	return "sha256/" + hash
}

// ValidRef reports whether a reference is well-formed.
func ValidRef(ref models.ArtifactRef) bool {
	if len(ref.Hash) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(ref.Hash); err != nil {
		return false
	}
	return true
}

// Put uploads content under its hash key, skipping the upload when the key
// already exists. Re-uploading identical content is a no-op.
func (c *Client) Put(ctx context.Context, data []byte) (models.ArtifactRef, error) {
	sum := sha256.Sum256(data)
	ref := models.ArtifactRef{
		Hash: hex.EncodeToString(sum[:]),
		Key:  keyForHash(hex.EncodeToString(sum[:])),
		Size: int64(len(data)),
	}

	exists, err := c.exists(ctx, ref.Key)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	if exists {
		return ref, nil
	}

	contentType := mimetype.Detect(data).String()
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(ref.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("put object: %w", err)
	}
	return ref, nil
}

// Get downloads content by reference and verifies its hash.
func (c *Client) Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.Hash {
		return nil, ErrIntegrityMismatch
	}
	return data, nil
}

// PutFile streams a file into the store without buffering it in memory.
// The file is hashed in a first pass to derive the key, then handed to the
// multipart uploader.
func (c *Client) PutFile(ctx context.Context, path string) (models.ArtifactRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("hash %s: %w", path, err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	ref := models.ArtifactRef{Hash: hash, Key: keyForHash(hash), Size: size}

	exists, err := c.exists(ctx, ref.Key)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	if exists {
		return ref, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("rewind %s: %w", path, err)
	}
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}
	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(ref.Key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("upload %s: %w", path, err)
	}
	return ref, nil
}

// GetFile streams a referenced object to disk, hashing as it writes, and
// removes the file again on an integrity mismatch.
func (c *Client) GetFile(ctx context.Context, ref models.ArtifactRef, path string) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return ErrNotFound
		}
		return fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), out.Body); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if hex.EncodeToString(hasher.Sum(nil)) != ref.Hash {
		_ = os.Remove(path)
		return ErrIntegrityMismatch
	}
	return nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("head object: %w", err)
}
