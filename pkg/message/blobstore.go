package message

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore is the optional external backend an Attachment's
// ExternalURL/Hash pair is resolved against when Data is omitted (§3.1
// expansion). Grounded on pkg/artifacts/s3_store.go's content-addressed
// Store/Get/Exists shape.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (hash string, err error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// S3BlobStore implements BlobStore against an S3-compatible bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3BlobStoreConfig configures an S3BlobStore.
type S3BlobStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack; sets path-style addressing
	Prefix   string
}

// NewS3BlobStore loads the default AWS credential chain and returns a
// BlobStore backed by the configured bucket.
func NewS3BlobStore(ctx context.Context, cfg S3BlobStoreConfig) (*S3BlobStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("message: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3BlobStore) key(hash string) string { return s.prefix + hash + ".blob" }

// Put uploads data, keyed by its own sha256 hex digest, and returns that
// digest (idempotent: an existing object with the same hash is left
// untouched).
func (s *S3BlobStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if exists, err := s.Exists(ctx, hash); err == nil && exists {
		return hash, nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("message: s3 put: %w", err)
	}
	return hash, nil
}

// Get downloads the blob stored under hash.
func (s *S3BlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fmt.Errorf("message: s3 get %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Exists reports whether a blob is already stored under hash.
func (s *S3BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// ResolveAttachment returns an attachment's content, fetching it from
// store when Data is empty and ExternalURL/Hash are set (§3.1
// expansion). A nil store with an externally-referenced attachment is
// an error: the caller configured no blob backend for a message that
// needs one.
func ResolveAttachment(ctx context.Context, a Attachment, store BlobStore) ([]byte, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	if a.ExternalURL == "" {
		return nil, fmt.Errorf("message: attachment %s has neither inline data nor an external reference", a.ID)
	}
	if store == nil {
		return nil, fmt.Errorf("message: attachment %s requires a blob backend, none configured", a.ID)
	}
	data, err := store.Get(ctx, a.Hash)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != a.Hash {
		return nil, fmt.Errorf("message: attachment %s: blob content hash mismatch", a.ID)
	}
	return data, nil
}
