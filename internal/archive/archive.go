// Package archive keeps a copy of every sent introduction in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type bucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes sent messages as <connection-id>/<timestamp>.eml objects.
type Store struct {
	client bucketClient
	bucket string

	mu       sync.Mutex
	bucketOK bool
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newWithClient(client, cfg.Bucket), nil
}

func newWithClient(client bucketClient, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// ObjectName is the key a message sent at sentAt is stored under.
func ObjectName(connectionID string, sentAt time.Time) string {
	return fmt.Sprintf("%s/%s.eml", connectionID, sentAt.UTC().Format("20060102T150405.000000000Z"))
}

func (s *Store) Put(ctx context.Context, connectionID string, sentAt time.Time, raw []byte) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	name := ObjectName(connectionID, sentAt)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "message/rfc822",
		UserMetadata: map[string]string{
			"connection-id": connectionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return name, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketOK {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	s.bucketOK = true
	return nil
}
