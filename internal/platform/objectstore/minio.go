// Package objectstore backs attachment requirements with a MinIO bucket.
// Record attachments live under <module>/<record_id>/ prefixes; the engine
// only needs to count them, never read them.
package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketAttachments)
	if err != nil {
		return fmt.Errorf("attachments bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BucketAttachments, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make attachments bucket: %w", err)
	}
	return nil
}

// AttachmentStore counts stored attachments for a record.
type AttachmentStore struct {
	client *minio.Client
	bucket string
}

func NewAttachmentStore(client *minio.Client, cfg Config) *AttachmentStore {
	if client == nil {
		return nil
	}
	return &AttachmentStore{client: client, bucket: cfg.BucketAttachments}
}

// CountAttachments lists objects under the record's prefix. Counting stops at
// max when max > 0, which is all requirement checks need.
func (s *AttachmentStore) CountAttachments(ctx context.Context, module, recordID string, max int) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("attachment store not initialized")
	}
	module = strings.TrimSpace(module)
	recordID = strings.TrimSpace(recordID)
	if module == "" || recordID == "" {
		return 0, fmt.Errorf("module and record id are required")
	}

	prefix := module + "/" + recordID + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	count := 0
	for object := range objects {
		if object.Err != nil {
			return 0, fmt.Errorf("list attachments: %w", object.Err)
		}
		count++
		if max > 0 && count >= max {
			break
		}
	}
	return count, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
