// Package objectstore uploads execution result archives to S3-compatible
// storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hochfrequenz/testbed-orchestrator/internal/config"
	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// Validate checks an object store configuration
func Validate(c config.ObjectStoreConfig) error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Uploader stores result archives in one bucket
type Uploader struct {
	client *minio.Client
	bucket string
	region string

	once      sync.Once
	bucketErr error
}

// NewUploader creates an uploader; no request is made until the first upload
func NewUploader(cfg config.ObjectStoreConfig) (*Uploader, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return &Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// ObjectKey returns the key an execution archive is stored under
func ObjectKey(id domain.ExecutionID, path string) string {
	return fmt.Sprintf("executions/%d/%s", id, filepath.Base(path))
}

// Upload stores the file at path and returns its object key
func (u *Uploader) Upload(ctx context.Context, id domain.ExecutionID, path string) (string, error) {
	u.once.Do(func() {
		u.bucketErr = ensureBucket(ctx, u.client, u.bucket, u.region)
	})
	if u.bucketErr != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", u.bucket, u.bucketErr)
	}

	key := ObjectKey(id, path)
	_, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
		ContentType:  "application/zip",
		UserMetadata: map[string]string{"execution-id": fmt.Sprint(id)},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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
